// Package providertest provides an in-memory payment provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/herdpay/internal/payment/provider"
)

// Fake records every call and returns deterministic ids. Set Err to make
// every call fail.
type Fake struct {
	mu sync.Mutex

	Err           error
	Accounts      map[string]provider.ConnectedAccount
	Subscriptions map[string]provider.Subscription

	CheckoutRequests []provider.CheckoutSessionRequest
	AccountRequests  []provider.ConnectedAccountRequest
	IntentRequests   []provider.PaymentIntentRequest
	TransferRequests []provider.TransferRequest
	OnboardingLinks  []string

	seq int
}

func NewFake() *Fake {
	return &Fake{
		Accounts:      map[string]provider.ConnectedAccount{},
		Subscriptions: map[string]provider.Subscription{},
	}
}

var _ provider.Client = (*Fake)(nil)

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) CreateCheckoutSession(_ context.Context, req provider.CheckoutSessionRequest) (provider.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return provider.CheckoutSession{}, f.Err
	}
	f.CheckoutRequests = append(f.CheckoutRequests, req)
	id := f.next("cs_test")
	return provider.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (f *Fake) GetSubscription(_ context.Context, providerSubscriptionID string) (provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return provider.Subscription{}, f.Err
	}
	sub, ok := f.Subscriptions[providerSubscriptionID]
	if !ok {
		return provider.Subscription{}, fmt.Errorf("no such subscription: %s", providerSubscriptionID)
	}
	return sub, nil
}

func (f *Fake) CreateConnectedAccount(_ context.Context, req provider.ConnectedAccountRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.AccountRequests = append(f.AccountRequests, req)
	id := f.next("acct")
	f.Accounts[id] = provider.ConnectedAccount{ID: id}
	return id, nil
}

func (f *Fake) GetConnectedAccount(_ context.Context, connectedAccountID string) (provider.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return provider.ConnectedAccount{}, f.Err
	}
	account, ok := f.Accounts[connectedAccountID]
	if !ok {
		return provider.ConnectedAccount{}, fmt.Errorf("no such account: %s", connectedAccountID)
	}
	return account, nil
}

func (f *Fake) CreateOnboardingLink(_ context.Context, connectedAccountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.OnboardingLinks = append(f.OnboardingLinks, connectedAccountID)
	return "https://connect.example/onboard/" + connectedAccountID, nil
}

func (f *Fake) CreatePaymentIntent(_ context.Context, req provider.PaymentIntentRequest) (provider.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return provider.PaymentIntent{}, f.Err
	}
	f.IntentRequests = append(f.IntentRequests, req)
	id := f.next("pi")
	return provider.PaymentIntent{ID: id, ClientSecret: id + "_secret_test"}, nil
}

func (f *Fake) CreateTransfer(_ context.Context, req provider.TransferRequest) (provider.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return provider.Transfer{}, f.Err
	}
	f.TransferRequests = append(f.TransferRequests, req)
	return provider.Transfer{ID: f.next("tr")}, nil
}

// SetSubscription replaces the provider-side state of a subscription.
func (f *Fake) SetSubscription(sub provider.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions[sub.ID] = sub
}

// SetAccount replaces the provider-side state of a connected account.
func (f *Fake) SetAccount(account provider.ConnectedAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accounts[account.ID] = account
}
