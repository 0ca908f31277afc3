// Package provider wraps the external payment provider behind the narrow
// surface the reconciliation flows need. One configured client is built at
// startup and injected everywhere.
package provider

import (
	"context"
	"errors"
	"time"
)

const Name = "stripe"

var (
	ErrNotConfigured  = errors.New("payment_provider_not_configured")
	ErrInvalidRequest = errors.New("invalid_provider_request")
)

type Client interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	GetSubscription(ctx context.Context, providerSubscriptionID string) (Subscription, error)
	CreateConnectedAccount(ctx context.Context, req ConnectedAccountRequest) (string, error)
	GetConnectedAccount(ctx context.Context, connectedAccountID string) (ConnectedAccount, error)
	CreateOnboardingLink(ctx context.Context, connectedAccountID string) (string, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
}

type CheckoutSessionRequest struct {
	PriceID       string
	CustomerID    string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Subscription is the provider's view of a subscription. CurrentPeriodEnd
// is nil when the provider reports no billing period.
type Subscription struct {
	ID               string
	Status           string
	CurrentPeriodEnd *time.Time
}

type ConnectedAccountRequest struct {
	Email   string
	Country string
	// Metadata is copied onto the connected account.
	Metadata map[string]string
}

type ConnectedAccount struct {
	ID               string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

type PaymentIntentRequest struct {
	Amount        int64
	Currency      string
	TransferGroup string
	CustomerID    string
	Metadata      map[string]string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
}

type TransferRequest struct {
	Amount        int64
	Currency      string
	Destination   string
	TransferGroup string
	Metadata      map[string]string
}

type Transfer struct {
	ID string
}
