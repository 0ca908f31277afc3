package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/herdpay/internal/config"
	stripe "github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

type StripeClient struct {
	client *stripe.Client
	cfg    config.StripeConfig
	log    *zap.Logger
}

// NewStripeClient returns a client that fails every call with
// ErrNotConfigured when no secret key is set, so the webhook path keeps
// working in environments without API access.
func NewStripeClient(cfg config.Config, log *zap.Logger) Client {
	stripeCfg := cfg.Stripe
	client := &StripeClient{
		cfg: stripeCfg,
		log: log.Named("payment.provider.stripe"),
	}
	if key := strings.TrimSpace(stripeCfg.SecretKey); key != "" {
		client.client = stripe.NewClient(key)
	} else {
		client.log.Warn("stripe secret key not set, outbound provider calls disabled")
	}
	return client
}

func (c *StripeClient) ready() error {
	if c == nil || c.client == nil {
		return ErrNotConfigured
	}
	return nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if err := c.ready(); err != nil {
		return CheckoutSession{}, err
	}
	if strings.TrimSpace(req.PriceID) == "" {
		return CheckoutSession{}, ErrInvalidRequest
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(firstNonEmpty(req.SuccessURL, c.cfg.CheckoutSuccessURL)),
		CancelURL:  stripe.String(firstNonEmpty(req.CancelURL, c.cfg.CheckoutCancelURL)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		Metadata: req.Metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	session, err := c.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// GetSubscription reads the billing period from the subscription items; the
// latest item period end wins.
func (c *StripeClient) GetSubscription(ctx context.Context, providerSubscriptionID string) (Subscription, error) {
	if err := c.ready(); err != nil {
		return Subscription{}, err
	}
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return Subscription{}, ErrInvalidRequest
	}

	sub, err := c.client.V1Subscriptions.Retrieve(ctx, providerSubscriptionID, nil)
	if err != nil {
		return Subscription{}, fmt.Errorf("retrieve subscription: %w", err)
	}
	return Subscription{
		ID:               sub.ID,
		Status:           string(sub.Status),
		CurrentPeriodEnd: itemsPeriodEnd(sub.Items),
	}, nil
}

func itemsPeriodEnd(items *stripe.SubscriptionItemList) *time.Time {
	if items == nil {
		return nil
	}
	var latest int64
	for _, item := range items.Data {
		if item != nil && item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	if latest == 0 {
		return nil
	}
	end := time.Unix(latest, 0).UTC()
	return &end
}

func (c *StripeClient) CreateConnectedAccount(ctx context.Context, req ConnectedAccountRequest) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	params := &stripe.AccountCreateParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(firstNonEmpty(req.Country, c.cfg.ConnectCountry)),
		Capabilities: &stripe.AccountCreateCapabilitiesParams{
			CardPayments: &stripe.AccountCreateCapabilitiesCardPaymentsParams{
				Requested: stripe.Bool(true),
			},
			Transfers: &stripe.AccountCreateCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
		Metadata: req.Metadata,
	}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}

	account, err := c.client.V1Accounts.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create connected account: %w", err)
	}
	c.log.Info("connected account created", zap.String("connected_account_id", account.ID))
	return account.ID, nil
}

func (c *StripeClient) GetConnectedAccount(ctx context.Context, connectedAccountID string) (ConnectedAccount, error) {
	if err := c.ready(); err != nil {
		return ConnectedAccount{}, err
	}
	if strings.TrimSpace(connectedAccountID) == "" {
		return ConnectedAccount{}, ErrInvalidRequest
	}

	account, err := c.client.V1Accounts.GetByID(ctx, connectedAccountID, nil)
	if err != nil {
		return ConnectedAccount{}, fmt.Errorf("retrieve connected account: %w", err)
	}
	return ConnectedAccount{
		ID:               account.ID,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
		DetailsSubmitted: account.DetailsSubmitted,
	}, nil
}

func (c *StripeClient) CreateOnboardingLink(ctx context.Context, connectedAccountID string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if strings.TrimSpace(connectedAccountID) == "" {
		return "", ErrInvalidRequest
	}

	link, err := c.client.V1AccountLinks.Create(ctx, &stripe.AccountLinkCreateParams{
		Account:    stripe.String(connectedAccountID),
		RefreshURL: stripe.String(c.cfg.ConnectRefreshURL),
		ReturnURL:  stripe.String(c.cfg.ConnectReturnURL),
		Type:       stripe.String("account_onboarding"),
	})
	if err != nil {
		return "", fmt.Errorf("create account link: %w", err)
	}
	return link.URL, nil
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	if err := c.ready(); err != nil {
		return PaymentIntent{}, err
	}
	if req.Amount <= 0 {
		return PaymentIntent{}, ErrInvalidRequest
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(firstNonEmpty(req.Currency, c.cfg.DefaultCurrency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: req.Metadata,
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}

	intent, err := c.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("create payment intent: %w", err)
	}
	return PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (c *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if err := c.ready(); err != nil {
		return Transfer{}, err
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Destination) == "" {
		return Transfer{}, ErrInvalidRequest
	}

	params := &stripe.TransferCreateParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(firstNonEmpty(req.Currency, c.cfg.DefaultCurrency))),
		Destination: stripe.String(req.Destination),
		Metadata:    req.Metadata,
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}

	transfer, err := c.client.V1Transfers.Create(ctx, params)
	if err != nil {
		return Transfer{}, fmt.Errorf("create transfer: %w", err)
	}
	return Transfer{ID: transfer.ID}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
