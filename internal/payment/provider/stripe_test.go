package provider

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/herdpay/internal/config"
	"github.com/stretchr/testify/assert"
	stripe "github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

func TestUnconfiguredClientFailsClosed(t *testing.T) {
	client := NewStripeClient(config.Config{}, zap.NewNop())
	ctx := context.Background()

	_, err := client.CreateCheckoutSession(ctx, CheckoutSessionRequest{PriceID: "price_1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.CreateConnectedAccount(ctx, ConnectedAccountRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.GetConnectedAccount(ctx, "acct_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.CreateOnboardingLink(ctx, "acct_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.CreatePaymentIntent(ctx, PaymentIntentRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.CreateTransfer(ctx, TransferRequest{Amount: 100, Destination: "acct_1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRequestValidationHappensBeforeNetwork(t *testing.T) {
	client := NewStripeClient(config.Config{Stripe: config.StripeConfig{SecretKey: "sk_test_unused"}}, zap.NewNop())
	ctx := context.Background()

	_, err := client.CreateCheckoutSession(ctx, CheckoutSessionRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.GetSubscription(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.GetConnectedAccount(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.CreateOnboardingLink(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.CreatePaymentIntent(ctx, PaymentIntentRequest{Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.CreateTransfer(ctx, TransferRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestItemsPeriodEndTakesLatestItem(t *testing.T) {
	assert.Nil(t, itemsPeriodEnd(nil))
	assert.Nil(t, itemsPeriodEnd(&stripe.SubscriptionItemList{}))

	end := itemsPeriodEnd(&stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
		{CurrentPeriodEnd: 1_775_044_800},
		nil,
		{CurrentPeriodEnd: 1_772_366_400},
	}})
	if assert.NotNil(t, end) {
		assert.Equal(t, time.Unix(1_775_044_800, 0).UTC(), *end)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty(" ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty())
}
