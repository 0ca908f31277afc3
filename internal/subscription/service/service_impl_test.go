package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	accountrepository "github.com/smallbiznis/herdpay/internal/account/repository"
	accountservice "github.com/smallbiznis/herdpay/internal/account/service"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/outbox"
	stripeadapter "github.com/smallbiznis/herdpay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	"github.com/smallbiznis/herdpay/internal/payment/provider/providertest"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"github.com/smallbiznis/herdpay/internal/subscription/repository"
	"github.com/smallbiznis/herdpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clock.FakeClock
	provider    *providertest.Fake
	repo        subscriptiondomain.Repository
	accountRepo accountdomain.Repository
	svc         *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(baseTime)
	accountRepo := accountrepository.Provide()
	repo := repository.Provide()
	providerFake := providertest.NewFake()

	svc := NewService(ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		Repo:        repo,
		AccountRepo: accountRepo,
		Accounts: accountservice.NewService(accountservice.Params{
			DB:   db,
			Log:  zap.NewNop(),
			Repo: accountRepo,
		}),
		Provider: providerFake,
		Outbox: outbox.NewWriter(outbox.WriterParams{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
			Clock: fake,
		}),
	}).(*Service)

	return &harness{
		db:          db,
		node:        node,
		clock:       fake,
		provider:    providerFake,
		repo:        repo,
		accountRepo: accountRepo,
		svc:         svc,
	}
}

func (h *harness) seedAccount(t *testing.T, accountType accountdomain.AccountType) *accountdomain.Account {
	t.Helper()
	id := h.node.Generate()
	account := &accountdomain.Account{
		ID:          id,
		Email:       id.String() + "@example.com",
		AccountType: accountType,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	require.NoError(t, h.accountRepo.Insert(context.Background(), h.db, account))
	return account
}

func (h *harness) seedPrice(t *testing.T, monthly string, providerPriceID *string, cycle subscriptiondomain.BillingCycle) {
	t.Helper()
	require.NoError(t, h.db.Exec(
		`INSERT INTO subscription_prices (id, plan_type, monthly_price, currency, provider_price_id, billing_cycle, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.node.Generate(),
		subscriptiondomain.PlanHauler,
		decimal.RequireFromString(monthly),
		"USD",
		providerPriceID,
		cycle,
		true,
		baseTime,
	).Error)
}

func (h *harness) inTx(t *testing.T, fn func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error)) subscriptiondomain.Outcome {
	t.Helper()
	var outcome subscriptiondomain.Outcome
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = fn(context.Background(), tx)
		return err
	})
	require.NoError(t, err)
	return outcome
}

// assertMirror checks that the account row matches its latest started
// subscription.
func (h *harness) assertMirror(t *testing.T, accountID snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	account, err := h.accountRepo.FindByID(ctx, h.db, accountID)
	require.NoError(t, err)
	require.NotNil(t, account)
	latest, err := h.repo.FindLatestStarted(ctx, h.db, accountID)
	require.NoError(t, err)
	require.NotNil(t, latest)

	require.NotNil(t, account.SubscriptionStatus)
	assert.Equal(t, string(latest.Status), *account.SubscriptionStatus)
	if latest.CurrentPeriodEnd == nil {
		assert.Nil(t, account.SubscriptionCurrentPeriodEnd)
		return
	}
	require.NotNil(t, account.SubscriptionCurrentPeriodEnd)
	assert.True(t, latest.CurrentPeriodEnd.Equal(*account.SubscriptionCurrentPeriodEnd))
}

func ref(id, eventType string, created int64) subscriptiondomain.EventRef {
	return subscriptiondomain.EventRef{ID: id, Type: eventType, Created: created}
}

// stripeEvent builds a raw provider envelope for the adapter parsers.
func stripeEvent(t *testing.T, id, eventType string, created int64, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created,
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func parseCheckout(t *testing.T, payload []byte) subscriptiondomain.CheckoutCompleted {
	t.Helper()
	event, err := stripeadapter.Decode(payload)
	require.NoError(t, err)
	completed, err := stripeadapter.ParseCheckoutCompleted(event)
	require.NoError(t, err)
	return completed
}

func parseInvoice(t *testing.T, payload []byte) subscriptiondomain.InvoiceEvent {
	t.Helper()
	event, err := stripeadapter.Decode(payload)
	require.NoError(t, err)
	invoice, err := stripeadapter.ParseInvoice(event)
	require.NoError(t, err)
	return invoice
}

func TestSubscribeYearlyChargesTenMonths(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)

	resp, err := h.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{
		AccountID:    account.ID,
		BillingCycle: "yearly",
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.StatusActive, resp.Status)
	assert.Equal(t, subscriptiondomain.BillingCycleYearly, resp.BillingCycle)
	assert.True(t, decimal.NewFromInt(700).Equal(resp.ChargedAmount), resp.ChargedAmount.String())
	assert.True(t, decimal.NewFromInt(700).Equal(resp.YearlyPrice))
	assert.True(t, decimal.NewFromInt(70).Equal(resp.MonthlyPrice))
	assert.True(t, baseTime.AddDate(0, 12, 0).Equal(resp.CurrentPeriodEnd))
	assert.Equal(t, "INDIVIDUAL", resp.HaulerType)

	stored, err := h.repo.FindByID(context.Background(), h.db, resp.SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, decimal.NewFromInt(700).Equal(stored.ChargedAmount))

	payments, err := h.repo.ListPayments(context.Background(), h.db, resp.SubscriptionID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Nil(t, payments[0].ProviderReference)
	assert.True(t, decimal.NewFromInt(700).Equal(payments[0].Amount))

	h.assertMirror(t, account.ID)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "outbox_messages", ""))
}

func TestSubscribeMonthlyAddsThirtyDays(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)

	resp, err := h.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{
		AccountID:    account.ID,
		BillingCycle: "MONTHLY",
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(resp.ChargedAmount))
	assert.True(t, baseTime.Add(30*24*time.Hour).Equal(resp.CurrentPeriodEnd))
	h.assertMirror(t, account.ID)
}

func TestSubscribeRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("company account", func(t *testing.T) {
		h := newHarness(t)
		account := h.seedAccount(t, accountdomain.AccountTypeCompany)
		h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)
		_, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "MONTHLY"})
		assert.ErrorIs(t, err, subscriptiondomain.ErrWrongAccountType)
	})

	t.Run("unknown cycle", func(t *testing.T) {
		h := newHarness(t)
		account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
		_, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "WEEKLY"})
		assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidBillingCycle)
	})

	t.Run("no price", func(t *testing.T) {
		h := newHarness(t)
		account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
		_, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "MONTHLY"})
		assert.ErrorIs(t, err, subscriptiondomain.ErrPricingUnavailable)
		assert.Equal(t, int64(0), testutil.Count(t, h.db, "subscriptions", ""))
	})

	t.Run("missing account", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: h.node.Generate(), BillingCycle: "MONTHLY"})
		assert.ErrorIs(t, err, accountdomain.ErrNotFound)
	})

	t.Run("already subscribed", func(t *testing.T) {
		h := newHarness(t)
		account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
		h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)
		_, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "MONTHLY"})
		require.NoError(t, err)
		_, err = h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "YEARLY"})
		assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
		assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscription_payments", ""))
	})

	t.Run("expired subscription allows renewal", func(t *testing.T) {
		h := newHarness(t)
		account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
		h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)
		_, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "MONTHLY"})
		require.NoError(t, err)

		h.clock.Advance(31 * 24 * time.Hour)
		resp, err := h.svc.Subscribe(ctx, subscriptiondomain.SubscribeRequest{AccountID: account.ID, BillingCycle: "MONTHLY"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), testutil.Count(t, h.db, "subscriptions", ""))
		h.assertMirror(t, account.ID)

		latest, err := h.repo.FindLatestStarted(ctx, h.db, account.ID)
		require.NoError(t, err)
		assert.Equal(t, resp.SubscriptionID, latest.ID)
	})
}

func TestConcurrentSubscribeActivatesOnce(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{
				AccountID:    account.ID,
				BillingCycle: "MONTHLY",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, subscriptiondomain.ErrAlreadySubscribed), err.Error())
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "status = ?", "ACTIVE"))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscription_payments", ""))
	h.assertMirror(t, account.ID)
}

func TestCheckoutThenCompletedActivatesPendingRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	priceID := "price_hauler_monthly"
	h.seedPrice(t, "70", &priceID, subscriptiondomain.BillingCycleMonthly)

	checkout, err := h.svc.CreateCheckout(ctx, subscriptiondomain.CheckoutRequest{
		AccountID:  account.ID,
		PriceID:    priceID,
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, checkout.URL)
	require.Len(t, h.provider.CheckoutRequests, 1)
	sent := h.provider.CheckoutRequests[0]
	assert.Equal(t, checkout.SubscriptionID.String(), sent.Metadata[subscriptiondomain.MetadataSubscriptionID])
	assert.Equal(t, account.ID.String(), sent.Metadata[subscriptiondomain.MetadataAccountID])
	assert.Equal(t, account.Email, sent.CustomerEmail)

	pending, err := h.repo.FindByID(ctx, h.db, checkout.SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, subscriptiondomain.StatusPending, pending.Status)
	assert.Nil(t, pending.ProviderSubscriptionID)
	require.NotNil(t, pending.CheckoutSessionID)
	assert.Equal(t, checkout.SessionID, *pending.CheckoutSessionID)

	periodEnd := baseTime.AddDate(0, 1, 0)
	h.provider.SetSubscription(provider.Subscription{ID: "sub_123", Status: "active", CurrentPeriodEnd: &periodEnd})
	completed := parseCheckout(t, stripeEvent(t, "evt_1", "checkout.session.completed", baseTime.Unix(), map[string]any{
		"id":           checkout.SessionID,
		"mode":         "subscription",
		"subscription": "sub_123",
		"customer":     "cus_123",
		"metadata":     sent.Metadata,
	}))
	assert.Nil(t, completed.CurrentPeriodEnd)
	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.CheckoutCompleted(ctx, tx, completed)
	})
	assert.True(t, outcome.Applied)
	assert.Equal(t, checkout.SubscriptionID, outcome.SubscriptionID)

	active, err := h.repo.FindByProviderID(ctx, h.db, "sub_123")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, checkout.SubscriptionID, active.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, active.Status)
	require.NotNil(t, active.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*active.CurrentPeriodEnd))

	stored, err := h.accountRepo.FindByID(ctx, h.db, account.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProviderCustomerID)
	assert.Equal(t, "cus_123", *stored.ProviderCustomerID)
	h.assertMirror(t, account.ID)

	current, err := h.svc.GetCurrent(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, current.Entitled)
}

func TestCheckoutCompletedKeepsInvoicePeriodEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	priceID := "price_hauler_monthly"
	h.seedPrice(t, "70", &priceID, subscriptiondomain.BillingCycleMonthly)

	checkout, err := h.svc.CreateCheckout(ctx, subscriptiondomain.CheckoutRequest{AccountID: account.ID, PriceID: priceID})
	require.NoError(t, err)
	metadata := h.provider.CheckoutRequests[0].Metadata

	// The first invoice usually lands before the session completes, and the
	// provider cannot be asked for the period.
	h.provider.Err = errors.New("provider unavailable")
	invoicePeriodEnd := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	paid := parseInvoice(t, stripeEvent(t, "evt_paid", "invoice.paid", baseTime.Unix(), map[string]any{
		"id":          "in_1",
		"customer":    "cus_123",
		"amount_paid": 7000,
		"currency":    "usd",
		"parent": map[string]any{
			"subscription_details": map[string]any{
				"subscription": "sub_123",
				"metadata":     metadata,
			},
		},
		"lines": map[string]any{
			"data": []any{map[string]any{"period": map[string]any{"end": invoicePeriodEnd.Unix()}}},
		},
	}))
	require.True(t, h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.InvoicePaid(ctx, tx, paid)
	}).Applied)

	completed := parseCheckout(t, stripeEvent(t, "evt_checkout", "checkout.session.completed", baseTime.Unix()+1, map[string]any{
		"id":           checkout.SessionID,
		"mode":         "subscription",
		"subscription": "sub_123",
		"customer":     "cus_123",
		"metadata":     metadata,
	}))
	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.CheckoutCompleted(ctx, tx, completed)
	})
	assert.True(t, outcome.Applied)

	sub, err := h.repo.FindByProviderID(ctx, h.db, "sub_123")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, checkout.SubscriptionID, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, invoicePeriodEnd.Equal(*sub.CurrentPeriodEnd), sub.CurrentPeriodEnd.String())
	h.assertMirror(t, account.ID)
}

func TestCheckoutCompletedLosingInsertRaceActivatesWinner(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)

	created := baseTime.Unix()
	periodEnd := baseTime.AddDate(0, 1, 0)
	providerID := "sub_race"
	winner := &subscriptiondomain.Subscription{
		ID:                     h.node.Generate(),
		AccountID:              account.ID,
		PlanType:               subscriptiondomain.PlanHauler,
		BillingCycle:           subscriptiondomain.BillingCycleMonthly,
		Status:                 subscriptiondomain.StatusActive,
		MonthlyPrice:           decimal.NewFromInt(70),
		ChargedAmount:          decimal.NewFromInt(70),
		Currency:               "USD",
		ProviderSubscriptionID: &providerID,
		StartedAt:              baseTime,
		CurrentPeriodEnd:       &periodEnd,
		LastEventCreated:       &created,
		CreatedAt:              baseTime,
		UpdatedAt:              baseTime,
	}
	h.svc.repo = &racingRepo{Repository: h.repo, winner: winner}

	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.CheckoutCompleted(ctx, tx, subscriptiondomain.CheckoutCompleted{
			Event:                  ref("evt_dup", "checkout.session.completed", created),
			ProviderSubscriptionID: providerID,
			Metadata:               map[string]string{subscriptiondomain.MetadataAccountID: account.ID.String()},
		})
	})
	assert.True(t, outcome.Applied)
	assert.Equal(t, winner.ID, outcome.SubscriptionID)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", ""))
	h.assertMirror(t, account.ID)
}

// racingRepo commits another delivery's row between the lookup and the
// insert of the first call.
type racingRepo struct {
	subscriptiondomain.Repository
	winner *subscriptiondomain.Subscription
	once   sync.Once
}

func (r *racingRepo) FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	raced := false
	var err error
	r.once.Do(func() {
		raced = true
		err = r.Repository.Insert(ctx, db, r.winner)
	})
	if raced {
		return nil, err
	}
	return r.Repository.FindByProviderID(ctx, db, providerSubscriptionID)
}

func TestCheckoutCompletedWithoutPendingRowInserts(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)

	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.CheckoutCompleted(ctx, tx, subscriptiondomain.CheckoutCompleted{
			Event:                  ref("evt_1", "checkout.session.completed", baseTime.Unix()),
			ProviderSubscriptionID: "sub_new",
			Metadata: map[string]string{
				subscriptiondomain.MetadataAccountID:    account.ID.String(),
				subscriptiondomain.MetadataBillingCycle: "YEARLY",
			},
		})
	})
	require.True(t, outcome.Applied)

	created, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_new")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, subscriptiondomain.StatusActive, created.Status)
	assert.Equal(t, subscriptiondomain.BillingCycleYearly, created.BillingCycle)
	require.NotNil(t, created.CurrentPeriodEnd)
	assert.True(t, baseTime.AddDate(0, 12, 0).Equal(*created.CurrentPeriodEnd))
	h.assertMirror(t, account.ID)
}

func TestCheckoutCompletedInsertUsesProviderPeriod(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	h.seedPrice(t, "70", nil, subscriptiondomain.BillingCycleMonthly)
	periodEnd := baseTime.AddDate(0, 1, 3)
	h.provider.SetSubscription(provider.Subscription{ID: "sub_new", Status: "active", CurrentPeriodEnd: &periodEnd})

	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.CheckoutCompleted(ctx, tx, subscriptiondomain.CheckoutCompleted{
			Event:                  ref("evt_1", "checkout.session.completed", baseTime.Unix()),
			ProviderSubscriptionID: "sub_new",
			Metadata:               map[string]string{subscriptiondomain.MetadataAccountID: account.ID.String()},
		})
	})
	require.True(t, outcome.Applied)

	created, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_new")
	require.NoError(t, err)
	require.NotNil(t, created.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*created.CurrentPeriodEnd))
	h.assertMirror(t, account.ID)
}

func TestInvoicePaidRecordsReceiptOnce(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	activate(t, h, account, "sub_1", 100)

	periodEnd := baseTime.AddDate(0, 2, 0)
	invoice := subscriptiondomain.InvoiceEvent{
		InvoiceID:              "in_1",
		ProviderSubscriptionID: "sub_1",
		AmountPaid:             7000,
		Currency:               "usd",
		CurrentPeriodEnd:       &periodEnd,
	}
	for i, eventID := range []string{"evt_a", "evt_b"} {
		invoice.Event = ref(eventID, "invoice.paid", int64(200+i))
		outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
			return h.svc.InvoicePaid(ctx, tx, invoice)
		})
		assert.True(t, outcome.Applied)
	}

	sub, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	payments, err := h.repo.ListPayments(context.Background(), h.db, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "USD", payments[0].Currency)
	assert.True(t, decimal.NewFromInt(70).Equal(payments[0].Amount), payments[0].Amount.String())
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*sub.CurrentPeriodEnd))
	h.assertMirror(t, account.ID)
}

func TestInvoicePaidZeroDecimalCurrency(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	sub := activate(t, h, account, "sub_1", 100)

	h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.InvoicePaid(ctx, tx, subscriptiondomain.InvoiceEvent{
			Event:                  ref("evt_jpy", "invoice.paid", 200),
			InvoiceID:              "in_jpy",
			ProviderSubscriptionID: "sub_1",
			AmountPaid:             7000,
			Currency:               "jpy",
		})
	})

	payments, err := h.repo.ListPayments(context.Background(), h.db, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "JPY", payments[0].Currency)
	assert.True(t, decimal.NewFromInt(7000).Equal(payments[0].Amount), payments[0].Amount.String())
}

func TestInvoicePaymentFailedKeepsPeriodEnd(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	before := activate(t, h, account, "sub_1", 100)

	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.InvoicePaymentFailed(ctx, tx, subscriptiondomain.InvoiceEvent{
			Event:                  ref("evt_fail", "invoice.payment_failed", 200),
			InvoiceID:              "in_2",
			ProviderSubscriptionID: "sub_1",
		})
	})
	assert.True(t, outcome.Applied)
	assert.Equal(t, subscriptiondomain.StatusPastDue, outcome.Status)

	after, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, after.Status)
	assert.True(t, before.CurrentPeriodEnd.Equal(*after.CurrentPeriodEnd))
	h.assertMirror(t, account.ID)

	current, err := h.svc.GetCurrent(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, current.Entitled, "past due keeps access until period end")
}

func TestDeletedSubscriptionIsNotResurrected(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	activate(t, h, account, "sub_1", 100)

	deleted := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.SubscriptionDeleted(ctx, tx, subscriptiondomain.SubscriptionEvent{
			Event:                  ref("evt_del", "customer.subscription.deleted", 300),
			ProviderSubscriptionID: "sub_1",
			Status:                 "canceled",
		})
	})
	require.True(t, deleted.Applied)

	for _, created := range []int64{200, 400} {
		outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
			return h.svc.InvoicePaid(ctx, tx, subscriptiondomain.InvoiceEvent{
				Event:                  ref("evt_paid", "invoice.paid", created),
				ProviderSubscriptionID: "sub_1",
			})
		})
		assert.False(t, outcome.Applied)
		assert.Equal(t, subscriptiondomain.ReasonStale, outcome.Reason)
	}

	sub, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	h.assertMirror(t, account.ID)
}

func TestCanceledIgnoresSameSecondUpdate(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	activate(t, h, account, "sub_1", 100)

	deleted := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.SubscriptionDeleted(ctx, tx, subscriptiondomain.SubscriptionEvent{
			Event:                  ref("evt_del", "customer.subscription.deleted", 300),
			ProviderSubscriptionID: "sub_1",
			Status:                 "canceled",
		})
	})
	require.True(t, deleted.Applied)

	for i, created := range []int64{300, 500} {
		outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
			return h.svc.SubscriptionUpdated(ctx, tx, subscriptiondomain.SubscriptionEvent{
				Event:                  ref(fmt.Sprintf("evt_upd_%d", i), "customer.subscription.updated", created),
				ProviderSubscriptionID: "sub_1",
				Status:                 "active",
			})
		})
		assert.False(t, outcome.Applied)
		assert.Equal(t, subscriptiondomain.StatusCanceled, outcome.Status)
	}

	sub, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	h.assertMirror(t, account.ID)
}

func TestSubscriptionUpdatedRespectsEventOrder(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	activate(t, h, account, "sub_1", 100)

	update := func(status string, created int64) subscriptiondomain.Outcome {
		return h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
			return h.svc.SubscriptionUpdated(ctx, tx, subscriptiondomain.SubscriptionEvent{
				Event:                  ref("evt_"+status, "customer.subscription.updated", created),
				ProviderSubscriptionID: "sub_1",
				Status:                 status,
			})
		})
	}

	assert.True(t, update("past_due", 300).Applied)
	stale := update("active", 200)
	assert.False(t, stale.Applied)
	assert.Equal(t, subscriptiondomain.StatusPastDue, stale.Status)

	sub, err := h.repo.FindByProviderID(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	h.assertMirror(t, account.ID)
}

func TestUnknownSubscriptionIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.InvoicePaid(ctx, tx, subscriptiondomain.InvoiceEvent{
			Event:                  ref("evt_x", "invoice.paid", 100),
			InvoiceID:              "in_x",
			ProviderSubscriptionID: "sub_missing",
			AmountPaid:             7000,
		})
	})
	assert.False(t, outcome.Applied)
	assert.Equal(t, subscriptiondomain.ReasonNotFound, outcome.Reason)
	assert.Equal(t, int64(0), testutil.Count(t, h.db, "subscription_payments", ""))
}

func TestCreateCheckoutUnknownPrice(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)

	_, err := h.svc.CreateCheckout(context.Background(), subscriptiondomain.CheckoutRequest{
		AccountID: account.ID,
		PriceID:   "price_missing",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrPricingUnavailable)
	assert.Empty(t, h.provider.CheckoutRequests)
}

func TestCreateCheckoutProviderFailureLeavesNoRow(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)
	priceID := "price_hauler_monthly"
	h.seedPrice(t, "70", &priceID, subscriptiondomain.BillingCycleMonthly)
	h.provider.Err = errors.New("provider unavailable")

	_, err := h.svc.CreateCheckout(context.Background(), subscriptiondomain.CheckoutRequest{
		AccountID: account.ID,
		PriceID:   priceID,
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), testutil.Count(t, h.db, "subscriptions", ""))
}

func TestGetCurrentWithoutSubscription(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, accountdomain.AccountTypeIndividual)

	current, err := h.svc.GetCurrent(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Nil(t, current.Status)
	assert.False(t, current.Entitled)
}

// activate runs a checkout completion for a fresh provider subscription
// whose billing period the provider reports.
func activate(t *testing.T, h *harness, account *accountdomain.Account, providerID string, created int64) *subscriptiondomain.Subscription {
	t.Helper()
	periodEnd := baseTime.AddDate(0, 1, 0)
	h.provider.SetSubscription(provider.Subscription{ID: providerID, Status: "active", CurrentPeriodEnd: &periodEnd})
	outcome := h.inTx(t, func(ctx context.Context, tx *gorm.DB) (subscriptiondomain.Outcome, error) {
		return h.svc.CheckoutCompleted(ctx, tx, subscriptiondomain.CheckoutCompleted{
			Event:                  ref("evt_checkout_"+providerID, "checkout.session.completed", created),
			ProviderSubscriptionID: providerID,
			Metadata:               map[string]string{subscriptiondomain.MetadataAccountID: account.ID.String()},
		})
	})
	require.True(t, outcome.Applied)

	sub, err := h.repo.FindByProviderID(context.Background(), h.db, providerID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}
