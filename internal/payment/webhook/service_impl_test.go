package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	accountrepository "github.com/smallbiznis/herdpay/internal/account/repository"
	accountservice "github.com/smallbiznis/herdpay/internal/account/service"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	connectservice "github.com/smallbiznis/herdpay/internal/connect/service"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"github.com/smallbiznis/herdpay/internal/lock"
	"github.com/smallbiznis/herdpay/internal/outbox"
	paymentdomain "github.com/smallbiznis/herdpay/internal/payment/domain"
	"github.com/smallbiznis/herdpay/internal/payment/idempotency"
	"github.com/smallbiznis/herdpay/internal/payment/provider/providertest"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"github.com/smallbiznis/herdpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

var baseTime = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

// fakeSubscriptions records the events routed to it. Methods outside the
// webhook surface panic through the nil embedded interface.
type fakeSubscriptions struct {
	subscriptiondomain.Service

	mu       sync.Mutex
	err      error
	invoices []subscriptiondomain.InvoiceEvent
	updates  []subscriptiondomain.SubscriptionEvent
	checkout []subscriptiondomain.CheckoutCompleted
}

func (f *fakeSubscriptions) CheckoutCompleted(_ context.Context, _ *gorm.DB, event subscriptiondomain.CheckoutCompleted) (subscriptiondomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return subscriptiondomain.Outcome{}, f.err
	}
	f.checkout = append(f.checkout, event)
	return subscriptiondomain.Outcome{Applied: true}, nil
}

func (f *fakeSubscriptions) InvoicePaid(_ context.Context, _ *gorm.DB, event subscriptiondomain.InvoiceEvent) (subscriptiondomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return subscriptiondomain.Outcome{}, f.err
	}
	f.invoices = append(f.invoices, event)
	return subscriptiondomain.Outcome{Applied: true}, nil
}

func (f *fakeSubscriptions) InvoicePaymentFailed(_ context.Context, _ *gorm.DB, event subscriptiondomain.InvoiceEvent) (subscriptiondomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, event)
	return subscriptiondomain.Outcome{Applied: true}, nil
}

func (f *fakeSubscriptions) SubscriptionUpdated(_ context.Context, _ *gorm.DB, event subscriptiondomain.SubscriptionEvent) (subscriptiondomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, event)
	return subscriptiondomain.Outcome{Applied: false, Reason: subscriptiondomain.ReasonStale}, nil
}

func (f *fakeSubscriptions) SubscriptionDeleted(_ context.Context, _ *gorm.DB, event subscriptiondomain.SubscriptionEvent) (subscriptiondomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, event)
	return subscriptiondomain.Outcome{Applied: true}, nil
}

type fakeEscrow struct {
	escrowdomain.Service

	mu        sync.Mutex
	funded    []escrowdomain.PaymentIntentEvent
	failed    []escrowdomain.PaymentIntentEvent
	transfers []escrowdomain.TransferEvent
}

func (f *fakeEscrow) MarkFunded(_ context.Context, _ *gorm.DB, event escrowdomain.PaymentIntentEvent) (escrowdomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, event)
	return escrowdomain.Outcome{Applied: true}, nil
}

func (f *fakeEscrow) MarkFundingFailed(_ context.Context, _ *gorm.DB, event escrowdomain.PaymentIntentEvent) (escrowdomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, event)
	return escrowdomain.Outcome{Reason: escrowdomain.ReasonGuarded}, nil
}

func (f *fakeEscrow) RecordTransfer(_ context.Context, _ *gorm.DB, event escrowdomain.TransferEvent) (escrowdomain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, event)
	return escrowdomain.Outcome{Applied: true}, nil
}

type fixture struct {
	db            *gorm.DB
	node          *snowflake.Node
	accountRepo   accountdomain.Repository
	subscriptions *fakeSubscriptions
	escrow        *fakeEscrow
	svc           *Service
}

func newFixture(t *testing.T, locker *lock.Locker) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(baseTime)
	accountRepo := accountrepository.Provide()
	writer := outbox.NewWriter(outbox.WriterParams{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	cfg := config.Config{Stripe: config.StripeConfig{WebhookSecret: testSecret}}

	connect := connectservice.NewService(connectservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       fake,
		Config:      cfg,
		AccountRepo: accountRepo,
		Accounts: accountservice.NewService(accountservice.Params{
			DB:   db,
			Log:  zap.NewNop(),
			Repo: accountRepo,
		}),
		Provider: providertest.NewFake(),
		Outbox:   writer,
	})

	subscriptions := &fakeSubscriptions{}
	escrow := &fakeEscrow{}
	svc := NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fake,
		Config:        cfg,
		Gate:          idempotency.NewGate(idempotency.Params{GenID: node, Clock: fake}),
		Subscriptions: subscriptions,
		Escrow:        escrow,
		Connect:       connect,
		Outbox:        writer,
		Locker:        locker,
	}).(*Service)

	return &fixture{
		db:            db,
		node:          node,
		accountRepo:   accountRepo,
		subscriptions: subscriptions,
		escrow:        escrow,
		svc:           svc,
	}
}

func (f *fixture) seedConnectedAccount(t *testing.T, connectedID string) *accountdomain.Account {
	t.Helper()
	account := &accountdomain.Account{
		ID:                 f.node.Generate(),
		Email:              connectedID + "@example.com",
		AccountType:        accountdomain.AccountTypeIndividual,
		ConnectedAccountID: &connectedID,
		CreatedAt:          baseTime,
		UpdatedAt:          baseTime,
	}
	require.NoError(t, f.accountRepo.Insert(context.Background(), f.db, account))
	return account
}

func signedEvent(t *testing.T, id, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     baseTime.Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return payload, fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func accountObject(connectedID string, complete bool) map[string]any {
	return map[string]any{
		"id":                connectedID,
		"object":            "account",
		"charges_enabled":   complete,
		"payouts_enabled":   complete,
		"details_submitted": complete,
	}
}

func TestIngestAppliesAccountUpdateOnce(t *testing.T) {
	f := newFixture(t, nil)
	account := f.seedConnectedAccount(t, "acct_1")
	payload, header := signedEvent(t, "evt_acct_1", paymentdomain.EventAccountUpdated, accountObject("acct_1", true))

	result, err := f.svc.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "evt_acct_1", result.EventID)
	assert.Equal(t, "processed", result.Outcome)

	reloaded, err := f.accountRepo.FindByID(context.Background(), f.db, account.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.OnboardingComplete)
	assert.Equal(t, int64(1), testutil.Count(t, f.db, "webhook_events", "provider_event_id = ?", "evt_acct_1"))
	audits := testutil.Count(t, f.db, "outbox_messages", "")
	assert.Equal(t, int64(1), audits)

	replay, err := f.svc.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, "duplicate", replay.Outcome)
	assert.Equal(t, int64(1), testutil.Count(t, f.db, "webhook_events", "provider_event_id = ?", "evt_acct_1"))
	assert.Equal(t, audits, testutil.Count(t, f.db, "outbox_messages", ""))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	payload, _ := signedEvent(t, "evt_bad", paymentdomain.EventInvoicePaid, map[string]any{"id": "in_1"})

	_, err := f.svc.Ingest(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Zero(t, testutil.Count(t, f.db, "webhook_events", ""))
}

func TestIngestHandlerFailureLeavesEventRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.subscriptions.err = errors.New("database unavailable")
	payload, header := signedEvent(t, "evt_inv_1", paymentdomain.EventInvoicePaid, map[string]any{
		"id":           "in_1",
		"object":       "invoice",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"amount_paid":  7000,
		"currency":     "usd",
	})

	_, err := f.svc.Ingest(context.Background(), payload, header)
	require.Error(t, err)
	assert.ErrorIs(t, err, paymentdomain.ErrHandlerFailure)
	assert.Zero(t, testutil.Count(t, f.db, "webhook_events", ""))

	f.subscriptions.err = nil
	result, err := f.svc.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	require.Len(t, f.subscriptions.invoices, 1)
	invoice := f.subscriptions.invoices[0]
	assert.Equal(t, "in_1", invoice.InvoiceID)
	assert.Equal(t, "sub_1", invoice.ProviderSubscriptionID)
	assert.Equal(t, int64(7000), invoice.AmountPaid)
	assert.Equal(t, int64(1), testutil.Count(t, f.db, "webhook_events", "provider_event_id = ?", "evt_inv_1"))
}

func TestIngestRoutesEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	deliveries := []struct {
		id        string
		eventType string
		object    map[string]any
		outcome   string
	}{
		{"evt_sub_upd", paymentdomain.EventSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "active"}, "ignored"},
		{"evt_sub_del", paymentdomain.EventSubscriptionDeleted, map[string]any{"id": "sub_1", "status": "canceled"}, "processed"},
		{"evt_pi_ok", paymentdomain.EventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "latest_charge": "ch_1", "metadata": map[string]string{"payment_id": "42"}}, "processed"},
		{"evt_pi_fail", paymentdomain.EventPaymentIntentFailed, map[string]any{"id": "pi_2", "last_payment_error": map[string]any{"message": "card declined"}}, "ignored"},
		{"evt_tr", paymentdomain.EventTransferCreated, map[string]any{"id": "tr_1", "amount": 10000, "destination": "acct_9"}, "processed"},
		{"evt_cs_pay", paymentdomain.EventCheckoutSessionCompleted, map[string]any{"id": "cs_1", "mode": "payment"}, "ignored"},
		{"evt_unknown", "customer.created", map[string]any{"id": "cus_1"}, "ignored"},
	}
	for _, d := range deliveries {
		payload, header := signedEvent(t, d.id, d.eventType, d.object)
		result, err := f.svc.Ingest(ctx, payload, header)
		require.NoError(t, err, d.id)
		assert.Equal(t, d.outcome, result.Outcome, d.id)
	}

	assert.Len(t, f.subscriptions.updates, 2)
	assert.Empty(t, f.subscriptions.checkout)
	require.Len(t, f.escrow.funded, 1)
	assert.Equal(t, "ch_1", f.escrow.funded[0].ChargeID)
	require.Len(t, f.escrow.failed, 1)
	assert.Equal(t, "card declined", f.escrow.failed[0].FailureMessage)
	require.Len(t, f.escrow.transfers, 1)
	assert.Equal(t, "acct_9", f.escrow.transfers[0].Destination)
	assert.Equal(t, int64(len(deliveries)), testutil.Count(t, f.db, "webhook_events", ""))
}

func TestIngestRejectsEventHeldByAnotherDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewLocker(client, "webhook:event:")

	f := newFixture(t, locker)
	f.seedConnectedAccount(t, "acct_2")
	payload, header := signedEvent(t, "evt_locked", paymentdomain.EventAccountUpdated, accountObject("acct_2", false))

	token, ok, err := locker.TryLock(context.Background(), "evt_locked", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, paymentdomain.ErrEventInFlight)
	assert.Zero(t, testutil.Count(t, f.db, "webhook_events", ""))

	require.NoError(t, locker.Release(context.Background(), "evt_locked", token))
	result, err := f.svc.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, "processed", result.Outcome)
	assert.False(t, mr.Exists("webhook:event:evt_locked"))
}

func TestIngestProceedsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	f := newFixture(t, lock.NewLocker(client, "webhook:event:"))
	f.seedConnectedAccount(t, "acct_3")
	payload, header := signedEvent(t, "evt_redis_down", paymentdomain.EventAccountUpdated, accountObject("acct_3", true))

	result, err := f.svc.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, "processed", result.Outcome)
}
