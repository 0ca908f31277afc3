package service

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	accountrepository "github.com/smallbiznis/herdpay/internal/account/repository"
	accountservice "github.com/smallbiznis/herdpay/internal/account/service"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	connectdomain "github.com/smallbiznis/herdpay/internal/connect/domain"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	"github.com/smallbiznis/herdpay/internal/payment/provider/providertest"
	"github.com/smallbiznis/herdpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)

type fixture struct {
	db          *gorm.DB
	provider    *providertest.Fake
	accountRepo accountdomain.Repository
	svc         connectdomain.Service
	account     *accountdomain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	fake := clock.NewFakeClock(baseTime)
	accountRepo := accountrepository.Provide()
	providerFake := providertest.NewFake()

	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       fake,
		Config:      config.Config{Stripe: config.StripeConfig{ConnectCountry: "us"}},
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
	})

	account := &accountdomain.Account{
		ID:          node.Generate(),
		Email:       "driver@example.com",
		AccountType: accountdomain.AccountTypeIndividual,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	require.NoError(t, accountRepo.Insert(context.Background(), db, account))

	return &fixture{db: db, provider: providerFake, accountRepo: accountRepo, svc: svc, account: account}
}

func (f *fixture) reload(t *testing.T) *accountdomain.Account {
	t.Helper()
	account, err := f.accountRepo.FindByID(context.Background(), f.db, f.account.ID)
	require.NoError(t, err)
	require.NotNil(t, account)
	return account
}

func TestStartOnboardingCreatesOnceAndReuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.StartOnboarding(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", first.ConnectedAccountID)
	assert.Contains(t, first.URL, "acct_1")
	require.Len(t, f.provider.AccountRequests, 1)
	assert.Equal(t, "US", f.provider.AccountRequests[0].Country)
	assert.Equal(t, f.account.Email, f.provider.AccountRequests[0].Email)

	second, err := f.svc.StartOnboarding(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", second.ConnectedAccountID)
	assert.Len(t, f.provider.AccountRequests, 1)
	assert.Len(t, f.provider.OnboardingLinks, 2)

	stored := f.reload(t)
	require.NotNil(t, stored.ConnectedAccountID)
	assert.Equal(t, "acct_1", *stored.ConnectedAccountID)
}

func TestSyncFromEventSetsOnboardingComplete(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartOnboarding(context.Background(), f.account.ID)
	require.NoError(t, err)

	sync := func(charges, payouts, details bool) connectdomain.Outcome {
		var outcome connectdomain.Outcome
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			ctx, _ := outbox.WithBatch(context.Background())
			var err error
			outcome, err = f.svc.SyncFromEvent(ctx, tx, connectdomain.AccountUpdated{
				EventID:            "evt_acct",
				EventType:          "account.updated",
				ConnectedAccountID: "acct_1",
				ChargesEnabled:     charges,
				PayoutsEnabled:     payouts,
				DetailsSubmitted:   details,
			})
			return err
		}))
		return outcome
	}

	outcome := sync(true, false, true)
	assert.True(t, outcome.Applied)
	stored := f.reload(t)
	assert.True(t, stored.ChargesEnabled)
	assert.False(t, stored.PayoutsEnabled)
	assert.False(t, stored.OnboardingComplete)

	sync(true, true, true)
	stored = f.reload(t)
	assert.True(t, stored.OnboardingComplete)

	sync(true, false, true)
	assert.False(t, f.reload(t).OnboardingComplete, "capability loss clears onboarding")
}

func TestSyncFromEventUnknownAccount(t *testing.T) {
	f := newFixture(t)
	var outcome connectdomain.Outcome
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = f.svc.SyncFromEvent(context.Background(), tx, connectdomain.AccountUpdated{ConnectedAccountID: "acct_other", ChargesEnabled: true})
		return err
	}))
	assert.False(t, outcome.Applied)
	assert.Equal(t, connectdomain.ReasonUnknownAccount, outcome.Reason)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.SyncFromEvent(context.Background(), tx, connectdomain.AccountUpdated{})
		return err
	})
	assert.ErrorIs(t, err, connectdomain.ErrInvalidEvent)
}

func TestGetConnectedAccountStatusWritesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetConnectedAccountStatus(ctx, f.account.ID)
	assert.ErrorIs(t, err, connectdomain.ErrNotConnected)

	_, err = f.svc.StartOnboarding(ctx, f.account.ID)
	require.NoError(t, err)

	f.provider.SetAccount(provider.ConnectedAccount{ID: "acct_1", ChargesEnabled: true})
	status, err := f.svc.GetConnectedAccountStatus(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, status.ChargesEnabled)
	assert.False(t, status.OnboardingComplete)
	assert.False(t, f.reload(t).ChargesEnabled, "unchanged onboarding outcome is not written")
	assert.Equal(t, int64(0), testutil.Count(t, f.db, "outbox_messages", ""))

	f.provider.SetAccount(provider.ConnectedAccount{ID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true})
	status, err = f.svc.GetConnectedAccountStatus(ctx, f.account.ID)
	require.NoError(t, err)
	assert.True(t, status.OnboardingComplete)

	stored := f.reload(t)
	assert.True(t, stored.OnboardingComplete)
	assert.True(t, stored.PayoutsEnabled)
	assert.Equal(t, int64(1), testutil.Count(t, f.db, "outbox_messages", ""))
}
