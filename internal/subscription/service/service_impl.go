package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/herdpay/internal/audit/domain"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/observability/logger"
	"github.com/smallbiznis/herdpay/internal/observability/metrics"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sourceWebhook = "webhook"
	sourceManual  = "manual"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        subscriptiondomain.Repository
	AccountRepo accountdomain.Repository
	Accounts    accountdomain.Service
	Provider    provider.Client
	Outbox      *outbox.Writer
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	accountRepo accountdomain.Repository
	accounts    accountdomain.Service
	provider    provider.Client
	outbox      *outbox.Writer
	metrics     *metrics.Metrics
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		accountRepo: p.AccountRepo,
		accounts:    p.Accounts,
		provider:    p.Provider,
		outbox:      p.Outbox,
		metrics:     p.Metrics,
	}
}

// Subscribe starts a subscription without the provider: the receipt, the
// subscription row and the account mirror commit together. The mirror write
// is a compare-and-set on the account version read before the transaction,
// so of two concurrent requests only one can win.
func (s *Service) Subscribe(ctx context.Context, req subscriptiondomain.SubscribeRequest) (subscriptiondomain.SubscribeResponse, error) {
	if req.AccountID == 0 {
		return subscriptiondomain.SubscribeResponse{}, subscriptiondomain.ErrInvalidAccount
	}
	cycle, err := subscriptiondomain.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		return subscriptiondomain.SubscribeResponse{}, err
	}

	account, err := s.accountRepo.FindByID(ctx, s.db, req.AccountID)
	if err != nil {
		return subscriptiondomain.SubscribeResponse{}, err
	}
	if account == nil {
		return subscriptiondomain.SubscribeResponse{}, accountdomain.ErrNotFound
	}
	if account.AccountType != accountdomain.AccountTypeIndividual {
		return subscriptiondomain.SubscribeResponse{}, subscriptiondomain.ErrWrongAccountType
	}

	now := s.clock.Now().UTC()
	subscribed, err := s.hasEntitledActive(ctx, s.db, account.ID, now)
	if err != nil {
		return subscriptiondomain.SubscribeResponse{}, err
	}
	if subscribed {
		return subscriptiondomain.SubscribeResponse{}, subscriptiondomain.ErrAlreadySubscribed
	}

	price, err := s.repo.FindActivePrice(ctx, s.db, subscriptiondomain.PlanHauler)
	if err != nil {
		return subscriptiondomain.SubscribeResponse{}, err
	}
	if price == nil || price.MonthlyPrice.Sign() <= 0 {
		return subscriptiondomain.SubscribeResponse{}, subscriptiondomain.ErrPricingUnavailable
	}

	charged, periodEnd, err := subscriptiondomain.ChargeFor(cycle, price.MonthlyPrice, now)
	if err != nil {
		return subscriptiondomain.SubscribeResponse{}, err
	}
	yearly, _, err := subscriptiondomain.ChargeFor(subscriptiondomain.BillingCycleYearly, price.MonthlyPrice, now)
	if err != nil {
		return subscriptiondomain.SubscribeResponse{}, err
	}

	subscription := subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		AccountID:        account.ID,
		PlanType:         subscriptiondomain.PlanHauler,
		BillingCycle:     cycle,
		Status:           subscriptiondomain.StatusActive,
		MonthlyPrice:     price.MonthlyPrice,
		ChargedAmount:    charged,
		Currency:         price.Currency,
		StartedAt:        now,
		CurrentPeriodEnd: &periodEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	payment := subscriptiondomain.Payment{
		ID:             s.genID.Generate(),
		SubscriptionID: subscription.ID,
		Amount:         charged,
		Currency:       price.Currency,
		Status:         subscriptiondomain.PaymentStatusPaid,
		PaidAt:         now,
		CreatedAt:      now,
	}

	ctx, batch := outbox.WithBatch(ctx)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscribed, err := s.hasEntitledActive(ctx, tx, account.ID, now)
		if err != nil {
			return err
		}
		if subscribed {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			return err
		}
		if _, err := s.repo.InsertPayment(ctx, tx, &payment); err != nil {
			return err
		}

		status := string(subscription.Status)
		ok, err := s.accountRepo.CompareAndSetSubscriptionMirror(ctx, tx, account.ID, account.Version, accountdomain.SubscriptionMirror{
			Status:           &status,
			CurrentPeriodEnd: &periodEnd,
		}, now)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		outbox.DeferAudit(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeAccount,
			ActorID:    account.ID.String(),
			Action:     "subscription.subscribed",
			TargetType: "subscription",
			TargetID:   subscription.ID.String(),
			Metadata: map[string]any{
				"billing_cycle":  string(cycle),
				"charged_amount": charged.StringFixed(2),
				"currency":       price.Currency,
			},
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrAlreadySubscribed) {
			s.log.Info("manual subscribe rejected", zap.String("account_id", account.ID.String()), zap.Error(err))
		}
		return subscriptiondomain.SubscribeResponse{}, err
	}

	s.outbox.Flush(ctx, batch)
	s.metrics.RecordSubscriptionTransition(ctx, sourceManual, string(subscription.Status))
	logger.WithAccount(s.log, account.ID.String()).Info("subscription started",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("billing_cycle", string(cycle)),
		zap.Time("current_period_end", periodEnd),
	)

	return subscriptiondomain.SubscribeResponse{
		SubscriptionID:   subscription.ID,
		HaulerType:       string(account.AccountType),
		PlanType:         subscription.PlanType,
		BillingCycle:     cycle,
		Status:           subscription.Status,
		CurrentPeriodEnd: periodEnd,
		MonthlyPrice:     price.MonthlyPrice,
		YearlyPrice:      yearly,
		ChargedAmount:    charged,
		Currency:         price.Currency,
	}, nil
}

// CreateCheckout opens a provider checkout session tagged with the ids the
// webhook later uses to find the subscription, then records the PENDING row.
// A failed session leaves nothing behind. If the insert fails after the
// session opened, checkout completion rebuilds the row from the metadata.
func (s *Service) CreateCheckout(ctx context.Context, req subscriptiondomain.CheckoutRequest) (subscriptiondomain.CheckoutResponse, error) {
	if req.AccountID == 0 {
		return subscriptiondomain.CheckoutResponse{}, subscriptiondomain.ErrInvalidAccount
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return subscriptiondomain.CheckoutResponse{}, subscriptiondomain.ErrInvalidPrice
	}

	payer, err := s.accounts.ResolvePayer(ctx, req.AccountID)
	if err != nil {
		return subscriptiondomain.CheckoutResponse{}, err
	}

	price, err := s.repo.FindPriceByProviderID(ctx, s.db, priceID)
	if err != nil {
		return subscriptiondomain.CheckoutResponse{}, err
	}
	if price == nil {
		return subscriptiondomain.CheckoutResponse{}, subscriptiondomain.ErrPricingUnavailable
	}

	cycle := price.BillingCycle
	if cycle == "" {
		cycle = subscriptiondomain.BillingCycleMonthly
	}
	now := s.clock.Now().UTC()
	charged, _, err := subscriptiondomain.ChargeFor(cycle, price.MonthlyPrice, now)
	if err != nil {
		return subscriptiondomain.CheckoutResponse{}, err
	}

	subscription := subscriptiondomain.Subscription{
		ID:            s.genID.Generate(),
		AccountID:     payer.AccountID,
		PlanType:      price.PlanType,
		BillingCycle:  cycle,
		Status:        subscriptiondomain.StatusPending,
		MonthlyPrice:  price.MonthlyPrice,
		ChargedAmount: charged,
		Currency:      price.Currency,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	session, err := s.provider.CreateCheckoutSession(ctx, provider.CheckoutSessionRequest{
		PriceID:       priceID,
		CustomerID:    payer.ProviderCustomerID,
		CustomerEmail: payer.Email,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		Metadata: map[string]string{
			subscriptiondomain.MetadataAccountID:      payer.AccountID.String(),
			subscriptiondomain.MetadataSubscriptionID: subscription.ID.String(),
			subscriptiondomain.MetadataPlanType:       price.PlanType,
			subscriptiondomain.MetadataBillingCycle:   string(cycle),
		},
	})
	if err != nil {
		s.log.Warn("checkout session creation failed",
			zap.String("account_id", payer.AccountID.String()),
			zap.String("subscription_id", subscription.ID.String()),
			zap.Error(err),
		)
		return subscriptiondomain.CheckoutResponse{}, fmt.Errorf("checkout session: %w", err)
	}

	subscription.CheckoutSessionID = &session.ID
	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return subscriptiondomain.CheckoutResponse{}, err
	}

	return subscriptiondomain.CheckoutResponse{
		URL:            session.URL,
		SessionID:      session.ID,
		SubscriptionID: subscription.ID,
	}, nil
}

func (s *Service) GetCurrent(ctx context.Context, accountID snowflake.ID) (subscriptiondomain.CurrentResponse, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return subscriptiondomain.CurrentResponse{}, err
	}

	now := s.clock.Now().UTC()
	entitled := account.SubscriptionStatus != nil &&
		account.SubscriptionCurrentPeriodEnd != nil &&
		account.SubscriptionCurrentPeriodEnd.After(now)

	return subscriptiondomain.CurrentResponse{
		AccountID:        account.ID,
		Status:           account.SubscriptionStatus,
		CurrentPeriodEnd: account.SubscriptionCurrentPeriodEnd,
		Entitled:         entitled,
	}, nil
}

func (s *Service) hasEntitledActive(ctx context.Context, db *gorm.DB, accountID snowflake.ID, now time.Time) (bool, error) {
	active, err := s.repo.ListByAccountAndStatus(ctx, db, accountID, []subscriptiondomain.Status{subscriptiondomain.StatusActive})
	if err != nil {
		return false, err
	}
	for _, subscription := range active {
		if subscription.CurrentPeriodEnd == nil || subscription.CurrentPeriodEnd.After(now) {
			return true, nil
		}
	}
	return false, nil
}
