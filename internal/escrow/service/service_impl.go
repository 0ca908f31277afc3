package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/herdpay/internal/audit/domain"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"github.com/smallbiznis/herdpay/internal/fee"
	"github.com/smallbiznis/herdpay/internal/observability/logger"
	"github.com/smallbiznis/herdpay/internal/observability/metrics"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       escrowdomain.Repository
	Accounts   accountdomain.Service
	Calculator *fee.Calculator
	Provider   provider.Client
	Outbox     *outbox.Writer
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID           *snowflake.Node
	clock           clock.Clock
	defaultCurrency string
	repo            escrowdomain.Repository
	accounts        accountdomain.Service
	calculator      *fee.Calculator
	provider        provider.Client
	outbox          *outbox.Writer
	metrics         *metrics.Metrics
}

func NewService(p Params) escrowdomain.Service {
	currency := strings.ToLower(strings.TrimSpace(p.Config.Stripe.DefaultCurrency))
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("escrow.service"),

		genID:           p.GenID,
		clock:           p.Clock,
		defaultCurrency: currency,
		repo:            p.Repo,
		accounts:        p.Accounts,
		calculator:      p.Calculator,
		provider:        p.Provider,
		outbox:          p.Outbox,
		metrics:         p.Metrics,
	}
}

// CreateFunding prices an escrow payment and opens the provider charge the
// payer completes. The row stays pending_funding until the charge webhook
// arrives.
func (s *Service) CreateFunding(ctx context.Context, req escrowdomain.CreateFundingRequest) (escrowdomain.FundingResponse, error) {
	loadID := strings.TrimSpace(req.LoadID)
	if loadID == "" {
		return escrowdomain.FundingResponse{}, escrowdomain.ErrInvalidLoad
	}
	if req.PayerAccountID == 0 || req.PayeeAccountID == 0 {
		return escrowdomain.FundingResponse{}, accountdomain.ErrInvalidAccount
	}
	if req.PayerAccountID == req.PayeeAccountID {
		return escrowdomain.FundingResponse{}, escrowdomain.ErrSameParty
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if len(currency) != 3 {
		return escrowdomain.FundingResponse{}, escrowdomain.ErrInvalidCurrency
	}

	breakdown, err := s.calculator.Quote(req.Amount)
	if err != nil {
		return escrowdomain.FundingResponse{}, err
	}

	payer, err := s.accounts.ResolvePayer(ctx, req.PayerAccountID)
	if err != nil {
		return escrowdomain.FundingResponse{}, err
	}
	payee, err := s.accounts.Get(ctx, req.PayeeAccountID)
	if err != nil {
		return escrowdomain.FundingResponse{}, err
	}
	if !payee.OnboardingComplete || payee.ConnectedAccountID == nil || *payee.ConnectedAccountID == "" {
		return escrowdomain.FundingResponse{}, escrowdomain.ErrPayeeNotOnboarded
	}

	now := s.clock.Now().UTC()
	payment := escrowdomain.Payment{
		ID:             s.genID.Generate(),
		LoadID:         loadID,
		PayerAccountID: payer.AccountID,
		PayeeAccountID: payee.ID,
		Amount:         breakdown.Target,
		PlatformFee:    breakdown.PlatformFee,
		ProcessorFee:   breakdown.ProcessorFee,
		TotalAmount:    breakdown.Total,
		Currency:       currency,
		Status:         escrowdomain.StatusPendingFunding,
		PayoutStatus:   escrowdomain.PayoutNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, &payment); err != nil {
		return escrowdomain.FundingResponse{}, err
	}

	intent, err := s.provider.CreatePaymentIntent(ctx, provider.PaymentIntentRequest{
		Amount:        breakdown.Total,
		Currency:      currency,
		TransferGroup: transferGroup(payment.ID),
		CustomerID:    payer.ProviderCustomerID,
		Metadata: map[string]string{
			escrowdomain.MetadataPaymentID: payment.ID.String(),
			escrowdomain.MetadataLoadID:    loadID,
		},
	})
	if err != nil {
		if _, markErr := s.repo.MarkFundingFailed(ctx, s.db, payment.ID, s.clock.Now().UTC()); markErr != nil {
			s.log.Warn("failed to close unfunded escrow payment", zap.String("payment_id", payment.ID.String()), zap.Error(markErr))
		}
		return escrowdomain.FundingResponse{}, fmt.Errorf("create payment intent: %w", err)
	}
	if err := s.repo.SetPaymentIntent(ctx, s.db, payment.ID, intent.ID, s.clock.Now().UTC()); err != nil {
		return escrowdomain.FundingResponse{}, err
	}

	if err := s.outbox.EnqueueAudit(ctx, s.db, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeAccount,
		ActorID:    payer.AccountID.String(),
		Action:     "escrow.funding_created",
		TargetType: "escrow_payment",
		TargetID:   payment.ID.String(),
		Metadata: map[string]any{
			"load_id":      loadID,
			"amount":       breakdown.Target,
			"total_amount": breakdown.Total,
			"currency":     currency,
		},
	}); err != nil {
		s.log.Warn("escrow audit enqueue failed", zap.String("payment_id", payment.ID.String()), zap.Error(err))
	}
	s.metrics.RecordEscrowTransition(ctx, string(escrowdomain.StatusPendingFunding), true)

	return escrowdomain.FundingResponse{
		PaymentID:       payment.ID,
		Status:          payment.Status,
		Currency:        currency,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Breakdown:       breakdown,
	}, nil
}

// Release claims an in_escrow payment for payout and asks the provider to
// transfer the payee's share. The transfer webhook completes it.
func (s *Service) Release(ctx context.Context, accountID, paymentID snowflake.ID) (*escrowdomain.Payment, error) {
	payment, err := s.Get(ctx, accountID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.PayerAccountID != accountID {
		return nil, escrowdomain.ErrNotFound
	}
	if payment.Status != escrowdomain.StatusInEscrow {
		return nil, escrowdomain.ErrInvalidState
	}

	payee, err := s.accounts.Get(ctx, payment.PayeeAccountID)
	if err != nil {
		return nil, err
	}
	if payee.ConnectedAccountID == nil || *payee.ConnectedAccountID == "" {
		return nil, escrowdomain.ErrPayeeNotOnboarded
	}

	claimed, err := s.repo.MarkPayoutPending(ctx, s.db, payment.ID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, escrowdomain.ErrInvalidState
	}

	transfer, err := s.provider.CreateTransfer(ctx, provider.TransferRequest{
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Destination:   *payee.ConnectedAccountID,
		TransferGroup: transferGroup(payment.ID),
		Metadata: map[string]string{
			escrowdomain.MetadataPaymentID: payment.ID.String(),
			escrowdomain.MetadataLoadID:    payment.LoadID,
		},
	})
	if err != nil {
		if revertErr := s.repo.RevertPayoutPending(ctx, s.db, payment.ID, s.clock.Now().UTC()); revertErr != nil {
			s.log.Error("failed to revert payout claim", zap.String("payment_id", payment.ID.String()), zap.Error(revertErr))
		}
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	logger.WithAccount(s.log, accountID.String()).Info("escrow payout requested",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transfer_id", transfer.ID),
	)
	if err := s.outbox.EnqueueAudit(ctx, s.db, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeAccount,
		ActorID:    accountID.String(),
		Action:     "escrow.release_requested",
		TargetType: "escrow_payment",
		TargetID:   payment.ID.String(),
		Metadata:   map[string]any{"transfer_id": transfer.ID},
	}); err != nil {
		s.log.Warn("escrow audit enqueue failed", zap.String("payment_id", payment.ID.String()), zap.Error(err))
	}
	s.metrics.RecordEscrowTransition(ctx, string(escrowdomain.StatusPayoutPending), true)

	return s.repo.FindByID(ctx, s.db, payment.ID)
}

// Get returns the payment when accountID is its payer or payee.
func (s *Service) Get(ctx context.Context, accountID, paymentID snowflake.ID) (*escrowdomain.Payment, error) {
	if paymentID == 0 {
		return nil, escrowdomain.ErrInvalidPayment
	}
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, escrowdomain.ErrNotFound
	}
	if payment.PayerAccountID != accountID && payment.PayeeAccountID != accountID {
		return nil, escrowdomain.ErrNotFound
	}
	return payment, nil
}

func transferGroup(paymentID snowflake.ID) string {
	return "escrow_" + paymentID.String()
}
