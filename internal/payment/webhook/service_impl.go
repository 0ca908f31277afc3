package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	connectdomain "github.com/smallbiznis/herdpay/internal/connect/domain"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"github.com/smallbiznis/herdpay/internal/lock"
	obscontext "github.com/smallbiznis/herdpay/internal/observability/context"
	"github.com/smallbiznis/herdpay/internal/observability/logger"
	"github.com/smallbiznis/herdpay/internal/observability/metrics"
	"github.com/smallbiznis/herdpay/internal/outbox"
	stripeadapter "github.com/smallbiznis/herdpay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/herdpay/internal/payment/domain"
	"github.com/smallbiznis/herdpay/internal/payment/idempotency"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultEventLockTTL = 30 * time.Second

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Config        config.Config
	Gate          *idempotency.Gate
	Subscriptions subscriptiondomain.Service
	Escrow        escrowdomain.Service
	Connect       connectdomain.Service
	Outbox        *outbox.Writer
	Locker        *lock.Locker             `optional:"true"`
	Metrics       *metrics.Metrics         `optional:"true"`
	Dispatch      *metrics.DispatchMetrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	verifier      *stripeadapter.Verifier
	gate          *idempotency.Gate
	subscriptions subscriptiondomain.WebhookHandler
	escrow        escrowdomain.WebhookHandler
	connect       connectdomain.Service
	outbox        *outbox.Writer
	locker        *lock.Locker
	lockTTL       time.Duration
	metrics       *metrics.Metrics
	dispatch      *metrics.DispatchMetrics
}

func NewService(p Params) paymentdomain.Service {
	log := p.Log.Named("payment.webhook")
	verifier := stripeadapter.NewVerifier(p.Config.Stripe)
	if !verifier.Configured() {
		log.Warn("stripe webhook secret not configured, all deliveries will be rejected")
	}
	ttl := p.Config.Redis.EventLockTTL
	if ttl <= 0 {
		ttl = defaultEventLockTTL
	}

	return &Service{
		db:  p.DB,
		log: log,

		clock:         p.Clock,
		verifier:      verifier,
		gate:          p.Gate,
		subscriptions: p.Subscriptions,
		escrow:        p.Escrow,
		connect:       p.Connect,
		outbox:        p.Outbox,
		locker:        p.Locker,
		lockTTL:       ttl,
		metrics:       p.Metrics,
		dispatch:      p.Dispatch,
	}
}

// Ingest verifies a delivery and applies it exactly once. The event's
// effects and its idempotency record commit in one transaction; a failing
// handler rolls both back so the provider's retry runs it again.
func (s *Service) Ingest(ctx context.Context, payload []byte, signature string) (paymentdomain.Result, error) {
	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		s.dispatch.IncEvent("unknown", metrics.DispatchOutcomeRejected)
		s.log.Warn("webhook rejected", zap.Error(err))
		return paymentdomain.Result{}, err
	}

	ctx = obscontext.WithEventID(ctx, event.ID)
	ctx, _ = obscontext.EnsureCorrelationID(ctx)
	log := logger.WithEvent(logger.WithContext(ctx, s.log), event.ID, event.Type)
	result := paymentdomain.Result{EventID: event.ID, EventType: event.Type}

	if s.locker != nil {
		token, acquired, err := s.locker.TryLock(ctx, event.ID, s.lockTTL)
		switch {
		case err != nil:
			log.Warn("event lock unavailable, continuing without it", zap.Error(err))
		case !acquired:
			s.record(ctx, event.Type, metrics.DispatchOutcomeInFlight)
			return result, paymentdomain.ErrEventInFlight
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), event.ID, token); err != nil {
					log.Warn("event lock release failed", zap.Error(err))
				}
			}()
		}
	}

	started := s.clock.Now()
	ctx, batch := outbox.WithBatch(ctx)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		process, err := s.gate.ShouldProcess(ctx, tx, provider.Name, event.ID)
		if err != nil {
			return err
		}
		if !process {
			result.Duplicate = true
			return nil
		}

		outcome, err := s.route(ctx, tx, event)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", paymentdomain.ErrHandlerFailure, event.Type, err)
		}
		result.Outcome = outcome

		return s.gate.MarkProcessed(ctx, tx, idempotency.Record{
			Provider:  provider.Name,
			EventID:   event.ID,
			EventType: event.Type,
			Payload:   event.Payload,
		})
	})
	now := s.clock.Now()
	s.dispatch.ObserveHandler(event.Type, now.Sub(started))

	if err != nil {
		if !errors.Is(err, paymentdomain.ErrHandlerFailure) {
			err = fmt.Errorf("%w: %s: %w", paymentdomain.ErrHandlerFailure, event.Type, err)
		}
		s.dispatch.IncHandlerError(event.Type, err)
		s.record(ctx, event.Type, metrics.DispatchOutcomeFailed)
		log.Error("webhook handler failed", zap.Error(err))
		return result, err
	}

	if result.Duplicate {
		result.Outcome = metrics.DispatchOutcomeDuplicate
		s.record(ctx, event.Type, metrics.DispatchOutcomeDuplicate)
		log.Info("duplicate webhook acknowledged")
		return result, nil
	}

	s.outbox.Flush(ctx, batch)
	s.dispatch.ObserveEventLag(event.CreatedAt(), now)
	s.record(ctx, event.Type, result.Outcome)
	log.Info("webhook processed", zap.String("outcome", result.Outcome))
	return result, nil
}

func (s *Service) record(ctx context.Context, eventType, outcome string) {
	s.dispatch.IncEvent(eventType, outcome)
	s.metrics.RecordWebhookEvent(ctx, provider.Name, eventType, outcome)
}

// route hands the event to exactly one domain handler.
func (s *Service) route(ctx context.Context, tx *gorm.DB, event paymentdomain.Event) (string, error) {
	switch event.Type {
	case paymentdomain.EventCheckoutSessionCompleted:
		parsed, err := stripeadapter.ParseCheckoutCompleted(event)
		if stripeadapter.IsIgnored(err) {
			return metrics.DispatchOutcomeIgnored, nil
		}
		if err != nil {
			return "", err
		}
		return subscriptionOutcome(s.subscriptions.CheckoutCompleted(ctx, tx, parsed))

	case paymentdomain.EventInvoicePaid, paymentdomain.EventInvoicePaymentSucceeded:
		parsed, err := stripeadapter.ParseInvoice(event)
		if err != nil {
			return "", err
		}
		return subscriptionOutcome(s.subscriptions.InvoicePaid(ctx, tx, parsed))

	case paymentdomain.EventInvoicePaymentFailed:
		parsed, err := stripeadapter.ParseInvoice(event)
		if err != nil {
			return "", err
		}
		return subscriptionOutcome(s.subscriptions.InvoicePaymentFailed(ctx, tx, parsed))

	case paymentdomain.EventSubscriptionUpdated:
		parsed, err := stripeadapter.ParseSubscription(event)
		if err != nil {
			return "", err
		}
		return subscriptionOutcome(s.subscriptions.SubscriptionUpdated(ctx, tx, parsed))

	case paymentdomain.EventSubscriptionDeleted:
		parsed, err := stripeadapter.ParseSubscription(event)
		if err != nil {
			return "", err
		}
		return subscriptionOutcome(s.subscriptions.SubscriptionDeleted(ctx, tx, parsed))

	case paymentdomain.EventPaymentIntentSucceeded:
		parsed, err := stripeadapter.ParsePaymentIntent(event)
		if err != nil {
			return "", err
		}
		return escrowOutcome(s.escrow.MarkFunded(ctx, tx, parsed))

	case paymentdomain.EventPaymentIntentFailed:
		parsed, err := stripeadapter.ParsePaymentIntent(event)
		if err != nil {
			return "", err
		}
		return escrowOutcome(s.escrow.MarkFundingFailed(ctx, tx, parsed))

	case paymentdomain.EventTransferCreated:
		parsed, err := stripeadapter.ParseTransfer(event)
		if err != nil {
			return "", err
		}
		return escrowOutcome(s.escrow.RecordTransfer(ctx, tx, parsed))

	case paymentdomain.EventAccountUpdated:
		parsed, err := stripeadapter.ParseAccount(event)
		if err != nil {
			return "", err
		}
		outcome, err := s.connect.SyncFromEvent(ctx, tx, parsed)
		if err != nil {
			return "", err
		}
		if !outcome.Applied {
			return metrics.DispatchOutcomeIgnored, nil
		}
		return metrics.DispatchOutcomeProcessed, nil

	default:
		logger.WithEvent(logger.WithContext(ctx, s.log), event.ID, event.Type).
			Info("unhandled webhook event type", zap.Error(paymentdomain.ErrUnknownEventType))
		return metrics.DispatchOutcomeIgnored, nil
	}
}

func subscriptionOutcome(outcome subscriptiondomain.Outcome, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if !outcome.Applied {
		return metrics.DispatchOutcomeIgnored, nil
	}
	return metrics.DispatchOutcomeProcessed, nil
}

func escrowOutcome(outcome escrowdomain.Outcome, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if !outcome.Applied {
		return metrics.DispatchOutcomeIgnored, nil
	}
	return metrics.DispatchOutcomeProcessed, nil
}
