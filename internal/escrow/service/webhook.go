package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/herdpay/internal/audit/domain"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"github.com/smallbiznis/herdpay/internal/observability/logger"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MarkFunded moves a payment into escrow. Payments that already progressed
// are left alone so a late replay cannot re-stamp funded_at.
func (s *Service) MarkFunded(ctx context.Context, tx *gorm.DB, event escrowdomain.PaymentIntentEvent) (escrowdomain.Outcome, error) {
	return s.fundingOutcome(ctx, tx, event, escrowdomain.StatusInEscrow, func(id snowflake.ID, now time.Time) (bool, error) {
		return s.repo.MarkFunded(ctx, tx, id, event.PaymentIntentID, event.ChargeID, now)
	})
}

func (s *Service) MarkFundingFailed(ctx context.Context, tx *gorm.DB, event escrowdomain.PaymentIntentEvent) (escrowdomain.Outcome, error) {
	return s.fundingOutcome(ctx, tx, event, escrowdomain.StatusFundingFailed, func(id snowflake.ID, now time.Time) (bool, error) {
		return s.repo.MarkFundingFailed(ctx, tx, id, now)
	})
}

func (s *Service) fundingOutcome(ctx context.Context, tx *gorm.DB, event escrowdomain.PaymentIntentEvent, target escrowdomain.Status, apply func(snowflake.ID, time.Time) (bool, error)) (escrowdomain.Outcome, error) {
	log := logger.WithEvent(logger.WithContext(ctx, s.log), event.EventID, event.EventType)

	paymentID, ok := paymentIDFrom(event.Metadata)
	if !ok {
		log.Debug("payment intent is not an escrow payment", zap.String("payment_intent_id", event.PaymentIntentID))
		return escrowdomain.Outcome{Reason: escrowdomain.ReasonUnmanaged}, nil
	}

	now := s.clock.Now().UTC()
	applied, err := apply(paymentID, now)
	if err != nil {
		return escrowdomain.Outcome{}, err
	}
	s.metrics.RecordEscrowTransition(ctx, string(target), applied)

	if !applied {
		current, err := s.repo.FindByID(ctx, tx, paymentID)
		if err != nil {
			return escrowdomain.Outcome{}, err
		}
		if current == nil {
			log.Warn("escrow payment not found", zap.String("payment_id", paymentID.String()))
			return escrowdomain.Outcome{PaymentID: paymentID, Reason: escrowdomain.ReasonNotFound}, nil
		}
		log.Info("escrow transition skipped",
			zap.String("payment_id", paymentID.String()),
			zap.String("status", string(current.Status)),
			zap.String("target", string(target)),
		)
		return escrowdomain.Outcome{PaymentID: paymentID, Status: current.Status, Reason: escrowdomain.ReasonGuarded}, nil
	}

	metadata := map[string]any{
		"payment_intent_id": event.PaymentIntentID,
		"event_type":        event.EventType,
	}
	if event.FailureMessage != "" {
		metadata["failure_message"] = event.FailureMessage
	}
	s.deferAudit(ctx, paymentID, "escrow."+string(target), metadata)

	return escrowdomain.Outcome{Applied: true, PaymentID: paymentID, Status: target}, nil
}

// RecordTransfer completes the payout for the payment named in the transfer
// metadata. Payouts do not regress, so no status guard applies.
func (s *Service) RecordTransfer(ctx context.Context, tx *gorm.DB, event escrowdomain.TransferEvent) (escrowdomain.Outcome, error) {
	log := logger.WithEvent(logger.WithContext(ctx, s.log), event.EventID, event.EventType)

	paymentID, ok := paymentIDFrom(event.Metadata)
	if !ok {
		log.Debug("transfer is not an escrow payout", zap.String("transfer_id", event.TransferID))
		return escrowdomain.Outcome{Reason: escrowdomain.ReasonUnmanaged}, nil
	}
	if strings.TrimSpace(event.TransferID) == "" {
		return escrowdomain.Outcome{}, escrowdomain.ErrInvalidPayment
	}

	applied, err := s.repo.RecordTransfer(ctx, tx, paymentID, event.TransferID, s.clock.Now().UTC())
	if err != nil {
		return escrowdomain.Outcome{}, err
	}
	s.metrics.RecordEscrowTransition(ctx, string(escrowdomain.StatusReleased), applied)
	if !applied {
		log.Warn("escrow payment not found", zap.String("payment_id", paymentID.String()))
		return escrowdomain.Outcome{PaymentID: paymentID, Reason: escrowdomain.ReasonNotFound}, nil
	}

	s.deferAudit(ctx, paymentID, "escrow.released", map[string]any{
		"transfer_id": event.TransferID,
		"destination": event.Destination,
		"amount":      event.Amount,
	})
	return escrowdomain.Outcome{Applied: true, PaymentID: paymentID, Status: escrowdomain.StatusReleased}, nil
}

func (s *Service) deferAudit(ctx context.Context, paymentID snowflake.ID, action string, metadata map[string]any) {
	outbox.DeferAudit(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeProvider,
		ActorID:    provider.Name,
		Action:     action,
		TargetType: "escrow_payment",
		TargetID:   paymentID.String(),
		Metadata:   metadata,
	})
}

func paymentIDFrom(metadata map[string]string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(metadata[escrowdomain.MetadataPaymentID])
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
