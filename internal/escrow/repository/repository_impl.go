package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	"gorm.io/gorm"
)

const paymentColumns = `id, load_id, payer_account_id, payee_account_id, amount, platform_fee, processor_fee,
	 total_amount, currency, status, payout_status, payment_intent_id, charge_id, transfer_id,
	 funded_at, payout_completed_at, created_at, updated_at`

type repo struct{}

func Provide() escrowdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *escrowdomain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO escrow_payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.LoadID,
		payment.PayerAccountID,
		payment.PayeeAccountID,
		payment.Amount,
		payment.PlatformFee,
		payment.ProcessorFee,
		payment.TotalAmount,
		payment.Currency,
		payment.Status,
		payment.PayoutStatus,
		payment.PaymentIntentID,
		payment.ChargeID,
		payment.TransferID,
		payment.FundedAt,
		payment.PayoutCompletedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*escrowdomain.Payment, error) {
	var payment escrowdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM escrow_payments WHERE id = ?`,
		id,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) SetPaymentIntent(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET payment_intent_id = ?, updated_at = ?
		 WHERE id = ? AND payment_intent_id IS NULL`,
		paymentIntentID,
		now,
		id,
	).Error
}

func (r *repo) MarkFunded(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID, chargeID string, fundedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE escrow_payments
		 SET status = ?, funded_at = ?, charge_id = COALESCE(?, charge_id),
		     payment_intent_id = COALESCE(payment_intent_id, ?), updated_at = ?
		 WHERE id = ? AND status IN ?`,
		escrowdomain.StatusInEscrow,
		fundedAt,
		nullable(chargeID),
		nullable(paymentIntentID),
		fundedAt,
		id,
		escrowdomain.FundableStatuses,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkFundingFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		escrowdomain.StatusFundingFailed,
		now,
		id,
		escrowdomain.FundableStatuses,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkPayoutPending(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = ?, payout_status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		escrowdomain.StatusPayoutPending,
		escrowdomain.PayoutPending,
		now,
		id,
		escrowdomain.StatusInEscrow,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RevertPayoutPending undoes a payout claim whose transfer was never
// created.
func (r *repo) RevertPayoutPending(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = ?, payout_status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND transfer_id IS NULL`,
		escrowdomain.StatusInEscrow,
		escrowdomain.PayoutNone,
		now,
		id,
		escrowdomain.StatusPayoutPending,
	).Error
}

// RecordTransfer completes the payout regardless of the current status. A
// replay keeps the first completion time.
func (r *repo) RecordTransfer(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE escrow_payments
		 SET transfer_id = ?, payout_status = ?, status = ?,
		     payout_completed_at = COALESCE(payout_completed_at, ?), updated_at = ?
		 WHERE id = ?`,
		transferID,
		escrowdomain.PayoutCompleted,
		escrowdomain.StatusReleased,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
