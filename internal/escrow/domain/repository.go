package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	SetPaymentIntent(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID string, now time.Time) error

	// MarkFunded and MarkFundingFailed only move rows still in a fundable
	// status and report whether a row changed.
	MarkFunded(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID, chargeID string, fundedAt time.Time) (bool, error)
	MarkFundingFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	MarkPayoutPending(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	RevertPayoutPending(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	RecordTransfer(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string, now time.Time) (bool, error)
}
