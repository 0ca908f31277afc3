package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Transition is a guarded status write. A nil CurrentPeriodEnd keeps the
// stored value.
type Transition struct {
	ID               snowflake.ID
	Status           Status
	CurrentPeriodEnd *time.Time
	// StartedAt, when set, restamps started_at (PENDING rows going live).
	StartedAt    *time.Time
	EventCreated int64
	// SkipCanceled leaves CANCELED rows untouched.
	SkipCanceled bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	InsertIfAbsent(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindLatestStarted(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Subscription, error)
	ListByAccountAndStatus(ctx context.Context, db *gorm.DB, accountID snowflake.ID, statuses []Status) ([]Subscription, error)
	AttachProviderID(ctx context.Context, db *gorm.DB, id snowflake.ID, providerSubscriptionID string, now time.Time) error
	SetCheckoutSession(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string, now time.Time) error
	ApplyTransition(ctx context.Context, db *gorm.DB, transition Transition, now time.Time) (bool, error)

	FindActivePrice(ctx context.Context, db *gorm.DB, planType string) (*Price, error)
	FindPriceByProviderID(ctx context.Context, db *gorm.DB, providerPriceID string) (*Price, error)

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	ListPayments(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Payment, error)
}
