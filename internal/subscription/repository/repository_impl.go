package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, account_id, plan_type, billing_cycle, status, monthly_price, charged_amount,
	 currency, provider_subscription_id, checkout_session_id, started_at, current_period_end,
	 last_event_created, created_at, updated_at`

const priceColumns = `id, plan_type, monthly_price, currency, provider_price_id, billing_cycle, active, created_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		insertArgs(subscription)...,
	).Error
}

// InsertIfAbsent reports false when a row with the same provider reference
// already exists.
func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	insert := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	if db.Dialector != nil && db.Dialector.Name() == "mysql" {
		insert = `INSERT IGNORE INTO subscriptions (` + subscriptionColumns + `)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}

	result := db.WithContext(ctx).Exec(insert, insertArgs(subscription)...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func insertArgs(subscription *subscriptiondomain.Subscription) []any {
	return []any{
		subscription.ID,
		subscription.AccountID,
		subscription.PlanType,
		subscription.BillingCycle,
		subscription.Status,
		subscription.MonthlyPrice,
		subscription.ChargedAmount,
		subscription.Currency,
		subscription.ProviderSubscriptionID,
		subscription.CheckoutSessionID,
		subscription.StartedAt,
		subscription.CurrentPeriodEnd,
		subscription.LastEventCreated,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	)
}

// FindLatestStarted returns the account's most recently started subscription
// that has left PENDING.
func (r *repo) FindLatestStarted(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE account_id = ? AND status <> ?
		 ORDER BY started_at DESC, id DESC
		 LIMIT 1`,
		accountID,
		subscriptiondomain.StatusPending,
	)
}

func (r *repo) ListByAccountAndStatus(ctx context.Context, db *gorm.DB, accountID snowflake.ID, statuses []subscriptiondomain.Status) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE account_id = ? AND status IN ?
		 ORDER BY started_at DESC, id DESC`,
		accountID,
		statuses,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) AttachProviderID(ctx context.Context, db *gorm.DB, id snowflake.ID, providerSubscriptionID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET provider_subscription_id = ?, updated_at = ?
		 WHERE id = ? AND provider_subscription_id IS NULL`,
		providerSubscriptionID,
		now,
		id,
	).Error
}

func (r *repo) SetCheckoutSession(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET checkout_session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID,
		now,
		id,
	).Error
}

// ApplyTransition writes the status only when no newer provider event has
// been applied to the row.
func (r *repo) ApplyTransition(ctx context.Context, db *gorm.DB, transition subscriptiondomain.Transition, now time.Time) (bool, error) {
	query := `UPDATE subscriptions
		 SET status = ?, current_period_end = COALESCE(?, current_period_end),
		     started_at = COALESCE(?, started_at), last_event_created = ?, updated_at = ?
		 WHERE id = ? AND (last_event_created IS NULL OR last_event_created <= ?)`
	args := []any{
		transition.Status,
		transition.CurrentPeriodEnd,
		transition.StartedAt,
		transition.EventCreated,
		now,
		transition.ID,
		transition.EventCreated,
	}
	if transition.SkipCanceled {
		query += ` AND status <> ?`
		args = append(args, subscriptiondomain.StatusCanceled)
	}

	result := db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindActivePrice(ctx context.Context, db *gorm.DB, planType string) (*subscriptiondomain.Price, error) {
	return r.findPrice(ctx, db,
		`SELECT `+priceColumns+` FROM subscription_prices
		 WHERE plan_type = ? AND active = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		planType,
		true,
	)
}

func (r *repo) FindPriceByProviderID(ctx context.Context, db *gorm.DB, providerPriceID string) (*subscriptiondomain.Price, error) {
	return r.findPrice(ctx, db,
		`SELECT `+priceColumns+` FROM subscription_prices
		 WHERE provider_price_id = ? AND active = ?
		 LIMIT 1`,
		providerPriceID,
		true,
	)
}

// InsertPayment reports false when a receipt with the same provider
// reference already exists.
func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *subscriptiondomain.Payment) (bool, error) {
	insert := `INSERT INTO subscription_payments (
			id, subscription_id, amount, currency, provider_reference, status, paid_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	if db.Dialector != nil && db.Dialector.Name() == "mysql" {
		insert = `INSERT IGNORE INTO subscription_payments (
			id, subscription_id, amount, currency, provider_reference, status, paid_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	}

	result := db.WithContext(ctx).Exec(
		insert,
		payment.ID,
		payment.SubscriptionID,
		payment.Amount,
		payment.Currency,
		payment.ProviderReference,
		payment.Status,
		payment.PaidAt,
		payment.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListPayments(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.Payment, error) {
	var payments []subscriptiondomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, amount, currency, provider_reference, status, paid_at, created_at
		 FROM subscription_payments WHERE subscription_id = ?
		 ORDER BY paid_at ASC, id ASC`,
		subscriptionID,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) findPrice(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Price, error) {
	var price subscriptiondomain.Price
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&price).Error; err != nil {
		return nil, err
	}
	if price.ID == 0 {
		return nil, nil
	}
	return &price, nil
}
