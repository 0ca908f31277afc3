package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	"gorm.io/gorm"
)

const accountColumns = `id, email, account_type, provider_customer_id, subscription_status,
	 subscription_current_period_end, connected_account_id, charges_enabled, payouts_enabled,
	 details_submitted, onboarding_complete, version, created_at, updated_at`

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *accountdomain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Email,
		account.AccountType,
		account.ProviderCustomerID,
		account.SubscriptionStatus,
		account.SubscriptionCurrentPeriodEnd,
		account.ConnectedAccountID,
		account.ChargesEnabled,
		account.PayoutsEnabled,
		account.DetailsSubmitted,
		account.OnboardingComplete,
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByConnectedAccountID(ctx context.Context, db *gorm.DB, connectedAccountID string) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM accounts WHERE connected_account_id = ?`,
		connectedAccountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) UpdateSubscriptionMirror(ctx context.Context, db *gorm.DB, id snowflake.ID, mirror accountdomain.SubscriptionMirror, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET subscription_status = ?, subscription_current_period_end = ?, version = version + 1, updated_at = ?
		 WHERE id = ?`,
		mirror.Status,
		mirror.CurrentPeriodEnd,
		now,
		id,
	).Error
}

func (r *repo) CompareAndSetSubscriptionMirror(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, mirror accountdomain.SubscriptionMirror, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET subscription_status = ?, subscription_current_period_end = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		mirror.Status,
		mirror.CurrentPeriodEnd,
		now,
		id,
		version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetProviderCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts SET provider_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID,
		now,
		id,
	).Error
}

// SetConnectedAccountID links the first connected account only; later calls
// keep the existing link.
func (r *repo) SetConnectedAccountID(ctx context.Context, db *gorm.DB, id snowflake.ID, connectedAccountID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts SET connected_account_id = ?, updated_at = ?
		 WHERE id = ? AND connected_account_id IS NULL`,
		connectedAccountID,
		now,
		id,
	).Error
}

func (r *repo) UpdateConnectFlags(ctx context.Context, db *gorm.DB, connectedAccountID string, flags accountdomain.ConnectFlags, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET charges_enabled = ?, payouts_enabled = ?, details_submitted = ?, onboarding_complete = ?, updated_at = ?
		 WHERE connected_account_id = ?`,
		flags.ChargesEnabled,
		flags.PayoutsEnabled,
		flags.DetailsSubmitted,
		flags.OnboardingComplete(),
		now,
		connectedAccountID,
	)
	return result.RowsAffected, result.Error
}
