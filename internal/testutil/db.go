// Package testutil opens throwaway sqlite databases carrying the same tables
// as the postgres migrations.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		account_type TEXT NOT NULL,
		provider_customer_id TEXT,
		subscription_status TEXT,
		subscription_current_period_end DATETIME,
		connected_account_id TEXT,
		charges_enabled BOOLEAN NOT NULL DEFAULT 0,
		payouts_enabled BOOLEAN NOT NULL DEFAULT 0,
		details_submitted BOOLEAN NOT NULL DEFAULT 0,
		onboarding_complete BOOLEAN NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_accounts_email ON accounts (email)`,
	`CREATE UNIQUE INDEX ux_accounts_connected_account_id ON accounts (connected_account_id) WHERE connected_account_id IS NOT NULL`,
	`CREATE TABLE subscription_prices (
		id INTEGER PRIMARY KEY,
		plan_type TEXT NOT NULL,
		monthly_price TEXT NOT NULL,
		currency TEXT NOT NULL,
		provider_price_id TEXT,
		billing_cycle TEXT NOT NULL DEFAULT 'MONTHLY',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		plan_type TEXT NOT NULL,
		billing_cycle TEXT NOT NULL,
		status TEXT NOT NULL,
		monthly_price TEXT NOT NULL,
		charged_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		provider_subscription_id TEXT,
		checkout_session_id TEXT,
		started_at DATETIME NOT NULL,
		current_period_end DATETIME,
		last_event_created INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_subscriptions_provider_subscription_id ON subscriptions (provider_subscription_id) WHERE provider_subscription_id IS NOT NULL`,
	`CREATE TABLE subscription_payments (
		id INTEGER PRIMARY KEY,
		subscription_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		provider_reference TEXT,
		status TEXT NOT NULL,
		paid_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_subscription_payments_provider_reference ON subscription_payments (provider_reference) WHERE provider_reference IS NOT NULL`,
	`CREATE TABLE escrow_payments (
		id INTEGER PRIMARY KEY,
		load_id TEXT NOT NULL,
		payer_account_id INTEGER NOT NULL,
		payee_account_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		platform_fee INTEGER NOT NULL,
		processor_fee INTEGER NOT NULL,
		total_amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payout_status TEXT NOT NULL DEFAULT 'none',
		payment_intent_id TEXT,
		charge_id TEXT,
		transfer_id TEXT,
		funded_at DATETIME,
		payout_completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE webhook_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		processed_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_provider_event_id ON webhook_events (provider, provider_event_id)`,
	`CREATE TABLE outbox_messages (
		id INTEGER PRIMARY KEY,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		published BOOLEAN NOT NULL DEFAULT 0,
		published_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
}

// NewDB returns an isolated in-memory database with the full schema. All
// access goes through a single connection so concurrent callers serialize
// the way row locks would on postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake generator for tests.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Count returns the number of rows matching the where clause.
func Count(t testing.TB, db *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()
	var count int64
	query := db.Table(table)
	if where != "" {
		query = query.Where(where, args...)
	}
	if err := query.Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
