package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/herdpay/internal/account"
	"github.com/smallbiznis/herdpay/internal/audit"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	"github.com/smallbiznis/herdpay/internal/connect"
	"github.com/smallbiznis/herdpay/internal/escrow"
	"github.com/smallbiznis/herdpay/internal/fee"
	"github.com/smallbiznis/herdpay/internal/lock"
	"github.com/smallbiznis/herdpay/internal/migration"
	"github.com/smallbiznis/herdpay/internal/observability"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment"
	"github.com/smallbiznis/herdpay/internal/payment/idempotency"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	"github.com/smallbiznis/herdpay/internal/server"
	"github.com/smallbiznis/herdpay/internal/subscription"
	"github.com/smallbiznis/herdpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		outbox.Module,
		audit.Module,

		// Functional Domains
		account.Module,
		fee.Module,
		provider.Module,
		subscription.Module,
		escrow.Module,
		connect.Module,
		idempotency.Module,
		payment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
