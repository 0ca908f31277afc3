package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByConnectedAccountID(ctx context.Context, db *gorm.DB, connectedAccountID string) (*Account, error)
	UpdateSubscriptionMirror(ctx context.Context, db *gorm.DB, id snowflake.ID, mirror SubscriptionMirror, now time.Time) error
	CompareAndSetSubscriptionMirror(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, mirror SubscriptionMirror, now time.Time) (bool, error)
	SetProviderCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string, now time.Time) error
	SetConnectedAccountID(ctx context.Context, db *gorm.DB, id snowflake.ID, connectedAccountID string, now time.Time) error
	UpdateConnectFlags(ctx context.Context, db *gorm.DB, connectedAccountID string, flags ConnectFlags, now time.Time) (int64, error)
}
