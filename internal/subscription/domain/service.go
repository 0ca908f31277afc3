package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WebhookHandler applies provider events inside the dispatcher's
// transaction.
type WebhookHandler interface {
	CheckoutCompleted(ctx context.Context, tx *gorm.DB, event CheckoutCompleted) (Outcome, error)
	InvoicePaid(ctx context.Context, tx *gorm.DB, event InvoiceEvent) (Outcome, error)
	InvoicePaymentFailed(ctx context.Context, tx *gorm.DB, event InvoiceEvent) (Outcome, error)
	SubscriptionUpdated(ctx context.Context, tx *gorm.DB, event SubscriptionEvent) (Outcome, error)
	SubscriptionDeleted(ctx context.Context, tx *gorm.DB, event SubscriptionEvent) (Outcome, error)
}

type Service interface {
	WebhookHandler

	Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResponse, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResponse, error)
	GetCurrent(ctx context.Context, accountID snowflake.ID) (CurrentResponse, error)
}

type SubscribeRequest struct {
	AccountID    snowflake.ID
	BillingCycle string
}

type SubscribeResponse struct {
	SubscriptionID   snowflake.ID    `json:"subscription_id"`
	HaulerType       string          `json:"hauler_type"`
	PlanType         string          `json:"plan_type"`
	BillingCycle     BillingCycle    `json:"billing_cycle"`
	Status           Status          `json:"status"`
	CurrentPeriodEnd time.Time       `json:"current_period_end"`
	MonthlyPrice     decimal.Decimal `json:"monthly_price"`
	YearlyPrice      decimal.Decimal `json:"yearly_price"`
	ChargedAmount    decimal.Decimal `json:"charged_amount"`
	Currency         string          `json:"currency"`
}

type CheckoutRequest struct {
	AccountID  snowflake.ID
	PriceID    string
	SuccessURL string
	CancelURL  string
}

type CheckoutResponse struct {
	URL            string       `json:"url"`
	SessionID      string       `json:"session_id"`
	SubscriptionID snowflake.ID `json:"subscription_id"`
}

type CurrentResponse struct {
	AccountID        snowflake.ID `json:"account_id"`
	Status           *string      `json:"status"`
	CurrentPeriodEnd *time.Time   `json:"current_period_end"`
	Entitled         bool         `json:"entitled"`
}

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrInvalidBillingCycle = errors.New("invalid_billing_cycle")
	ErrWrongAccountType    = errors.New("wrong_account_type")
	ErrAlreadySubscribed   = errors.New("already_subscribed")
	ErrPricingUnavailable  = errors.New("pricing_unavailable")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidStatus       = errors.New("invalid_status")
	// ErrSubscriptionConflict means an insert lost a race it could not
	// resolve by re-reading the row.
	ErrSubscriptionConflict = errors.New("subscription_conflict")
)
