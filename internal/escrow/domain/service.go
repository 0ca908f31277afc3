package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/herdpay/internal/fee"
	"gorm.io/gorm"
)

// WebhookHandler applies provider events inside the dispatcher's
// transaction.
type WebhookHandler interface {
	MarkFunded(ctx context.Context, tx *gorm.DB, event PaymentIntentEvent) (Outcome, error)
	MarkFundingFailed(ctx context.Context, tx *gorm.DB, event PaymentIntentEvent) (Outcome, error)
	RecordTransfer(ctx context.Context, tx *gorm.DB, event TransferEvent) (Outcome, error)
}

type Service interface {
	WebhookHandler

	CreateFunding(ctx context.Context, req CreateFundingRequest) (FundingResponse, error)
	Release(ctx context.Context, accountID, paymentID snowflake.ID) (*Payment, error)
	Get(ctx context.Context, accountID, paymentID snowflake.ID) (*Payment, error)
}

type CreateFundingRequest struct {
	LoadID         string
	PayerAccountID snowflake.ID
	PayeeAccountID snowflake.ID
	Amount         int64
	Currency       string
}

type FundingResponse struct {
	PaymentID       snowflake.ID `json:"payment_id"`
	Status          Status       `json:"status"`
	Currency        string       `json:"currency"`
	PaymentIntentID string       `json:"payment_intent_id"`
	ClientSecret    string       `json:"client_secret"`
	fee.Breakdown
}

var (
	ErrInvalidPayment    = errors.New("invalid_escrow_payment")
	ErrInvalidLoad       = errors.New("invalid_load_id")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrSameParty         = errors.New("payer_is_payee")
	ErrNotFound          = errors.New("escrow_payment_not_found")
	ErrPayeeNotOnboarded = errors.New("payee_not_onboarded")
	ErrInvalidState      = errors.New("invalid_escrow_state")
)
