// Package domain holds the escrow payment state machine types.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusPendingFunding Status = "pending_funding"
	StatusInEscrow       Status = "in_escrow"
	StatusFundingFailed  Status = "funding_failed"
	StatusPayoutPending  Status = "payout_pending"
	StatusReleased       Status = "released"
)

type PayoutStatus string

const (
	PayoutNone      PayoutStatus = "none"
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
)

// MetadataPaymentID tags provider objects that belong to an escrow payment.
// Provider events without it are not ours to handle.
const (
	MetadataPaymentID = "payment_id"
	MetadataLoadID    = "load_id"
)

// FundableStatuses are the states a funding outcome may still move.
var FundableStatuses = []Status{StatusPending, StatusPendingFunding}

// Payment amounts are integer minor units.
type Payment struct {
	ID                snowflake.ID `json:"id"`
	LoadID            string       `json:"load_id"`
	PayerAccountID    snowflake.ID `json:"payer_account_id"`
	PayeeAccountID    snowflake.ID `json:"payee_account_id"`
	Amount            int64        `json:"amount"`
	PlatformFee       int64        `json:"platform_fee"`
	ProcessorFee      int64        `json:"processor_fee"`
	TotalAmount       int64        `json:"total_amount"`
	Currency          string       `json:"currency"`
	Status            Status       `json:"status"`
	PayoutStatus      PayoutStatus `json:"payout_status"`
	PaymentIntentID   *string      `json:"payment_intent_id,omitempty"`
	ChargeID          *string      `json:"charge_id,omitempty"`
	TransferID        *string      `json:"transfer_id,omitempty"`
	FundedAt          *time.Time   `json:"funded_at,omitempty"`
	PayoutCompletedAt *time.Time   `json:"payout_completed_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Payment) TableName() string { return "escrow_payments" }

type PaymentIntentEvent struct {
	EventID         string
	EventType       string
	PaymentIntentID string
	ChargeID        string
	FailureMessage  string
	Metadata        map[string]string
}

type TransferEvent struct {
	EventID     string
	EventType   string
	TransferID  string
	Destination string
	Amount      int64
	Metadata    map[string]string
}

type Outcome struct {
	Applied   bool
	PaymentID snowflake.ID
	Status    Status
	Reason    string
}

const (
	ReasonUnmanaged = "missing_payment_id"
	ReasonNotFound  = "payment_not_found"
	ReasonGuarded   = "status_guard"
)
