// Package domain contains the subscription state machine models.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Status is the local subscription vocabulary. Provider statuses other than
// "active" pass through upper-cased, so values outside the constants below
// can be stored.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "MONTHLY"
	BillingCycleYearly  BillingCycle = "YEARLY"
)

// PlanHauler is the only self-serve plan.
const PlanHauler = "HAULER"

// PaymentStatusPaid is the only receipt status; receipts are append-only.
const PaymentStatusPaid = "PAID"

// YearlyMonths is what a yearly cycle charges, in monthly prices.
const YearlyMonths = 10

// MonthlyPeriod is the length of a manually started monthly cycle.
const MonthlyPeriod = 30 * 24 * time.Hour

type Subscription struct {
	ID                     snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID              snowflake.ID    `json:"account_id"`
	PlanType               string          `json:"plan_type"`
	BillingCycle           BillingCycle    `json:"billing_cycle"`
	Status                 Status          `json:"status"`
	MonthlyPrice           decimal.Decimal `json:"monthly_price"`
	ChargedAmount          decimal.Decimal `json:"charged_amount"`
	Currency               string          `json:"currency"`
	ProviderSubscriptionID *string         `json:"provider_subscription_id,omitempty"`
	CheckoutSessionID      *string         `json:"checkout_session_id,omitempty"`
	StartedAt              time.Time       `json:"started_at"`
	CurrentPeriodEnd       *time.Time      `json:"current_period_end,omitempty"`
	LastEventCreated       *int64          `json:"-"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Entitled reports whether the subscription grants access at now. A canceled
// subscription keeps its paid period.
func (s Subscription) Entitled(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusPastDue, StatusCanceled:
	default:
		return false
	}
	return s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.After(now)
}

type Price struct {
	ID              snowflake.ID
	PlanType        string
	MonthlyPrice    decimal.Decimal
	Currency        string
	ProviderPriceID *string
	BillingCycle    BillingCycle
	Active          bool
	CreatedAt       time.Time
}

func (Price) TableName() string { return "subscription_prices" }

type Payment struct {
	ID                snowflake.ID
	SubscriptionID    snowflake.ID
	Amount            decimal.Decimal
	Currency          string
	ProviderReference *string
	Status            string
	PaidAt            time.Time
	CreatedAt         time.Time
}

func (Payment) TableName() string { return "subscription_payments" }

func ParseBillingCycle(value string) (BillingCycle, error) {
	switch BillingCycle(strings.ToUpper(strings.TrimSpace(value))) {
	case BillingCycleMonthly:
		return BillingCycleMonthly, nil
	case BillingCycleYearly:
		return BillingCycleYearly, nil
	default:
		return "", ErrInvalidBillingCycle
	}
}

// ChargeFor returns the amount charged for one cycle and the end of a cycle
// starting at start.
func ChargeFor(cycle BillingCycle, monthlyPrice decimal.Decimal, start time.Time) (decimal.Decimal, time.Time, error) {
	switch cycle {
	case BillingCycleMonthly:
		return monthlyPrice, start.Add(MonthlyPeriod), nil
	case BillingCycleYearly:
		return monthlyPrice.Mul(decimal.NewFromInt(YearlyMonths)), start.AddDate(0, 12, 0), nil
	default:
		return decimal.Zero, time.Time{}, ErrInvalidBillingCycle
	}
}

// MapProviderStatus maps the provider vocabulary onto Status.
func MapProviderStatus(providerStatus string) Status {
	normalized := strings.TrimSpace(providerStatus)
	if normalized == "active" {
		return StatusActive
	}
	return Status(strings.ToUpper(normalized))
}
