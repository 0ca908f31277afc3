package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Metadata keys written on checkout sessions and provider subscriptions.
const (
	MetadataAccountID      = "account_id"
	MetadataSubscriptionID = "subscription_id"
	MetadataPlanType       = "plan_type"
	MetadataBillingCycle   = "billing_cycle"
)

// EventRef identifies the provider event driving a transition. Created is
// the provider's unix timestamp and orders events for one subscription.
type EventRef struct {
	ID      string
	Type    string
	Created int64
}

type CheckoutCompleted struct {
	Event                  EventRef
	SessionID              string
	ProviderSubscriptionID string
	CustomerID             string
	Metadata               map[string]string
	CurrentPeriodEnd       *time.Time
}

type InvoiceEvent struct {
	Event                  EventRef
	InvoiceID              string
	ProviderSubscriptionID string
	CustomerID             string
	AmountPaid             int64
	Currency               string
	CurrentPeriodEnd       *time.Time
	Metadata               map[string]string
}

type SubscriptionEvent struct {
	Event                  EventRef
	ProviderSubscriptionID string
	CustomerID             string
	Status                 string
	CurrentPeriodEnd       *time.Time
	Metadata               map[string]string
}

// Outcome reports what a webhook transition did. Reason is set when nothing
// was applied.
type Outcome struct {
	Applied        bool
	SubscriptionID snowflake.ID
	Status         Status
	Reason         string
}

const (
	ReasonNotFound = "subscription_not_found"
	ReasonStale    = "stale_event"
)
