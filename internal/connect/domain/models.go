// Package domain describes payee onboarding with the payment provider.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AccountUpdated carries the capability flags from an account.updated
// event.
type AccountUpdated struct {
	EventID            string
	EventType          string
	ConnectedAccountID string
	ChargesEnabled     bool
	PayoutsEnabled     bool
	DetailsSubmitted   bool
}

type Status struct {
	AccountID          snowflake.ID `json:"account_id"`
	ConnectedAccountID string       `json:"connected_account_id"`
	ChargesEnabled     bool         `json:"charges_enabled"`
	PayoutsEnabled     bool         `json:"payouts_enabled"`
	DetailsSubmitted   bool         `json:"details_submitted"`
	OnboardingComplete bool         `json:"onboarding_complete"`
}

type OnboardingLink struct {
	URL                string `json:"url"`
	ConnectedAccountID string `json:"connected_account_id"`
}

type Outcome struct {
	Applied   bool
	AccountID snowflake.ID
	Reason    string
}

const ReasonUnknownAccount = "connected_account_not_linked"

type Service interface {
	SyncFromEvent(ctx context.Context, tx *gorm.DB, event AccountUpdated) (Outcome, error)
	GetConnectedAccountStatus(ctx context.Context, accountID snowflake.ID) (Status, error)
	StartOnboarding(ctx context.Context, accountID snowflake.ID) (OnboardingLink, error)
}

var (
	ErrInvalidEvent = errors.New("invalid_connect_event")
	ErrNotConnected = errors.New("connected_account_missing")
)
