// Package domain contains the account directory models shared by the
// subscription, escrow and connected-account flows.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AccountType string

const (
	AccountTypeIndividual AccountType = "INDIVIDUAL"
	AccountTypeCompany    AccountType = "COMPANY"
)

// Account is the marketplace party. The subscription_* columns mirror the
// account's most recent subscription and are written only inside the
// transaction that changes that subscription.
type Account struct {
	ID                           snowflake.ID `gorm:"primaryKey"`
	Email                        string       `gorm:"type:text;not null"`
	AccountType                  AccountType  `gorm:"type:text;not null"`
	ProviderCustomerID           *string      `gorm:"type:text"`
	SubscriptionStatus           *string      `gorm:"type:text"`
	SubscriptionCurrentPeriodEnd *time.Time
	ConnectedAccountID           *string `gorm:"type:text"`
	ChargesEnabled               bool
	PayoutsEnabled               bool
	DetailsSubmitted             bool
	OnboardingComplete           bool
	Version                      int64
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

func (Account) TableName() string { return "accounts" }

// SubscriptionMirror is the denormalized subscription view on an account.
type SubscriptionMirror struct {
	Status           *string
	CurrentPeriodEnd *time.Time
}

// ConnectFlags are the capability flags reported for a connected account.
type ConnectFlags struct {
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

// OnboardingComplete is true only when every capability is enabled.
func (f ConnectFlags) OnboardingComplete() bool {
	return f.ChargesEnabled && f.PayoutsEnabled && f.DetailsSubmitted
}

// Payer is what the checkout path needs to address a customer.
type Payer struct {
	AccountID          snowflake.ID
	Email              string
	ProviderCustomerID string
}
