// Package stripe verifies Stripe webhook deliveries and decodes the objects
// they carry into the reconciliation events of each domain.
package stripe

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/herdpay/internal/config"
	connectdomain "github.com/smallbiznis/herdpay/internal/connect/domain"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
	paymentdomain "github.com/smallbiznis/herdpay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// DefaultTolerance is the accepted age of a signature timestamp.
const DefaultTolerance = 5 * time.Minute

// Verifier checks the Stripe-Signature header against every configured
// endpoint secret (platform and Connect endpoints sign with different ones).
type Verifier struct {
	secrets   []string
	tolerance time.Duration
}

func NewVerifier(cfg config.StripeConfig) *Verifier {
	secrets := make([]string, 0, 2)
	for _, secret := range []string{cfg.WebhookSecret, cfg.ConnectWebhookSecret} {
		if secret = strings.TrimSpace(secret); secret != "" {
			secrets = append(secrets, secret)
		}
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secrets: secrets, tolerance: tolerance}
}

func (v *Verifier) Configured() bool {
	return v != nil && len(v.secrets) > 0
}

// Verify authenticates payload and decodes the envelope. With no secret
// configured every delivery is rejected.
func (v *Verifier) Verify(payload []byte, header string) (paymentdomain.Event, error) {
	header = strings.TrimSpace(header)
	if !v.Configured() || header == "" {
		return paymentdomain.Event{}, paymentdomain.ErrInvalidSignature
	}

	verified := false
	for _, secret := range v.secrets {
		_, err := stripewebhook.ConstructEventWithOptions(payload, header, secret, stripewebhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return paymentdomain.Event{}, paymentdomain.ErrInvalidSignature
	}

	return Decode(payload)
}

// Decode parses an envelope without verifying it.
func Decode(payload []byte) (paymentdomain.Event, error) {
	var envelope stripeEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return paymentdomain.Event{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.Type) == "" {
		return paymentdomain.Event{}, paymentdomain.ErrInvalidEvent
	}
	return paymentdomain.Event{
		ID:      strings.TrimSpace(envelope.ID),
		Type:    strings.TrimSpace(envelope.Type),
		Created: envelope.Created,
		Account: envelope.Account,
		Object:  envelope.Data.Object,
		Payload: payload,
	}, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Account string          `json:"account"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// expandable accepts either an object id or the expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	*e = expandable(object.ID)
	return nil
}

func (e expandable) String() string { return strings.TrimSpace(string(e)) }

type stripeCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Subscription expandable        `json:"subscription"`
	Customer     expandable        `json:"customer"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID         string     `json:"id"`
	Customer   expandable `json:"customer"`
	AmountPaid int64      `json:"amount_paid"`
	Currency   string     `json:"currency"`
	// Subscription and SubscriptionDetails are the pre-2025 locations.
	Subscription        expandable                 `json:"subscription"`
	SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscriptionDetails struct {
	Subscription expandable        `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Customer         expandable        `json:"customer"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	LatestCharge     expandable        `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeTransfer struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Destination expandable        `json:"destination"`
	Metadata    map[string]string `json:"metadata"`
}

type stripeAccount struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

func eventRef(event paymentdomain.Event) subscriptiondomain.EventRef {
	return subscriptiondomain.EventRef{ID: event.ID, Type: event.Type, Created: event.Created}
}

// ParseCheckoutCompleted returns ErrEventIgnored for sessions that do not
// start a subscription.
func ParseCheckoutCompleted(event paymentdomain.Event) (subscriptiondomain.CheckoutCompleted, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Object, &session); err != nil {
		return subscriptiondomain.CheckoutCompleted{}, paymentdomain.ErrInvalidPayload
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return subscriptiondomain.CheckoutCompleted{}, paymentdomain.ErrEventIgnored
	}
	return subscriptiondomain.CheckoutCompleted{
		Event:                  eventRef(event),
		SessionID:              session.ID,
		ProviderSubscriptionID: session.Subscription.String(),
		CustomerID:             session.Customer.String(),
		Metadata:               session.Metadata,
	}, nil
}

func ParseInvoice(event paymentdomain.Event) (subscriptiondomain.InvoiceEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Object, &invoice); err != nil {
		return subscriptiondomain.InvoiceEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return subscriptiondomain.InvoiceEvent{}, paymentdomain.ErrInvalidEvent
	}

	subscriptionID := invoice.Subscription.String()
	var metadata map[string]string
	if invoice.SubscriptionDetails != nil {
		metadata = invoice.SubscriptionDetails.Metadata
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		details := invoice.Parent.SubscriptionDetails
		if id := details.Subscription.String(); id != "" {
			subscriptionID = id
		}
		if len(details.Metadata) > 0 {
			metadata = details.Metadata
		}
	}

	var periodEnd int64
	for _, line := range invoice.Lines.Data {
		if line.Period.End > periodEnd {
			periodEnd = line.Period.End
		}
	}

	return subscriptiondomain.InvoiceEvent{
		Event:                  eventRef(event),
		InvoiceID:              invoice.ID,
		ProviderSubscriptionID: subscriptionID,
		CustomerID:             invoice.Customer.String(),
		AmountPaid:             invoice.AmountPaid,
		Currency:               invoice.Currency,
		CurrentPeriodEnd:       unixPtr(periodEnd),
		Metadata:               metadata,
	}, nil
}

func ParseSubscription(event paymentdomain.Event) (subscriptiondomain.SubscriptionEvent, error) {
	var subscription stripeSubscription
	if err := json.Unmarshal(event.Object, &subscription); err != nil {
		return subscriptiondomain.SubscriptionEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(subscription.ID) == "" {
		return subscriptiondomain.SubscriptionEvent{}, paymentdomain.ErrInvalidEvent
	}

	periodEnd := subscription.CurrentPeriodEnd
	for _, item := range subscription.Items.Data {
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
	}

	return subscriptiondomain.SubscriptionEvent{
		Event:                  eventRef(event),
		ProviderSubscriptionID: subscription.ID,
		CustomerID:             subscription.Customer.String(),
		Status:                 subscription.Status,
		CurrentPeriodEnd:       unixPtr(periodEnd),
		Metadata:               subscription.Metadata,
	}, nil
}

func ParsePaymentIntent(event paymentdomain.Event) (escrowdomain.PaymentIntentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Object, &intent); err != nil {
		return escrowdomain.PaymentIntentEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return escrowdomain.PaymentIntentEvent{}, paymentdomain.ErrInvalidEvent
	}

	parsed := escrowdomain.PaymentIntentEvent{
		EventID:         event.ID,
		EventType:       event.Type,
		PaymentIntentID: intent.ID,
		ChargeID:        intent.LatestCharge.String(),
		Metadata:        intent.Metadata,
	}
	if intent.LastPaymentError != nil {
		parsed.FailureMessage = strings.TrimSpace(intent.LastPaymentError.Message)
	}
	return parsed, nil
}

func ParseTransfer(event paymentdomain.Event) (escrowdomain.TransferEvent, error) {
	var transfer stripeTransfer
	if err := json.Unmarshal(event.Object, &transfer); err != nil {
		return escrowdomain.TransferEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(transfer.ID) == "" {
		return escrowdomain.TransferEvent{}, paymentdomain.ErrInvalidEvent
	}
	return escrowdomain.TransferEvent{
		EventID:     event.ID,
		EventType:   event.Type,
		TransferID:  transfer.ID,
		Destination: transfer.Destination.String(),
		Amount:      transfer.Amount,
		Metadata:    transfer.Metadata,
	}, nil
}

func ParseAccount(event paymentdomain.Event) (connectdomain.AccountUpdated, error) {
	var account stripeAccount
	if err := json.Unmarshal(event.Object, &account); err != nil {
		return connectdomain.AccountUpdated{}, paymentdomain.ErrInvalidPayload
	}
	id := strings.TrimSpace(account.ID)
	if id == "" {
		id = strings.TrimSpace(event.Account)
	}
	if id == "" {
		return connectdomain.AccountUpdated{}, paymentdomain.ErrInvalidEvent
	}
	return connectdomain.AccountUpdated{
		EventID:            event.ID,
		EventType:          event.Type,
		ConnectedAccountID: id,
		ChargesEnabled:     account.ChargesEnabled,
		PayoutsEnabled:     account.PayoutsEnabled,
		DetailsSubmitted:   account.DetailsSubmitted,
	}, nil
}

// IsIgnored reports whether err means the event is acknowledged without
// effect.
func IsIgnored(err error) bool {
	return errors.Is(err, paymentdomain.ErrEventIgnored)
}

func unixPtr(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}
