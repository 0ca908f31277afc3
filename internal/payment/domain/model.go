// Package domain defines the webhook dispatcher contract.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider event types the dispatcher routes.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventTransferCreated          = "transfer.created"
	EventAccountUpdated           = "account.updated"
)

// Event is a verified provider envelope. Object is the raw data.object.
type Event struct {
	ID      string
	Type    string
	Created int64
	Account string
	Object  json.RawMessage
	Payload []byte
}

func (e Event) CreatedAt() time.Time {
	if e.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0).UTC()
}

type Result struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

type Service interface {
	Ingest(ctx context.Context, payload []byte, signature string) (Result, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrUnknownEventType = errors.New("unknown_event_type")
	ErrEventInFlight    = errors.New("event_in_flight")
	ErrHandlerFailure   = errors.New("webhook_handler_failed")
)
