package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/herdpay/internal/audit/domain"
	"github.com/smallbiznis/herdpay/internal/observability/logger"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CheckoutCompleted activates the subscription a checkout session was opened
// for. When the pre-created row is missing a new ACTIVE row is inserted from
// the session metadata. A session carries no billing period, so the period
// end is read from the provider subscription.
func (s *Service) CheckoutCompleted(ctx context.Context, tx *gorm.DB, event subscriptiondomain.CheckoutCompleted) (subscriptiondomain.Outcome, error) {
	now := s.clock.Now().UTC()
	eventTime := eventTimestamp(event.Event, now)

	subscription, err := s.locate(ctx, tx, event.ProviderSubscriptionID, event.Metadata, now)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}

	periodEnd := event.CurrentPeriodEnd
	if periodEnd == nil {
		periodEnd = s.providerPeriodEnd(ctx, event.Event, event.ProviderSubscriptionID)
	}
	if subscription == nil {
		return s.insertFromCheckout(ctx, tx, event, periodEnd, eventTime, now)
	}
	return s.activateFromCheckout(ctx, tx, subscription, event, periodEnd, eventTime, now)
}

// activateFromCheckout moves an existing row to ACTIVE. A nil periodEnd keeps
// whatever an earlier invoice already stored.
func (s *Service) activateFromCheckout(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, event subscriptiondomain.CheckoutCompleted, periodEnd *time.Time, eventTime, now time.Time) (subscriptiondomain.Outcome, error) {
	transition := subscriptiondomain.Transition{
		ID:               subscription.ID,
		Status:           subscriptiondomain.StatusActive,
		CurrentPeriodEnd: periodEnd,
		EventCreated:     event.Event.Created,
		SkipCanceled:     true,
	}
	if subscription.Status == subscriptiondomain.StatusPending {
		transition.StartedAt = &eventTime
	}

	if subscription.CheckoutSessionID == nil && strings.TrimSpace(event.SessionID) != "" {
		if err := s.repo.SetCheckoutSession(ctx, tx, subscription.ID, event.SessionID, now); err != nil {
			return subscriptiondomain.Outcome{}, err
		}
	}
	if err := s.attachCustomer(ctx, tx, subscription.AccountID, event.CustomerID, now); err != nil {
		return subscriptiondomain.Outcome{}, err
	}

	return s.transition(ctx, tx, subscription, transition, event.Event, now)
}

// providerPeriodEnd asks the provider for the subscription's billing period.
// Lookup failures are logged and yield nil.
func (s *Service) providerPeriodEnd(ctx context.Context, ref subscriptiondomain.EventRef, providerID string) *time.Time {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil
	}
	sub, err := s.provider.GetSubscription(ctx, providerID)
	if err != nil {
		logger.WithEvent(logger.WithContext(ctx, s.log), ref.ID, ref.Type).Warn("provider subscription lookup failed",
			zap.String("provider_subscription_id", providerID),
			zap.Error(err),
		)
		return nil
	}
	return sub.CurrentPeriodEnd
}

func (s *Service) InvoicePaid(ctx context.Context, tx *gorm.DB, event subscriptiondomain.InvoiceEvent) (subscriptiondomain.Outcome, error) {
	now := s.clock.Now().UTC()

	subscription, err := s.locate(ctx, tx, event.ProviderSubscriptionID, event.Metadata, now)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if subscription == nil {
		return s.notFound(ctx, event.Event, event.ProviderSubscriptionID), nil
	}

	if err := s.recordReceipt(ctx, tx, subscription, event, now); err != nil {
		return subscriptiondomain.Outcome{}, err
	}

	return s.transition(ctx, tx, subscription, subscriptiondomain.Transition{
		ID:               subscription.ID,
		Status:           subscriptiondomain.StatusActive,
		CurrentPeriodEnd: event.CurrentPeriodEnd,
		EventCreated:     event.Event.Created,
		SkipCanceled:     true,
	}, event.Event, now)
}

// InvoicePaymentFailed moves the subscription into its grace period. The
// period end is kept.
func (s *Service) InvoicePaymentFailed(ctx context.Context, tx *gorm.DB, event subscriptiondomain.InvoiceEvent) (subscriptiondomain.Outcome, error) {
	now := s.clock.Now().UTC()

	subscription, err := s.locate(ctx, tx, event.ProviderSubscriptionID, event.Metadata, now)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if subscription == nil {
		return s.notFound(ctx, event.Event, event.ProviderSubscriptionID), nil
	}

	return s.transition(ctx, tx, subscription, subscriptiondomain.Transition{
		ID:           subscription.ID,
		Status:       subscriptiondomain.StatusPastDue,
		EventCreated: event.Event.Created,
		SkipCanceled: true,
	}, event.Event, now)
}

func (s *Service) SubscriptionUpdated(ctx context.Context, tx *gorm.DB, event subscriptiondomain.SubscriptionEvent) (subscriptiondomain.Outcome, error) {
	status := subscriptiondomain.MapProviderStatus(event.Status)
	if status == "" {
		return subscriptiondomain.Outcome{}, subscriptiondomain.ErrInvalidStatus
	}
	return s.applySubscriptionEvent(ctx, tx, event, status)
}

func (s *Service) SubscriptionDeleted(ctx context.Context, tx *gorm.DB, event subscriptiondomain.SubscriptionEvent) (subscriptiondomain.Outcome, error) {
	return s.applySubscriptionEvent(ctx, tx, event, subscriptiondomain.StatusCanceled)
}

func (s *Service) applySubscriptionEvent(ctx context.Context, tx *gorm.DB, event subscriptiondomain.SubscriptionEvent, status subscriptiondomain.Status) (subscriptiondomain.Outcome, error) {
	now := s.clock.Now().UTC()

	subscription, err := s.locate(ctx, tx, event.ProviderSubscriptionID, event.Metadata, now)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if subscription == nil {
		return s.notFound(ctx, event.Event, event.ProviderSubscriptionID), nil
	}

	// CANCELED is terminal: only another cancellation may touch it, so an
	// update from the same second as the deletion cannot reopen the row.
	return s.transition(ctx, tx, subscription, subscriptiondomain.Transition{
		ID:               subscription.ID,
		Status:           status,
		CurrentPeriodEnd: event.CurrentPeriodEnd,
		EventCreated:     event.Event.Created,
		SkipCanceled:     status != subscriptiondomain.StatusCanceled,
	}, event.Event, now)
}

// transition applies a guarded status write and, when it lands, refreshes
// the account mirror in the same transaction.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, transition subscriptiondomain.Transition, ref subscriptiondomain.EventRef, now time.Time) (subscriptiondomain.Outcome, error) {
	applied, err := s.repo.ApplyTransition(ctx, tx, transition, now)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if !applied {
		logger.WithEvent(logger.WithContext(ctx, s.log), ref.ID, ref.Type).Info("stale subscription event ignored",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("status", string(subscription.Status)),
		)
		return subscriptiondomain.Outcome{
			SubscriptionID: subscription.ID,
			Status:         subscription.Status,
			Reason:         subscriptiondomain.ReasonStale,
		}, nil
	}

	if err := s.syncMirror(ctx, tx, subscription.AccountID, now); err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	s.afterTransition(ctx, subscription.ID, subscription.AccountID, subscription.Status, transition.Status, ref)

	return subscriptiondomain.Outcome{
		Applied:        true,
		SubscriptionID: subscription.ID,
		Status:         transition.Status,
	}, nil
}

// insertFromCheckout creates the row when checkout finished without a
// pre-created one. Concurrent deliveries race on the provider reference; the
// loser activates the row the winner inserted.
func (s *Service) insertFromCheckout(ctx context.Context, tx *gorm.DB, event subscriptiondomain.CheckoutCompleted, providerPeriodEnd *time.Time, eventTime, now time.Time) (subscriptiondomain.Outcome, error) {
	accountID, ok := parseID(event.Metadata[subscriptiondomain.MetadataAccountID])
	if !ok {
		return s.notFound(ctx, event.Event, event.ProviderSubscriptionID), nil
	}
	account, err := s.accountRepo.FindByID(ctx, tx, accountID)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if account == nil {
		return s.notFound(ctx, event.Event, event.ProviderSubscriptionID), nil
	}

	planType := strings.TrimSpace(event.Metadata[subscriptiondomain.MetadataPlanType])
	if planType == "" {
		planType = subscriptiondomain.PlanHauler
	}
	cycle, err := subscriptiondomain.ParseBillingCycle(event.Metadata[subscriptiondomain.MetadataBillingCycle])
	if err != nil {
		cycle = subscriptiondomain.BillingCycleMonthly
	}

	monthly := decimal.Zero
	currency := ""
	price, err := s.repo.FindActivePrice(ctx, tx, planType)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if price != nil {
		monthly = price.MonthlyPrice
		currency = price.Currency
	}
	charged, periodEnd, err := subscriptiondomain.ChargeFor(cycle, monthly, eventTime)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if providerPeriodEnd != nil {
		periodEnd = *providerPeriodEnd
	}

	created := event.Event.Created
	subscription := subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		AccountID:        account.ID,
		PlanType:         planType,
		BillingCycle:     cycle,
		Status:           subscriptiondomain.StatusActive,
		MonthlyPrice:     monthly,
		ChargedAmount:    charged,
		Currency:         currency,
		StartedAt:        eventTime,
		CurrentPeriodEnd: &periodEnd,
		LastEventCreated: &created,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if id := strings.TrimSpace(event.ProviderSubscriptionID); id != "" {
		subscription.ProviderSubscriptionID = &id
	}
	if session := strings.TrimSpace(event.SessionID); session != "" {
		subscription.CheckoutSessionID = &session
	}
	inserted, err := s.repo.InsertIfAbsent(ctx, tx, &subscription)
	if err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if !inserted {
		existing, err := s.repo.FindByProviderID(ctx, tx, event.ProviderSubscriptionID)
		if err != nil {
			return subscriptiondomain.Outcome{}, err
		}
		if existing == nil {
			return subscriptiondomain.Outcome{}, subscriptiondomain.ErrSubscriptionConflict
		}
		return s.activateFromCheckout(ctx, tx, existing, event, providerPeriodEnd, eventTime, now)
	}
	if err := s.attachCustomer(ctx, tx, account.ID, event.CustomerID, now); err != nil {
		return subscriptiondomain.Outcome{}, err
	}
	if err := s.syncMirror(ctx, tx, account.ID, now); err != nil {
		return subscriptiondomain.Outcome{}, err
	}

	logger.WithEvent(logger.WithContext(ctx, s.log), event.Event.ID, event.Event.Type).Info("subscription created from checkout",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("account_id", account.ID.String()),
	)
	s.afterTransition(ctx, subscription.ID, account.ID, "", subscriptiondomain.StatusActive, event.Event)

	return subscriptiondomain.Outcome{
		Applied:        true,
		SubscriptionID: subscription.ID,
		Status:         subscriptiondomain.StatusActive,
	}, nil
}

// locate finds the subscription an event refers to, by provider reference
// first and then by the subscription id stamped into checkout metadata. A
// metadata match adopts the provider reference when the row has none.
func (s *Service) locate(ctx context.Context, tx *gorm.DB, providerID string, metadata map[string]string, now time.Time) (*subscriptiondomain.Subscription, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID != "" {
		subscription, err := s.repo.FindByProviderID(ctx, tx, providerID)
		if err != nil || subscription != nil {
			return subscription, err
		}
	}

	id, ok := parseID(metadata[subscriptiondomain.MetadataSubscriptionID])
	if !ok {
		return nil, nil
	}
	subscription, err := s.repo.FindByID(ctx, tx, id)
	if err != nil || subscription == nil {
		return subscription, err
	}
	if providerID == "" {
		return subscription, nil
	}
	if subscription.ProviderSubscriptionID != nil {
		if *subscription.ProviderSubscriptionID != providerID {
			return nil, nil
		}
		return subscription, nil
	}

	if err := s.repo.AttachProviderID(ctx, tx, subscription.ID, providerID, now); err != nil {
		return nil, err
	}
	subscription.ProviderSubscriptionID = &providerID
	return subscription, nil
}

// syncMirror copies the account's most recently started subscription onto
// the account row.
func (s *Service) syncMirror(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) error {
	latest, err := s.repo.FindLatestStarted(ctx, tx, accountID)
	if err != nil {
		return err
	}

	var mirror accountdomain.SubscriptionMirror
	if latest != nil {
		status := string(latest.Status)
		mirror.Status = &status
		mirror.CurrentPeriodEnd = latest.CurrentPeriodEnd
	}
	return s.accountRepo.UpdateSubscriptionMirror(ctx, tx, accountID, mirror, now)
}

func (s *Service) recordReceipt(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, event subscriptiondomain.InvoiceEvent, now time.Time) error {
	invoiceID := strings.TrimSpace(event.InvoiceID)
	if invoiceID == "" || event.AmountPaid <= 0 {
		return nil
	}

	currency := strings.ToUpper(strings.TrimSpace(event.Currency))
	if currency == "" {
		currency = subscription.Currency
	}
	inserted, err := s.repo.InsertPayment(ctx, tx, &subscriptiondomain.Payment{
		ID:                s.genID.Generate(),
		SubscriptionID:    subscription.ID,
		Amount:            subscriptiondomain.FromMinorUnits(event.AmountPaid, currency),
		Currency:          currency,
		ProviderReference: &invoiceID,
		Status:            subscriptiondomain.PaymentStatusPaid,
		PaidAt:            eventTimestamp(event.Event, now),
		CreatedAt:         now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		logger.WithContext(ctx, s.log).Debug("receipt already recorded", zap.String("invoice_id", invoiceID))
	}
	return nil
}

func (s *Service) attachCustomer(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, customerID string, now time.Time) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil
	}
	account, err := s.accountRepo.FindByID(ctx, tx, accountID)
	if err != nil || account == nil {
		return err
	}
	if account.ProviderCustomerID != nil && *account.ProviderCustomerID != "" {
		return nil
	}
	return s.accountRepo.SetProviderCustomerID(ctx, tx, accountID, customerID, now)
}

func (s *Service) afterTransition(ctx context.Context, subscriptionID, accountID snowflake.ID, from, to subscriptiondomain.Status, ref subscriptiondomain.EventRef) {
	outbox.DeferAudit(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeProvider,
		ActorID:    provider.Name,
		Action:     "subscription.status_changed",
		TargetType: "subscription",
		TargetID:   subscriptionID.String(),
		Metadata: map[string]any{
			"account_id":  accountID.String(),
			"from_status": string(from),
			"to_status":   string(to),
			"event_type":  ref.Type,
		},
	})
	s.metrics.RecordSubscriptionTransition(ctx, sourceWebhook, string(to))
}

func (s *Service) notFound(ctx context.Context, ref subscriptiondomain.EventRef, providerID string) subscriptiondomain.Outcome {
	logger.WithEvent(logger.WithContext(ctx, s.log), ref.ID, ref.Type).Warn("no subscription for event",
		zap.String("provider_subscription_id", providerID),
	)
	return subscriptiondomain.Outcome{Reason: subscriptiondomain.ReasonNotFound}
}

func eventTimestamp(ref subscriptiondomain.EventRef, fallback time.Time) time.Time {
	if ref.Created <= 0 {
		return fallback
	}
	return time.Unix(ref.Created, 0).UTC()
}

func parseID(value string) (snowflake.ID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
