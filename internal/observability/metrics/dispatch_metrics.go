package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	DispatchOutcomeProcessed = "processed"
	DispatchOutcomeDuplicate = "duplicate"
	DispatchOutcomeIgnored   = "ignored"
	DispatchOutcomeRejected  = "rejected"
	DispatchOutcomeFailed    = "failed"
	DispatchOutcomeInFlight  = "in_flight"
)

const (
	DispatchReasonDeadlineExceeded     = "deadline_exceeded"
	DispatchReasonCanceled             = "canceled"
	DispatchReasonDBLockTimeout        = "db_lock_timeout"
	DispatchReasonSerializationFailure = "serialization_failure"
	DispatchReasonUniqueViolation      = "unique_violation"
	DispatchReasonDB                   = "db"
	DispatchReasonUnknown              = "unknown"
)

// DispatchMetrics captures webhook reconciliation health for scraping.
type DispatchMetrics struct {
	events          *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
	eventLag        prometheus.Observer
	outboxPending   prometheus.Gauge
	outboxDelivered *prometheus.CounterVec
}

var (
	dispatchMetricsOnce sync.Once
	dispatchMetrics     *DispatchMetrics
)

// Dispatch returns the singleton dispatch metrics registry using config labels.
func Dispatch(cfg Config) *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetrics = newDispatchMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dispatchMetrics
}

// ResetDispatchMetricsForTest resets the dispatch metrics singleton for tests.
func ResetDispatchMetricsForTest() {
	dispatchMetricsOnce = sync.Once{}
	dispatchMetrics = nil
}

func newDispatchMetrics(registerer prometheus.Registerer, cfg Config) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "herdpay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "herdpay_webhook_dispatch_total",
		Help:        "Provider webhook deliveries by event type and outcome.",
		ConstLabels: constLabels,
	}, []string{"event_type", "outcome"})
	handlerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "herdpay_webhook_handler_duration_seconds",
		Help:        "Time spent inside the reconciliation transaction per event type.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"event_type"})
	handlerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "herdpay_webhook_handler_errors_total",
		Help:        "Handler failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"event_type", "reason"})
	eventLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "herdpay_webhook_event_lag_seconds",
		Help:        "Delay between provider event creation and local reconciliation.",
		Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 21600, 86400},
		ConstLabels: constLabels,
	})
	outboxPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "herdpay_outbox_pending",
		Help:        "Side-effect messages waiting for delivery after the last poll.",
		ConstLabels: constLabels,
	})
	outboxDelivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "herdpay_outbox_delivered_total",
		Help:        "Side-effect deliveries by topic and outcome.",
		ConstLabels: constLabels,
	}, []string{"topic", "outcome"})

	registerer.MustRegister(events, handlerDuration, handlerErrors, eventLag, outboxPending, outboxDelivered)

	return &DispatchMetrics{
		events:          events,
		handlerDuration: handlerDuration,
		handlerErrors:   handlerErrors,
		eventLag:        eventLag,
		outboxPending:   outboxPending,
		outboxDelivered: outboxDelivered,
	}
}

func (m *DispatchMetrics) IncEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *DispatchMetrics) ObserveHandler(eventType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(normalizeLabel(eventType)).Observe(duration.Seconds())
}

func (m *DispatchMetrics) IncHandlerError(eventType string, err error) {
	if m == nil || err == nil {
		return
	}
	m.handlerErrors.WithLabelValues(normalizeLabel(eventType), ClassifyDispatchReason(err)).Inc()
}

func (m *DispatchMetrics) ObserveEventLag(created, now time.Time) {
	if m == nil || created.IsZero() {
		return
	}
	lag := now.Sub(created)
	if lag < 0 {
		lag = 0
	}
	m.eventLag.Observe(lag.Seconds())
}

func (m *DispatchMetrics) SetOutboxPending(count int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(count))
}

func (m *DispatchMetrics) IncOutboxDelivered(topic, outcome string) {
	if m == nil {
		return
	}
	m.outboxDelivered.WithLabelValues(normalizeLabel(topic), normalizeLabel(outcome)).Inc()
}

// ClassifyDispatchReason maps handler errors to a bounded label set.
func ClassifyDispatchReason(err error) string {
	if err == nil {
		return DispatchReasonUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return DispatchReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return DispatchReasonCanceled
	case hasPGCode(err, "55P03"):
		return DispatchReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return DispatchReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return DispatchReasonUniqueViolation
	case isDBError(err):
		return DispatchReasonDB
	default:
		return DispatchReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrInvalidValue) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
