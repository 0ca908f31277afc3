package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	obscontext "github.com/smallbiznis/herdpay/internal/observability/context"
	"github.com/smallbiznis/herdpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize    = 50
	defaultMaxAttempts  = 5
	defaultPollInterval = 5 * time.Second
	maxErrorLength      = 500
)

// Handler delivers one message body for a topic.
type Handler interface {
	Topic() string
	Handle(ctx context.Context, body json.RawMessage) error
}

type WorkerParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Config   config.Config
	Handlers []Handler                `group:"outbox_handlers"`
	Metrics  *metrics.Metrics         `optional:"true"`
	Dispatch *metrics.DispatchMetrics `optional:"true"`
}

type Worker struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	handlers    map[string]Handler
	batchSize   int
	maxAttempts int
	interval    time.Duration
	metrics     *metrics.Metrics
	dispatch    *metrics.DispatchMetrics

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWorker(p WorkerParams) *Worker {
	handlers := make(map[string]Handler, len(p.Handlers))
	for _, h := range p.Handlers {
		if h == nil {
			continue
		}
		handlers[h.Topic()] = h
	}

	batchSize := p.Config.OutboxBatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := p.Config.OutboxMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interval := p.Config.OutboxPollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Worker{
		db:          p.DB,
		log:         p.Log.Named("outbox.worker"),
		clock:       p.Clock,
		handlers:    handlers,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		interval:    interval,
		metrics:     p.Metrics,
		dispatch:    p.Dispatch,
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// Kick asks the worker to poll now instead of waiting for the next tick.
func (w *Worker) Kick() {
	if w == nil {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// ProcessPending delivers one batch and returns how many messages were
// published. Per-message failures are recorded on the row and logged.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	var rows []messageRow
	err := w.db.WithContext(ctx).Raw(
		`SELECT id, topic, payload, attempts, created_at FROM outbox_messages
		 WHERE published = ? AND attempts < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		false,
		w.maxAttempts,
		w.batchSize,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		if err := w.deliver(ctx, row); err != nil {
			w.recordFailure(ctx, row, err)
			continue
		}
		if err := w.markPublished(ctx, row); err != nil {
			w.log.Error("failed to mark outbox message published", zap.String("message_id", row.ID.String()), zap.Error(err))
			continue
		}
		published++
		w.observe(ctx, row.Topic, "delivered")
	}

	w.refreshPending(ctx)
	return published, nil
}

func (w *Worker) deliver(ctx context.Context, row messageRow) error {
	handler, ok := w.handlers[row.Topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, row.Topic)
	}

	var env envelope
	if err := json.Unmarshal([]byte(row.Payload), &env); err != nil {
		return err
	}
	if len(env.Body) == 0 {
		return ErrMissingPayload
	}

	if env.RequestID != "" {
		ctx = obscontext.WithRequestID(ctx, env.RequestID)
	}
	if env.CorrelationID != "" {
		ctx = obscontext.WithCorrelationID(ctx, env.CorrelationID)
	}
	if env.ProviderEventID != "" {
		ctx = obscontext.WithEventID(ctx, env.ProviderEventID)
	}
	return handler.Handle(ctx, env.Body)
}

func (w *Worker) markPublished(ctx context.Context, row messageRow) error {
	return w.db.WithContext(ctx).Exec(
		`UPDATE outbox_messages SET published = ?, published_at = ?, attempts = attempts + 1 WHERE id = ?`,
		true,
		w.clock.Now().UTC(),
		row.ID,
	).Error
}

func (w *Worker) recordFailure(ctx context.Context, row messageRow, cause error) {
	message := cause.Error()
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength]
	}

	fields := []zap.Field{
		zap.String("message_id", row.ID.String()),
		zap.String("topic", row.Topic),
		zap.Int("attempt", row.Attempts+1),
		zap.Error(cause),
	}
	if row.Attempts+1 >= w.maxAttempts {
		w.log.Error("outbox message abandoned", fields...)
		w.observe(ctx, row.Topic, "abandoned")
	} else {
		w.log.Warn("outbox delivery failed", fields...)
		w.observe(ctx, row.Topic, "failed")
	}

	if err := w.db.WithContext(ctx).Exec(
		`UPDATE outbox_messages SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		message,
		row.ID,
	).Error; err != nil {
		w.log.Error("failed to record outbox failure", zap.String("message_id", row.ID.String()), zap.Error(err))
	}
}

func (w *Worker) refreshPending(ctx context.Context) {
	if w.dispatch == nil {
		return
	}
	var pending int64
	if err := w.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM outbox_messages WHERE published = ? AND attempts < ?`,
		false,
		w.maxAttempts,
	).Scan(&pending).Error; err != nil {
		return
	}
	w.dispatch.SetOutboxPending(int(pending))
}

func (w *Worker) observe(ctx context.Context, topic, outcome string) {
	w.metrics.RecordOutboxDelivery(ctx, topic, outcome)
	w.dispatch.IncOutboxDelivered(topic, outcome)
}

// Start polls on the configured interval and on every Kick until Stop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			if _, err := w.ProcessPending(context.Background()); err != nil {
				w.log.Error("outbox poll failed", zap.Error(err))
			}
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			case <-w.kick:
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}
