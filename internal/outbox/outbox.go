// Package outbox carries post-commit side effects. Rows are written inside
// the business transaction and delivered by a background worker; delivery
// failures never reach the caller that produced them.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/herdpay/internal/clock"
	obscontext "github.com/smallbiznis/herdpay/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const TopicAudit = "audit.record"

var (
	ErrInvalidTopic   = errors.New("invalid_outbox_topic")
	ErrUnknownTopic   = errors.New("unknown_outbox_topic")
	ErrMissingPayload = errors.New("missing_outbox_payload")
)

// envelope preserves the request correlation across the async hop.
type envelope struct {
	RequestID       string          `json:"request_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	ProviderEventID string          `json:"provider_event_id,omitempty"`
	Body            json.RawMessage `json:"body"`
}

type WriterParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Worker *Worker `optional:"true"`
}

type Writer struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	worker *Worker
}

func NewWriter(p WriterParams) *Writer {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     p.DB,
		log:    log.Named("outbox.writer"),
		genID:  p.GenID,
		clock:  p.Clock,
		worker: p.Worker,
	}
}

// Enqueue stores a message on tx. It becomes visible to the worker only when
// tx commits.
func (w *Writer) Enqueue(ctx context.Context, tx *gorm.DB, topic string, payload any) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidTopic
	}
	if payload == nil {
		return ErrMissingPayload
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{
		RequestID:       obscontext.RequestIDFromContext(ctx),
		CorrelationID:   obscontext.CorrelationIDFromContext(ctx),
		ProviderEventID: obscontext.EventIDFromContext(ctx),
		Body:            body,
	})
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_messages (id, topic, payload, attempts, published, created_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		w.genID.Generate(),
		topic,
		datatypes.JSON(raw),
		false,
		w.clock.Now().UTC(),
	).Error
}

type messageRow struct {
	ID        snowflake.ID   `gorm:"column:id"`
	Topic     string         `gorm:"column:topic"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Attempts  int            `gorm:"column:attempts"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}
