// Package idempotency records which provider events have been applied. The
// existence of a webhook_events row is the only signal; it is written in the
// same transaction as the event's effects.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/pkg/db"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidEvent = errors.New("invalid_event")

type Record struct {
	Provider  string
	EventID   string
	EventType string
	Payload   []byte
}

type Params struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

type Gate struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewGate(p Params) *Gate {
	return &Gate{genID: p.GenID, clock: p.Clock}
}

// ShouldProcess reports whether no record exists for the event.
func (g *Gate) ShouldProcess(ctx context.Context, tx *gorm.DB, provider, eventID string) (bool, error) {
	provider = strings.TrimSpace(provider)
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return false, ErrInvalidEvent
	}

	var count int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM webhook_events WHERE provider = ? AND provider_event_id = ?`,
		provider,
		eventID,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

// MarkProcessed inserts the event record. A concurrent insert of the same
// event is absorbed.
func (g *Gate) MarkProcessed(ctx context.Context, tx *gorm.DB, record Record) error {
	record.Provider = strings.TrimSpace(record.Provider)
	record.EventID = strings.TrimSpace(record.EventID)
	if record.Provider == "" || record.EventID == "" {
		return ErrInvalidEvent
	}

	payload := record.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	insert := `INSERT INTO webhook_events (id, provider, provider_event_id, event_type, payload, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	if tx.Dialector != nil && tx.Dialector.Name() == "mysql" {
		insert = `INSERT IGNORE INTO webhook_events (id, provider, provider_event_id, event_type, payload, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`
	}

	err := tx.WithContext(ctx).Exec(
		insert,
		g.genID.Generate(),
		record.Provider,
		record.EventID,
		record.EventType,
		datatypes.JSON(payload),
		g.clock.Now().UTC().Truncate(time.Microsecond),
	).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

var Module = fx.Module("payment.idempotency",
	fx.Provide(NewGate),
)
