package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type batchKey struct{}

type pending struct {
	topic   string
	payload any
}

// Batch collects messages produced while a transaction is open. The owner
// of the transaction flushes it once the commit succeeded and drops it
// otherwise.
type Batch struct {
	mu    sync.Mutex
	items []pending
}

func WithBatch(ctx context.Context) (context.Context, *Batch) {
	batch := &Batch{}
	return context.WithValue(ctx, batchKey{}, batch), batch
}

// Defer adds a message to the batch carried by ctx. It reports false when
// ctx carries no batch.
func Defer(ctx context.Context, topic string, payload any) bool {
	batch, ok := ctx.Value(batchKey{}).(*Batch)
	if !ok || batch == nil {
		return false
	}
	batch.mu.Lock()
	defer batch.mu.Unlock()
	batch.items = append(batch.items, pending{topic: topic, payload: payload})
	return true
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Batch) drain() []pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Flush persists the batch and wakes the worker. Failures are logged and
// never returned.
func (w *Writer) Flush(ctx context.Context, batch *Batch) {
	if w == nil || batch == nil {
		return
	}
	items := batch.drain()
	if len(items) == 0 {
		return
	}

	written := 0
	for _, item := range items {
		if err := w.Enqueue(ctx, w.db, item.topic, item.payload); err != nil {
			w.log.Warn("dropping outbox message", zap.String("topic", item.topic), zap.Error(err))
			continue
		}
		written++
	}
	if written > 0 {
		w.worker.Kick()
	}
}
