// Package buffer implements the concurrent event buffer between the host
// thread and the batch dispatcher.
//
// One queue per event category. Pushes come from host callbacks and the
// sampling task and must never block; drains happen on the dispatch task
// and atomically snapshot everything queued so far. Pushes racing a drain
// land in the next batch, never in the one being drained, and no event is
// returned by more than one drain.
//
// The queues are unbounded. Under sustained delivery failure the buffer
// keeps accumulating until the next successful (or discarded) dispatch
// cycle empties it; enforcing a hard cap is an explicit non-goal, so slow
// collectors cost memory rather than dropped events between cycles.
package buffer

import (
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/pivotmc/agent/internal/metrics"
	"github.com/pivotmc/agent/pkg/event"
)

// default capacity hint per category queue; queues grow beyond it.
const defaultQueueHint = 256

// Buffer is the category-partitioned concurrent event buffer.
type Buffer struct {
	players   *queuepkg.Queue
	health    *queuepkg.Queue
	lifecycle *queuepkg.Queue

	met *metrics.Metrics

	// serializes drains against each other only; pushes never take it.
	drainMu sync.Mutex
}

// New creates an empty buffer. met may be nil in tests.
func New(met *metrics.Metrics) *Buffer {
	return &Buffer{
		players:   queuepkg.New(defaultQueueHint),
		health:    queuepkg.New(defaultQueueHint),
		lifecycle: queuepkg.New(defaultQueueHint),
		met:       met,
	}
}

// PushPlayer appends a session event. It fails only after Dispose.
func (b *Buffer) PushPlayer(e event.PlayerEvent) error {
	if err := b.players.Put(e); err != nil {
		return err
	}
	b.count(metrics.CategoryPlayer)
	return nil
}

// PushHealth appends a health sample.
func (b *Buffer) PushHealth(e event.HealthSample) error {
	if err := b.health.Put(e); err != nil {
		return err
	}
	b.count(metrics.CategoryPerformance)
	return nil
}

// PushLifecycle appends a lifecycle event.
func (b *Buffer) PushLifecycle(e event.LifecycleEvent) error {
	if err := b.lifecycle.Put(e); err != nil {
		return err
	}
	b.count(metrics.CategoryServer)
	return nil
}

func (b *Buffer) count(category string) {
	if b.met != nil {
		b.met.EventsQueued.WithLabelValues(category).Inc()
	}
}

// Drain atomically removes and returns everything queued at the time of
// the call, preserving per-category FIFO order.
func (b *Buffer) Drain() event.PendingBatch {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	batch := event.PendingBatch{CreatedAt: event.Now()}

	if n := b.players.Len(); n > 0 {
		items, err := b.players.Get(n)
		if err == nil {
			batch.Players = make([]event.PlayerEvent, 0, len(items))
			for _, it := range items {
				if e, ok := it.(event.PlayerEvent); ok {
					batch.Players = append(batch.Players, e)
				}
			}
		}
	}
	if n := b.health.Len(); n > 0 {
		items, err := b.health.Get(n)
		if err == nil {
			batch.Health = make([]event.HealthSample, 0, len(items))
			for _, it := range items {
				if e, ok := it.(event.HealthSample); ok {
					batch.Health = append(batch.Health, e)
				}
			}
		}
	}
	if n := b.lifecycle.Len(); n > 0 {
		items, err := b.lifecycle.Get(n)
		if err == nil {
			batch.Lifecycle = make([]event.LifecycleEvent, 0, len(items))
			for _, it := range items {
				if e, ok := it.(event.LifecycleEvent); ok {
					batch.Lifecycle = append(batch.Lifecycle, e)
				}
			}
		}
	}
	return batch
}

// Depths reports the current number of queued events per category.
func (b *Buffer) Depths() (players, health, lifecycle int64) {
	return b.players.Len(), b.health.Len(), b.lifecycle.Len()
}

// Dispose releases the underlying queues. Pushes after Dispose fail.
func (b *Buffer) Dispose() {
	b.players.Dispose()
	b.health.Dispose()
	b.lifecycle.Dispose()
}
