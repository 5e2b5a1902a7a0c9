// Package events implements the structured event bus (spec §6.5): a
// monotonically sequenced stream of operational events (order lifecycle,
// guard decisions, hedger transitions, reconciliation) fanned out to
// registered sinks. Grounded on the teacher's internal/alert.AlertManager
// fan-out shape, replacing its raw per-send goroutines with a bounded
// worker pool so a slow or wedged sink cannot leak goroutines under load.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tradingcore/internal/core"
	"tradingcore/pkg/concurrency"
)

// Kind enumerates the event kinds emitted across the trading core.
type Kind string

const (
	KindOrderSubmit       Kind = "order_submit"
	KindOrderAck          Kind = "order_ack"
	KindOrderReject       Kind = "order_reject"
	KindFill              Kind = "fill"
	KindGuardBlock        Kind = "guard_block"
	KindGuardLatch        Kind = "guard_latch"
	KindHedgerStateChange Kind = "hedger_state_change"
	KindMakerCycle        Kind = "maker_cycle"
	KindReconcileSnap     Kind = "reconcile_snap"
	KindIngestorReconnect Kind = "ingestor_reconnect"
)

// Event is one entry on the bus. Sequence is assigned by the Bus and is
// strictly increasing across all kinds and markets.
type Event struct {
	Sequence uint64
	Kind     Kind
	Market   string
	TS       time.Time
	Fields   map[string]any
}

// Sink receives every event emitted on the Bus. Implementations must not
// block indefinitely; the bus pool has bounded capacity and a wedged sink
// delays delivery to every other sink.
type Sink interface {
	Handle(Event)
}

// Bus fans out events to registered sinks via a bounded worker pool,
// preserving nothing about cross-sink ordering. Each sink registered at emit
// time receives an event at most once: when the pool refuses a delivery
// (queue full), that delivery is dropped and logged, not retried.
type Bus struct {
	mu       sync.RWMutex
	sinks    []Sink
	pool     *concurrency.WorkerPool
	sequence atomic.Uint64
	logger   core.ILogger
	clock    core.Clock
}

// New constructs a Bus with a worker pool of the given size and queue
// capacity.
func New(poolSize, queueCapacity int, logger core.ILogger) *Bus {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "events",
		MaxWorkers:  poolSize,
		MaxCapacity: queueCapacity,
		NonBlocking: true,
	}, logger)
	return &Bus{
		pool:   pool,
		logger: logger.WithField("component", "events"),
		clock:  core.SystemClock{},
	}
}

// Register adds a sink. It takes the sink-list write lock, so it is safe to
// call concurrently with Emit; an Emit already in progress does not deliver
// to the new sink.
func (b *Bus) Register(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit assigns the next sequence number and dispatches the event to every
// registered sink on the worker pool. Emit itself never blocks on sink
// execution.
func (b *Bus) Emit(e Event) {
	e.Sequence = b.sequence.Add(1)
	if e.TS.IsZero() {
		e.TS = b.clock.Now()
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		sink := s
		if err := b.pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("sink panicked", "panic", r, "kind", e.Kind)
				}
			}()
			sink.Handle(e)
		}); err != nil {
			b.logger.Warn("event dropped, pool saturated", "kind", e.Kind, "sequence", e.Sequence, "error", err)
		}
	}
}

// Stop drains in-flight sink work and shuts the pool down, returning early
// if ctx is done first; the drain then carries on in the background.
func (b *Bus) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		b.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
