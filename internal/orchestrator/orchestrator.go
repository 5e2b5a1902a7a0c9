// Package orchestrator wires the Ingestor, Maker Engines, Hedgers and
// Account reconciler together under one cooperative supervisor, and
// implements the ordered shutdown sequence a process restart requires
// (spec §5). Grounded on the deleted internal/bootstrap/app.go's Runner:
// a fixed list of named components each contributing one goroutine to a
// shared errgroup.Group, where the first component to return ends the
// group and triggers shutdown of the rest via context cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradingcore/internal/account"
	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/guard"
	"tradingcore/internal/hedger"
	"tradingcore/internal/ingestor"
	"tradingcore/internal/ledger"
	"tradingcore/internal/maker"
)

// MarketUnit bundles the per-market components that share one market key.
type MarketUnit struct {
	Market string
	Maker  *maker.Engine
	Hedger *hedger.Hedger
}

// Orchestrator runs one Ingestor, N MarketUnits and one Account reconciler
// as a cooperative group, and supervises the spec §5 shutdown sequence.
type Orchestrator struct {
	ingestor *ingestor.Ingestor
	units    []MarketUnit
	acct     *account.Reconciler
	grd      *guard.Guard
	led      *ledger.Ledger
	bus      *events.Bus
	logger   core.ILogger
	clock    core.Clock

	hedgerInterval   time.Duration
	shutdownDeadline time.Duration
}

// New constructs an Orchestrator. hedgerInterval is the tick period each
// Hedger's Evaluate loop runs at; shutdownDeadline bounds step 3 of the
// shutdown sequence (draining pending ledger appends).
func New(ing *ingestor.Ingestor, units []MarketUnit, acct *account.Reconciler, grd *guard.Guard, led *ledger.Ledger, bus *events.Bus, logger core.ILogger, hedgerInterval, shutdownDeadline time.Duration) *Orchestrator {
	o := &Orchestrator{
		ingestor:         ing,
		units:            units,
		acct:             acct,
		grd:              grd,
		led:              led,
		bus:              bus,
		logger:           logger.WithField("component", "orchestrator"),
		clock:            core.SystemClock{},
		hedgerInterval:   hedgerInterval,
		shutdownDeadline: shutdownDeadline,
	}
	bus.Register(newMakerBlockSink(units, o.clock))
	return o
}

// Run starts every component under one errgroup.Group and blocks until ctx
// is canceled or any component returns an error, at which point the rest
// are canceled and the ordered shutdown sequence runs before Run returns
// (spec §5).
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := o.ingestor.Run(gctx); err != nil {
			return fmt.Errorf("ingestor: %w", err)
		}
		return nil
	})

	for _, u := range o.units {
		unit := u
		g.Go(func() error {
			if err := unit.Maker.Run(gctx); err != nil {
				return fmt.Errorf("maker[%s]: %w", unit.Market, err)
			}
			return nil
		})
		g.Go(func() error {
			if err := unit.Hedger.Run(gctx, o.hedgerInterval); err != nil {
				return fmt.Errorf("hedger[%s]: %w", unit.Market, err)
			}
			return nil
		})
	}

	if o.acct != nil {
		g.Go(func() error {
			if err := o.acct.Run(gctx); err != nil {
				return fmt.Errorf("account: %w", err)
			}
			return nil
		})
	}

	if o.led != nil {
		g.Go(func() error {
			o.superviseLedger(gctx)
			return gctx.Err()
		})
	}

	err := g.Wait()
	o.shutdown()
	return err
}

// shutdown runs the spec §5 cancellation sequence: stop accepting new
// ingestor frames (already true once Run's context is canceled), cancel
// every resting maker order, drain pending ledger appends within a bounded
// deadline, then return. Hedger orders in flight are deliberately left
// alone — spec §5 does not cancel them on shutdown.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownDeadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, u := range o.units {
		unit := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := unit.Maker.CancelAllAndFlush(ctx); err != nil {
				o.logger.Warn("cancel-all failed during shutdown", "market", unit.Market, "error", err)
			}
		}()
	}
	wg.Wait()

	if o.led != nil {
		o.drainLedgerWithDeadline(ctx)
	}
	o.bus.Stop(ctx)
}

// superviseLedger watches the FillLedger's pending-append queue. While any
// fill is buffered after a failed append, maker quoting is suspended via the
// Guard and the queue is retried each tick; once it drains, quoting resumes
// (spec §4.2 "Failure semantics"). A stall outliving the configured buffer
// deadline emits a fatal-severity event for the operator (spec §7 "Ledger
// write failure") — the process itself keeps running, since hedger clips and
// the kill-switch still function without the ledger.
func (o *Orchestrator) superviseLedger(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var stalledSince time.Time
	fatalEmitted := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if o.led.Pending() == 0 {
			// Cleared unconditionally: the reconciler may have set the flag
			// for a failure that left nothing buffered.
			stalledSince = o.unblockLedger()
			fatalEmitted = false
			continue
		}

		if stalledSince.IsZero() {
			stalledSince = o.clock.Now()
			o.grd.SetLedgerBlocked(true)
		}

		remaining := o.led.DrainPending()
		if remaining == 0 {
			stalledSince = o.unblockLedger()
			fatalEmitted = false
			continue
		}

		if !fatalEmitted && o.clock.Now().Sub(stalledSince) > o.shutdownDeadline {
			fatalEmitted = true
			o.logger.Error("fill ledger stall exceeded buffer deadline", "pending", remaining)
			o.bus.Emit(events.Event{Kind: events.KindGuardBlock, Fields: map[string]any{
				"fatal": true, "reason": "ledger_stall", "pending": remaining,
			}})
		}
	}
}

// unblockLedger clears the guard's ledger-stall flag, then re-checks for an
// append that failed between the caller's Pending observation and the clear —
// that stall must not sit unblocked until the next tick. Returns the new
// stalledSince value (zero when genuinely drained).
func (o *Orchestrator) unblockLedger() time.Time {
	o.grd.SetLedgerBlocked(false)
	if o.led.Pending() > 0 {
		o.grd.SetLedgerBlocked(true)
		return o.clock.Now()
	}
	return time.Time{}
}

// drainLedgerWithDeadline retries the ledger's pending-append queue until it
// empties or ctx's deadline passes (spec §5 shutdown step 3: "pending
// FillLedger appends drain to stable storage with a bounded deadline").
func (o *Orchestrator) drainLedgerWithDeadline(ctx context.Context) {
	if o.led.Pending() == 0 {
		return
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := o.led.DrainPending()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			o.logger.Error("shutdown deadline exceeded with pending fills undrained", "remaining", remaining)
			return
		case <-ticker.C:
		}
	}
}

// makerBlockSink watches the event bus for sustained maker blockage per
// market and relays it to that market's Hedger via NotifyMakerBlocked, and
// for a maker order finally clearing to reset the blocked-since marker
// (spec §4.7 "Emergency-flatten on sustained maker blockage").
type makerBlockSink struct {
	mu           sync.Mutex
	hedgers      map[string]*hedger.Hedger
	blockedSince map[string]time.Time
	clock        core.Clock
}

func newMakerBlockSink(units []MarketUnit, clock core.Clock) *makerBlockSink {
	s := &makerBlockSink{
		hedgers:      make(map[string]*hedger.Hedger),
		blockedSince: make(map[string]time.Time),
		clock:        clock,
	}
	for _, u := range units {
		s.hedgers[u.Market] = u.Hedger
	}
	return s
}

func (s *makerBlockSink) Handle(e events.Event) {
	h, ok := s.hedgers[e.Market]
	if !ok {
		return
	}

	switch e.Kind {
	case events.KindGuardBlock:
		if role, _ := e.Fields["role"].(string); role != string(core.RoleMaker) {
			return
		}
		s.mu.Lock()
		since, tracked := s.blockedSince[e.Market]
		if !tracked {
			since = s.clock.Now()
			s.blockedSince[e.Market] = since
		}
		s.mu.Unlock()
		h.NotifyMakerBlocked(since)

	case events.KindOrderSubmit:
		if role, _ := e.Fields["role"].(string); role == "hedger" {
			return
		}
		s.mu.Lock()
		delete(s.blockedSince, e.Market)
		s.mu.Unlock()
		h.NotifyMakerBlocked(time.Time{})
	}
}
