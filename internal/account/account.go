// Package account implements the AccountStream consumer: reconciliation of
// authoritative exchange position snapshots against the StateStore's locally
// tracked inventory, and fill-event forwarding to the FillLedger and
// PnLCompositor (spec §4.8). Grounded on the teacher's
// internal/risk.PositionReconciler (periodic authoritative-vs-local drift
// check, snap-and-alert on breach), replaced here by an event-driven
// consumer reacting to account frames instead of polling on a timer.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/guard"
	"tradingcore/internal/ledger"
	"tradingcore/internal/pnl"
	"tradingcore/internal/state"
	"tradingcore/pkg/telemetry"
)

// HedgerFillNotifier is the subset of the Hedger's interface the reconciler
// needs to clear an in-flight hedge the moment its fill is observed on the
// account stream, rather than waiting for the next Evaluate tick.
type HedgerFillNotifier interface {
	OnFill(orderID string)
}

// seenFill identifies one fill for at-least-once dedup (spec §4.8: "dedup by
// (order_id, fill_sequence)").
type seenFill struct {
	orderID string
	seq     uint64
}

// Market carries the metadata a market needs for reconciliation: only the
// lot size, which sets the drift tolerance (spec §4.8 "Position drift
// exceeding the market's lot size").
type Market struct {
	Key     string
	LotSize decimal.Decimal
}

// Reconciler consumes one AccountStream and applies its frames to the
// StateStore, FillLedger and PnLCompositor. One Reconciler serves every
// market the stream reports; markets must be registered with
// RegisterMarket before their frames are reconciled.
type Reconciler struct {
	stream core.AccountStream
	store  *state.Store
	ledger *ledger.Ledger
	pnlC   *pnl.Compositor
	grd    *guard.Guard
	hedger HedgerFillNotifier
	bus    *events.Bus
	logger core.ILogger
	clock  core.Clock

	sf singleflight.Group

	mu         sync.Mutex
	markets    map[string]Market
	seenFills  map[seenFill]struct{}
	lastPosTS  map[string]time.Time
	lastFillTS map[string]time.Time
}

// New constructs a Reconciler. hedger may be nil if no Hedger is wired (e.g.
// a maker-only deployment); fills are still forwarded to the ledger and
// compositor either way.
func New(stream core.AccountStream, store *state.Store, led *ledger.Ledger, pnlC *pnl.Compositor, grd *guard.Guard, hedger HedgerFillNotifier, bus *events.Bus, logger core.ILogger) *Reconciler {
	return &Reconciler{
		stream:     stream,
		store:      store,
		ledger:     led,
		pnlC:       pnlC,
		grd:        grd,
		hedger:     hedger,
		bus:        bus,
		logger:     logger.WithField("component", "account"),
		clock:      core.SystemClock{},
		markets:    make(map[string]Market),
		seenFills:  make(map[seenFill]struct{}),
		lastPosTS:  make(map[string]time.Time),
		lastFillTS: make(map[string]time.Time),
	}
}

// RegisterMarket records the lot size used as the drift tolerance for one
// market's position reconciliation.
func (r *Reconciler) RegisterMarket(m Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[m.Key] = m
}

// Run connects the AccountStream and reconciles frames until ctx is
// canceled or the stream closes (spec §4.8, §6.3).
func (r *Reconciler) Run(ctx context.Context) error {
	frames, err := r.stream.Connect(ctx)
	if err != nil {
		return fmt.Errorf("account: connect: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return fmt.Errorf("account: stream closed")
			}
			r.handleFrame(ctx, frame)
		}
	}
}

func (r *Reconciler) handleFrame(ctx context.Context, frame core.AccountFrame) {
	switch frame.Kind {
	case core.FramePositionUpdate:
		r.reconcilePosition(ctx, frame.Position)
	case core.FrameFill:
		r.applyFill(frame.Fill)
	case core.FrameBalance:
		// Balance frames carry no reconcilable state this core tracks; the
		// AccountStream contract (spec §6.3) lists them only for
		// completeness with the exchange's wire protocol.
	}
}

// reconcilePosition compares an authoritative position snapshot against the
// StateStore's locally tracked inventory, snapping to the authoritative
// value and suspending maker quoting on drift beyond the market's lot size
// (spec §4.8). Concurrent snapshots for the same market collapse onto one
// in-flight reconciliation via singleflight, so a burst of redundant
// snapshots does only one compare-and-snap.
func (r *Reconciler) reconcilePosition(ctx context.Context, pos core.PositionSnapshot) {
	r.mu.Lock()
	last, seen := r.lastPosTS[pos.Market]
	stale := seen && !pos.TS.After(last)
	if !stale {
		r.lastPosTS[pos.Market] = pos.TS
	}
	m, known := r.markets[pos.Market]
	r.mu.Unlock()

	if stale {
		r.logger.Debug("discarding stale position snapshot", "market", pos.Market, "ts", pos.TS)
		return
	}
	if !known {
		r.logger.Warn("position snapshot for unregistered market", "market", pos.Market)
		return
	}

	_, _, _ = r.sf.Do(pos.Market, func() (interface{}, error) {
		local := r.store.GetInventory(pos.Market)
		drift := local.Sub(pos.SignedSize).Abs()

		if drift.GreaterThan(m.LotSize) {
			r.logger.Warn("position drift exceeds lot size, snapping to authoritative value",
				"market", pos.Market, "local", local, "authoritative", pos.SignedSize, "drift", drift)
			r.store.SnapInventory(pos.Market, pos.SignedSize)
			r.grd.SuspendMarket(pos.Market, r.clock.Now())
			r.bus.Emit(events.Event{
				Kind:   events.KindReconcileSnap,
				Market: pos.Market,
				Fields: map[string]any{
					"local":         local.String(),
					"authoritative": pos.SignedSize.String(),
					"drift":         drift.String(),
				},
			})
		}

		telemetry.GetGlobalMetrics().SetPositionSize(pos.Market, toFloat(pos.SignedSize))
		telemetry.GetGlobalMetrics().SetUnrealizedPnL(pos.Market, toFloat(pos.UnrealizedPnL))
		return nil, nil
	})
}

// applyFill dedups by (order_id, fill_sequence) and rejects any fill whose
// ts is older than the last-applied ts for its market (an equal ts is
// accepted), then appends the fill to the FillLedger, applies it to the
// PnLCompositor's lot queue, updates the StateStore's inventory and
// resting-order bookkeeping, and notifies the Hedger if the fill clears its
// in-flight order (spec §4.8, §4.2, §4.3; §3.2 invariant 4).
func (r *Reconciler) applyFill(f core.Fill) {
	key := seenFill{orderID: f.OrderID, seq: f.FillSequence}
	r.mu.Lock()
	if _, dup := r.seenFills[key]; dup {
		r.mu.Unlock()
		r.logger.Debug("dropping duplicate fill", "order_id", f.OrderID, "fill_sequence", f.FillSequence)
		return
	}
	// Strictly-older fills are out of order and dropped; equal timestamps are
	// legitimate (one taker sweep filling several levels gets one stamp) and
	// are processed in arrival order, which is ledger-append order (spec §4.3
	// tie-break).
	if last, seen := r.lastFillTS[f.Market]; seen && f.TS.Before(last) {
		r.mu.Unlock()
		r.logger.Warn("dropping out-of-order fill", "market", f.Market, "order_id", f.OrderID, "ts", f.TS, "last_ts", last)
		return
	}
	r.seenFills[key] = struct{}{}
	r.lastFillTS[f.Market] = f.TS
	r.mu.Unlock()

	sign := decimal.NewFromInt(f.Side.Sign())
	invAfter := r.store.UpdateInventory(f.Market, sign.Mul(f.Size))
	quoteDelta := sign.Neg().Mul(f.Price).Mul(f.Size).Sub(f.Fee)
	f.QuoteDelta = quoteDelta
	f.InventoryAfter = invAfter

	realized := r.pnlC.OnFill(f)

	if r.ledger != nil {
		if err := r.ledger.Append(f); err != nil {
			// The fill is buffered inside the ledger; suspend maker quoting
			// immediately rather than waiting for the orchestrator's drain
			// tick to notice the backlog (spec §4.2 failure semantics). The
			// drain loop clears the suspension once the queue empties.
			r.grd.SetLedgerBlocked(true)
			r.logger.Error("failed to append fill to ledger", "order_id", f.OrderID, "error", err)
		}
	}

	if f.Role == core.RoleMaker {
		r.store.ReduceOrder(f.Market, f.OrderID, f.Size)
	} else {
		r.store.RemoveOrder(f.Market, f.OrderID)
		if r.hedger != nil {
			r.hedger.OnFill(f.OrderID)
		}
	}

	telemetry.GetGlobalMetrics().IncOrdersFilled(f.Market)
	telemetry.GetGlobalMetrics().AddVolume(f.Market, toFloat(f.Price.Mul(f.Size)))
	telemetry.GetGlobalMetrics().AddRealizedPnL(f.Market, toFloat(realized))

	r.bus.Emit(events.Event{
		Kind:   events.KindFill,
		Market: f.Market,
		Fields: map[string]any{
			"side": string(f.Side), "role": string(f.Role),
			"size": f.Size.String(), "price": f.Price.String(),
			"realized_pnl": realized.String(), "order_id": f.OrderID,
		},
	})
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
