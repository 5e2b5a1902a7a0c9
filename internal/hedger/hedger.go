// Package hedger implements the Hedger: the inventory-flattening state
// machine that drives |inventory| back toward a neutral target using the
// minimum taker cost (spec §4.7). Grounded on the teacher's grid-strategy
// refresh-loop shape (read state, decide, submit/cancel) for the per-market
// Run loop, and on github.com/failsafe-go/failsafe-go's retry policy — the
// teacher's pkg/http.Client dependency, here reused for the submit
// retry-with-backoff step instead of an HTTP round trip.
package hedger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/guard"
	"tradingcore/internal/pnl"
	"tradingcore/internal/state"
	"tradingcore/pkg/apperrors"
	"tradingcore/pkg/telemetry"
	"tradingcore/pkg/tradingutils"
)

// State is the Hedger's coarse state for one market (spec §4.7).
type State int

const (
	StateIdle State = iota
	StatePassive
	StateAggressive
	StateCooldown
	StateEmergencyFlatten
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePassive:
		return "passive"
	case StateAggressive:
		return "aggressive"
	case StateCooldown:
		return "cooldown"
	case StateEmergencyFlatten:
		return "emergency_flatten"
	default:
		return "unknown"
	}
}

// Market carries the exchange metadata the Hedger needs to quantize clips.
type Market struct {
	Key                 string
	TickSize            decimal.Decimal
	LotSize             decimal.Decimal
	ExchangeMinSize     decimal.Decimal
	ExchangeMinNotional decimal.Decimal
}

// Config tunes one market's hedger state machine (spec §4.7).
type Config struct {
	TargetUnits             decimal.Decimal
	TriggerUnits            decimal.Decimal
	TriggerNotional         decimal.Decimal
	ClipSize                decimal.Decimal
	MaxClipUnits            decimal.Decimal
	PassiveOffsetBps        decimal.Decimal
	PassiveWait             time.Duration
	AggressiveOffsetBps     decimal.Decimal
	MaxSlippageBps          decimal.Decimal
	CooldownPeriod          time.Duration
	EmergencyBlockPeriod    time.Duration
	EmergencyClipMultiplier decimal.Decimal
	EmergencyCooldownPeriod time.Duration
	MaxAttempts             int
	// GuardClipMultiplier, applied when the windowed realized PnL from the
	// PnLCompositor is below PnLGuardFloor, shrinks the clip the same way
	// the maker's PnL-guard feature shrinks quote size (spec §4.7 clip
	// sizing step 2). Zero PnLGuardFloor disables the check.
	GuardClipMultiplier decimal.Decimal
	PnLGuardFloor       decimal.Decimal
	PnLGuardWindow      time.Duration
}

// Hedger drives one market's inventory back toward Config.TargetUnits.
// Single-leg discipline (spec §4.7 "Contracts"): at most one in-flight
// hedger order at a time, tracked by activeOrderID.
type Hedger struct {
	market Market
	cfg    Config
	store  *state.Store
	pnlC   *pnl.Compositor
	client core.TradingClient
	grd    *guard.Guard
	bus    *events.Bus
	logger core.ILogger
	clock  core.Clock

	submitPipeline failsafe.Executor[string]

	mu                sync.Mutex
	st                State
	cooldownUntil     time.Time
	passiveDeadline   time.Time
	activeOrderID     string
	activeSide        core.Side
	makerBlockedSince time.Time
	yieldCount        int
}

// New constructs a Hedger for one market.
func New(market Market, cfg Config, store *state.Store, pnlC *pnl.Compositor, client core.TradingClient, grd *guard.Guard, bus *events.Bus, logger core.ILogger) *Hedger {
	retryPolicy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			return apperrors.IsTransientSubmit(err)
		}).
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(maxInt(cfg.MaxAttempts, 1) - 1).
		Build()

	return &Hedger{
		market:         market,
		cfg:            cfg,
		store:          store,
		pnlC:           pnlC,
		client:         client,
		grd:            grd,
		bus:            bus,
		logger:         logger.WithField("component", "hedger").WithField("market", market.Key),
		clock:          core.SystemClock{},
		submitPipeline: failsafe.With[string](retryPolicy),
		st:             StateIdle,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// State returns the Hedger's current state.
func (h *Hedger) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

// Run evaluates the state machine at interval until ctx is canceled.
func (h *Hedger) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Evaluate(ctx)
		}
	}
}

// NotifyMakerBlocked records the first instant the maker has been
// continuously blocked (guard rejections on every cycle). A zero time
// clears the tracked blockage, per spec §4.7's emergency-flatten condition
// "maker has been blocked for longer than emergency_block_seconds".
func (h *Hedger) NotifyMakerBlocked(since time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.makerBlockedSince = since
}

// OnFill applies a hedger-role fill: clears the in-flight order and
// transitions to Cooldown immediately rather than waiting for the next
// Evaluate tick (spec §4.7 transitions "Passive --(fill)--> Cooldown").
func (h *Hedger) OnFill(orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeOrderID == "" || h.activeOrderID != orderID {
		return
	}
	h.activeOrderID = ""

	cooldown := h.cfg.CooldownPeriod
	if h.st == StateEmergencyFlatten && h.cfg.EmergencyCooldownPeriod > 0 {
		cooldown = h.cfg.EmergencyCooldownPeriod
	}
	h.transitionLocked(StateCooldown, h.clock.Now().Add(cooldown))
}

// Evaluate runs one state-machine step: check cooldown expiry, measure the
// current breach, and submit/escalate a clip as needed (spec §4.7).
func (h *Hedger) Evaluate(ctx context.Context) {
	h.mu.Lock()
	now := h.clock.Now()

	if h.st == StateCooldown {
		if now.Before(h.cooldownUntil) {
			h.mu.Unlock()
			return
		}
		h.st = StateIdle
	}

	inv := h.store.GetInventory(h.market.Key)
	mid, ok := h.store.GetMid(h.market.Key)
	if !ok || mid.Synthetic {
		h.mu.Unlock()
		return
	}

	deviation := inv.Sub(h.cfg.TargetUnits)
	breach := deviation.Abs().GreaterThan(h.cfg.TriggerUnits)
	if !breach && !h.cfg.TriggerNotional.IsZero() {
		breach = deviation.Abs().Mul(mid.Price).GreaterThan(h.cfg.TriggerNotional)
	}
	if !breach {
		if h.st != StateIdle && h.activeOrderID == "" {
			h.transitionLocked(StateIdle, time.Time{})
		}
		h.mu.Unlock()
		return
	}

	emergency := h.emergencyConditionLocked(now)

	switch {
	case emergency && h.st != StateEmergencyFlatten:
		h.transitionLocked(StateEmergencyFlatten, time.Time{})
		h.mu.Unlock()
		h.runClip(ctx, inv, mid, true)
		return

	case h.st == StateIdle:
		h.transitionLocked(StatePassive, time.Time{})
		h.passiveDeadline = now.Add(h.cfg.PassiveWait)
		h.mu.Unlock()
		h.runClip(ctx, inv, mid, false)
		return

	case h.st == StatePassive && now.After(h.passiveDeadline):
		h.transitionLocked(StateAggressive, time.Time{})
		h.mu.Unlock()
		h.cancelActive(ctx)
		h.runClip(ctx, inv, mid, true)
		return

	default:
		// Already Passive (waiting) or Aggressive (resting taker order in
		// flight, or EmergencyFlatten already submitted): nothing to do
		// until OnFill or the next escalation boundary.
		h.mu.Unlock()
		return
	}
}

// emergencyConditionLocked reports whether the guard's inventory kill-switch
// is latched, or the maker has been blocked longer than
// EmergencyBlockPeriod (spec §4.7 "Emergency-flatten"). Caller holds h.mu.
func (h *Hedger) emergencyConditionLocked(now time.Time) bool {
	if latched, reason := h.grd.IsLatched(); latched && reason == guard.RejectInventoryCap {
		return true
	}
	if !h.makerBlockedSince.IsZero() && now.Sub(h.makerBlockedSince) >= h.cfg.EmergencyBlockPeriod {
		return true
	}
	return false
}

func (h *Hedger) transitionLocked(next State, deadline time.Time) {
	prev := h.st
	h.st = next
	if next == StateCooldown {
		h.cooldownUntil = deadline
	}
	if prev == next {
		return
	}
	telemetry.GetGlobalMetrics().SetHedgerState(h.market.Key, int64(next))
	h.bus.Emit(events.Event{
		Kind:   events.KindHedgerStateChange,
		Market: h.market.Key,
		Fields: map[string]any{"from": prev.String(), "to": next.String()},
	})
}

// clipSize computes one clip: the remaining deviation bounded by the
// configured clip size (scaled up by the emergency multiplier when
// flattening under a latch) and max_clip_units, shrunk if the PnL guard is
// active, then rounded up to the smallest lot multiple satisfying both
// exchange minima at the clip's actual limit price (not the mid — an
// aggressive ask prices below mid, and a clip rounded against the mid could
// land a hair under the notional floor at its real price), capped at |inv|
// so sizing-up can never push past flat (the corrected historical bug, spec
// §4.7 point 3 and §8 scenario 1's "correction path").
func (h *Hedger) clipSize(inv, price decimal.Decimal, emergency bool) (decimal.Decimal, bool) {
	remaining := inv.Sub(h.cfg.TargetUnits).Abs()
	desired := remaining
	if !h.cfg.ClipSize.IsZero() {
		base := h.cfg.ClipSize
		if emergency && !h.cfg.EmergencyClipMultiplier.IsZero() {
			base = base.Mul(h.cfg.EmergencyClipMultiplier)
		}
		desired = decimal.Min(desired, base)
	}
	if !h.cfg.MaxClipUnits.IsZero() {
		desired = decimal.Min(desired, h.cfg.MaxClipUnits)
	}

	if h.pnlGuardTriggered() {
		mult := h.cfg.GuardClipMultiplier
		if mult.IsZero() {
			mult = decimal.NewFromInt(1)
		}
		desired = desired.Mul(mult)
	}

	cap := inv.Abs()
	return tradingutils.CeilNotional(price, desired, h.market.ExchangeMinSize, h.market.ExchangeMinNotional, h.market.LotSize, cap)
}

func (h *Hedger) pnlGuardTriggered() bool {
	if h.cfg.PnLGuardFloor.IsZero() || h.cfg.PnLGuardWindow <= 0 {
		return false
	}
	now := h.clock.Now()
	windowed := h.pnlC.WindowedRealizedPnL(h.market.Key, now.Add(-h.cfg.PnLGuardWindow), now)
	return windowed.LessThan(h.cfg.PnLGuardFloor)
}

// runClip submits one clip and records its typed outcome (spec §9 "Error
// propagation"); submitClip's per-branch events already carry the detail, so
// the composed outcome only needs the debug trail.
func (h *Hedger) runClip(ctx context.Context, inv decimal.Decimal, mid state.MidPoint, aggressive bool) {
	out := h.submitClip(ctx, inv, mid, aggressive)
	h.logger.Debug("clip outcome", "aggressive", aggressive, "outcome", out.String())
}

// submitClip computes price and size for the current escalation level and
// submits through the Guard and TradingClient, reporting the result as a
// typed outcome. aggressive selects the crossing price formula (used for
// both Aggressive and Emergency-flatten).
func (h *Hedger) submitClip(ctx context.Context, inv decimal.Decimal, mid state.MidPoint, aggressive bool) apperrors.Outcome {
	if inv.Sub(h.cfg.TargetUnits).IsZero() {
		return apperrors.Skipped("already at target")
	}

	side := core.SideAsk
	if inv.LessThan(h.cfg.TargetUnits) {
		side = core.SideBid
	}

	// One consistent read: sizing, the resting-fill bypass, and the latch
	// bypass must all agree on whether this clip is an emergency flatten.
	emergency := h.State() == StateEmergencyFlatten

	book, _ := h.store.GetBookTop(h.market.Key)
	price := h.clipPrice(side, mid.Price, book, aggressive, emergency)

	size, ok := h.clipSize(inv, price, emergency)
	if !ok {
		h.mu.Lock()
		h.yieldCount++
		h.mu.Unlock()
		telemetry.GetGlobalMetrics().IncCancelsThrottled(h.market.Key) // no dedicated "hedge yielded" counter; reuses the closest existing gauge family
		h.logger.Warn("no clip satisfies exchange minima within inventory cap, yielding this cycle", "inventory", inv, "target", h.cfg.TargetUnits)
		h.bus.Emit(events.Event{Kind: events.KindHedgerStateChange, Market: h.market.Key, Fields: map[string]any{"yield": true}})
		return apperrors.Skipped("no viable clip")
	}

	// A resting maker order already priced at least as favorably will fill
	// the same inventory correction without crossing the spread; wait for it
	// instead of submitting a duplicate taker clip (spec §4.7). Emergency
	// flatten bypasses this the same way it bypasses the guard latch.
	if !emergency && h.HasRestingMakerFill(side, price) {
		h.logger.Debug("deferring hedge clip: resting maker order already favorably priced", "side", side, "price", price)
		return apperrors.Skipped("resting maker fill")
	}

	cand := guard.Candidate{
		Market: h.market.Key, Side: side, Price: price, Size: size,
		Mid: mid.Price, MidSynthetic: mid.Synthetic,
		MidAgeSeconds: h.store.Age("ingestor:"+h.market.Key, h.clock.Now()),
		BestBid:       book.BestBid, BestAsk: book.BestAsk,
		InventoryNow: inv,
		MinSize:      h.market.ExchangeMinSize,
		MinNotional:  h.market.ExchangeMinNotional,
		AllowCross:   aggressive,
		BypassLatch:  emergency,
		Role:         core.RoleHedger,
	}
	if reason := h.grd.Validate(cand); reason != guard.RejectNone {
		h.logger.Debug("hedger clip rejected by guard", "reason", reason)
		return apperrors.Rejected(reason)
	}

	orderID, err := h.submitWithRetry(ctx, side, price, size, !aggressive)
	if err != nil {
		h.logger.Warn("hedger submit exhausted retries", "error", err)
		h.bus.Emit(events.Event{Kind: events.KindOrderReject, Market: h.market.Key, Fields: map[string]any{"role": "hedger", "error": err.Error()}})
		h.mu.Lock()
		h.transitionLocked(StateCooldown, h.clock.Now().Add(h.cfg.CooldownPeriod))
		h.mu.Unlock()
		return apperrors.Skipped("submit retries exhausted")
	}

	telemetry.GetGlobalMetrics().IncOrdersPlaced(h.market.Key)
	h.bus.Emit(events.Event{Kind: events.KindOrderSubmit, Market: h.market.Key, Fields: map[string]any{
		"role": "hedger", "side": string(side), "price": price.String(), "size": size.String(),
	}})
	h.store.AddOrder(state.Order{
		OrderID: orderID, Market: h.market.Key, Side: string(side), Price: price,
		SizeRemaining: size, Role: string(core.RoleHedger), SubmitTS: h.clock.Now(),
	})

	h.mu.Lock()
	h.activeOrderID = orderID
	h.activeSide = side
	h.mu.Unlock()
	return apperrors.Submitted()
}

func (h *Hedger) submitWithRetry(ctx context.Context, side core.Side, price, size decimal.Decimal, postOnly bool) (string, error) {
	return h.submitPipeline.GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
		return h.client.SubmitLimit(ctx, h.market.Key, side, price, size, postOnly, core.RoleHedger)
	})
}

// clipPrice implements spec §4.7's passive/aggressive price formulas: the
// passive offset rests near mid on the favorable side; the aggressive offset
// crosses the current book top, clamped at max_slippage_bps from mid. A
// second crossing (emergency-flatten escalating past a timed-out aggressive
// attempt) doubles the crossing offset, since the spec calls for "additional
// cross bps" without naming a distinct configured value.
func (h *Hedger) clipPrice(side core.Side, mid decimal.Decimal, book state.BookTop, aggressive, emergency bool) decimal.Decimal {
	if !aggressive {
		var raw decimal.Decimal
		if side == core.SideAsk {
			raw = mid.Mul(decimal.NewFromInt(1).Sub(tradingutils.BpsOf(decimal.NewFromInt(1), h.cfg.PassiveOffsetBps)))
			return tradingutils.FloorToStep(raw, h.market.TickSize)
		}
		raw = mid.Mul(decimal.NewFromInt(1).Add(tradingutils.BpsOf(decimal.NewFromInt(1), h.cfg.PassiveOffsetBps)))
		return tradingutils.CeilToStep(raw, h.market.TickSize)
	}

	offset := h.cfg.AggressiveOffsetBps
	if emergency {
		offset = offset.Mul(decimal.NewFromInt(2))
	}

	var raw, ref decimal.Decimal
	if side == core.SideAsk {
		ref = book.BestBid
		if ref.IsZero() {
			ref = mid
		}
		raw = ref.Mul(decimal.NewFromInt(1).Sub(tradingutils.BpsOf(decimal.NewFromInt(1), offset)))
		floor := mid.Mul(decimal.NewFromInt(1).Sub(tradingutils.BpsOf(decimal.NewFromInt(1), h.cfg.MaxSlippageBps)))
		if raw.LessThan(floor) {
			raw = floor
		}
		return tradingutils.FloorToStep(raw, h.market.TickSize)
	}

	ref = book.BestAsk
	if ref.IsZero() {
		ref = mid
	}
	raw = ref.Mul(decimal.NewFromInt(1).Add(tradingutils.BpsOf(decimal.NewFromInt(1), offset)))
	ceil := mid.Mul(decimal.NewFromInt(1).Add(tradingutils.BpsOf(decimal.NewFromInt(1), h.cfg.MaxSlippageBps)))
	if raw.GreaterThan(ceil) {
		raw = ceil
	}
	return tradingutils.CeilToStep(raw, h.market.TickSize)
}

func (h *Hedger) cancelActive(ctx context.Context) {
	h.mu.Lock()
	orderID := h.activeOrderID
	h.mu.Unlock()
	if orderID == "" {
		return
	}
	if !h.grd.AllowAction(h.market.Key) {
		h.logger.Debug("cancel skipped by guard rate backstop", "order_id", orderID)
		return
	}
	err := h.client.Cancel(ctx, orderID)
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		h.logger.Warn("cancel passive hedge order failed", "order_id", orderID, "error", err)
		return
	}
	// not_found means the order is already gone (likely filled just before
	// the cancel); either way it no longer rests, so clear our tracking.
	h.store.RemoveOrder(h.market.Key, orderID)
	h.mu.Lock()
	h.activeOrderID = ""
	h.mu.Unlock()
}

// HasRestingMakerFill reports whether a resting maker order on the
// flattening side already exists at or inside the hedger's intended price,
// per spec §4.7 "If a maker order on the flattening side is already resting
// and would fill at or inside the hedger's price target, the hedger waits
// for that fill instead of submitting a duplicate."
func (h *Hedger) HasRestingMakerFill(side core.Side, price decimal.Decimal) bool {
	for _, o := range h.store.GetOrders(h.market.Key, string(side), string(core.RoleMaker)) {
		if side == core.SideAsk && o.Price.LessThanOrEqual(price) {
			return true
		}
		if side == core.SideBid && o.Price.GreaterThanOrEqual(price) {
			return true
		}
	}
	return false
}
