// Package maker implements the Maker Engine: the per-market two-sided quote
// cycle decomposed into a core (this file) and pluggable feature modules
// (internal/maker/feature), per spec §4.6. Grounded on the teacher's
// internal/trading/grid.Strategy refresh-loop shape (read state, compute
// target orders, diff against resting orders, submit/cancel), replacing its
// fixed-grid levels with a two-sided spread quote and its single price
// adjustment with the composed feature pipeline.
package maker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/guard"
	"tradingcore/internal/maker/feature"
	"tradingcore/internal/pnl"
	"tradingcore/internal/state"
	"tradingcore/pkg/apperrors"
	"tradingcore/pkg/retry"
	"tradingcore/pkg/telemetry"
	"tradingcore/pkg/tradingutils"
)

// Config tunes one market's quote cycle (spec §4.6).
type Config struct {
	RefreshInterval     time.Duration
	JitterFraction      float64
	BaseSpreadBps       decimal.Decimal
	MinSpreadBps        decimal.Decimal
	BaseSize            decimal.Decimal
	MaxClipSize         decimal.Decimal
	PriceEpsilonBps     decimal.Decimal
	SizeEpsilonPct      decimal.Decimal
	MaxCancelsPerMinute int
	// SoftCapUnits is the position size, in units, that features treat as a
	// soft inventory ceiling when deciding whether to resume quoting after a
	// pause (e.g. Volatility's resume gate). Typically the guard's hard
	// position cap for the same market.
	SoftCapUnits decimal.Decimal
}

// Market carries the exchange metadata needed to quantize a quote.
type Market struct {
	Key                 string
	TickSize            decimal.Decimal
	LotSize             decimal.Decimal
	ExchangeMinSize     decimal.Decimal
	ExchangeMinNotional decimal.Decimal
}

// Engine runs the quote cycle for one market.
type Engine struct {
	market   Market
	cfg      Config
	features []feature.Feature
	store    *state.Store
	pnlC     *pnl.Compositor
	client   core.TradingClient
	grd      *guard.Guard
	bus      *events.Bus
	logger   core.ILogger
	clock    core.Clock
	rng      func() float64

	generation atomic.Uint64
	lastQuote  atomic.Pointer[core.Quote]

	mu          sync.Mutex
	cancelTimes []time.Time
	throttled   bool
}

// New constructs an Engine for one market.
func New(market Market, cfg Config, features []feature.Feature, store *state.Store, pnlC *pnl.Compositor, client core.TradingClient, grd *guard.Guard, bus *events.Bus, logger core.ILogger) *Engine {
	return &Engine{
		market:   market,
		cfg:      cfg,
		features: features,
		store:    store,
		pnlC:     pnlC,
		client:   client,
		grd:      grd,
		bus:      bus,
		logger:   logger.WithField("component", "maker").WithField("market", market.Key),
		clock:    core.SystemClock{},
		rng:      rand.Float64,
	}
}

// nextWait returns the refresh interval perturbed by the configured jitter
// fraction (spec §4.6: quote "every refresh_interval with jitter"), so
// per-market cycles drift apart instead of hammering the exchange in phase.
// The wait is floored at half the interval: a jitter fraction above 1 must
// not drive it negative and hot-loop the cycle.
func (e *Engine) nextWait() time.Duration {
	jitter := time.Duration(float64(e.cfg.RefreshInterval) * e.cfg.JitterFraction * (2*e.rng() - 1))
	wait := e.cfg.RefreshInterval + jitter
	if floor := e.cfg.RefreshInterval / 2; wait < floor {
		wait = floor
	}
	return wait
}

// Run loops the quote cycle at refresh_interval with jitter until ctx is
// canceled (spec §4.6).
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.nextWait()):
		}
		e.RunOnce(ctx)
	}
}

// RunOnce executes one quote cycle (spec §4.6 steps 1-9). Exported so tests
// and the orchestrator can drive single cycles deterministically. Each side's
// typed outcome (spec §9 "Error propagation") is composed into the cycle's
// maker_cycle event.
func (e *Engine) RunOnce(ctx context.Context) {
	gen := e.generation.Add(1)
	telemetry.GetGlobalMetrics().IncQuoteCycles(e.market.Key)

	bidOut := apperrors.Skipped("no usable mid")
	askOut := bidOut
	defer func() {
		e.bus.Emit(events.Event{Kind: events.KindMakerCycle, Market: e.market.Key, Fields: map[string]any{
			"bid": bidOut.String(), "ask": askOut.String(),
		}})
	}()

	// Step 1: read (mid, mid_ts); abort if stale or synthetic.
	mid, ok := e.store.GetMid(e.market.Key)
	if !ok || mid.Synthetic {
		e.logger.Debug("skipping cycle: no usable mid")
		return
	}

	// Suspended after an account-reconciliation drift (spec §4.8): pull
	// quotes and sit out until the cooldown elapses.
	if e.grd.IsSuspended(e.market.Key, e.clock.Now()) {
		e.logger.Debug("skipping cycle: market suspended by reconcile cooldown")
		bidOut = e.cancelSide(ctx, core.SideBid)
		askOut = e.cancelSide(ctx, core.SideAsk)
		return
	}

	inventory := e.store.GetInventory(e.market.Key)

	// Step 2-3: compose feature adjustments on top of the base spread.
	fctx := feature.Context{
		Market:       e.market.Key,
		Mid:          mid.Price,
		Inventory:    inventory,
		SoftCapUnits: e.cfg.SoftCapUnits,
		WindowedPnL:  e.pnlC.WindowedRealizedPnL(e.market.Key, e.clock.Now().Add(-time.Minute), e.clock.Now()),
		Now:          e.clock.Now(),
	}
	for _, f := range e.features {
		if f.Enabled() {
			f.Update(feature.StateChange{Kind: feature.StateChangeMid, Mid: mid.Price, TS: e.clock.Now()})
		}
	}
	adj := feature.Compose(e.features, fctx)

	// Step 4: half spread, floored at the configured minimum.
	totalSpread := e.cfg.BaseSpreadBps.Add(adj.SpreadBps)
	if totalSpread.LessThan(e.cfg.MinSpreadBps) {
		totalSpread = e.cfg.MinSpreadBps
	}
	halfSpread := totalSpread.Div(decimal.NewFromInt(2))

	// Step 5: raw bid/ask.
	rawBid := mid.Price.Mul(decimal.NewFromInt(1).Sub(halfSpread.Div(decimal.NewFromInt(10_000))))
	rawAsk := mid.Price.Mul(decimal.NewFromInt(1).Add(halfSpread.Div(decimal.NewFromInt(10_000))))

	// Step 6: raw size.
	rawSize := e.cfg.BaseSize.Mul(adj.SizeMultiplier)

	// Step 7: quantize; round up to satisfy min-notional; abort if over cap.
	bidPrice := tradingutils.FloorToStep(rawBid, e.market.TickSize)
	askPrice := tradingutils.CeilToStep(rawAsk, e.market.TickSize)

	bidSize, bidOK := tradingutils.CeilNotional(bidPrice, rawSize, e.market.ExchangeMinSize, e.market.ExchangeMinNotional, e.market.LotSize, e.cfg.MaxClipSize)
	askSize, askOK := tradingutils.CeilNotional(askPrice, rawSize, e.market.ExchangeMinSize, e.market.ExchangeMinNotional, e.market.LotSize, e.cfg.MaxClipSize)

	gateBid := adj.GateBid || !bidOK
	gateAsk := adj.GateAsk || !askOK

	// A Quote with a lower GenerationID is superseded by any later cycle's
	// Quote (spec §3.1); quoteSide rechecks this generation is still current
	// immediately before submitting, so a cycle that is slow to reach the
	// exchange never races a newer one's resting orders.
	q := core.Quote{
		Market: e.market.Key, BidPrice: bidPrice, BidSize: bidSize,
		AskPrice: askPrice, AskSize: askSize, GenerationID: gen,
	}
	e.lastQuote.Store(&q)

	// Step 8: submit/cancel per side.
	if !gateBid {
		bidOut = e.quoteSide(ctx, gen, core.SideBid, bidPrice, bidSize, mid, inventory)
	} else {
		bidOut = e.cancelSide(ctx, core.SideBid)
	}
	if !gateAsk {
		askOut = e.quoteSide(ctx, gen, core.SideAsk, askPrice, askSize, mid, inventory)
	} else {
		askOut = e.cancelSide(ctx, core.SideAsk)
	}

	// Step 9: heartbeat.
	e.store.Heartbeat("maker:"+e.market.Key, e.clock.Now())
}

// quoteSide drives one side of the quote to the exchange and reports what
// happened as a typed outcome (spec §9 "Error propagation") instead of an
// error; RunOnce composes the two sides into the cycle event.
func (e *Engine) quoteSide(ctx context.Context, gen uint64, side core.Side, price, size decimal.Decimal, mid state.MidPoint, inventory decimal.Decimal) apperrors.Outcome {
	existing := e.store.GetOrders(e.market.Key, string(side), string(core.RoleMaker))

	// Sticky quote: do nothing if an existing order is within epsilon.
	for _, o := range existing {
		if e.withinEpsilon(o.Price, price) && e.withinEpsilon(o.SizeRemaining, size) {
			return apperrors.Skipped("sticky")
		}
	}

	book, _ := e.store.GetBookTop(e.market.Key)
	cand := guard.Candidate{
		Market: e.market.Key, Side: side, Price: price, Size: size,
		Mid: mid.Price, MidSynthetic: mid.Synthetic,
		MidAgeSeconds: e.store.Age("ingestor:"+e.market.Key, e.clock.Now()),
		BestBid:       book.BestBid, BestAsk: book.BestAsk,
		InventoryNow: inventory, MinSize: e.market.ExchangeMinSize, MinNotional: e.market.ExchangeMinNotional,
		Role: core.RoleMaker,
	}
	if reason := e.grd.Validate(cand); reason != guard.RejectNone {
		e.logger.Debug("side skipped by guard", "side", side, "reason", reason)
		return apperrors.Rejected(reason)
	}

	if len(existing) > 0 && !e.cancelThrottled() {
		for _, o := range existing {
			e.cancelOrder(ctx, o.OrderID)
		}
	} else if len(existing) > 0 {
		return apperrors.Throttled()
	}

	orderID, err := e.submitWithRetry(ctx, gen, side, price, size)
	if errors.Is(err, errQuoteSuperseded) {
		e.logger.Debug("quote superseded during submit retry", "side", side, "generation", gen)
		return apperrors.Skipped("superseded")
	}
	if err != nil {
		// Permanent rejection (min-notional, crossed, insufficient margin) or
		// transient retries exhausted: skip this side for the rest of the
		// cycle (spec §4.6 "Failure semantics").
		var se *apperrors.SubmitError
		if errors.As(err, &se) {
			e.grd.NotifyExchangeReject(e.market.Key, se.Kind)
			e.bus.Emit(events.Event{Kind: events.KindOrderReject, Market: e.market.Key, Fields: map[string]any{
				"role": string(core.RoleMaker), "side": string(side), "kind": string(se.Kind),
			}})
			e.logger.Warn("submit failed", "side", side, "error", err)
			if kind, ok := rejectKindForSubmit(se.Kind); ok {
				return apperrors.Rejected(kind)
			}
			return apperrors.Skipped("submit failed: " + string(se.Kind))
		}
		e.logger.Warn("submit failed", "side", side, "error", err)
		return apperrors.Skipped("submit retries exhausted")
	}
	telemetry.GetGlobalMetrics().IncOrdersPlaced(e.market.Key)
	e.bus.Emit(events.Event{Kind: events.KindOrderSubmit, Market: e.market.Key, Fields: map[string]any{"side": string(side), "price": price.String(), "size": size.String()}})
	e.store.AddOrder(state.Order{
		OrderID: orderID, Market: e.market.Key, Side: string(side), Price: price,
		SizeRemaining: size, Role: string(core.RoleMaker), SubmitTS: e.clock.Now(),
	})
	return apperrors.Submitted()
}

// rejectKindForSubmit maps an exchange-side submit rejection onto the same
// reject taxonomy the Guard's pre-submit rules use, so an outcome reads the
// same whichever layer refused the order. Kinds with no counterpart in the
// reject enum (nonce, other) report ok=false and surface as a Skipped
// outcome instead of leaking out-of-enum values.
func rejectKindForSubmit(kind apperrors.SubmitErrorKind) (apperrors.RejectKind, bool) {
	switch kind {
	case apperrors.SubmitMinNotional:
		return apperrors.RejectExchangeMinima, true
	case apperrors.SubmitCrossed:
		return apperrors.RejectCrossedBook, true
	case apperrors.SubmitRateLimited:
		return apperrors.RejectRateLimited, true
	default:
		return apperrors.RejectNone, false
	}
}

// errQuoteSuperseded aborts a submit retry whose price was computed by a
// generation a newer cycle has since replaced; the fresh cycle re-prices from
// the current book instead of this one resubmitting a stale quote.
var errQuoteSuperseded = errors.New("maker: quote superseded during submit retry")

// submitWithRetry retries transient submit failures (network, nonce
// collision, rate limit) with backoff and returns permanent rejections
// immediately (spec §4.6 "Failure semantics").
func (e *Engine) submitWithRetry(ctx context.Context, gen uint64, side core.Side, price, size decimal.Decimal) (string, error) {
	var orderID string
	transient := func(err error) bool {
		if errors.Is(err, errQuoteSuperseded) {
			return false
		}
		return apperrors.IsTransientSubmit(err)
	}
	err := retry.Do(ctx, retry.DefaultPolicy, transient, func() error {
		if e.generation.Load() != gen {
			return errQuoteSuperseded
		}
		id, err := e.client.SubmitLimit(ctx, e.market.Key, side, price, size, true, core.RoleMaker)
		orderID = id
		return err
	})
	return orderID, err
}

// cancelSide pulls a side's resting orders, reporting Submitted when cancel
// requests went out, Throttled when the cancel window suppressed them, and
// Skipped when there was nothing resting.
func (e *Engine) cancelSide(ctx context.Context, side core.Side) apperrors.Outcome {
	orders := e.store.GetOrders(e.market.Key, string(side), string(core.RoleMaker))
	if len(orders) == 0 {
		return apperrors.Skipped("no resting orders")
	}
	for _, o := range orders {
		if e.cancelThrottled() {
			return apperrors.Throttled()
		}
		e.cancelOrder(ctx, o.OrderID)
	}
	return apperrors.Submitted()
}

func (e *Engine) cancelOrder(ctx context.Context, orderID string) {
	if !e.grd.AllowAction(e.market.Key) {
		e.logger.Debug("cancel skipped by guard rate backstop", "order_id", orderID)
		return
	}
	err := e.client.Cancel(ctx, orderID)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		// Already filled or canceled on the exchange side: drop our record so
		// later cycles stop re-attempting the cancel.
		e.store.RemoveOrder(e.market.Key, orderID)
		return
	}
	if err != nil {
		e.logger.Warn("cancel failed", "order_id", orderID, "error", err)
		return
	}
	e.recordCancel()
	e.store.RemoveOrder(e.market.Key, orderID)
}

// cancelThrottled enforces the sliding 60s cancel-rate window (spec §4.6
// "Cancel discipline").
func (e *Engine) cancelThrottled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-time.Minute)
	i := 0
	for i < len(e.cancelTimes) && e.cancelTimes[i].Before(cutoff) {
		i++
	}
	e.cancelTimes = e.cancelTimes[i:]

	if e.cfg.MaxCancelsPerMinute > 0 && len(e.cancelTimes) >= e.cfg.MaxCancelsPerMinute {
		if !e.throttled {
			e.throttled = true
			telemetry.GetGlobalMetrics().IncCancelsThrottled(e.market.Key)
		}
		return true
	}
	e.throttled = false
	return false
}

func (e *Engine) recordCancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimes = append(e.cancelTimes, e.clock.Now())
}

func (e *Engine) withinEpsilon(have, want decimal.Decimal) bool {
	if want.IsZero() {
		return have.IsZero()
	}
	priceDiffBps := tradingutils.BpsDiff(have, want)
	if priceDiffBps.GreaterThan(e.cfg.PriceEpsilonBps) {
		return false
	}
	sizeDiffPct := have.Sub(want).Abs().Div(want).Mul(decimal.NewFromInt(100))
	return sizeDiffPct.LessThanOrEqual(e.cfg.SizeEpsilonPct)
}

// CancelAllAndFlush cancels every resting maker order for this market,
// draining them from the StateStore (spec §5 "Cancellation" shutdown
// sequence step 2).
func (e *Engine) CancelAllAndFlush(ctx context.Context) error {
	_, err := e.client.CancelAll(ctx, e.market.Key)
	if err != nil {
		return err
	}
	for _, o := range e.store.GetOrders(e.market.Key, "", string(core.RoleMaker)) {
		e.store.RemoveOrder(e.market.Key, o.OrderID)
	}
	return nil
}

// Generation returns the current quote generation id, incremented once per
// cycle (spec §3.1 "A Quote with a lower GenerationID is superseded").
func (e *Engine) Generation() uint64 { return e.generation.Load() }

// LastQuote returns the Quote computed by the most recently completed cycle,
// or nil if RunOnce has never run.
func (e *Engine) LastQuote() *core.Quote { return e.lastQuote.Load() }
