// Package guard implements the Self-Trade & Risk Guard: synchronous
// pre-submit order validation plus a process-wide kill-switch latch (spec
// §4.5). Grounded on the teacher's internal/safety.SafetyChecker (ordered,
// short-circuited validation steps returning the first failure) and
// internal/risk.CircuitBreaker (mutex-guarded latch with a metrics hook),
// minus the circuit breaker's cooldown auto-reset: this latch clears only on
// an explicit external Reset.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/pkg/apperrors"
	"tradingcore/pkg/telemetry"
)

// RejectReason names which validation rule failed. It aliases
// apperrors.RejectKind so a Validate result can be carried into an
// apperrors.Outcome without translation.
type RejectReason = apperrors.RejectKind

const (
	RejectNone           = apperrors.RejectNone
	RejectPriceBand      = apperrors.RejectPriceBand
	RejectCrossedBook    = apperrors.RejectCrossedBook
	RejectInventoryCap   = apperrors.RejectInventoryCap
	RejectExchangeMinima = apperrors.RejectExchangeMinima
	RejectMidFreshness   = apperrors.RejectMidFreshness
	RejectLatched        = apperrors.RejectLatched
	RejectRateLimited    = apperrors.RejectRateLimited
	RejectLedgerStall    = apperrors.RejectLedgerStall
)

// Config carries the thresholds and latch-arming flags for one market's
// guard checks (spec §4.5).
type Config struct {
	PriceBandBps          decimal.Decimal
	MaxPositionUnits      decimal.Decimal
	MaxInventoryNotional  decimal.Decimal
	MaxMidAgeSeconds      float64
	KillOnCrossedBook     bool
	KillOnInventoryBreach bool
	// ReconcileCooldown is how long maker quoting is suspended for a market
	// after the account reconciler observes a position drift beyond the
	// market's lot size (spec §4.8).
	ReconcileCooldown time.Duration
	// MaxSubmitsPerSecond bounds the combined submit+cancel rate for a
	// market as a token-bucket backstop behind the maker engine's own
	// sliding-window cancel throttle (spec §4.6 "Cancel discipline") — a
	// last line of defense if a feature bug or a very tight refresh_interval
	// ever drives the cancel window past what it caught. Zero disables it.
	MaxSubmitsPerSecond float64
	// SubmitBurst is the token bucket's burst size; defaults to 1 if unset
	// while MaxSubmitsPerSecond is positive.
	SubmitBurst int
}

// Candidate is the order a caller wants validated before submission.
type Candidate struct {
	Market        string
	Side          core.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	Mid           decimal.Decimal
	MidSynthetic  bool
	MidAgeSeconds float64
	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	InventoryNow  decimal.Decimal
	MinSize       decimal.Decimal
	MinNotional   decimal.Decimal
	// AllowCross marks a candidate as a deliberate taker order (the
	// Hedger's aggressive/emergency clips): the crossed-book rule exists to
	// catch a maker quote that would cross itself, not to stop an order
	// whose entire purpose is to cross and take liquidity.
	AllowCross bool
	// BypassLatch lets the Hedger's emergency-flatten clips through a
	// latched kill-switch (spec §3.2 invariant 6: "hedger orders may still
	// be submitted only in emergency-flatten mode"). The other four rules
	// still apply — this only exempts the candidate from the blanket
	// RejectLatched short-circuit.
	BypassLatch bool
	// Role tags which component built this candidate, purely for event
	// observability (e.g. the orchestrator's maker-blocked detector needs
	// to tell a maker-quote rejection from a hedger-clip rejection).
	Role core.Role
}

var bps = decimal.NewFromInt(10_000)

// Guard validates maker and hedger order candidates and owns the global
// kill-switch latch. Safe for concurrent use.
type Guard struct {
	mu            sync.RWMutex
	cfg           map[string]Config
	limiters      map[string]*rate.Limiter
	latched       bool
	reason        RejectReason
	suspended     map[string]time.Time
	ledgerBlocked bool
	bus           *events.Bus
	logger        core.ILogger
}

// New constructs a Guard. Per-market configs are registered with
// SetMarketConfig before validation is used for that market.
func New(bus *events.Bus, logger core.ILogger) *Guard {
	return &Guard{
		cfg:       make(map[string]Config),
		limiters:  make(map[string]*rate.Limiter),
		suspended: make(map[string]time.Time),
		bus:       bus,
		logger:    logger.WithField("component", "guard"),
	}
}

// SetMarketConfig registers or replaces the guard thresholds for a market.
func (g *Guard) SetMarketConfig(market string, cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg[market] = cfg

	if cfg.MaxSubmitsPerSecond <= 0 {
		delete(g.limiters, market)
		return
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	g.limiters[market] = rate.NewLimiter(rate.Limit(cfg.MaxSubmitsPerSecond), burst)
}

// IsLatched reports whether the kill-switch is currently tripped.
func (g *Guard) IsLatched() (bool, RejectReason) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latched, g.reason
}

// Reset clears the kill-switch latch. Only an explicit external signal
// (restart or operator action) may call this — the guard never auto-resets
// on a timer (spec §4.5, a deliberate deviation from the teacher's circuit
// breaker's cooldown-based auto-reset).
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latched = false
	g.reason = RejectNone
	telemetry.GetGlobalMetrics().SetGuardLatched("global", false)
}

// SuspendMarket blocks new maker quotes for market until the configured
// reconcile cooldown elapses from now. Called by the account reconciler when
// a position snapshot disagrees with the locally tracked inventory by more
// than the market's lot size (spec §4.8). Hedger candidates are unaffected —
// flattening a real drift is the point, not something to suspend.
func (g *Guard) SuspendMarket(market string, now time.Time) {
	g.mu.RLock()
	cfg := g.cfg[market]
	g.mu.RUnlock()
	if cfg.ReconcileCooldown <= 0 {
		return
	}
	until := now.Add(cfg.ReconcileCooldown)
	g.mu.Lock()
	g.suspended[market] = until
	g.mu.Unlock()
	g.logger.Warn("market suspended after reconcile drift", "market", market, "until", until)
	g.bus.Emit(events.Event{Kind: events.KindGuardBlock, Market: market, Fields: map[string]any{"reason": "reconcile_drift", "until": until.Format(time.RFC3339)}})
}

// IsSuspended reports whether market is still within a reconcile-drift
// cooldown window as of now.
func (g *Guard) IsSuspended(market string, now time.Time) bool {
	g.mu.RLock()
	until, ok := g.suspended[market]
	g.mu.RUnlock()
	return ok && now.Before(until)
}

// SetLedgerBlocked marks (or clears) a FillLedger append stall. While set,
// maker candidates are rejected so no new quotes are posted until the
// pending-append queue drains (spec §4.2 "Failure semantics"); hedger
// candidates still pass, since flattening risk matters more than a complete
// fill record during a disk hiccup.
func (g *Guard) SetLedgerBlocked(blocked bool) {
	g.mu.Lock()
	changed := g.ledgerBlocked != blocked
	g.ledgerBlocked = blocked
	g.mu.Unlock()
	if changed && blocked {
		g.logger.Warn("maker quoting suspended: fill ledger append stalled")
	}
	if changed && !blocked {
		g.logger.Info("fill ledger drained, maker quoting resumed")
	}
}

// Validate runs the five ordered, short-circuited checks (spec §4.5) against
// c and returns the first violated rule, or RejectNone if c passes. Latching
// kill-switches are applied as a side effect when configured to do so.
func (g *Guard) Validate(c Candidate) RejectReason {
	if latched, reason := g.IsLatched(); latched && !c.BypassLatch {
		g.emit(c, RejectLatched, fmt.Sprintf("guard latched: %s", reason))
		return RejectLatched
	}

	g.mu.RLock()
	ledgerBlocked := g.ledgerBlocked
	cfg, ok := g.cfg[c.Market]
	g.mu.RUnlock()
	if ledgerBlocked && c.Role == core.RoleMaker {
		g.emit(c, RejectLedgerStall, "fill ledger has undrained pending appends")
		return RejectLedgerStall
	}
	if !ok {
		g.emit(c, RejectMidFreshness, "no guard config registered for market")
		return RejectMidFreshness
	}

	if reason := g.checkRateLimit(c); reason != RejectNone {
		return reason
	}
	if reason := g.checkPriceBand(c, cfg); reason != RejectNone {
		return reason
	}
	if reason := g.checkCrossedBook(c, cfg); reason != RejectNone {
		return reason
	}
	if reason := g.checkInventoryCap(c, cfg); reason != RejectNone {
		return reason
	}
	if reason := g.checkExchangeMinima(c); reason != RejectNone {
		return reason
	}
	if reason := g.checkMidFreshness(c, cfg); reason != RejectNone {
		return reason
	}
	return RejectNone
}

// NotifyExchangeReject records a permanent exchange-side rejection the
// pre-submit rules did not catch (the book moved between validation and the
// exchange's own match check). A crossed-book rejection latches when
// kill_on_crossed_book is configured, the same as the pre-submit rule
// (spec §7 "Exchange rejection: crossed book").
func (g *Guard) NotifyExchangeReject(market string, kind apperrors.SubmitErrorKind) {
	g.mu.RLock()
	cfg := g.cfg[market]
	g.mu.RUnlock()
	if kind == apperrors.SubmitCrossed && cfg.KillOnCrossedBook {
		g.latch(RejectCrossedBook)
	}
}

// AllowAction reports whether the token-bucket backstop permits another
// submit or cancel for market right now, consuming a token if so. A market
// with no configured limiter (MaxSubmitsPerSecond unset) always allows.
// Validate's five ordered rules run against a Candidate built only for
// submits; the cancel path (maker engine's cancelOrder, hedger's
// cancelActive) has no Candidate to build, so it calls this directly instead
// of going through Validate.
func (g *Guard) AllowAction(market string) bool {
	g.mu.RLock()
	lim, ok := g.limiters[market]
	g.mu.RUnlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// checkRateLimit is AllowAction's Validate-path wrapper: same token bucket,
// reported as a RejectRateLimited Candidate rejection.
func (g *Guard) checkRateLimit(c Candidate) RejectReason {
	if !g.AllowAction(c.Market) {
		g.emit(c, RejectRateLimited, "submit rate exceeds configured backstop")
		return RejectRateLimited
	}
	return RejectNone
}

func (g *Guard) checkPriceBand(c Candidate, cfg Config) RejectReason {
	if c.Mid.IsZero() {
		return RejectNone
	}
	deviationBps := c.Price.Sub(c.Mid).Abs().Div(c.Mid).Mul(bps)
	if deviationBps.GreaterThan(cfg.PriceBandBps) {
		g.emit(c, RejectPriceBand, fmt.Sprintf("deviation %s bps exceeds band %s", deviationBps, cfg.PriceBandBps))
		return RejectPriceBand
	}
	return RejectNone
}

func (g *Guard) checkCrossedBook(c Candidate, cfg Config) RejectReason {
	if c.AllowCross {
		return RejectNone
	}
	crossed := false
	if c.Side == core.SideBid && !c.BestAsk.IsZero() && c.Price.GreaterThanOrEqual(c.BestAsk) {
		crossed = true
	}
	if c.Side == core.SideAsk && !c.BestBid.IsZero() && c.Price.LessThanOrEqual(c.BestBid) {
		crossed = true
	}
	if !crossed {
		return RejectNone
	}
	g.emit(c, RejectCrossedBook, "order would cross the book")
	if cfg.KillOnCrossedBook {
		g.latch(RejectCrossedBook)
	}
	return RejectCrossedBook
}

func (g *Guard) checkInventoryCap(c Candidate, cfg Config) RejectReason {
	after := c.InventoryNow.Add(decimal.NewFromInt(c.Side.Sign()).Mul(c.Size))
	breachUnits := !cfg.MaxPositionUnits.IsZero() && after.Abs().GreaterThan(cfg.MaxPositionUnits)
	breachNotional := !cfg.MaxInventoryNotional.IsZero() && after.Abs().Mul(c.Mid).GreaterThan(cfg.MaxInventoryNotional)
	if !breachUnits && !breachNotional {
		return RejectNone
	}
	g.emit(c, RejectInventoryCap, fmt.Sprintf("inventory_after=%s would breach cap", after))
	if cfg.KillOnInventoryBreach {
		g.latch(RejectInventoryCap)
	}
	return RejectInventoryCap
}

func (g *Guard) checkExchangeMinima(c Candidate) RejectReason {
	if c.Size.LessThan(c.MinSize) {
		g.emit(c, RejectExchangeMinima, fmt.Sprintf("size %s below exchange minimum %s", c.Size, c.MinSize))
		return RejectExchangeMinima
	}
	if c.Price.Mul(c.Size).LessThan(c.MinNotional) {
		g.emit(c, RejectExchangeMinima, "notional below exchange minimum")
		return RejectExchangeMinima
	}
	return RejectNone
}

func (g *Guard) checkMidFreshness(c Candidate, cfg Config) RejectReason {
	if c.MidSynthetic {
		g.emit(c, RejectMidFreshness, "mid is synthetic")
		return RejectMidFreshness
	}
	if cfg.MaxMidAgeSeconds > 0 && c.MidAgeSeconds > cfg.MaxMidAgeSeconds {
		g.emit(c, RejectMidFreshness, fmt.Sprintf("mid age %.2fs exceeds %.2fs", c.MidAgeSeconds, cfg.MaxMidAgeSeconds))
		return RejectMidFreshness
	}
	return RejectNone
}

func (g *Guard) latch(reason RejectReason) {
	g.mu.Lock()
	already := g.latched
	g.latched = true
	g.reason = reason
	g.mu.Unlock()

	telemetry.GetGlobalMetrics().SetGuardLatched("global", true)
	if !already {
		g.logger.Warn("guard latched", "reason", reason)
		g.bus.Emit(events.Event{Kind: events.KindGuardLatch, Fields: map[string]any{"reason": string(reason)}})
	}
}

func (g *Guard) emit(c Candidate, reason RejectReason, detail string) {
	telemetry.GetGlobalMetrics().IncGuardRejected(c.Market)
	g.bus.Emit(events.Event{
		Kind:   events.KindGuardBlock,
		Market: c.Market,
		Fields: map[string]any{"reason": string(reason), "detail": detail, "side": string(c.Side), "role": string(c.Role)},
	})
}
