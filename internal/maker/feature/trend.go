package feature

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TrendConfig tunes the Trend filter (spec §4.6 features table).
type TrendConfig struct {
	Lookback         time.Duration
	DownThresholdBps decimal.Decimal
	UpThresholdBps   decimal.Decimal
	DownExtraSpread  decimal.Decimal
	UpExtraSpread    decimal.Decimal
	DownCooldown     time.Duration
	UpCooldown       time.Duration
}

type midObs struct {
	ts    time.Time
	price decimal.Decimal
}

// Trend gates the bid after a sharp down move and the ask after a sharp up
// move, for a cooldown window, and adds the matching extra spread to the
// quote's single symmetric spread while the gate holds (spec §4.6, "Trend
// filter").
// Grounded on the teacher's RegimeMonitor history-ring-buffer shape,
// simplified from OHLC candles to a mid-price observation window.
type Trend struct {
	mu           sync.Mutex
	cfg          TrendConfig
	enabled      bool
	history      []midObs
	gateBidUntil time.Time
	gateAskUntil time.Time
}

// NewTrend constructs a Trend filter feature.
func NewTrend(cfg TrendConfig, enabled bool) *Trend {
	return &Trend{cfg: cfg, enabled: enabled}
}

func (t *Trend) Enabled() bool { return t.enabled }

func (t *Trend) Update(sc StateChange) {
	if sc.Kind != StateChangeMid {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, midObs{ts: sc.TS, price: sc.Mid})
	cutoff := sc.TS.Add(-t.cfg.Lookback)
	i := 0
	for i < len(t.history) && t.history[i].ts.Before(cutoff) {
		i++
	}
	t.history = t.history[i:]
}

func (t *Trend) Adjust(ctx Context) Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := NeutralAdjustment()
	if len(t.history) < 2 {
		return a
	}

	oldest := t.history[0]
	if oldest.price.IsZero() {
		return a
	}
	changeBps := ctx.Mid.Sub(oldest.price).Div(oldest.price).Mul(decimal.NewFromInt(10_000))

	if changeBps.LessThan(t.cfg.DownThresholdBps.Neg()) {
		t.gateBidUntil = ctx.Now.Add(t.cfg.DownCooldown)
	}
	if changeBps.GreaterThan(t.cfg.UpThresholdBps) {
		t.gateAskUntil = ctx.Now.Add(t.cfg.UpCooldown)
	}

	if ctx.Now.Before(t.gateBidUntil) {
		a.GateBid = true
		a.SpreadBps = a.SpreadBps.Add(t.cfg.DownExtraSpread)
	}
	if ctx.Now.Before(t.gateAskUntil) {
		a.GateAsk = true
		a.SpreadBps = a.SpreadBps.Add(t.cfg.UpExtraSpread)
	}
	return a
}
