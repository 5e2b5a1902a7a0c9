package feature

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RegimeBundle is one named parameter set a regime switches between (spec
// §4.6, "Regime switcher": "Select one of two parameter bundles").
type RegimeBundle struct {
	SizeMultiplier decimal.Decimal
	ExtraSpread    decimal.Decimal
}

// RegimeConfig tunes the Regime switcher feature. RSI is derived from the
// mid-price history rather than OHLC candles, using plain averages of gains
// and losses over the last RSIPeriod changes (no Wilder smoothing).
type RegimeConfig struct {
	Lookback      time.Duration
	RSIPeriod     int
	BullThreshold decimal.Decimal // RSI above this -> aggressive bundle
	BearThreshold decimal.Decimal // RSI below this -> aggressive bundle
	Aggressive    RegimeBundle
	Defensive     RegimeBundle
}

// Regime selects between an aggressive and a defensive parameter bundle
// based on an RSI computed over recent mid observations (spec §4.6,
// "Regime switcher"). Grounded on the teacher's RegimeMonitor RSI
// calculation, simplified to one scalar series (mid) instead of OHLC candles
// and to simple rather than Wilder-smoothed averages.
type Regime struct {
	mu      sync.Mutex
	cfg     RegimeConfig
	enabled bool
	history []decimal.Decimal
}

// NewRegime constructs a Regime switcher feature.
func NewRegime(cfg RegimeConfig, enabled bool) *Regime {
	return &Regime{cfg: cfg, enabled: enabled}
}

func (r *Regime) Enabled() bool { return r.enabled }

func (r *Regime) Update(sc StateChange) {
	if sc.Kind != StateChangeMid {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, sc.Mid)
	max := r.cfg.RSIPeriod + 1
	if max < 2 {
		max = 2
	}
	if len(r.history) > max {
		r.history = r.history[len(r.history)-max:]
	}
}

func (r *Regime) rsiLocked() decimal.Decimal {
	period := r.cfg.RSIPeriod
	if period <= 0 {
		period = 14
	}
	if len(r.history) <= period {
		return decimal.NewFromInt(50)
	}

	var gains, losses decimal.Decimal
	for i := 1; i < len(r.history); i++ {
		change := r.history[i].Sub(r.history[i-1])
		if change.IsPositive() {
			gains = gains.Add(change)
		} else {
			losses = losses.Add(change.Abs())
		}
	}
	n := decimal.NewFromInt(int64(len(r.history) - 1))
	avgGain := gains.Div(n)
	avgLoss := losses.Div(n)
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	return decimal.NewFromInt(100).Sub(decimal.NewFromInt(100).Div(decimal.NewFromInt(1).Add(rs)))
}

func (r *Regime) Adjust(ctx Context) Adjustment {
	r.mu.Lock()
	defer r.mu.Unlock()

	rsi := r.rsiLocked()
	bundle := r.cfg.Defensive
	if rsi.GreaterThan(r.cfg.BullThreshold) || rsi.LessThan(r.cfg.BearThreshold) {
		bundle = r.cfg.Aggressive
	}

	mult := bundle.SizeMultiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}
	return Adjustment{SpreadBps: bundle.ExtraSpread, SizeMultiplier: mult}
}
