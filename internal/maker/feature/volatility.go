package feature

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// VolatilityConfig tunes the Volatility band feature (spec §4.6).
type VolatilityConfig struct {
	HalfLife        time.Duration
	MinBandBps      decimal.Decimal
	MaxBandBps      decimal.Decimal
	PauseThreshold  decimal.Decimal
	ResumeThreshold decimal.Decimal
}

// Volatility widens the quoted spread as an EMA of absolute mid changes
// rises, pausing both sides in extreme moves until volatility and inventory
// both recover (spec §4.6, "Volatility band"). Grounded on the teacher's
// RegimeMonitor ATR-style smoothing idiom, adapted from true-range-over-OHLC
// to absolute mid-change-over-time.
type Volatility struct {
	mu      sync.Mutex
	cfg     VolatilityConfig
	enabled bool
	ema     decimal.Decimal
	lastMid decimal.Decimal
	lastTS  time.Time
	paused  bool
}

// NewVolatility constructs a Volatility band feature.
func NewVolatility(cfg VolatilityConfig, enabled bool) *Volatility {
	return &Volatility{cfg: cfg, enabled: enabled}
}

func (v *Volatility) Enabled() bool { return v.enabled }

func (v *Volatility) Update(sc StateChange) {
	if sc.Kind != StateChangeMid {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lastMid.IsZero() || v.lastTS.IsZero() {
		v.lastMid = sc.Mid
		v.lastTS = sc.TS
		return
	}

	dt := sc.TS.Sub(v.lastTS).Seconds()
	if dt <= 0 || v.cfg.HalfLife <= 0 {
		v.lastMid = sc.Mid
		v.lastTS = sc.TS
		return
	}

	absChangeBps := sc.Mid.Sub(v.lastMid).Abs().Div(v.lastMid).Mul(decimal.NewFromInt(10_000))
	alpha := 1 - math.Exp(-math.Ln2*dt/v.cfg.HalfLife.Seconds())
	alphaDec := decimal.NewFromFloat(alpha)
	v.ema = v.ema.Mul(decimal.NewFromInt(1).Sub(alphaDec)).Add(absChangeBps.Mul(alphaDec))

	v.lastMid = sc.Mid
	v.lastTS = sc.TS
}

func (v *Volatility) Adjust(ctx Context) Adjustment {
	v.mu.Lock()
	defer v.mu.Unlock()

	a := NeutralAdjustment()

	if v.ema.GreaterThan(v.cfg.PauseThreshold) {
		v.paused = true
	}
	if v.paused {
		softCapFrac := decimal.NewFromFloat(0.25)
		withinSoftCap := ctx.SoftCapUnits.IsZero() || ctx.Inventory.Abs().LessThanOrEqual(ctx.SoftCapUnits.Mul(softCapFrac))
		if v.ema.LessThan(v.cfg.ResumeThreshold) && withinSoftCap {
			v.paused = false
		}
	}
	if v.paused {
		a.GateBid = true
		a.GateAsk = true
		return a
	}

	band := v.cfg.MinBandBps
	if v.cfg.PauseThreshold.GreaterThan(decimal.Zero) {
		frac := v.ema.Div(v.cfg.PauseThreshold)
		if frac.GreaterThan(decimal.NewFromInt(1)) {
			frac = decimal.NewFromInt(1)
		}
		band = v.cfg.MinBandBps.Add(v.cfg.MaxBandBps.Sub(v.cfg.MinBandBps).Mul(frac))
	}
	a.SpreadBps = band
	return a
}
