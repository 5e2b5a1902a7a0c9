package feature

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ReleaseMode selects how the PnL guard releases after triggering (spec §9
// open question: both modes are supported, config-selectable).
type ReleaseMode string

const (
	ReleaseCooldown ReleaseMode = "cooldown"
	ReleaseRecovery ReleaseMode = "recovery"
)

// PnLGuardConfig tunes the PnL guard feature (spec §4.6).
type PnLGuardConfig struct {
	Floor               decimal.Decimal
	ConsecutiveTriggers int
	WidenBps            decimal.Decimal
	MaxExtra            decimal.Decimal
	ClipMultiplier      decimal.Decimal
	ReleaseMode         ReleaseMode
	ReleaseWindow       time.Duration
	RecoveryFloor       decimal.Decimal
}

// PnLGuard widens the spread and cuts size after the windowed realized PnL
// from the PnLCompositor drops below floor for consecutive_triggers cycles
// (spec §4.6, "PnL guard").
type PnLGuard struct {
	mu          sync.Mutex
	cfg         PnLGuardConfig
	enabled     bool
	breaches    int
	active      bool
	activatedAt time.Time
}

// NewPnLGuard constructs a PnL guard feature.
func NewPnLGuard(cfg PnLGuardConfig, enabled bool) *PnLGuard {
	return &PnLGuard{cfg: cfg, enabled: enabled}
}

func (p *PnLGuard) Enabled() bool { return p.enabled }

func (p *PnLGuard) Update(StateChange) {}

func (p *PnLGuard) Adjust(ctx Context) Adjustment {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := NeutralAdjustment()

	if ctx.WindowedPnL.LessThan(p.cfg.Floor) {
		p.breaches++
	} else {
		p.breaches = 0
	}

	if !p.active && p.breaches >= p.cfg.ConsecutiveTriggers {
		p.active = true
		p.activatedAt = ctx.Now
	}

	if p.active {
		released := false
		switch p.cfg.ReleaseMode {
		case ReleaseRecovery:
			if ctx.WindowedPnL.GreaterThanOrEqual(p.cfg.RecoveryFloor) {
				released = true
			}
		default: // ReleaseCooldown
			if p.cfg.ReleaseWindow > 0 && ctx.Now.Sub(p.activatedAt) >= p.cfg.ReleaseWindow {
				released = true
			}
		}
		if released {
			p.active = false
			p.breaches = 0
			return a
		}

		widen := p.cfg.WidenBps
		if widen.GreaterThan(p.cfg.MaxExtra) {
			widen = p.cfg.MaxExtra
		}
		a.SpreadBps = widen
		mult := p.cfg.ClipMultiplier
		if mult.IsZero() {
			mult = decimal.NewFromInt(1)
		}
		a.SizeMultiplier = mult
	}
	return a
}
