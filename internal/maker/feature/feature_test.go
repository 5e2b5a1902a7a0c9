package feature

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type stubFeature struct {
	enabled bool
	adj     Adjustment
}

func (s stubFeature) Enabled() bool             { return s.enabled }
func (s stubFeature) Update(StateChange)        {}
func (s stubFeature) Adjust(Context) Adjustment { return s.adj }

func TestComposeSumsSpreadMultipliesSizeUnionsGates(t *testing.T) {
	f1 := stubFeature{enabled: true, adj: Adjustment{SpreadBps: dec("5"), SizeMultiplier: dec("0.5"), GateBid: true}}
	f2 := stubFeature{enabled: true, adj: Adjustment{SpreadBps: dec("3"), SizeMultiplier: dec("0.5"), GateAsk: true}}
	disabled := stubFeature{enabled: false, adj: Adjustment{SpreadBps: dec("100")}}

	total := Compose([]Feature{f1, f2, disabled}, Context{})
	assert.True(t, total.SpreadBps.Equal(dec("8")))
	assert.True(t, total.SizeMultiplier.Equal(dec("0.25")))
	assert.True(t, total.GateBid)
	assert.True(t, total.GateAsk)
}

func TestTrendGatesBidOnSharpDownMove(t *testing.T) {
	tr := NewTrend(TrendConfig{
		Lookback: 45 * time.Second, DownThresholdBps: dec("50"), UpThresholdBps: dec("50"),
		DownExtraSpread: dec("10"), DownCooldown: 10 * time.Second,
	}, true)

	base := time.Now()
	tr.Update(StateChange{Kind: StateChangeMid, Mid: dec("100"), TS: base})
	tr.Update(StateChange{Kind: StateChangeMid, Mid: dec("99"), TS: base.Add(10 * time.Second)})

	a := tr.Adjust(Context{Mid: dec("99"), Now: base.Add(10 * time.Second)})
	assert.True(t, a.GateBid)
	assert.True(t, a.SpreadBps.Equal(dec("10")))
}

func TestInventoryAdjustGatesGrowingSide(t *testing.T) {
	ia := NewInventoryAdjust(InventoryConfig{
		AsymThreshold: dec("5"),
		Tiers:         []InventoryTier{{ThresholdUnits: dec("5"), SpreadBonusBps: dec("2"), SizeCutPct: dec("20")}},
	}, true)

	a := ia.Adjust(Context{Inventory: dec("6")})
	assert.True(t, a.GateBid)
	assert.False(t, a.GateAsk)
	assert.True(t, a.SizeMultiplier.Equal(dec("0.8")))
}

func TestPnLGuardActivatesAfterConsecutiveBreaches(t *testing.T) {
	pg := NewPnLGuard(PnLGuardConfig{
		Floor: dec("-10"), ConsecutiveTriggers: 2, WidenBps: dec("20"), MaxExtra: dec("50"),
		ClipMultiplier: dec("0.5"), ReleaseMode: ReleaseCooldown, ReleaseWindow: time.Minute,
	}, true)

	now := time.Now()
	a1 := pg.Adjust(Context{WindowedPnL: dec("-15"), Now: now})
	assert.True(t, a1.SpreadBps.IsZero())

	a2 := pg.Adjust(Context{WindowedPnL: dec("-15"), Now: now.Add(time.Second)})
	assert.True(t, a2.SpreadBps.Equal(dec("20")))
	assert.True(t, a2.SizeMultiplier.Equal(dec("0.5")))
}

func TestPnLGuardReleasesOnRecovery(t *testing.T) {
	pg := NewPnLGuard(PnLGuardConfig{
		Floor: dec("-10"), ConsecutiveTriggers: 1, WidenBps: dec("20"), MaxExtra: dec("50"),
		ClipMultiplier: dec("0.5"), ReleaseMode: ReleaseRecovery, RecoveryFloor: dec("0"),
	}, true)

	now := time.Now()
	pg.Adjust(Context{WindowedPnL: dec("-15"), Now: now})
	a := pg.Adjust(Context{WindowedPnL: dec("5"), Now: now.Add(time.Second)})
	assert.True(t, a.SpreadBps.IsZero())
}

func TestRegimeSelectsAggressiveOnHighRSI(t *testing.T) {
	r := NewRegime(RegimeConfig{
		RSIPeriod: 3, BullThreshold: dec("70"), BearThreshold: dec("30"),
		Aggressive: RegimeBundle{SizeMultiplier: dec("1.5"), ExtraSpread: dec("1")},
		Defensive:  RegimeBundle{SizeMultiplier: dec("1"), ExtraSpread: dec("5")},
	}, true)

	base := time.Now()
	for i, p := range []string{"100", "101", "102", "103"} {
		r.Update(StateChange{Kind: StateChangeMid, Mid: dec(p), TS: base.Add(time.Duration(i) * time.Second)})
	}
	a := r.Adjust(Context{})
	assert.True(t, a.SizeMultiplier.Equal(dec("1.5")))
}

func TestVolatilityPausesAboveThreshold(t *testing.T) {
	v := NewVolatility(VolatilityConfig{
		HalfLife: time.Second, MinBandBps: dec("5"), MaxBandBps: dec("30"),
		PauseThreshold: dec("10"), ResumeThreshold: dec("2"),
	}, true)

	base := time.Now()
	v.Update(StateChange{Kind: StateChangeMid, Mid: dec("100"), TS: base})
	v.Update(StateChange{Kind: StateChangeMid, Mid: dec("115"), TS: base.Add(time.Second)})

	a := v.Adjust(Context{Now: base.Add(time.Second)})
	assert.True(t, a.GateBid)
	assert.True(t, a.GateAsk)
}
