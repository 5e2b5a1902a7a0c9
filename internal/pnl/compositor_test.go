package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradingcore/internal/core"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestOnFillOpensLotNoPnL(t *testing.T) {
	c := New()
	realized := c.OnFill(core.Fill{
		Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), Fee: dec("0"), TS: time.Now(),
	})
	assert.True(t, realized.IsZero())
	assert.True(t, c.LotSum("market:1").Equal(dec("1")))
}

func TestOnFillClosesLotRealizesPnL(t *testing.T) {
	c := New()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: time.Now()})

	realized := c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("1"), Price: dec("110"), TS: time.Now().Add(time.Second)})
	assert.True(t, realized.Equal(dec("10")), "expected 10, got %s", realized)
	assert.True(t, c.LotSum("market:1").IsZero())
}

func TestOnFillFeeDebitedFromRealized(t *testing.T) {
	c := New()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: time.Now()})
	realized := c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("1"), Price: dec("110"), Fee: dec("0.5"), TS: time.Now().Add(time.Second)})
	assert.True(t, realized.Equal(dec("9.5")))
}

func TestOnFillPartialCloseFIFO(t *testing.T) {
	c := New()
	ts := time.Now()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: ts})
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("120"), TS: ts.Add(time.Second)})

	// Sell 1.5: closes the first lot fully (100 entry) and half the second (120 entry).
	realized := c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("1.5"), Price: dec("130"), TS: ts.Add(2 * time.Second)})
	// (1 * (130-100)) + (0.5 * (130-120)) = 30 + 5 = 35
	assert.True(t, realized.Equal(dec("35")), "got %s", realized)
	assert.True(t, c.LotSum("market:1").Equal(dec("0.5")))
}

func TestOnFillFlipSideOpensNewLot(t *testing.T) {
	c := New()
	ts := time.Now()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: ts})
	// Sell 2: closes the 1 long lot, then opens a 1-unit short lot.
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("2"), Price: dec("90"), TS: ts.Add(time.Second)})
	assert.True(t, c.LotSum("market:1").Equal(dec("-1")))
}

func TestUnrealizedPnL(t *testing.T) {
	c := New()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("2"), Price: dec("100"), TS: time.Now()})
	unreal := c.UnrealizedPnL("market:1", dec("105"))
	assert.True(t, unreal.Equal(dec("10")))
}

func TestWindowedRealizedPnL(t *testing.T) {
	c := New()
	base := time.Now()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: base})
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("1"), Price: dec("110"), TS: base.Add(time.Minute)})
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("90"), TS: base.Add(2 * time.Minute)})
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("1"), Price: dec("95"), TS: base.Add(3 * time.Minute)})

	windowed := c.WindowedRealizedPnL("market:1", base, base.Add(90*time.Second))
	assert.True(t, windowed.Equal(dec("10")), "got %s", windowed)
}

func TestCostBasis(t *testing.T) {
	c := New()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: time.Now()})
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("120"), TS: time.Now()})
	avg, size := c.CostBasis("market:1")
	assert.True(t, avg.Equal(dec("110")))
	assert.True(t, size.Equal(dec("2")))
}

func TestCostBasisEmptyMarket(t *testing.T) {
	c := New()
	avg, size := c.CostBasis("market:unknown")
	assert.True(t, avg.IsZero())
	assert.True(t, size.IsZero())
}

func TestOnFillTieBreakOrderRespected(t *testing.T) {
	// Within the same timestamp, fills are processed in ledger-append order
	// (the order OnFill is called), not reordered by the compositor.
	c := New()
	ts := time.Now()
	c.OnFill(core.Fill{Market: "market:1", Side: core.SideBid, Size: dec("1"), Price: dec("100"), TS: ts})
	realized := c.OnFill(core.Fill{Market: "market:1", Side: core.SideAsk, Size: dec("1"), Price: dec("105"), TS: ts})
	require.True(t, realized.Equal(dec("5")))
}
