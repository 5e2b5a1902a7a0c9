package guard

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/pkg/apperrors"
	"tradingcore/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testLogger() core.ILogger {
	l, _ := logging.NewZapLogger("ERROR")
	return l
}

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	bus := events.New(1, 8, testLogger())
	g := New(bus, testLogger())
	g.SetMarketConfig("market:1", Config{
		PriceBandBps:          dec("50"),
		MaxPositionUnits:      dec("10"),
		MaxInventoryNotional:  dec("2000"),
		MaxMidAgeSeconds:      5,
		KillOnCrossedBook:     true,
		KillOnInventoryBreach: true,
	})
	return g
}

func baseCandidate() Candidate {
	return Candidate{
		Market:        "market:1",
		Side:          core.SideBid,
		Price:         dec("99.9"),
		Size:          dec("1"),
		Mid:           dec("100"),
		BestBid:       dec("99.8"),
		BestAsk:       dec("100.2"),
		InventoryNow:  dec("0"),
		MinSize:       dec("0.1"),
		MinNotional:   dec("5"),
		MidAgeSeconds: 1,
	}
}

func TestValidatePasses(t *testing.T) {
	g := newTestGuard(t)
	reason := g.Validate(baseCandidate())
	assert.Equal(t, RejectNone, reason)
}

func TestValidateRejectsPriceBand(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.Price = dec("90") // 10% away, band is 50bps
	assert.Equal(t, RejectPriceBand, g.Validate(c))
}

func TestValidateRejectsCrossedBookAndLatches(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.Side = core.SideBid
	c.Price = dec("100.5") // crosses best ask 100.2
	require.Equal(t, RejectCrossedBook, g.Validate(c))

	latched, reason := g.IsLatched()
	assert.True(t, latched)
	assert.Equal(t, RejectCrossedBook, reason)

	// Latch persists and short-circuits subsequent validations.
	assert.Equal(t, RejectLatched, g.Validate(baseCandidate()))
}

func TestResetClearsLatch(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.Price = dec("100.5")
	g.Validate(c)
	require.True(t, func() bool { l, _ := g.IsLatched(); return l }())

	g.Reset()
	latched, _ := g.IsLatched()
	assert.False(t, latched)
	assert.Equal(t, RejectNone, g.Validate(baseCandidate()))
}

func TestValidateRejectsInventoryCapUnits(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.InventoryNow = dec("9.5")
	c.Size = dec("1") // after = 10.5 > 10 units cap
	assert.Equal(t, RejectInventoryCap, g.Validate(c))
}

func TestValidateRejectsInventoryCapNotional(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.InventoryNow = dec("5")
	c.Size = dec("1") // after=6 units * mid 100 = 600, fine
	c.Mid = dec("500")
	c.Price = dec("499.9")
	c.BestAsk = dec("501")
	c.BestBid = dec("498")
	// after = 6 * 500 = 3000 > 2000 notional cap
	assert.Equal(t, RejectInventoryCap, g.Validate(c))
}

func TestValidateRejectsExchangeMinSize(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.Size = dec("0.01")
	assert.Equal(t, RejectExchangeMinima, g.Validate(c))
}

func TestValidateRejectsExchangeMinNotional(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.Price = dec("1")
	c.Mid = dec("1")
	c.BestAsk = dec("1.1")
	c.BestBid = dec("0.9")
	c.Size = dec("0.2") // notional 0.2 < min_notional 5
	assert.Equal(t, RejectExchangeMinima, g.Validate(c))
}

func TestValidateRejectsSyntheticMid(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.MidSynthetic = true
	assert.Equal(t, RejectMidFreshness, g.Validate(c))
}

func TestValidateRejectsStaleMid(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.MidAgeSeconds = 100
	assert.Equal(t, RejectMidFreshness, g.Validate(c))
}

func TestValidateRejectsRateLimitBackstop(t *testing.T) {
	bus := events.New(1, 8, testLogger())
	g := New(bus, testLogger())
	g.SetMarketConfig("market:1", Config{
		PriceBandBps:         dec("50"),
		MaxPositionUnits:     dec("10"),
		MaxInventoryNotional: dec("2000"),
		MaxMidAgeSeconds:     5,
		MaxSubmitsPerSecond:  1,
		SubmitBurst:          1,
	})

	c := baseCandidate()
	assert.Equal(t, RejectNone, g.Validate(c), "first submit within burst should pass")
	assert.Equal(t, RejectRateLimited, g.Validate(c), "second immediate submit should exhaust the burst")
}

func TestValidateAskCrossedBook(t *testing.T) {
	g := newTestGuard(t)
	c := baseCandidate()
	c.Side = core.SideAsk
	c.Price = dec("99.7") // crosses best bid 99.8
	assert.Equal(t, RejectCrossedBook, g.Validate(c))
}

func TestLedgerStallBlocksMakerButNotHedger(t *testing.T) {
	g := newTestGuard(t)
	g.SetLedgerBlocked(true)

	makerCand := baseCandidate()
	makerCand.Role = core.RoleMaker
	assert.Equal(t, RejectLedgerStall, g.Validate(makerCand))

	hedgerCand := baseCandidate()
	hedgerCand.Role = core.RoleHedger
	assert.Equal(t, RejectNone, g.Validate(hedgerCand), "hedger clips still flow during a ledger stall")

	g.SetLedgerBlocked(false)
	assert.Equal(t, RejectNone, g.Validate(makerCand), "maker quoting resumes once the queue drains")
}

func TestNotifyExchangeRejectLatchesOnCrossed(t *testing.T) {
	g := newTestGuard(t)

	g.NotifyExchangeReject("market:1", apperrors.SubmitMinNotional)
	latched, _ := g.IsLatched()
	require.False(t, latched, "a min-notional rejection must not latch")

	g.NotifyExchangeReject("market:1", apperrors.SubmitCrossed)
	latched, reason := g.IsLatched()
	require.True(t, latched)
	assert.Equal(t, RejectCrossedBook, reason)
}
