package hedger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/guard"
	"tradingcore/internal/pnl"
	"tradingcore/internal/state"
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

type stubClient struct {
	submitCount  int
	lastSide     core.Side
	lastPrice    decimal.Decimal
	lastSize     decimal.Decimal
	lastPostOnly bool
	canceled     []string
}

func (c *stubClient) SubmitLimit(_ context.Context, _ string, side core.Side, price, size decimal.Decimal, postOnly bool, _ core.Role) (string, error) {
	c.submitCount++
	c.lastSide = side
	c.lastPrice = price
	c.lastSize = size
	c.lastPostOnly = postOnly
	return "order-1", nil
}

func (c *stubClient) Cancel(_ context.Context, orderID string) error {
	c.canceled = append(c.canceled, orderID)
	return nil
}

func (c *stubClient) CancelAll(_ context.Context, _ string) (int, error) { return 0, nil }

func newTestHedger(t *testing.T, client core.TradingClient, cfg Config) (*Hedger, *state.Store, *guard.Guard) {
	t.Helper()
	store := state.New()
	store.Heartbeat("ingestor:market:1", time.Now())
	pnlC := pnl.New()
	store.SetCostBasisSource(pnlC)
	bus := events.New(1, 8, testLogger())
	grd := guard.New(bus, testLogger())
	grd.SetMarketConfig("market:1", guard.Config{
		PriceBandBps:         dec("500"),
		MaxPositionUnits:     dec("100"),
		MaxInventoryNotional: dec("1000000"),
		MaxMidAgeSeconds:     5,
	})

	market := Market{
		Key: "market:1", TickSize: dec("0.0001"), LotSize: dec("0.0005"),
		ExchangeMinSize: dec("0.061"), ExchangeMinNotional: dec("10.5"),
	}
	h := New(market, cfg, store, pnlC, client, grd, bus, testLogger())
	return h, store, grd
}

func baseConfig() Config {
	return Config{
		TargetUnits:             dec("0.0005"),
		TriggerUnits:            dec("0.008"),
		ClipSize:                dec("0.01"),
		MaxClipUnits:            dec("1"),
		PassiveOffsetBps:        dec("2"),
		PassiveWait:             5 * time.Second,
		AggressiveOffsetBps:     dec("5"),
		MaxSlippageBps:          dec("20"),
		CooldownPeriod:          10 * time.Second,
		EmergencyBlockPeriod:    30 * time.Second,
		EmergencyClipMultiplier: dec("2"),
		MaxAttempts:             3,
	}
}

// Scenario 1's correction path (spec §8, point 2): the raw deficit (0.0095)
// rounds up to 0.0735 to clear both exchange minima, but that exceeds |inv|
// (0.010) itself. The cap-before-round-up fix means no hedge is submitted
// here — only the uncorrected historical bug would have sent the 0.0735 ask.
func TestPassiveHedgeYieldsWhenMinNotionalRoundUpExceedsInventory(t *testing.T) {
	client := &stubClient{}
	h, store, _ := newTestHedger(t, client, baseConfig())

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store.UpdateInventory("market:1", dec("0.010"))

	h.Evaluate(context.Background())

	require.Equal(t, StatePassive, h.State())
	require.Equal(t, 0, client.submitCount)
	assert.Equal(t, 1, h.yieldCount)
}

// Same deficit math, but a larger inventory has enough room under |inv| for
// the min-notional round-up to clear: the clip submits as the uncapped
// arithmetic alone would predict.
func TestPassiveHedgeSizesUpToMinNotionalWhenInventoryAllows(t *testing.T) {
	client := &stubClient{}
	cfg := baseConfig()
	// Cap the desired clip at the same 0.0095 deficit scenario 1 computes,
	// but against a much larger inventory so the post-round-up size (0.0735)
	// still fits under the |inv| cap.
	cfg.MaxClipUnits = dec("0.0095")
	h, store, _ := newTestHedger(t, client, cfg)

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store.UpdateInventory("market:1", dec("0.10"))

	h.Evaluate(context.Background())

	require.Equal(t, StatePassive, h.State())
	require.Equal(t, 1, client.submitCount)
	assert.Equal(t, core.SideAsk, client.lastSide)
	assert.True(t, client.lastPrice.Equal(dec("142.9714")), "got %s", client.lastPrice)
	assert.True(t, client.lastSize.Equal(dec("0.0735")), "got %s", client.lastSize)
	assert.True(t, client.lastPostOnly)
}

// A resting maker order already priced to fill before the hedger's own clip
// corrects the same inventory without crossing the spread a second time, so
// the Hedger should defer rather than submit a duplicate ask (spec §4.7).
func TestPassiveHedgeDefersToRestingMakerFill(t *testing.T) {
	client := &stubClient{}
	cfg := baseConfig()
	cfg.MaxClipUnits = dec("0.0095")
	h, store, _ := newTestHedger(t, client, cfg)

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store.UpdateInventory("market:1", dec("0.10"))
	store.AddOrder(state.Order{
		OrderID: "maker-ask-1", Market: "market:1", Side: string(core.SideAsk),
		Price: dec("142.97"), SizeRemaining: dec("0.05"), Role: string(core.RoleMaker),
	})

	h.Evaluate(context.Background())

	require.Equal(t, StatePassive, h.State())
	assert.Equal(t, 0, client.submitCount, "expected the hedger to wait on the resting maker fill instead of submitting")
}

func TestIdleWhenWithinTrigger(t *testing.T) {
	client := &stubClient{}
	h, store, _ := newTestHedger(t, client, baseConfig())

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.UpdateInventory("market:1", dec("0.002"))

	h.Evaluate(context.Background())
	assert.Equal(t, StateIdle, h.State())
	assert.Equal(t, 0, client.submitCount)
}

func TestPassiveTimeoutEscalatesToAggressive(t *testing.T) {
	client := &stubClient{}
	cfg := baseConfig()
	cfg.PassiveWait = 1 * time.Millisecond
	h, store, _ := newTestHedger(t, client, cfg)

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	// Large enough inventory that the rounded-up clip still fits under the
	// |inv| cap, so both the passive and aggressive clips actually submit.
	store.UpdateInventory("market:1", dec("0.10"))

	h.Evaluate(context.Background())
	require.Equal(t, StatePassive, h.State())

	time.Sleep(5 * time.Millisecond)
	h.Evaluate(context.Background())

	assert.Equal(t, StateAggressive, h.State())
	assert.Equal(t, 2, client.submitCount)
	assert.False(t, client.lastPostOnly)
	assert.Equal(t, []string{"order-1"}, client.canceled)
}

func TestOnFillTransitionsToCooldown(t *testing.T) {
	client := &stubClient{}
	h, store, _ := newTestHedger(t, client, baseConfig())

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store.UpdateInventory("market:1", dec("0.10"))

	h.Evaluate(context.Background())
	require.Equal(t, StatePassive, h.State())

	h.OnFill("order-1")
	assert.Equal(t, StateCooldown, h.State())

	h.Evaluate(context.Background())
	assert.Equal(t, StateCooldown, h.State(), "cooldown should hold until the period elapses")
}

func TestEmergencyFlattenOnGuardLatch(t *testing.T) {
	client := &stubClient{}
	h, store, grd := newTestHedger(t, client, baseConfig())

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store.UpdateInventory("market:1", dec("0.10"))

	// Force the inventory kill-switch latch directly, as the Guard would on
	// an inventory-cap rejection with kill_on_inventory_breach configured,
	// then restore the market's normal (loose) limits so the emergency
	// clip itself isn't rejected by the same cap that tripped the latch.
	grd.SetMarketConfig("market:1", guard.Config{
		PriceBandBps: dec("500"), MaxPositionUnits: dec("0.001"),
		MaxInventoryNotional: dec("1"), MaxMidAgeSeconds: 5,
		KillOnInventoryBreach: true,
	})
	grd.Validate(guard.Candidate{
		Market: "market:1", Side: core.SideBid, Price: dec("143"), Size: dec("1"),
		Mid: dec("143"), BestBid: dec("142.9"), BestAsk: dec("143.1"),
		InventoryNow: dec("1"), MinSize: dec("0.001"), MinNotional: dec("1"),
	})
	latched, reason := grd.IsLatched()
	require.True(t, latched)
	require.Equal(t, guard.RejectInventoryCap, reason)
	grd.SetMarketConfig("market:1", guard.Config{
		PriceBandBps:         dec("500"),
		MaxPositionUnits:     dec("100"),
		MaxInventoryNotional: dec("1000000"),
		MaxMidAgeSeconds:     5,
	})

	h.Evaluate(context.Background())
	assert.Equal(t, StateEmergencyFlatten, h.State())
	assert.Equal(t, 1, client.submitCount)
	assert.True(t, client.lastPostOnly == false)
}

func TestClipYieldsWhenNoSizeSatisfiesBothMinimaWithinInventory(t *testing.T) {
	client := &stubClient{}
	cfg := baseConfig()
	h, store, _ := newTestHedger(t, client, cfg)

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	// Inventory barely above trigger, but the smallest lot clearing both
	// exchange minima (0.0735) would exceed |inv| itself: no valid clip.
	store.UpdateInventory("market:1", dec("0.009"))

	h.Evaluate(context.Background())
	assert.Equal(t, 0, client.submitCount)
}

// With exchange minima small enough not to dominate, the passive clip is
// bounded by clip_size and the emergency clip by emergency_clip_multiplier ×
// clip_size (spec §4.7 "Passive" / "Emergency-flatten").
func TestClipSizeBoundedByClipSizeAndEmergencyMultiplier(t *testing.T) {
	cfg := baseConfig()
	h, _, _ := newTestHedger(t, &stubClient{}, cfg)
	h.market.ExchangeMinSize = dec("0.0005")
	h.market.ExchangeMinNotional = dec("0.01")

	size, ok := h.clipSize(dec("0.10"), dec("143.00"), false)
	require.True(t, ok)
	assert.True(t, size.Equal(dec("0.01")), "passive clip should stop at clip_size, got %s", size)

	size, ok = h.clipSize(dec("0.10"), dec("143.00"), true)
	require.True(t, ok)
	assert.True(t, size.Equal(dec("0.02")), "emergency clip should scale by the multiplier, got %s", size)
}

// The clip never exceeds the remaining deviation even when clip_size would
// allow more.
func TestClipSizeNeverExceedsRemainingDeviation(t *testing.T) {
	cfg := baseConfig()
	cfg.ClipSize = dec("1")
	h, _, _ := newTestHedger(t, &stubClient{}, cfg)
	h.market.ExchangeMinSize = dec("0.0005")
	h.market.ExchangeMinNotional = dec("0.01")

	size, ok := h.clipSize(dec("0.0105"), dec("143.00"), false)
	require.True(t, ok)
	assert.True(t, size.Equal(dec("0.01")), "clip should be the deviation rounded to lot, got %s", size)
}

func TestSubmitClipReturnsTypedOutcomes(t *testing.T) {
	client := &stubClient{}
	cfg := baseConfig()
	cfg.MaxClipUnits = dec("0.0095")
	h, store, _ := newTestHedger(t, client, cfg)

	store.SetMid("market:1", dec("143.00"), time.Now(), false)
	store.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store.UpdateInventory("market:1", dec("0.10"))
	mid, ok := store.GetMid("market:1")
	require.True(t, ok)

	out := h.submitClip(context.Background(), dec("0.10"), mid, false)
	assert.Equal(t, apperrors.OutcomeSubmitted, out.Kind)

	// Scenario-1 inventory: the min-notional round-up exceeds |inv|, so the
	// clip yields with a typed skip instead of a silent return.
	h2, store2, _ := newTestHedger(t, &stubClient{}, baseConfig())
	store2.SetMid("market:1", dec("143.00"), time.Now(), false)
	store2.SetBookTop("market:1", dec("142.9"), dec("143.1"), time.Now())
	store2.UpdateInventory("market:1", dec("0.010"))
	mid2, ok := store2.GetMid("market:1")
	require.True(t, ok)

	out = h2.submitClip(context.Background(), dec("0.010"), mid2, false)
	assert.Equal(t, apperrors.OutcomeSkipped, out.Kind)
}
