package feature

import (
	"sync"

	"github.com/shopspring/decimal"
)

// InventoryTier adds a spread bonus and a size cut once |inventory| crosses
// a threshold (spec §4.6, "Inventory adjust": "tiered spread bonus and size
// cut as |inv| grows").
type InventoryTier struct {
	ThresholdUnits decimal.Decimal
	SpreadBonusBps decimal.Decimal
	SizeCutPct     decimal.Decimal
}

// InventoryConfig tunes the Inventory adjust feature.
type InventoryConfig struct {
	AsymThreshold decimal.Decimal
	Tiers         []InventoryTier // ascending by ThresholdUnits
}

// InventoryAdjust discourages adding to existing exposure: gates the side
// that would grow the position once |inventory| exceeds asym_threshold, and
// applies the highest tier whose threshold inventory has crossed (spec
// §4.6).
type InventoryAdjust struct {
	mu      sync.Mutex
	cfg     InventoryConfig
	enabled bool
}

// NewInventoryAdjust constructs an Inventory adjust feature.
func NewInventoryAdjust(cfg InventoryConfig, enabled bool) *InventoryAdjust {
	return &InventoryAdjust{cfg: cfg, enabled: enabled}
}

func (i *InventoryAdjust) Enabled() bool { return i.enabled }

func (i *InventoryAdjust) Update(StateChange) {}

func (i *InventoryAdjust) Adjust(ctx Context) Adjustment {
	i.mu.Lock()
	defer i.mu.Unlock()

	a := NeutralAdjustment()
	absInv := ctx.Inventory.Abs()
	if absInv.LessThanOrEqual(i.cfg.AsymThreshold) {
		return a
	}

	// Long inventory (positive) adding more exposure means buying (bid);
	// short inventory adding more exposure means selling (ask).
	if ctx.Inventory.IsPositive() {
		a.GateBid = true
	} else {
		a.GateAsk = true
	}

	for _, tier := range i.cfg.Tiers {
		if absInv.GreaterThanOrEqual(tier.ThresholdUnits) {
			a.SpreadBps = tier.SpreadBonusBps
			cut := decimal.NewFromInt(1).Sub(tier.SizeCutPct.Div(decimal.NewFromInt(100)))
			if cut.IsNegative() {
				cut = decimal.Zero
			}
			a.SizeMultiplier = cut
		}
	}
	if a.SizeMultiplier.IsZero() {
		a.SizeMultiplier = decimal.NewFromInt(1)
	}
	return a
}
