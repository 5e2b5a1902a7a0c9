// Package feature implements the Maker Engine's pluggable spread/size
// adjustment modules (spec §4.6): Trend filter, Volatility band, Inventory
// adjust, PnL guard, and Regime switcher. Each is independently enableable
// and contributes an additive spread delta, a multiplicative size factor,
// and a set of side gates to the quote cycle.
package feature

import (
	"time"

	"github.com/shopspring/decimal"
)

// Context is the read-only snapshot a feature's Adjust sees each cycle.
type Context struct {
	Market       string
	Mid          decimal.Decimal
	Inventory    decimal.Decimal
	SoftCapUnits decimal.Decimal
	WindowedPnL  decimal.Decimal
	Now          time.Time
}

// Adjustment is one feature's contribution to a quote cycle (spec §4.6
// step 3).
type Adjustment struct {
	SpreadBps      decimal.Decimal
	SizeMultiplier decimal.Decimal
	GateBid        bool
	GateAsk        bool
}

// NeutralAdjustment is the identity contribution: no spread change, no size
// change, no gating.
func NeutralAdjustment() Adjustment {
	return Adjustment{SizeMultiplier: decimal.NewFromInt(1)}
}

// StateChangeKind enumerates what kind of update Update received.
type StateChangeKind string

const (
	StateChangeMid       StateChangeKind = "mid"
	StateChangeInventory StateChangeKind = "inventory"
	StateChangeFill      StateChangeKind = "fill"
)

// StateChange is pushed into every enabled feature as new information
// arrives, independent of the quote-cycle cadence.
type StateChange struct {
	Kind      StateChangeKind
	Mid       decimal.Decimal
	Inventory decimal.Decimal
	PnL       decimal.Decimal
	TS        time.Time
}

// Feature is one pluggable quote adjustment module (spec §4.6 "Feature
// interface").
type Feature interface {
	Enabled() bool
	Update(sc StateChange)
	Adjust(ctx Context) Adjustment
}

// Compose runs every enabled feature, summing spread deltas, multiplying
// size factors, and unioning gates (spec §4.6 step 3).
func Compose(features []Feature, ctx Context) Adjustment {
	total := NeutralAdjustment()
	for _, f := range features {
		if !f.Enabled() {
			continue
		}
		a := f.Adjust(ctx)
		total.SpreadBps = total.SpreadBps.Add(a.SpreadBps)
		mult := a.SizeMultiplier
		if mult.IsZero() {
			mult = decimal.NewFromInt(1)
		}
		total.SizeMultiplier = total.SizeMultiplier.Mul(mult)
		total.GateBid = total.GateBid || a.GateBid
		total.GateAsk = total.GateAsk || a.GateAsk
	}
	return total
}
