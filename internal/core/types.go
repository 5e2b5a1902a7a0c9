// Package core defines the domain types and collaborator interfaces shared
// across the trading core: markets, orders, fills, and the external
// TradingClient/MarketStream/AccountStream boundaries.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a resting or filled order side.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Sign returns +1 for a bid (adds to inventory), -1 for an ask.
func (s Side) Sign() int64 {
	if s == SideBid {
		return 1
	}
	return -1
}

// Role distinguishes maker (quoting) orders from hedger (flattening) orders.
type Role string

const (
	RoleMaker  Role = "maker"
	RoleHedger Role = "hedger"
)

// Market carries the immutable metadata registered for a tradable market at
// startup (spec §3.1). Never mutated after registration.
type Market struct {
	Key                 string
	PriceScale          int32
	SizeScale           int32
	ExchangeMinSize     decimal.Decimal
	ExchangeMinNotional decimal.Decimal
	TickSize            decimal.Decimal
	LotSize             decimal.Decimal
}

// Quote is an immutable snapshot produced by the Maker Engine each cycle.
// A Quote with a lower GenerationID is superseded and must not be acted on.
type Quote struct {
	Market       string
	BidPrice     decimal.Decimal
	BidSize      decimal.Decimal
	AskPrice     decimal.Decimal
	AskSize      decimal.Decimal
	GenerationID uint64
}

// OrderStatus is the lifecycle state of an OpenOrder.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// OpenOrder is owned by the StateStore: created on ack, mutated on partial
// fill, removed on full fill or cancel ack (spec §3.1).
type OpenOrder struct {
	OrderID       string
	Market        string
	Side          Side
	Price         decimal.Decimal
	SizeRemaining decimal.Decimal
	Role          Role
	SubmitTS      time.Time
}

// Fill is an immutable, append-only trade record (spec §3.1). Once written
// to the FillLedger it is never modified.
type Fill struct {
	TS             time.Time
	Market         string
	Side           Side
	Role           Role
	Size           decimal.Decimal
	Price          decimal.Decimal
	Fee            decimal.Decimal
	QuoteDelta     decimal.Decimal
	InventoryAfter decimal.Decimal
	OrderID        string
	FillSequence   uint64
}

// Lot is one entry in a per-market signed FIFO queue internal to the
// PnLCompositor (spec §3.1, §4.3). Positive Remaining with Sign=+1 is long
// exposure; Sign=-1 is short.
type Lot struct {
	Remaining decimal.Decimal
	Sign      int64
	CostBasis decimal.Decimal
	TS        time.Time
}

// PositionSnapshot is what the AccountStream reports for reconciliation
// (spec §4.8).
type PositionSnapshot struct {
	Market        string
	SignedSize    decimal.Decimal
	AvgEntry      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TS            time.Time
}

// ILogger is the structured logging interface every component receives,
// pre-tagged with a component field.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
