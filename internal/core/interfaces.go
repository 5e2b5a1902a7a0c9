package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradingClient is the consumed exchange order-entry boundary (spec §6.1).
// The REST implementation serializes SubmitLimit per (market,side,role)
// tuple; Cancel and CancelAll are not serialized against submits or each
// other.
type TradingClient interface {
	SubmitLimit(ctx context.Context, market string, side Side, price, size decimal.Decimal, postOnly bool, role Role) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context, market string) (count int, err error)
}

// MarketFrameKind enumerates the frame kinds a MarketStream delivers.
type MarketFrameKind string

const (
	FrameMidUpdate       MarketFrameKind = "mid_update"
	FramePing            MarketFrameKind = "ping"
	FramePong            MarketFrameKind = "pong"
	FrameSubscriptionAck MarketFrameKind = "subscription_ack"
	FrameError           MarketFrameKind = "error"
)

// MarketFrame is one inbound message from a MarketStream (spec §6.2).
type MarketFrame struct {
	Kind    MarketFrameKind
	Market  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	TS      time.Time
	Err     error
}

// MarketStream is the consumed real-time market-data boundary (spec §6.2).
type MarketStream interface {
	// Connect opens the stream for the given market channels and returns a
	// channel of frames that is closed when the stream terminates.
	Connect(ctx context.Context, subscriptions []string) (<-chan MarketFrame, error)
}

// AccountFrameKind enumerates the frame kinds an AccountStream delivers.
type AccountFrameKind string

const (
	FramePositionUpdate AccountFrameKind = "position_update"
	FrameFill           AccountFrameKind = "fill"
	FrameBalance        AccountFrameKind = "balance"
)

// AccountFrame is one inbound message from an AccountStream (spec §6.3).
type AccountFrame struct {
	Kind     AccountFrameKind
	Position PositionSnapshot
	Fill     Fill
}

// AccountStream is the consumed account/fill boundary (spec §6.3, §4.8). The
// core requires at-least-once delivery with dedup by (OrderID,
// FillSequence); consumers discard stale positions by TS.
type AccountStream interface {
	Connect(ctx context.Context) (<-chan AccountFrame, error)
}

// Clock abstracts wall-clock time so tests can control synthetic-fallback
// and staleness thresholds deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
