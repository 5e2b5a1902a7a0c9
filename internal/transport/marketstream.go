// Package transport provides the one concrete realization this module ships
// of the core MarketStream/AccountStream/TradingClient boundaries: a generic
// JSON-over-WebSocket feed and a generic signed REST trading client, neither
// tied to any named exchange's wire quirks (spec §6.1-§6.3, "reference/
// synthetic feed"). A real deployment swaps these for an exchange-specific
// adapter; wiring that adapter is a deployment concern this module leaves to
// the operator.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	wsclient "tradingcore/pkg/wsclient"
)

type marketWireFrame struct {
	Kind    string          `json:"kind"`
	Market  string          `json:"market"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	TS      int64           `json:"ts"`
	Error   string          `json:"error"`
}

type subscribeMessage struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSMarketStream implements core.MarketStream over one wsclient.Client
// connection, decoding the generic mid/book wire frame described above.
// Grounded on pkg/wsclient.Client's reconnecting-loop shape; this type only
// adds the JSON decode and subscribe handshake on top of it.
type WSMarketStream struct {
	url    string
	logger core.ILogger
}

// NewWSMarketStream constructs a WSMarketStream for the given stream URL.
func NewWSMarketStream(url string, logger core.ILogger) *WSMarketStream {
	return &WSMarketStream{url: url, logger: logger.WithField("component", "market_stream")}
}

// Connect opens the WebSocket, subscribes to the given market channels on
// connect/reconnect, and returns a channel of decoded frames that closes
// when ctx is canceled.
func (s *WSMarketStream) Connect(ctx context.Context, subscriptions []string) (<-chan core.MarketFrame, error) {
	out := make(chan core.MarketFrame, 256)

	client := wsclient.NewClient(s.url, func(msg []byte) {
		var w marketWireFrame
		if err := json.Unmarshal(msg, &w); err != nil {
			s.logger.Warn("dropping unparseable market frame", "error", err)
			return
		}
		frame := core.MarketFrame{
			Kind:    core.MarketFrameKind(w.Kind),
			Market:  w.Market,
			BestBid: w.BestBid,
			BestAsk: w.BestAsk,
			TS:      time.UnixMilli(w.TS),
		}
		if w.Error != "" {
			frame.Err = fmt.Errorf("market stream error: %s", w.Error)
		}
		select {
		case out <- frame:
		case <-ctx.Done():
		}
	}, s.logger)

	client.SetOnConnected(func() {
		if err := client.Send(subscribeMessage{Op: "subscribe", Channels: subscriptions}); err != nil {
			s.logger.Warn("subscribe message failed", "error", err)
		}
	})

	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
		close(out)
	}()

	return out, nil
}
