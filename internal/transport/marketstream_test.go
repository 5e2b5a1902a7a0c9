package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/internal/core"
	"tradingcore/pkg/logging"
)

func testLogger() core.ILogger {
	l, _ := logging.NewZapLogger("ERROR")
	return l
}

func TestWSMarketStreamDecodesMidUpdate(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotSub subscribeMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg, &gotSub))

		frame := marketWireFrame{Kind: "mid_update", Market: "market:1", BestBid: dec("100"), BestAsk: dec("100.5"), TS: time.Now().UnixMilli()}
		payload, _ := json.Marshal(frame)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewWSMarketStream(url, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := stream.Connect(ctx, []string{"market:1"})
	require.NoError(t, err)

	select {
	case f := <-frames:
		assert.Equal(t, core.FrameMidUpdate, f.Kind)
		assert.Equal(t, "market:1", f.Market)
		assert.True(t, f.BestBid.Equal(dec("100")))
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a decoded market frame in time")
	}

	assert.Equal(t, "subscribe", gotSub.Op)
	assert.Equal(t, []string{"market:1"}, gotSub.Channels)
}

func TestWSMarketStreamClosesChannelOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewWSMarketStream(url, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := stream.Connect(ctx, []string{"market:1"})
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-frames:
		assert.False(t, ok, "frames channel should be closed after context cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel did not close in time")
	}
}
