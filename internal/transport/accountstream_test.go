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
)

func TestWSAccountStreamAuthenticatesAndDecodesFill(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth authMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg, &gotAuth))

		frame := accountWireFrame{
			Kind: "fill", Market: "market:1", Side: "bid", Role: "maker",
			Size: dec("0.01"), Price: dec("100"), Fee: dec("0.001"),
			OrderID: "order-1", FillSequence: 7, TS: time.Now().UnixMilli(),
		}
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
	stream := NewWSAccountStream(url, "key", "secret", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := stream.Connect(ctx)
	require.NoError(t, err)

	select {
	case f := <-frames:
		assert.Equal(t, core.FrameFill, f.Kind)
		assert.Equal(t, "order-1", f.Fill.OrderID)
		assert.Equal(t, uint64(7), f.Fill.FillSequence)
		assert.True(t, f.Fill.Price.Equal(dec("100")))
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a decoded account frame in time")
	}

	assert.Equal(t, "auth", gotAuth.Op)
	assert.Equal(t, "key", gotAuth.APIKey)
	assert.NotEmpty(t, gotAuth.Signature)
}
