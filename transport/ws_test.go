package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/orderbook"
)

func TestWSStreamRegisterRespectsCapacity(t *testing.T) {
	s := NewWSStream(WSConfig{Capacity: 1})
	assert.True(t, s.Register(key.NewSymbol("BTCUSDT")))
	assert.False(t, s.Register(key.NewSymbol("ETHUSDT")))
}

func TestWSStreamRunDeliversDiffEnvelopes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// drain the subscribe message.
		_, _, _ = conn.ReadMessage()

		msg := `{"symbol":"BTCUSDT","firstUpdateId":1,"finalUpdateId":2,"bids":[["10.0","1.0"]],"asks":[]}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))

		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewWSStream(WSConfig{URL: wsURL, Capacity: 10})
	require.True(t, s.Register(key.NewSymbol("BTCUSDT")))

	sink := make(chan *orderbook.DiffEnvelope, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() { _ = s.Run(ctx, sink) }()

	select {
	case env := <-sink:
		assert.Equal(t, key.NewSymbol("BTCUSDT"), env.Symbol)
		assert.Equal(t, int64(2), env.FinalID)
		require.Len(t, env.BidChanges, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for diff envelope")
	}

	assert.False(t, s.LastEventTime().IsZero())
}
