package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVenue is a websocket server speaking just enough of the Binance
// combined-stream dialect to exercise subscribe, delivery and reconnect.
type fakeVenue struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu         sync.Mutex
	subscribes [][]string // params of every SUBSCRIBE frame received
	conns      int
	dropFirst  bool // close the first connection right after subscribe
}

func newFakeVenue(dropFirst bool) *fakeVenue {
	v := &fakeVenue{dropFirst: dropFirst}
	v.srv = httptest.NewServer(http.HandlerFunc(v.handle))
	return v
}

func (v *fakeVenue) wsURL() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVenue) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	v.mu.Lock()
	v.conns++
	firstConn := v.conns == 1
	v.mu.Unlock()

	for {
		var msg struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Method != "SUBSCRIBE" {
			continue
		}

		v.mu.Lock()
		v.subscribes = append(v.subscribes, msg.Params)
		v.mu.Unlock()

		if v.dropFirst && firstConn {
			return // simulates an upstream disconnect
		}

		for _, stream := range msg.Params {
			frame := map[string]interface{}{
				"stream": stream,
				"data": map[string]interface{}{
					"lastUpdateId": 1,
					"bids":         [][]string{{"100.0", "1.0"}},
					"asks":         [][]string{{"100.5", "2.0"}},
				},
			}
			payload, _ := json.Marshal(frame)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (v *fakeVenue) subscribeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subscribes)
}

func TestStreamDeliversUpdates(t *testing.T) {
	venue := newFakeVenue(false)
	defer venue.srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStream(ctx, &binanceDialect{wsBase: venue.wsURL()}, nil, "BTCUSDT")
	require.NoError(t, err)
	defer s.Close()

	select {
	case upd := <-s.Updates():
		assert.Equal(t, "BTCUSDT", upd.Symbol)
		assert.Equal(t, 100.0, upd.Book.Bids[0].Price)
		assert.Equal(t, 100.5, upd.Book.Asks[0].Price)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}
}

func TestStreamReconnectsAndResubscribes(t *testing.T) {
	venue := newFakeVenue(true)
	defer venue.srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reconnects int
	var mu sync.Mutex
	onReconnect := func(string) {
		mu.Lock()
		reconnects++
		mu.Unlock()
	}

	s, err := openStream(ctx, &binanceDialect{wsBase: venue.wsURL()}, onReconnect, "BTCUSDT")
	require.NoError(t, err)
	defer s.Close()

	// The first connection is dropped right after subscribing; within the
	// back-off window the stream reconnects, re-subscribes and updates
	// start flowing.
	select {
	case upd := <-s.Updates():
		assert.Equal(t, "BTCUSDT", upd.Symbol)
	case <-time.After(10 * time.Second):
		t.Fatal("no update after reconnect")
	}

	assert.GreaterOrEqual(t, venue.subscribeCount(), 2, "symbol re-subscribed on the new connection")
	mu.Lock()
	assert.GreaterOrEqual(t, reconnects, 1)
	mu.Unlock()
}

func TestStreamDynamicSubscription(t *testing.T) {
	venue := newFakeVenue(false)
	defer venue.srv.Close()

	ctx := context.Background()
	s, err := openStream(ctx, &binanceDialect{wsBase: venue.wsURL()}, nil)
	require.NoError(t, err)
	defer s.Close()

	// Give the run loop a moment to attach, then add a symbol.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Subscribe(ctx, "ETHUSDT"))

	select {
	case upd := <-s.Updates():
		assert.Equal(t, "ETHUSDT", upd.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("no update for dynamically added symbol")
	}

	// Unsubscribing an unknown symbol is a no-op, not an error.
	require.NoError(t, s.Unsubscribe(ctx, "SOLUSDT"))
}

func TestStreamCloseIdempotent(t *testing.T) {
	venue := newFakeVenue(false)
	defer venue.srv.Close()

	s, err := openStream(context.Background(), &binanceDialect{wsBase: venue.wsURL()}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
