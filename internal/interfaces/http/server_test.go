package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/gateway/internal/auth"
	"github.com/coinflux/gateway/internal/book"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/feed"
	"github.com/coinflux/gateway/internal/hub"
	"github.com/coinflux/gateway/internal/metrics"
	"github.com/coinflux/gateway/internal/store"
	"github.com/coinflux/gateway/internal/twap"
)

// fakeStream accepts subscriptions without talking to any venue.
type fakeStream struct {
	mu         sync.Mutex
	subscribed map[string]bool
	updates    chan exchange.BookUpdate
	closed     bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{subscribed: make(map[string]bool), updates: make(chan exchange.BookUpdate)}
}

func (f *fakeStream) Updates() <-chan exchange.BookUpdate { return f.updates }

func (f *fakeStream) Subscribe(_ context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	return nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.updates)
	}
	return nil
}

// fakeAdapter serves canned symbols and candles and records kline queries.
type fakeAdapter struct {
	stream *fakeStream

	mu           sync.Mutex
	lastSymbol   string
	lastStart    int64
	lastEnd      int64
	lastInterval string
}

func (a *fakeAdapter) Name() exchange.Exchange { return exchange.Binance }

func (a *fakeAdapter) Symbols(context.Context) ([]string, error) {
	return []string{"BTC-USDT", "ETH-USDT"}, nil
}

func (a *fakeAdapter) Intervals() []string { return []string{"1m", "1h", "1d"} }

func (a *fakeAdapter) Candles(_ context.Context, symbol, interval string, startMS, endMS int64) ([]exchange.Candle, error) {
	supported := false
	for _, iv := range a.Intervals() {
		if iv == interval {
			supported = true
		}
	}
	if !supported {
		return nil, fmt.Errorf("%w: %q", exchange.ErrUnsupportedInterval, interval)
	}
	a.mu.Lock()
	a.lastSymbol, a.lastInterval, a.lastStart, a.lastEnd = symbol, interval, startMS, endMS
	a.mu.Unlock()
	return []exchange.Candle{
		{TimestampMS: startMS, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}, nil
}

func (a *fakeAdapter) OpenBookStream(context.Context, ...string) (exchange.BookStream, error) {
	return a.stream, nil
}

func (a *fakeAdapter) NormalizeSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "-", "")
}

func (a *fakeAdapter) DenormalizeSymbol(native string) string { return native }

type fixture struct {
	server  *Server
	adapter *fakeAdapter
	cache   *book.Cache
	auth    *auth.Service
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	adapter := &fakeAdapter{stream: newFakeStream()}
	registry := exchange.NewRegistry(adapter)
	cache := book.NewCache()
	agg := feed.New(registry, cache, nil)
	engine := twap.NewEngine(agg, cache, nil, twap.WithTick(2*time.Millisecond))
	h := hub.New(agg, cache, registry, nil)
	authSvc := auth.New(store.NewMemoryUsers(), store.NewMemoryRevocations(), []byte("test-secret"), time.Minute)
	require.NoError(t, authSvc.SeedAdmin(context.Background(), "root", "root-password"))

	server := NewServer(DefaultServerConfig(), authSvc, registry, engine, h, metrics.NewSet())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		engine.Close()
		agg.Close()
	})
	return &fixture{server: server, adapter: adapter, cache: cache, auth: authSvc, srv: srv}
}

func (fx *fixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (fx *fixture) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := fx.do(t, "POST", "/login", "", credentials{Username: username, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	require.Equal(t, "bearer", body["token_type"])
	return body["access_token"]
}

func (fx *fixture) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	resp := fx.do(t, "POST", "/register", "", credentials{Username: username, Password: "hunter2hunter2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return fx.login(t, username, "hunter2hunter2")
}

func TestRegisterAndLoginFlow(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, "POST", "/register", "", credentials{Username: "alice", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = fx.do(t, "POST", "/register", "", credentials{Username: "alice", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, "POST", "/register", "", credentials{Username: "bob", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, "POST", "/login", "", credentials{Username: "alice", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := fx.login(t, "alice", "hunter2hunter2")

	resp = fx.do(t, "GET", "/info", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, "POST", "/logoff", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The revoked token no longer authenticates.
	resp = fx.do(t, "GET", "/info", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRequiredMatrix(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		method string
		path   string
		body   interface{}
		bare   int // expected without a token
		user   int // expected with a user token
		admin  int // expected with the admin token
	}{
		{"POST", "/logoff", nil, http.StatusUnauthorized, http.StatusOK, http.StatusOK},
		{"GET", "/info", nil, http.StatusUnauthorized, http.StatusOK, http.StatusOK},
		{"GET", "/orders", nil, http.StatusUnauthorized, http.StatusOK, http.StatusOK},
		{"GET", "/users", nil, http.StatusUnauthorized, http.StatusForbidden, http.StatusOK},
		{"GET", "/exchanges", nil, http.StatusOK, http.StatusOK, http.StatusOK},
		{"GET", "/ping", nil, http.StatusOK, http.StatusOK, http.StatusOK},
		{"GET", "/healthz", nil, http.StatusOK, http.StatusOK, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			// Fresh tokens per case: /logoff consumes them.
			user := fx.registerAndLogin(t, "alice-"+strings.ToLower(strings.ReplaceAll(tt.path, "/", "")))
			admin := fx.login(t, "root", "root-password")
			resp := fx.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.bare, resp.StatusCode, "no token")
			resp = fx.do(t, tt.method, tt.path, user, tt.body)
			assert.Equal(t, tt.user, resp.StatusCode, "user token")
			resp = fx.do(t, tt.method, tt.path, admin, tt.body)
			assert.Equal(t, tt.admin, resp.StatusCode, "admin token")
		})
	}

	adminToken := fx.login(t, "root", "root-password")
	resp := fx.do(t, "GET", "/users", adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]store.User
	decode(t, resp, &body)
	assert.NotEmpty(t, body["users"])

	resp = fx.do(t, "GET", "/orders", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correctly signed but past its expiry.
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ID:        "stale-token",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	resp = fx.do(t, "GET", "/orders", signed, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnregister(t *testing.T) {
	fx := newFixture(t)

	token := fx.registerAndLogin(t, "alice")
	resp := fx.do(t, "DELETE", "/unregister", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = fx.do(t, "GET", "/info", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	adminToken := fx.login(t, "root", "root-password")
	resp = fx.do(t, "DELETE", "/unregister", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExchangesAndSymbols(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, "GET", "/exchanges", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exchanges map[string][]string
	decode(t, resp, &exchanges)
	assert.Equal(t, []string{"binance"}, exchanges["exchanges"])

	resp = fx.do(t, "GET", "/binance/symbols", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var symbols map[string][]string
	decode(t, resp, &symbols)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, symbols["symbols"])

	resp = fx.do(t, "GET", "/nasdaq/symbols", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKlines(t *testing.T) {
	fx := newFixture(t)

	t.Run("calendar dates", func(t *testing.T) {
		resp := fx.do(t, "GET", "/klines/binance/BTC-USDT?start_date=2026-08-01&end_date=2026-08-02&interval=1h", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var candles []exchange.Candle
		decode(t, resp, &candles)
		require.Len(t, candles, 1)

		fx.adapter.mu.Lock()
		defer fx.adapter.mu.Unlock()
		assert.Equal(t, "BTCUSDT", fx.adapter.lastSymbol, "symbol normalized before the adapter call")
		assert.Equal(t, "1h", fx.adapter.lastInterval)
		assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), fx.adapter.lastStart)
		assert.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC).UnixMilli(), fx.adapter.lastEnd)
	})

	t.Run("timestamp dates", func(t *testing.T) {
		resp := fx.do(t, "GET", "/klines/binance/BTC-USDT?start_date=2026-08-01T06:30:00&end_date=2026-08-01T18:00:00&interval=1m", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		fx.adapter.mu.Lock()
		defer fx.adapter.mu.Unlock()
		assert.Equal(t, time.Date(2026, 8, 1, 6, 30, 0, 0, time.UTC).UnixMilli(), fx.adapter.lastStart)
	})

	t.Run("default range covers the last five days", func(t *testing.T) {
		before := time.Now().UTC()
		resp := fx.do(t, "GET", "/klines/binance/BTC-USDT", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		fx.adapter.mu.Lock()
		defer fx.adapter.mu.Unlock()
		assert.Equal(t, "1d", fx.adapter.lastInterval)
		span := fx.adapter.lastEnd - fx.adapter.lastStart
		assert.Equal(t, klinesDefaultSpan.Milliseconds(), span)
		assert.GreaterOrEqual(t, fx.adapter.lastEnd, before.UnixMilli())
	})

	t.Run("rejections", func(t *testing.T) {
		for path, want := range map[string]int{
			"/klines/nasdaq/BTC-USDT":                                     http.StatusNotFound,
			"/klines/binance/btc!usd":                                     http.StatusBadRequest,
			"/klines/binance/BTC-USDT?interval=7m":                        http.StatusBadRequest,
			"/klines/binance/BTC-USDT?start_date=yesterday":               http.StatusBadRequest,
			"/klines/binance/BTC-USDT?start_date=2026-08-02&end_date=2026-08-01": http.StatusBadRequest,
		} {
			resp := fx.do(t, "GET", path, "", nil)
			assert.Equal(t, want, resp.StatusCode, path)
		}
	})
}

func TestOrdersEndpoints(t *testing.T) {
	fx := newFixture(t)
	token := fx.registerAndLogin(t, "alice")

	fx.cache.Put(book.Key{Exchange: "binance", Symbol: "BTCUSDT"}, book.Book{
		Bids: []book.Level{{Price: 99.5, Quantity: 1}},
		Asks: []book.Level{{Price: 100, Quantity: 1}},
	})

	order := twap.Request{
		OrderID:              "http-1",
		Exchange:             "binance",
		Symbol:               "BTC-USDT",
		Side:                 twap.Buy,
		TotalQuantity:        1,
		DurationSeconds:      1,
		SliceIntervalSeconds: 1,
	}

	resp := fx.do(t, "POST", "/orders/twap", token, order)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snap twap.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, "http-1", snap.OrderID)
	assert.Equal(t, "alice", snap.Owner)

	// Duplicate id is rejected.
	resp = fx.do(t, "POST", "/orders/twap", token, order)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A batch returns an array.
	batch := []twap.Request{order, order}
	batch[0].OrderID, batch[1].OrderID = "http-2", "http-3"
	resp = fx.do(t, "POST", "/orders/twap", token, batch)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snaps []twap.Snapshot
	decode(t, resp, &snaps)
	assert.Len(t, snaps, 2)

	// Invalid order is a 400.
	bad := order
	bad.OrderID, bad.TotalQuantity = "http-bad", 0
	resp = fx.do(t, "POST", "/orders/twap", token, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, "GET", "/orders/http-1", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, "GET", "/orders/no-such-order", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Orders are scoped to their owner.
	otherToken := fx.registerAndLogin(t, "bob")
	resp = fx.do(t, "GET", "/orders/http-1", otherToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = fx.do(t, "GET", "/orders?order_id=http-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []twap.Snapshot
	decode(t, resp, &listed)
	assert.Len(t, listed, 1)

	resp = fx.do(t, "GET", "/orders?order_status=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelOrderEndpoint(t *testing.T) {
	fx := newFixture(t)
	token := fx.registerAndLogin(t, "alice")

	order := twap.Request{
		OrderID:              "cancel-me",
		Exchange:             "binance",
		Symbol:               "BTC-USDT",
		Side:                 twap.Buy,
		TotalQuantity:        5,
		DurationSeconds:      600,
		SliceIntervalSeconds: 1,
	}
	resp := fx.do(t, "POST", "/orders/twap", token, order)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = fx.do(t, "DELETE", "/orders/cancel-me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap twap.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, twap.StatusCancelled, snap.Status)

	// A second cancel conflicts; someone else's cancel is a 404.
	resp = fx.do(t, "DELETE", "/orders/cancel-me", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	other := fx.registerAndLogin(t, "mallory")
	resp = fx.do(t, "DELETE", "/orders/cancel-me", other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamEndpoint(t *testing.T) {
	fx := newFixture(t)
	token := fx.registerAndLogin(t, "alice")

	resp := fx.do(t, "GET", "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wsBase := "ws" + strings.TrimPrefix(fx.srv.URL, "http")

	_, resp2, err := websocket.DefaultDialer.Dial(wsBase+"/ws?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(hub.Action{Action: "subscribe", Symbol: "BTC-USDT", Exchanges: []string{"binance"}}))

	// A book published before or after the subscribe lands either through the
	// watch or the initial-snapshot seed.
	fx.cache.Put(book.Key{Exchange: "binance", Symbol: "BTCUSDT"}, book.Book{
		Bids: []book.Level{{Price: 100, Quantity: 1}},
		Asks: []book.Level{{Price: 100.5, Quantity: 1}},
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]map[string]book.Book
	require.NoError(t, conn.ReadJSON(&frame))
	require.Contains(t, frame, "BTC-USDT")
	assert.Equal(t, 100.0, frame["BTC-USDT"]["binance"].Bids[0].Price)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
