package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CoinbaseAdapter talks to Coinbase Pro (Coinbase Exchange): REST for
// products and candles, the level2 WebSocket channel for books.
type CoinbaseAdapter struct {
	restURL string
	wsBase  string
	rest    *restClient

	onReconnect func(string)
}

const coinbasePageCap = 300

// coinbaseGranularities maps interval codes to the granularity seconds the
// candles endpoint accepts.
var coinbaseGranularities = map[string]int64{
	"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "6h": 21600, "1d": 86400,
}

func NewCoinbaseAdapter() *CoinbaseAdapter {
	return &CoinbaseAdapter{
		restURL: "https://api.exchange.coinbase.com",
		wsBase:  "wss://ws-feed.exchange.coinbase.com",
		rest:    newRESTClient("coinbase_pro", 3, 2),
	}
}

func (a *CoinbaseAdapter) Name() Exchange { return CoinbasePro }

func (a *CoinbaseAdapter) Intervals() []string {
	set := make(map[string]struct{}, len(coinbaseGranularities))
	for k := range coinbaseGranularities {
		set[k] = struct{}{}
	}
	return intervalList(set)
}

// NormalizeSymbol: Coinbase quotes in USD where most venues use USDT, so
// BTC-USDT maps to BTC-USD; already-dashed USD pairs pass through.
func (a *CoinbaseAdapter) NormalizeSymbol(canonical string) string {
	native := strings.ToUpper(canonical)
	if !strings.Contains(native, "-") {
		native = splitOnQuote(native, "-")
	}
	return strings.Replace(native, "USDT", "USD", 1)
}

// DenormalizeSymbol is the identity: native Coinbase symbols are already in
// canonical BASE-QUOTE form. The USDT→USD replacement is not invertible.
func (a *CoinbaseAdapter) DenormalizeSymbol(native string) string {
	return strings.ToUpper(native)
}

func (a *CoinbaseAdapter) Symbols(ctx context.Context) ([]string, error) {
	var products []struct {
		ID string `json:"id"`
	}
	if err := a.rest.getJSON(ctx, a.restURL+"/products", nil, &products); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(products))
	for _, p := range products {
		out = append(out, a.DenormalizeSymbol(p.ID))
	}
	return out, nil
}

// Candles pages forward in windows of granularity × page cap. Coinbase
// serves rows newest-first with second-resolution timestamps.
func (a *CoinbaseAdapter) Candles(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]Candle, error) {
	granularity, ok := coinbaseGranularities[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q on coinbase_pro", ErrUnsupportedInterval, interval)
	}
	native := a.NormalizeSymbol(symbol)
	endpoint := a.restURL + "/products/" + native + "/candles"

	startSec := startMS / 1000
	endSec := (endMS + 999) / 1000
	window := granularity * coinbasePageCap

	var candles []Candle
	cursor := startSec
	err := paginate(ctx, "coinbase_pro", func(ctx context.Context) (bool, error) {
		pageEnd := cursor + window
		if pageEnd > endSec {
			pageEnd = endSec
		}

		params := url.Values{}
		params.Set("start", time.Unix(cursor, 0).UTC().Format(time.RFC3339))
		params.Set("end", time.Unix(pageEnd, 0).UTC().Format(time.RFC3339))
		params.Set("granularity", strconv.FormatInt(granularity, 10))

		var rows [][]float64
		if err := a.rest.getJSON(ctx, endpoint, params, &rows); err != nil {
			return false, err
		}
		for _, row := range rows {
			c, err := coinbaseCandle(row)
			if err != nil {
				return false, err
			}
			candles = append(candles, c)
		}
		cursor = pageEnd
		return cursor >= endSec, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].TimestampMS < candles[j].TimestampMS })
	return clampCandles(candles, startMS, endMS), nil
}

// coinbaseCandle decodes a [time, low, high, open, close, volume] row.
func coinbaseCandle(row []float64) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("%w: short coinbase candle row", ErrUpstream)
	}
	ts := int64(row[0]) * 1000
	return Candle{
		TimestampMS: ts,
		Date:        stampDate(ts),
		Open:        row[3],
		High:        row[2],
		Low:         row[1],
		Close:       row[4],
		Volume:      row[5],
	}, nil
}

func (a *CoinbaseAdapter) OpenBookStream(ctx context.Context, symbols ...string) (BookStream, error) {
	return openStream(ctx, newCoinbaseDialect(a.wsBase), a.onReconnect, symbols...)
}

// coinbaseDialect speaks the level2 channel: one snapshot per product on
// subscribe, then incremental l2update changes reduced against per-product
// depth books.
type coinbaseDialect struct {
	wsBase string
	books  map[string]*depthBook
}

func newCoinbaseDialect(wsBase string) *coinbaseDialect {
	return &coinbaseDialect{wsBase: wsBase, books: make(map[string]*depthBook)}
}

func (d *coinbaseDialect) venue() string { return "coinbase_pro" }
func (d *coinbaseDialect) wsURL() string { return d.wsBase }

func (d *coinbaseDialect) reset() {
	d.books = make(map[string]*depthBook)
}

func (d *coinbaseDialect) subscribePayloads(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"type":        "subscribe",
		"product_ids": symbols,
		"channels":    []string{"level2"},
	}}
}

func (d *coinbaseDialect) unsubscribePayloads(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"type":        "unsubscribe",
		"product_ids": symbols,
		"channels":    []string{"level2"},
	}}
}

func (d *coinbaseDialect) decode(data []byte) []BookUpdate {
	var frame struct {
		Type      string     `json:"type"`
		ProductID string     `json:"product_id"`
		Bids      [][]string `json:"bids"`
		Asks      [][]string `json:"asks"`
		Changes   [][]string `json:"changes"`
		Time      time.Time  `json:"time"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.ProductID == "" {
		return nil
	}

	db, ok := d.books[frame.ProductID]
	if !ok {
		db = newDepthBook()
		d.books[frame.ProductID] = db
	}

	switch frame.Type {
	case "snapshot":
		db.setSnapshot(frame.Bids, frame.Asks)
	case "l2update":
		for _, change := range frame.Changes {
			if len(change) < 3 {
				continue
			}
			if change[0] == "buy" {
				db.applyBid(change[1], change[2])
			} else {
				db.applyAsk(change[1], change[2])
			}
		}
	default:
		return nil
	}

	ts := frame.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	b := db.snapshot(ts)
	if b.Empty() {
		return nil
	}
	return []BookUpdate{{Symbol: frame.ProductID, Book: b}}
}
