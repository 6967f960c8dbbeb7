package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// KrakenAdapter talks to Kraken: REST for asset pairs and OHLC, the v1
// WebSocket book feed for order books.
type KrakenAdapter struct {
	restURL string
	wsBase  string
	rest    *restClient

	onReconnect func(string)
}

// krakenMinutes maps interval codes to the OHLC endpoint's minute values.
var krakenMinutes = map[string]int64{
	"1m": 1, "5m": 5, "15m": 15, "30m": 30, "1h": 60, "4h": 240, "1d": 1440, "1w": 10080,
}

func NewKrakenAdapter() *KrakenAdapter {
	return &KrakenAdapter{
		restURL: "https://api.kraken.com",
		wsBase:  "wss://ws.kraken.com",
		rest:    newRESTClient("kraken", 1, 2),
	}
}

func (a *KrakenAdapter) Name() Exchange { return Kraken }

func (a *KrakenAdapter) Intervals() []string {
	set := make(map[string]struct{}, len(krakenMinutes))
	for k := range krakenMinutes {
		set[k] = struct{}{}
	}
	return intervalList(set)
}

// NormalizeSymbol: canonical BTC-USDT becomes XBT/USD (Kraken trades XBT
// against fiat USD and separates pairs with a slash).
func (a *KrakenAdapter) NormalizeSymbol(canonical string) string {
	native := strings.ToUpper(canonical)
	if !strings.Contains(native, "-") {
		native = splitOnQuote(native, "-")
	}
	native = strings.Replace(native, "BTC", "XBT", 1)
	native = strings.Replace(native, "USDT", "USD", 1)
	return strings.ReplaceAll(native, "-", "/")
}

// DenormalizeSymbol maps XBT/USD back to BTC-USD.
func (a *KrakenAdapter) DenormalizeSymbol(native string) string {
	canonical := strings.ToUpper(native)
	canonical = strings.Replace(canonical, "XBT", "BTC", 1)
	return strings.ReplaceAll(canonical, "/", "-")
}

func (a *KrakenAdapter) Symbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			WSName string `json:"wsname"`
		} `json:"result"`
	}
	if err := a.rest.getJSON(ctx, a.restURL+"/0/public/AssetPairs", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("%w: kraken asset pairs: %s", ErrUpstream, strings.Join(resp.Error, "; "))
	}
	out := make([]string, 0, len(resp.Result))
	for _, pair := range resp.Result {
		if pair.WSName != "" {
			out = append(out, a.DenormalizeSymbol(pair.WSName))
		}
	}
	return out, nil
}

// Candles pages forward with the `since` cursor Kraken returns alongside
// each OHLC response.
func (a *KrakenAdapter) Candles(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]Candle, error) {
	minutes, ok := krakenMinutes[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q on kraken", ErrUnsupportedInterval, interval)
	}
	native := strings.ReplaceAll(a.NormalizeSymbol(symbol), "/", "")

	var candles []Candle
	cursor := startMS / 1000
	endSec := (endMS + 999) / 1000
	err := paginate(ctx, "kraken", func(ctx context.Context) (bool, error) {
		params := url.Values{}
		params.Set("pair", native)
		params.Set("interval", strconv.FormatInt(minutes, 10))
		params.Set("since", strconv.FormatInt(cursor, 10))

		var resp struct {
			Error  []string                   `json:"error"`
			Result map[string]json.RawMessage `json:"result"`
		}
		if err := a.rest.getJSON(ctx, a.restURL+"/0/public/OHLC", params, &resp); err != nil {
			return false, err
		}
		if len(resp.Error) > 0 {
			return false, fmt.Errorf("%w: kraken ohlc: %s", ErrUpstream, strings.Join(resp.Error, "; "))
		}

		var last int64
		if raw, ok := resp.Result["last"]; ok {
			if err := json.Unmarshal(raw, &last); err != nil {
				return false, fmt.Errorf("%w: kraken ohlc cursor: %v", ErrUpstream, err)
			}
		}

		added := 0
		for key, raw := range resp.Result {
			if key == "last" {
				continue
			}
			var rows [][]interface{}
			if err := json.Unmarshal(raw, &rows); err != nil {
				return false, fmt.Errorf("%w: kraken ohlc rows: %v", ErrUpstream, err)
			}
			for _, row := range rows {
				c, err := krakenCandle(row)
				if err != nil {
					return false, err
				}
				if c.TimestampMS >= cursor*1000 {
					candles = append(candles, c)
					added++
				}
			}
		}

		if added == 0 || last == 0 || last <= cursor {
			return true, nil
		}
		cursor = last
		return cursor >= endSec, nil
	})
	if err != nil {
		return nil, err
	}
	return clampCandles(candles, startMS, endMS), nil
}

// krakenCandle decodes a [time, open, high, low, close, vwap, volume, count]
// row; time is in seconds, prices are strings.
func krakenCandle(row []interface{}) (Candle, error) {
	if len(row) < 7 {
		return Candle{}, fmt.Errorf("%w: short kraken ohlc row", ErrUpstream)
	}
	sec, err := wireInt64(row[0])
	if err != nil {
		return Candle{}, fmt.Errorf("%w: kraken ohlc timestamp: %v", ErrUpstream, err)
	}
	open, err1 := wireFloat(row[1])
	high, err2 := wireFloat(row[2])
	low, err3 := wireFloat(row[3])
	clos, err4 := wireFloat(row[4])
	vol, err5 := wireFloat(row[6])
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return Candle{}, fmt.Errorf("%w: kraken ohlc field: %v", ErrUpstream, err)
		}
	}
	ts := sec * 1000
	return Candle{
		TimestampMS: ts,
		Date:        stampDate(ts),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       clos,
		Volume:      vol,
	}, nil
}

func (a *KrakenAdapter) OpenBookStream(ctx context.Context, symbols ...string) (BookStream, error) {
	return openStream(ctx, newKrakenDialect(a.wsBase), a.onReconnect, symbols...)
}

// krakenDialect speaks the v1 book feed: subscribe by pair, then array
// frames [channelID, payload..., channelName, pair] carrying bs/as snapshots
// and b/a incremental rows, reduced against per-pair depth books.
type krakenDialect struct {
	wsBase string
	books  map[string]*depthBook
}

func newKrakenDialect(wsBase string) *krakenDialect {
	return &krakenDialect{wsBase: wsBase, books: make(map[string]*depthBook)}
}

func (d *krakenDialect) venue() string { return "kraken" }
func (d *krakenDialect) wsURL() string { return d.wsBase }

func (d *krakenDialect) reset() {
	d.books = make(map[string]*depthBook)
}

func (d *krakenDialect) subscribePayloads(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"event": "subscribe",
		"pair":  symbols,
		"subscription": map[string]interface{}{
			"name":  "book",
			"depth": 10,
		},
	}}
}

func (d *krakenDialect) unsubscribePayloads(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"event": "unsubscribe",
		"pair":  symbols,
		"subscription": map[string]interface{}{
			"name":  "book",
			"depth": 10,
		},
	}}
}

type krakenBookPayload struct {
	BS [][]string `json:"bs"`
	AS [][]string `json:"as"`
	B  [][]string `json:"b"`
	A  [][]string `json:"a"`
}

func (d *krakenDialect) decode(data []byte) []BookUpdate {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		// Event objects (heartbeats, subscription status) are not books.
		return nil
	}

	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil || pair == "" {
		return nil
	}

	db, ok := d.books[pair]
	if !ok {
		db = newDepthBook()
		d.books[pair] = db
	}

	// Elements between the channel id and the trailing channel name / pair
	// are book payloads; a frame may carry both an ask and a bid payload.
	touched := false
	for _, raw := range frame[1 : len(frame)-2] {
		var payload krakenBookPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		if len(payload.BS) > 0 || len(payload.AS) > 0 {
			db.setSnapshot(payload.BS, payload.AS)
			touched = true
		}
		for _, lvl := range payload.B {
			if len(lvl) >= 2 {
				db.applyBid(lvl[0], lvl[1])
				touched = true
			}
		}
		for _, lvl := range payload.A {
			if len(lvl) >= 2 {
				db.applyAsk(lvl[0], lvl[1])
				touched = true
			}
		}
	}
	if !touched {
		return nil
	}

	b := db.snapshot(time.Now().UTC())
	if b.Empty() {
		return nil
	}
	return []BookUpdate{{Symbol: pair, Book: b}}
}
