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

// BinanceAdapter talks to Binance spot: REST for symbols and klines, the
// combined WebSocket stream for depth10 snapshots.
type BinanceAdapter struct {
	restURL string
	wsBase  string
	rest    *restClient

	onReconnect func(string)
}

const binancePageCap = 1000

var binanceIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

func NewBinanceAdapter() *BinanceAdapter {
	return &BinanceAdapter{
		restURL: "https://api.binance.com",
		wsBase:  "wss://stream.binance.com:9443/stream",
		rest:    newRESTClient("binance", 10, 5),
	}
}

func (a *BinanceAdapter) Name() Exchange { return Binance }

func (a *BinanceAdapter) Intervals() []string { return intervalList(binanceIntervals) }

// NormalizeSymbol: canonical BTC-USDT becomes BTCUSDT.
func (a *BinanceAdapter) NormalizeSymbol(canonical string) string {
	return strings.ReplaceAll(strings.ToUpper(canonical), "-", "")
}

// DenormalizeSymbol splits a native pair on its quote suffix: BTCUSDT
// becomes BTC-USDT. Unknown quotes are returned untouched.
func (a *BinanceAdapter) DenormalizeSymbol(native string) string {
	return splitOnQuote(strings.ToUpper(native), "-")
}

func (a *BinanceAdapter) Symbols(ctx context.Context) ([]string, error) {
	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := a.rest.getJSON(ctx, a.restURL+"/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		out = append(out, a.DenormalizeSymbol(s.Symbol))
	}
	return out, nil
}

func (a *BinanceAdapter) Candles(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]Candle, error) {
	if _, ok := binanceIntervals[interval]; !ok {
		return nil, fmt.Errorf("%w: %q on binance", ErrUnsupportedInterval, interval)
	}
	native := a.NormalizeSymbol(symbol)

	var candles []Candle
	cursor := startMS
	err := paginate(ctx, "binance", func(ctx context.Context) (bool, error) {
		params := url.Values{}
		params.Set("symbol", native)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(endMS-1, 10))
		params.Set("limit", strconv.Itoa(binancePageCap))

		var rows [][]interface{}
		if err := a.rest.getJSON(ctx, a.restURL+"/api/v3/klines", params, &rows); err != nil {
			return false, err
		}
		if len(rows) == 0 {
			return true, nil
		}
		for _, row := range rows {
			c, err := binanceCandle(row)
			if err != nil {
				return false, err
			}
			candles = append(candles, c)
		}
		// Advance past the last returned open time.
		cursor = candles[len(candles)-1].TimestampMS + 1
		return cursor >= endMS, nil
	})
	if err != nil {
		return nil, err
	}
	return clampCandles(candles, startMS, endMS), nil
}

func binanceCandle(row []interface{}) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("%w: short binance kline row", ErrUpstream)
	}
	ts, err := wireInt64(row[0])
	if err != nil {
		return Candle{}, fmt.Errorf("%w: binance kline timestamp: %v", ErrUpstream, err)
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		v, err := wireFloat(row[i])
		if err != nil {
			return Candle{}, fmt.Errorf("%w: binance kline field %d: %v", ErrUpstream, i, err)
		}
		vals[i-1] = v
	}
	return Candle{
		TimestampMS: ts,
		Date:        stampDate(ts),
		Open:        vals[0],
		High:        vals[1],
		Low:         vals[2],
		Close:       vals[3],
		Volume:      vals[4],
	}, nil
}

func (a *BinanceAdapter) OpenBookStream(ctx context.Context, symbols ...string) (BookStream, error) {
	return openStream(ctx, &binanceDialect{wsBase: a.wsBase}, a.onReconnect, symbols...)
}

// binanceDialect speaks the combined-stream protocol: SUBSCRIBE frames with
// <symbol>@depth10 stream names, updates wrapped as {stream, data}. depth10
// frames are already whole snapshots, so no reduction state is needed.
type binanceDialect struct {
	wsBase string
	nextID int
}

func (d *binanceDialect) venue() string { return "binance" }
func (d *binanceDialect) wsURL() string { return d.wsBase }
func (d *binanceDialect) reset()        {}

func (d *binanceDialect) streamNames(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToLower(s) + "@depth10@100ms"
	}
	return out
}

func (d *binanceDialect) subscribePayloads(symbols []string) []interface{} {
	d.nextID++
	return []interface{}{map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": d.streamNames(symbols),
		"id":     d.nextID,
	}}
}

func (d *binanceDialect) unsubscribePayloads(symbols []string) []interface{} {
	d.nextID++
	return []interface{}{map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": d.streamNames(symbols),
		"id":     d.nextID,
	}}
}

func (d *binanceDialect) decode(data []byte) []BookUpdate {
	var frame struct {
		Stream string `json:"stream"`
		Data   struct {
			LastUpdateID int64      `json:"lastUpdateId"`
			Bids         [][]string `json:"bids"`
			Asks         [][]string `json:"asks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Stream == "" {
		return nil
	}
	symbol := strings.ToUpper(strings.SplitN(frame.Stream, "@", 2)[0])
	upd := BookUpdate{Symbol: symbol}
	upd.Book.Bids = parseLevels(frame.Data.Bids, true)
	upd.Book.Asks = parseLevels(frame.Data.Asks, false)
	upd.Book.Timestamp = time.Now().UTC()
	if upd.Book.Empty() {
		return nil
	}
	return []BookUpdate{upd}
}
