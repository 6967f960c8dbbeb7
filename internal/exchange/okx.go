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

// OKXAdapter talks to OKX v5: REST for instruments and candles, the public
// WebSocket for books5 snapshots.
type OKXAdapter struct {
	restURL string
	wsBase  string
	rest    *restClient

	onReconnect func(string)
}

const okxPageCap = 100

// okxBars maps gateway interval codes to OKX bar codes.
var okxBars = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "2h": "2H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D", "1w": "1W", "1M": "1M",
}

func NewOKXAdapter() *OKXAdapter {
	return &OKXAdapter{
		restURL: "https://www.okx.com",
		wsBase:  "wss://ws.okx.com:8443/ws/v5/public",
		rest:    newRESTClient("okx", 5, 3),
	}
}

func (a *OKXAdapter) Name() Exchange { return OKX }

func (a *OKXAdapter) Intervals() []string {
	set := make(map[string]struct{}, len(okxBars))
	for k := range okxBars {
		set[k] = struct{}{}
	}
	return intervalList(set)
}

// OKX natively uses the canonical BASE-QUOTE form.
func (a *OKXAdapter) NormalizeSymbol(canonical string) string {
	return strings.ToUpper(canonical)
}

func (a *OKXAdapter) DenormalizeSymbol(native string) string {
	return strings.ToUpper(native)
}

func (a *OKXAdapter) Symbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Code string `json:"code"`
		Data []struct {
			InstID string `json:"instId"`
		} `json:"data"`
	}
	params := url.Values{}
	params.Set("instType", "SPOT")
	if err := a.rest.getJSON(ctx, a.restURL+"/api/v5/public/instruments", params, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "" && resp.Code != "0" {
		return nil, fmt.Errorf("%w: okx instruments code %s", ErrUpstream, resp.Code)
	}
	out := make([]string, 0, len(resp.Data))
	for _, inst := range resp.Data {
		out = append(out, a.DenormalizeSymbol(inst.InstID))
	}
	return out, nil
}

// Candles pages backwards: OKX serves newest-first and the `after` cursor
// returns records strictly older than the given timestamp.
func (a *OKXAdapter) Candles(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]Candle, error) {
	bar, ok := okxBars[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %q on okx", ErrUnsupportedInterval, interval)
	}
	native := a.NormalizeSymbol(symbol)

	var candles []Candle
	cursor := endMS
	err := paginate(ctx, "okx", func(ctx context.Context) (bool, error) {
		params := url.Values{}
		params.Set("instId", native)
		params.Set("bar", bar)
		params.Set("after", strconv.FormatInt(cursor, 10))
		params.Set("limit", strconv.Itoa(okxPageCap))

		var resp struct {
			Code string     `json:"code"`
			Msg  string     `json:"msg"`
			Data [][]string `json:"data"`
		}
		if err := a.rest.getJSON(ctx, a.restURL+"/api/v5/market/candles", params, &resp); err != nil {
			return false, err
		}
		if resp.Code != "" && resp.Code != "0" {
			return false, fmt.Errorf("%w: okx candles: %s", ErrUpstream, resp.Msg)
		}
		if len(resp.Data) == 0 {
			return true, nil
		}
		oldest := cursor
		for _, row := range resp.Data {
			c, err := okxCandle(row)
			if err != nil {
				return false, err
			}
			candles = append(candles, c)
			if c.TimestampMS < oldest {
				oldest = c.TimestampMS
			}
		}
		cursor = oldest
		return oldest <= startMS, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].TimestampMS < candles[j].TimestampMS })
	return clampCandles(candles, startMS, endMS), nil
}

func okxCandle(row []string) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("%w: short okx candle row", ErrUpstream)
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("%w: okx candle timestamp: %v", ErrUpstream, err)
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("%w: okx candle field %d: %v", ErrUpstream, i, err)
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

func (a *OKXAdapter) OpenBookStream(ctx context.Context, symbols ...string) (BookStream, error) {
	return openStream(ctx, &okxDialect{wsBase: a.wsBase}, a.onReconnect, symbols...)
}

// okxDialect subscribes the books5 channel, which pushes whole snapshots on
// every change, so no reduction state is required.
type okxDialect struct {
	wsBase string
}

func (d *okxDialect) venue() string { return "okx" }
func (d *okxDialect) wsURL() string { return d.wsBase }
func (d *okxDialect) reset()        {}

func okxArgs(symbols []string) []map[string]string {
	args := make([]map[string]string, len(symbols))
	for i, s := range symbols {
		args[i] = map[string]string{"channel": "books5", "instId": s}
	}
	return args
}

func (d *okxDialect) subscribePayloads(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{"op": "subscribe", "args": okxArgs(symbols)}}
}

func (d *okxDialect) unsubscribePayloads(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{"op": "unsubscribe", "args": okxArgs(symbols)}}
}

func (d *okxDialect) decode(data []byte) []BookUpdate {
	var frame struct {
		Arg struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			TS   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Arg.InstID == "" {
		return nil
	}

	var out []BookUpdate
	for _, d := range frame.Data {
		upd := BookUpdate{Symbol: frame.Arg.InstID}
		upd.Book.Bids = parseLevels(d.Bids, true)
		upd.Book.Asks = parseLevels(d.Asks, false)
		upd.Book.Timestamp = okxTimestamp(d.TS)
		if !upd.Book.Empty() {
			out = append(out, upd)
		}
	}
	return out
}

func okxTimestamp(ts string) time.Time {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
