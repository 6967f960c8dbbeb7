package exchange

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// quoteCurrencies lists quote assets used to split concatenated native pairs
// back into canonical BASE-QUOTE form. Longer codes are matched first so
// USDT wins over USD.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "EUR", "GBP", "BTC", "ETH", "BNB"}

// splitOnQuote turns BTCUSDT into BTC<sep>USDT by suffix-matching known
// quote currencies. Pairs that already contain a separator, or whose quote
// is unknown, come back unchanged.
func splitOnQuote(native, sep string) string {
	if strings.ContainsAny(native, "-/") {
		return strings.ReplaceAll(strings.ReplaceAll(native, "/", sep), "-", sep)
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(native, quote) && len(native) > len(quote) {
			return native[:len(native)-len(quote)] + sep + quote
		}
	}
	return native
}

// intervalList returns the supported interval codes in a stable order.
func intervalList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := intervalRank(out[i]), intervalRank(out[j])
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}

// intervalRank orders interval codes by duration for display purposes.
func intervalRank(code string) int64 {
	if len(code) < 2 {
		return 1 << 62
	}
	n, err := strconv.Atoi(code[:len(code)-1])
	if err != nil {
		return 1 << 62
	}
	unit := code[len(code)-1]
	mult := map[byte]int64{'m': 60, 'h': 3600, 'd': 86400, 'w': 604800, 'M': 2592000}[unit]
	if mult == 0 {
		return 1 << 62
	}
	return int64(n) * mult
}

// wireFloat accepts JSON numbers and numeric strings, both common in venue
// payloads.
func wireFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("unexpected numeric type %T", v)
}

func wireInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	}
	return 0, fmt.Errorf("unexpected integer type %T", v)
}
