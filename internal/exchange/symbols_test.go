package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExchange(t *testing.T) {
	for _, name := range []string{"binance", "okx", "coinbase_pro", "kraken"} {
		ex, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, name, ex.String())
	}

	_, err := Parse("bitmex")
	assert.ErrorIs(t, err, ErrUnknownExchange)
}

func TestNormalizeSymbol(t *testing.T) {
	registry := DefaultRegistry(nil)

	tests := []struct {
		exchange  Exchange
		canonical string
		native    string
	}{
		{Binance, "BTC-USDT", "BTCUSDT"},
		{Binance, "eth-usdt", "ETHUSDT"},
		{OKX, "BTC-USDT", "BTC-USDT"},
		{CoinbasePro, "BTC-USDT", "BTC-USD"},
		{CoinbasePro, "BTC-USD", "BTC-USD"},
		{CoinbasePro, "ETHUSDT", "ETH-USD"},
		{Kraken, "BTC-USDT", "XBT/USD"},
		{Kraken, "BTC-USD", "XBT/USD"},
		{Kraken, "ETH-USD", "ETH/USD"},
	}

	for _, tt := range tests {
		t.Run(string(tt.exchange)+"/"+tt.canonical, func(t *testing.T) {
			adapter, err := registry.Adapter(tt.exchange)
			require.NoError(t, err)
			assert.Equal(t, tt.native, adapter.NormalizeSymbol(tt.canonical))
		})
	}
}

func TestDenormalizeSymbol(t *testing.T) {
	tests := []struct {
		exchange  Exchange
		native    string
		canonical string
	}{
		{Binance, "BTCUSDT", "BTC-USDT"},
		{Binance, "ETHBTC", "ETH-BTC"},
		{OKX, "BTC-USDT", "BTC-USDT"},
		{CoinbasePro, "BTC-USD", "BTC-USD"},
		{Kraken, "XBT/USD", "BTC-USD"},
		{Kraken, "ETH/EUR", "ETH-EUR"},
	}

	registry := DefaultRegistry(nil)
	for _, tt := range tests {
		t.Run(string(tt.exchange)+"/"+tt.native, func(t *testing.T) {
			adapter, err := registry.Adapter(tt.exchange)
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, adapter.DenormalizeSymbol(tt.native))
		})
	}
}

func TestSplitOnQuote(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"BTCUSDT", "BTC-USDT"},
		{"ETHUSD", "ETH-USD"},
		{"SOLBTC", "SOL-BTC"},
		{"BTC-USDT", "BTC-USDT"},
		{"XBT/USD", "XBT-USD"},
		{"UNKNOWNQ", "UNKNOWNQ"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, splitOnQuote(tt.in, "-"), tt.in)
	}
}

func TestValidSymbol(t *testing.T) {
	assert.True(t, ValidSymbol("BTC-USDT"))
	assert.True(t, ValidSymbol("XBT_USD.X"))
	assert.False(t, ValidSymbol("btcusdt"))
	assert.False(t, ValidSymbol(""))
	assert.False(t, ValidSymbol("AVERYLONGSYMBOLNAMETHATISTOOLONG"))
	assert.False(t, ValidSymbol("BTC/USD"))
}

func TestUnsupportedInterval(t *testing.T) {
	registry := DefaultRegistry(nil)

	tests := []struct {
		exchange Exchange
		interval string
		ok       bool
	}{
		{Binance, "1m", true},
		{Binance, "3d", true},
		{Binance, "7m", false},
		{CoinbasePro, "6h", true},
		{CoinbasePro, "3m", false},
		{OKX, "2h", true},
		{OKX, "8h", false},
		{Kraken, "4h", true},
		{Kraken, "2h", false},
	}

	// A cancelled context keeps supported intervals from touching the
	// network while still exercising the validation path.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tt := range tests {
		t.Run(string(tt.exchange)+"/"+tt.interval, func(t *testing.T) {
			adapter, err := registry.Adapter(tt.exchange)
			require.NoError(t, err)
			_, err = adapter.Candles(ctx, "BTC-USDT", tt.interval, 0, 1)
			require.Error(t, err)
			if tt.ok {
				assert.NotErrorIs(t, err, ErrUnsupportedInterval)
			} else {
				assert.ErrorIs(t, err, ErrUnsupportedInterval)
			}
		})
	}
}

func TestIntervalListOrdered(t *testing.T) {
	a := NewBinanceAdapter()
	intervals := a.Intervals()
	require.NotEmpty(t, intervals)
	assert.Equal(t, "1m", intervals[0])
	assert.Equal(t, "1M", intervals[len(intervals)-1])
}
