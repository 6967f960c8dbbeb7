// Package exchange encapsulates each venue's wire idiosyncrasies behind a
// uniform adapter capability set: symbol listing, historical candles, live
// order-book streams and symbol-format normalization.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/coinflux/gateway/internal/book"
)

// Exchange identifies a supported venue.
type Exchange string

const (
	Binance     Exchange = "binance"
	OKX         Exchange = "okx"
	CoinbasePro Exchange = "coinbase_pro"
	Kraken      Exchange = "kraken"
)

// All lists every supported exchange in a stable order.
func All() []Exchange {
	return []Exchange{Binance, OKX, CoinbasePro, Kraken}
}

// Parse validates an exchange name from the wire.
func Parse(name string) (Exchange, error) {
	switch Exchange(name) {
	case Binance, OKX, CoinbasePro, Kraken:
		return Exchange(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExchange, name)
}

func (e Exchange) String() string { return string(e) }

// Error taxonomy shared by all adapters. Client-facing handlers map these to
// 4xx; upstream failures surface as ErrUpstream after retries are exhausted.
var (
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrUnsupportedInterval = errors.New("unsupported interval")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrInvalidRange        = errors.New("invalid date range")
	ErrUpstream            = errors.New("upstream exchange error")
)

// symbolPattern is the server-side symbol validation rule.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9\-_.]{1,20}$`)

// ValidSymbol reports whether s satisfies the symbol format rule.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Candle is one OHLCV bar.
type Candle struct {
	TimestampMS int64   `json:"timestamp"`
	Date        string  `json:"date"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

func stampDate(tsMS int64) string {
	return time.UnixMilli(tsMS).UTC().Format("2006-01-02 15:04:05")
}

// BookUpdate is one reduced top-of-book snapshot emitted by a book stream.
// Symbol is in the venue's native format.
type BookUpdate struct {
	Symbol string
	Book   book.Book
}

// BookStream is a live order-book subscription on one venue. Symbols can be
// added and removed while the stream runs; the stream survives reconnects and
// re-subscribes its current symbol set on a fresh connection.
type BookStream interface {
	// Updates yields reduced snapshots until Close.
	Updates() <-chan BookUpdate
	// Subscribe adds native symbols to the stream.
	Subscribe(ctx context.Context, symbols ...string) error
	// Unsubscribe removes native symbols from the stream.
	Unsubscribe(ctx context.Context, symbols ...string) error
	Close() error
}

// Adapter is the per-venue capability set.
type Adapter interface {
	Name() Exchange
	// Symbols lists tradable pairs in canonical form.
	Symbols(ctx context.Context) ([]string, error)
	// Candles fetches bars covering [startMS, endMS), paginating internally
	// and respecting the venue's per-request cap and rate limits.
	Candles(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]Candle, error)
	// Intervals lists the candle intervals the venue accepts.
	Intervals() []string
	// OpenBookStream starts a live stream for the given native symbols.
	OpenBookStream(ctx context.Context, symbols ...string) (BookStream, error)
	// NormalizeSymbol maps a canonical symbol to the venue-native form.
	NormalizeSymbol(canonical string) string
	// DenormalizeSymbol maps a venue-native symbol back to canonical form.
	DenormalizeSymbol(native string) string
}

// Registry holds the configured adapters, selected by exchange identifier.
type Registry struct {
	adapters map[Exchange]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Exchange]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// DefaultRegistry wires the four production adapters. onReconnect, when
// non-nil, fires after every upstream stream reconnect with the venue name.
func DefaultRegistry(onReconnect func(venue string)) *Registry {
	binance := NewBinanceAdapter()
	binance.onReconnect = onReconnect
	okx := NewOKXAdapter()
	okx.onReconnect = onReconnect
	coinbase := NewCoinbaseAdapter()
	coinbase.onReconnect = onReconnect
	kraken := NewKrakenAdapter()
	kraken.onReconnect = onReconnect
	return NewRegistry(binance, okx, coinbase, kraken)
}

// Adapter returns the adapter for an exchange.
func (r *Registry) Adapter(e Exchange) (Adapter, error) {
	a, ok := r.adapters[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, e)
	}
	return a, nil
}

// Exchanges lists the registered exchange identifiers in stable order.
func (r *Registry) Exchanges() []Exchange {
	out := make([]Exchange, 0, len(r.adapters))
	for _, e := range All() {
		if _, ok := r.adapters[e]; ok {
			out = append(out, e)
		}
	}
	return out
}
