// Package book holds the in-memory order-book cache shared by the feed
// aggregator, the subscription hub and the TWAP engine. Books are whole
// top-of-book snapshots, last write wins; no delta reconstruction happens
// here.
package book

import "time"

// MaxDepth is the number of price levels retained per book side.
const MaxDepth = 10

// Level is a single price level of an order book.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Book is a top-of-book snapshot for one (exchange, native symbol) pair.
// Bids are sorted descending by price, asks ascending, both truncated to
// MaxDepth levels. Version is assigned by the cache on commit and increases
// monotonically per key.
type Book struct {
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"-"`
}

// Key identifies a cached book by exchange name and exchange-native symbol.
type Key struct {
	Exchange string
	Symbol   string
}

func (k Key) String() string {
	return k.Exchange + "/" + k.Symbol
}

// BestBid returns the top bid level, if any.
func (b Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Empty reports whether the book carries no levels on either side.
func (b Book) Empty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

// truncate caps both sides at MaxDepth.
func (b *Book) truncate() {
	if len(b.Bids) > MaxDepth {
		b.Bids = b.Bids[:MaxDepth]
	}
	if len(b.Asks) > MaxDepth {
		b.Asks = b.Asks[:MaxDepth]
	}
}
