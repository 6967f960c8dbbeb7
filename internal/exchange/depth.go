package exchange

import (
	"sort"
	"strconv"
	"time"

	"github.com/coinflux/gateway/internal/book"
)

// depthBook reduces a venue's incremental order-book feed to full top-N
// snapshots. Venues that already push whole snapshots bypass it. Prices are
// kept as wire strings so delete-by-level (quantity zero) matches exactly.
type depthBook struct {
	bids map[string]string
	asks map[string]string
}

func newDepthBook() *depthBook {
	return &depthBook{bids: make(map[string]string), asks: make(map[string]string)}
}

func (d *depthBook) reset() {
	d.bids = make(map[string]string)
	d.asks = make(map[string]string)
}

// setSnapshot replaces both sides wholesale.
func (d *depthBook) setSnapshot(bids, asks [][]string) {
	d.reset()
	for _, lvl := range bids {
		if len(lvl) >= 2 {
			d.bids[lvl[0]] = lvl[1]
		}
	}
	for _, lvl := range asks {
		if len(lvl) >= 2 {
			d.asks[lvl[0]] = lvl[1]
		}
	}
}

// applyBid applies one absolute-quantity bid level; quantity zero removes it.
func (d *depthBook) applyBid(price, qty string) {
	if isZero(qty) {
		delete(d.bids, price)
		return
	}
	d.bids[price] = qty
}

// applyAsk applies one absolute-quantity ask level.
func (d *depthBook) applyAsk(price, qty string) {
	if isZero(qty) {
		delete(d.asks, price)
		return
	}
	d.asks[price] = qty
}

// snapshot emits a sorted, truncated book.
func (d *depthBook) snapshot(ts time.Time) book.Book {
	b := book.Book{
		Bids:      levels(d.bids, true),
		Asks:      levels(d.asks, false),
		Timestamp: ts,
	}
	return b
}

func levels(side map[string]string, descending bool) []book.Level {
	out := make([]book.Level, 0, len(side))
	for p, q := range side {
		price, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(q, 64)
		if err != nil {
			continue
		}
		out = append(out, book.Level{Price: price, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > book.MaxDepth {
		out = out[:book.MaxDepth]
	}
	return out
}

func isZero(qty string) bool {
	f, err := strconv.ParseFloat(qty, 64)
	return err == nil && f == 0
}

// parseLevels converts wire [price, qty, ...] tuples into sorted levels.
func parseLevels(raw [][]string, descending bool) []book.Level {
	side := make(map[string]string, len(raw))
	for _, lvl := range raw {
		if len(lvl) >= 2 {
			side[lvl[0]] = lvl[1]
		}
	}
	return levels(side, descending)
}
