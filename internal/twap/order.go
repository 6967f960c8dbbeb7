// Package twap runs time-weighted execution orders against live top-of-book
// data. Fills are synthetic: each slice trades at the observed best price, no
// order ever reaches an exchange.
package twap

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coinflux/gateway/internal/exchange"
)

// Epsilon is the snap-to-zero threshold on the remaining quantity.
const Epsilon = 1e-6

// Side of a synthetic order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status of an order. filled, cancelled and expired are terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

func (s Status) terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// ParseStatus validates a status filter from the wire.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusOpen, StatusFilled, StatusCancelled, StatusExpired:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Fill is one execution-log entry.
type Fill struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
}

// Request is one order submission.
type Request struct {
	OrderID              string   `json:"order_id,omitempty"`
	Exchange             string   `json:"exchange"`
	Symbol               string   `json:"symbol"`
	Side                 Side     `json:"side"`
	TotalQuantity        float64  `json:"total_quantity"`
	LimitPrice           *float64 `json:"limit_price,omitempty"`
	DurationSeconds      int64    `json:"duration_seconds"`
	SliceIntervalSeconds int64    `json:"slice_interval_seconds"`
}

// validate checks the acceptance rules and resolves the exchange identifier.
func (r *Request) validate() (exchange.Exchange, error) {
	ex, err := exchange.Parse(r.Exchange)
	if err != nil {
		return "", err
	}
	if !exchange.ValidSymbol(r.Symbol) {
		return "", fmt.Errorf("%w: %q", exchange.ErrInvalidSymbol, r.Symbol)
	}
	if r.Side != Buy && r.Side != Sell {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, r.Side)
	}
	if r.TotalQuantity <= 0 {
		return "", fmt.Errorf("%w: total_quantity must be positive", ErrInvalidQuantity)
	}
	if r.SliceIntervalSeconds <= 0 || r.DurationSeconds < r.SliceIntervalSeconds {
		return "", fmt.Errorf("%w: need duration >= slice_interval > 0", ErrInvalidSchedule)
	}
	return ex, nil
}

// Order holds one in-flight or finished order. Mutable execution state is
// guarded by mu; the identity fields are immutable after acceptance.
type Order struct {
	ID                   string
	Owner                string
	Exchange             exchange.Exchange
	Symbol               string
	Side                 Side
	TotalQuantity        float64
	LimitPrice           *float64
	DurationSeconds      int64
	SliceIntervalSeconds int64
	CreatedAt            time.Time

	mu        sync.Mutex
	status    Status
	executed  float64
	remaining float64
	fills     []Fill

	cancel func()
}

// Slices is how many slices the schedule runs.
func (o *Order) Slices() int64 {
	return o.DurationSeconds / o.SliceIntervalSeconds
}

// Status returns the current order status.
func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// recordFill applies one slice execution and reports whether the order just
// filled. Snaps the dust remainder below Epsilon to zero.
func (o *Order) recordFill(price, qty float64, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusOpen {
		return false
	}
	o.executed += qty
	o.remaining -= qty
	o.fills = append(o.fills, Fill{Timestamp: now, Price: price, Quantity: qty})
	if o.remaining < Epsilon {
		o.executed += o.remaining
		o.remaining = 0
		o.status = StatusFilled
		return true
	}
	return false
}

// finish moves an open order to a terminal status. Reports false when a
// terminal status was already set.
func (o *Order) finish(s Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusOpen {
		return false
	}
	o.status = s
	return true
}

func (o *Order) remainingQuantity() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remaining
}

// Snapshot is the wire representation of an order.
type Snapshot struct {
	OrderID              string    `json:"order_id"`
	Owner                string    `json:"owner"`
	Exchange             string    `json:"exchange"`
	Symbol               string    `json:"symbol"`
	Side                 Side      `json:"side"`
	TotalQuantity        float64   `json:"total_quantity"`
	LimitPrice           *float64  `json:"limit_price,omitempty"`
	DurationSeconds      int64     `json:"duration_seconds"`
	SliceIntervalSeconds int64     `json:"slice_interval_seconds"`
	CreatedAt            time.Time `json:"created_at"`
	Status               Status    `json:"status"`
	ExecutedQuantity     float64   `json:"executed_quantity"`
	RemainingQuantity    float64   `json:"remaining_quantity"`
	ExecutionLog         []Fill    `json:"execution_log"`
}

// Snapshot copies the order state under the lock.
func (o *Order) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	fills := make([]Fill, len(o.fills))
	copy(fills, o.fills)
	return Snapshot{
		OrderID:              o.ID,
		Owner:                o.Owner,
		Exchange:             o.Exchange.String(),
		Symbol:               o.Symbol,
		Side:                 o.Side,
		TotalQuantity:        o.TotalQuantity,
		LimitPrice:           o.LimitPrice,
		DurationSeconds:      o.DurationSeconds,
		SliceIntervalSeconds: o.SliceIntervalSeconds,
		CreatedAt:            o.CreatedAt,
		Status:               o.status,
		ExecutedQuantity:     o.executed,
		RemainingQuantity:    o.remaining,
		ExecutionLog:         fills,
	}
}

// MarshalJSON serves snapshots, never the live order.
func (o *Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Snapshot())
}
