package twap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/book"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/feed"
	"github.com/coinflux/gateway/internal/metrics"
)

var (
	ErrInvalidSide     = errors.New("invalid order side")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidSchedule = errors.New("invalid slice schedule")
	ErrInvalidStatus   = errors.New("invalid order status")
	ErrDuplicateOrder  = errors.New("duplicate order id")
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderTerminal   = errors.New("order already in a terminal state")
)

// firstBookTicks bounds the wait for the first non-empty book, in ticks.
const firstBookTicks = 5

// Engine accepts, schedules and executes orders. Each accepted order runs on
// its own goroutine; slices within one order are strictly sequential.
type Engine struct {
	agg     *feed.Aggregator
	cache   *book.Cache
	metrics *metrics.Set

	// tick is the wall-clock length of one schedule second. Tests shrink it.
	tick time.Duration

	mu     sync.Mutex
	orders map[string]*Order

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithTick rebases the schedule clock so one configured second lasts d.
func WithTick(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// NewEngine builds an engine over the feed aggregator and book cache.
func NewEngine(agg *feed.Aggregator, cache *book.Cache, m *metrics.Set, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		agg:     agg,
		cache:   cache,
		metrics: m,
		tick:    time.Second,
		orders:  make(map[string]*Order),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates a batch of requests and starts a scheduler per accepted
// order. The batch is atomic: one invalid request rejects the whole batch.
func (e *Engine) Submit(owner string, reqs ...Request) ([]Snapshot, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidQuantity)
	}

	type accepted struct {
		req Request
		ex  exchange.Exchange
		id  string
	}
	batch := make([]accepted, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))

	e.mu.Lock()
	for _, req := range reqs {
		ex, err := req.validate()
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		id := req.OrderID
		if id == "" {
			id = uuid.New().String()
		}
		if seen[id] {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %q repeated in batch", ErrDuplicateOrder, id)
		}
		if _, exists := e.orders[id]; exists {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOrder, id)
		}
		seen[id] = true
		batch = append(batch, accepted{req: req, ex: ex, id: id})
	}

	out := make([]Snapshot, 0, len(batch))
	for _, a := range batch {
		ctx, cancel := context.WithCancel(e.ctx)
		o := &Order{
			ID:                   a.id,
			Owner:                owner,
			Exchange:             a.ex,
			Symbol:               a.req.Symbol,
			Side:                 a.req.Side,
			TotalQuantity:        a.req.TotalQuantity,
			LimitPrice:           a.req.LimitPrice,
			DurationSeconds:      a.req.DurationSeconds,
			SliceIntervalSeconds: a.req.SliceIntervalSeconds,
			CreatedAt:            time.Now().UTC(),
			status:               StatusOpen,
			remaining:            a.req.TotalQuantity,
			cancel:               cancel,
		}
		e.orders[o.ID] = o
		e.wg.Add(1)
		go e.run(ctx, o)
		out = append(out, o.Snapshot())
	}
	e.mu.Unlock()

	return out, nil
}

// Cancel moves an open order owned by owner to cancelled. The scheduler
// observes the cancellation at the next slice boundary at the latest.
func (e *Engine) Cancel(owner, id string) (Snapshot, error) {
	o, err := e.find(owner, id)
	if err != nil {
		return Snapshot{}, err
	}
	if !o.finish(StatusCancelled) {
		return o.Snapshot(), ErrOrderTerminal
	}
	o.cancel()
	return o.Snapshot(), nil
}

// Get returns one order, scoped to its owner.
func (e *Engine) Get(owner, id string) (Snapshot, error) {
	o, err := e.find(owner, id)
	if err != nil {
		return Snapshot{}, err
	}
	return o.Snapshot(), nil
}

// List returns the owner's orders, optionally filtered by id and status,
// oldest first.
func (e *Engine) List(owner, idFilter string, statusFilter Status) []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Owner != owner {
			continue
		}
		if idFilter != "" && o.ID != idFilter {
			continue
		}
		snap := o.Snapshot()
		if statusFilter != "" && snap.Status != statusFilter {
			continue
		}
		out = append(out, snap)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close cancels every scheduler and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) find(owner, id string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.Owner != owner {
		return nil, fmt.Errorf("%w: %q", ErrOrderNotFound, id)
	}
	return o, nil
}

// run is the per-order slice scheduler.
func (e *Engine) run(ctx context.Context, o *Order) {
	defer e.wg.Done()

	logger := log.With().
		Str("order", o.ID).
		Str("venue", o.Exchange.String()).
		Str("symbol", o.Symbol).
		Logger()

	lease, err := e.agg.Acquire("twap:"+o.ID, o.Symbol, o.Exchange)
	if err != nil {
		logger.Error().Err(err).Msg("order could not acquire a book feed")
		if o.finish(StatusExpired) {
			e.terminal(o, &logger)
		}
		return
	}
	defer lease.Release()

	e.waitForBook(ctx, lease.Key())

	slices := o.Slices()
	perSlice := o.TotalQuantity / float64(slices)
	interval := time.Duration(o.SliceIntervalSeconds) * e.tick
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for s := int64(0); s < slices; s++ {
		select {
		case <-ctx.Done():
			// Cancelled by the owner or the engine is shutting down.
			if o.Status().terminal() {
				e.terminal(o, &logger)
			}
			return
		case <-timer.C:
		}

		if e.slice(o, lease.Key(), perSlice, &logger) {
			e.terminal(o, &logger)
			return
		}
		timer.Reset(interval)
	}

	if o.finish(StatusExpired) {
		e.terminal(o, &logger)
	}
}

// waitForBook blocks until the key holds a non-empty book, the bounded wait
// elapses, or the order is cancelled.
func (e *Engine) waitForBook(ctx context.Context, key book.Key) {
	deadline := time.NewTimer(firstBookTicks * e.tick)
	defer deadline.Stop()
	poll := e.tick / 10
	if poll <= 0 {
		poll = time.Millisecond
	}
	for {
		if b, ok := e.cache.Get(key); ok && !b.Empty() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-time.After(poll):
		}
	}
}

// slice runs one slice and reports whether the order just filled.
func (e *Engine) slice(o *Order, key book.Key, perSlice float64, logger *zerolog.Logger) bool {
	b, ok := e.cache.Get(key)
	if !ok || b.Empty() {
		e.countSlice("skipped_empty")
		logger.Debug().Msg("slice skipped, no book")
		return false
	}

	var ref float64
	switch o.Side {
	case Buy:
		ask, ok := b.BestAsk()
		if !ok {
			e.countSlice("skipped_empty")
			return false
		}
		ref = ask.Price
	case Sell:
		bid, ok := b.BestBid()
		if !ok {
			e.countSlice("skipped_empty")
			return false
		}
		ref = bid.Price
	}

	if o.LimitPrice != nil {
		limit := *o.LimitPrice
		if (o.Side == Buy && ref > limit) || (o.Side == Sell && ref < limit) {
			e.countSlice("skipped_limit")
			logger.Debug().Float64("ref", ref).Float64("limit", limit).Msg("slice skipped, limit gate")
			return false
		}
	}

	qty := perSlice
	if rem := o.remainingQuantity(); rem < qty {
		qty = rem
	}
	filled := o.recordFill(ref, qty, time.Now().UTC())
	e.countSlice("executed")
	logger.Debug().Float64("price", ref).Float64("quantity", qty).Msg("slice executed")
	return filled
}

// terminal emits the final report and counts the outcome.
func (e *Engine) terminal(o *Order, logger *zerolog.Logger) {
	snap := o.Snapshot()
	if e.metrics != nil {
		e.metrics.TwapOrders.WithLabelValues(string(snap.Status)).Inc()
	}
	logger.Info().
		Str("status", string(snap.Status)).
		Float64("executed", snap.ExecutedQuantity).
		Float64("remaining", snap.RemainingQuantity).
		Int("fills", len(snap.ExecutionLog)).
		Msg("order finished")
}

func (e *Engine) countSlice(outcome string) {
	if e.metrics != nil {
		e.metrics.TwapSlices.WithLabelValues(outcome).Inc()
	}
}
