// Package feed owns the upstream exchange streams. It multiplexes symbol
// demand from many consumers onto one logical stream per venue and is the
// sole writer into the order-book cache.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/book"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/metrics"
)

// Lease is a reference-counted claim on one (exchange, native symbol)
// upstream subscription. Release is idempotent.
type Lease struct {
	agg  *Aggregator
	ex   exchange.Exchange
	key  book.Key
	once sync.Once
}

// Key returns the cache key this lease keeps alive.
func (l *Lease) Key() book.Key { return l.key }

// Release drops the claim; on the last release for a key the upstream
// subscription is torn down.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.agg.release(l.ex, l.key)
	})
}

// Aggregator tracks per-key demand and keeps exactly one stream per
// exchange, subscribed to precisely the demanded symbol set.
type Aggregator struct {
	cache    *book.Cache
	registry *exchange.Registry
	metrics  *metrics.Set

	mu      sync.Mutex
	demand  map[book.Key]int
	workers map[exchange.Exchange]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an aggregator over the given adapters and cache.
func New(registry *exchange.Registry, cache *book.Cache, m *metrics.Set) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		cache:    cache,
		registry: registry,
		metrics:  m,
		demand:   make(map[book.Key]int),
		workers:  make(map[exchange.Exchange]*worker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Acquire registers demand for a canonical symbol on one exchange. On the
// 0→1 transition the symbol is subscribed upstream. The returned lease keeps
// the subscription alive until released.
func (a *Aggregator) Acquire(clientID, canonical string, ex exchange.Exchange) (*Lease, error) {
	adapter, err := a.registry.Adapter(ex)
	if err != nil {
		return nil, err
	}
	native := adapter.NormalizeSymbol(canonical)
	key := book.Key{Exchange: ex.String(), Symbol: native}

	w, err := a.workerFor(ex, adapter)
	if err != nil {
		return nil, err
	}

	// Demand mutation and the upstream subscribe are serialized per venue
	// through the worker's lock so that concurrent 1→0→1 flips cannot leave
	// the upstream unsubscribed.
	w.mu.Lock()
	defer w.mu.Unlock()

	a.mu.Lock()
	a.demand[key]++
	first := a.demand[key] == 1
	a.mu.Unlock()

	if first {
		if err := w.subscribe(native); err != nil {
			a.mu.Lock()
			a.demand[key]--
			if a.demand[key] == 0 {
				delete(a.demand, key)
			}
			a.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s on %s: %w", native, ex, err)
		}
		if a.metrics != nil {
			a.metrics.ActiveSubscriptions.WithLabelValues(ex.String()).Inc()
		}
		log.Debug().Str("client", clientID).Str("venue", ex.String()).Str("symbol", native).Msg("upstream subscribed")
	}

	return &Lease{agg: a, ex: ex, key: key}, nil
}

// Demand returns the current demand count for a key.
func (a *Aggregator) Demand(key book.Key) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.demand[key]
}

func (a *Aggregator) release(ex exchange.Exchange, key book.Key) {
	a.mu.Lock()
	w := a.workers[ex]
	a.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	a.mu.Lock()
	if a.demand[key] == 0 {
		a.mu.Unlock()
		return
	}
	a.demand[key]--
	last := a.demand[key] == 0
	if last {
		delete(a.demand, key)
	}
	a.mu.Unlock()

	if last {
		if err := w.unsubscribe(key.Symbol); err != nil {
			log.Warn().Err(err).Str("venue", ex.String()).Str("symbol", key.Symbol).Msg("upstream unsubscribe failed")
		}
		if a.metrics != nil {
			a.metrics.ActiveSubscriptions.WithLabelValues(ex.String()).Dec()
		}
		a.cache.Drop(key)
		log.Debug().Str("venue", ex.String()).Str("symbol", key.Symbol).Msg("upstream unsubscribed")
	}
}

// workerFor lazily starts the per-venue stream worker.
func (a *Aggregator) workerFor(ex exchange.Exchange, adapter exchange.Adapter) (*worker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if w, ok := a.workers[ex]; ok {
		return w, nil
	}

	stream, err := adapter.OpenBookStream(a.ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", ex, err)
	}

	w := &worker{ex: ex, stream: stream}
	a.workers[ex] = w

	a.wg.Add(1)
	go a.consume(w)
	return w, nil
}

// consume drains one venue stream into the cache. The worker goroutine is
// the only cache writer for its exchange.
func (a *Aggregator) consume(w *worker) {
	defer a.wg.Done()
	for upd := range w.stream.Updates() {
		key := book.Key{Exchange: w.ex.String(), Symbol: upd.Symbol}
		a.cache.Put(key, upd.Book)
		if a.metrics != nil {
			a.metrics.BookUpdates.WithLabelValues(w.ex.String()).Inc()
		}
	}
}

// Close tears down every stream and waits for the workers to drain.
func (a *Aggregator) Close() {
	a.cancel()
	a.mu.Lock()
	for _, w := range a.workers {
		w.stream.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// worker pairs one venue stream with the lock that serializes its
// subscription changes.
type worker struct {
	ex     exchange.Exchange
	stream exchange.BookStream
	mu     sync.Mutex
}

func (w *worker) subscribe(symbol string) error {
	return w.stream.Subscribe(context.Background(), symbol)
}

func (w *worker) unsubscribe(symbol string) error {
	return w.stream.Unsubscribe(context.Background(), symbol)
}
