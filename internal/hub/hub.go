// Package hub routes order-book changes to streaming clients. Each client
// session owns its feed leases and an outbox that coalesces to the latest
// book per subscription, so a slow reader never blocks the fan-out path.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/book"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/feed"
	"github.com/coinflux/gateway/internal/metrics"
)

// DefaultWriteGrace bounds how long an unwritable client is kept alive.
const DefaultWriteGrace = 30 * time.Second

// Conn is the subset of a websocket connection the hub drives. Satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Action is one client-to-server control frame.
type Action struct {
	Action    string   `json:"action"`
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges,omitempty"`
}

// Hub tracks live sessions.
type Hub struct {
	agg      *feed.Aggregator
	cache    *book.Cache
	registry *exchange.Registry
	metrics  *metrics.Set
	grace    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option adjusts hub construction.
type Option func(*Hub)

// WithWriteGrace overrides the unwritable-client teardown window.
func WithWriteGrace(d time.Duration) Option {
	return func(h *Hub) { h.grace = d }
}

// New builds a hub over the aggregator and cache.
func New(agg *feed.Aggregator, cache *book.Cache, registry *exchange.Registry, m *metrics.Set, opts ...Option) *Hub {
	h := &Hub{
		agg:      agg,
		cache:    cache,
		registry: registry,
		metrics:  m,
		grace:    DefaultWriteGrace,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs one client session to completion: the reader loop executes on
// the calling goroutine, the sender on its own. Returns once the session is
// torn down and every lease it held is released.
func (h *Hub) Serve(username string, conn Conn) {
	s := &Session{
		hub:      h,
		id:       uuid.New().String()[:8],
		username: username,
		conn:     conn,
		subs:     make(map[subKey]*subscription),
		pending:  make(map[subKey]book.Book),
		lastSent: make(map[subKey]uint64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Inc()
	}
	log.Info().Str("session", s.id).Str("username", username).Msg("stream client connected")

	go s.sendLoop()
	s.readLoop()
	s.teardown()
}

// Close tears down every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}

func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Dec()
	}
}

type subKey struct {
	Symbol   string // canonical
	Exchange exchange.Exchange
}

type subscription struct {
	lease *feed.Lease
	watch *book.Watch
	stop  chan struct{}
}

// Session is one streaming client.
type Session struct {
	hub      *Hub
	id       string
	username string
	conn     Conn

	mu       sync.Mutex
	subs     map[subKey]*subscription
	pending  map[subKey]book.Book
	lastSent map[subKey]uint64

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// Subscriptions returns the session's live (symbol, exchange) set.
func (s *Session) Subscriptions() []subKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subKey, 0, len(s.subs))
	for k := range s.subs {
		out = append(out, k)
	}
	return out
}

func (s *Session) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var act Action
		if err := json.Unmarshal(payload, &act); err != nil {
			log.Warn().Str("session", s.id).Err(err).Msg("malformed stream action")
			continue
		}
		if err := s.dispatch(act); err != nil {
			log.Warn().Str("session", s.id).Str("action", act.Action).Err(err).Msg("stream action rejected")
		}
	}
}

func (s *Session) dispatch(act Action) error {
	exchanges, err := s.resolveExchanges(act.Exchanges)
	if err != nil {
		return err
	}
	switch act.Action {
	case "subscribe":
		return s.Subscribe(act.Symbol, exchanges)
	case "unsubscribe":
		return s.Unsubscribe(act.Symbol, exchanges)
	}
	return fmt.Errorf("unknown action %q", act.Action)
}

func (s *Session) resolveExchanges(names []string) ([]exchange.Exchange, error) {
	if len(names) == 0 {
		return s.hub.registry.Exchanges(), nil
	}
	out := make([]exchange.Exchange, 0, len(names))
	for _, name := range names {
		ex, err := exchange.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

// Subscribe leases the symbol on each exchange and starts forwarding book
// changes. Already-held (symbol, exchange) pairs are skipped.
func (s *Session) Subscribe(symbol string, exchanges []exchange.Exchange) error {
	if !exchange.ValidSymbol(symbol) {
		return fmt.Errorf("%w: %q", exchange.ErrInvalidSymbol, symbol)
	}
	for _, ex := range exchanges {
		k := subKey{Symbol: symbol, Exchange: ex}

		s.mu.Lock()
		_, held := s.subs[k]
		s.mu.Unlock()
		if held {
			continue
		}

		lease, err := s.hub.agg.Acquire(s.id, symbol, ex)
		if err != nil {
			return err
		}
		watch := s.hub.cache.Watch(lease.Key())
		sub := &subscription{lease: lease, watch: watch, stop: make(chan struct{})}

		s.mu.Lock()
		s.subs[k] = sub
		s.mu.Unlock()

		// Seed the outbox with the current book so a new subscriber is not
		// silent until the next upstream change.
		if b, ok := s.hub.cache.Get(lease.Key()); ok && !b.Empty() {
			s.enqueue(k, b)
		}

		go s.forward(k, sub)
	}
	return nil
}

// Unsubscribe releases the matching leases and stops their forwarders.
func (s *Session) Unsubscribe(symbol string, exchanges []exchange.Exchange) error {
	for _, ex := range exchanges {
		k := subKey{Symbol: symbol, Exchange: ex}

		s.mu.Lock()
		sub, ok := s.subs[k]
		if ok {
			delete(s.subs, k)
			delete(s.pending, k)
			delete(s.lastSent, k)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		close(sub.stop)
		sub.watch.Cancel()
		sub.lease.Release()
	}
	return nil
}

// forward drains one watch into the session outbox.
func (s *Session) forward(k subKey, sub *subscription) {
	for {
		select {
		case <-sub.stop:
			return
		case <-s.done:
			return
		case b, ok := <-sub.watch.C:
			if !ok {
				return
			}
			s.enqueue(k, b)
		}
	}
}

// enqueue stores the latest book for a subscription and wakes the sender.
// An unsent older book for the same key is coalesced away.
func (s *Session) enqueue(k subKey, b book.Book) {
	s.mu.Lock()
	if _, replaced := s.pending[k]; replaced {
		s.count("coalesced")
	}
	s.pending[k] = b
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			k, b, ok := s.next()
			if !ok {
				break
			}
			if err := s.write(k, b); err != nil {
				log.Info().Str("session", s.id).Err(err).Msg("stream client unwritable, tearing down")
				s.conn.Close()
				return
			}
			s.count("sent")
		}
	}
}

// next pops one pending book whose version advances past the last delivery.
// Versions never go backwards within a (symbol, exchange) for one client.
func (s *Session) next() (subKey, book.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range s.pending {
		delete(s.pending, k)
		if b.Version <= s.lastSent[k] {
			s.count("dropped")
			continue
		}
		s.lastSent[k] = b.Version
		return k, b, true
	}
	return subKey{}, book.Book{}, false
}

func (s *Session) write(k subKey, b book.Book) error {
	msg := map[string]map[string]book.Book{
		k.Symbol: {k.Exchange.String(): b},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.grace)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// teardown releases every lease the session holds and drops it from the hub.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[subKey]*subscription)
		s.pending = make(map[subKey]book.Book)
		s.mu.Unlock()

		for _, sub := range subs {
			close(sub.stop)
			sub.watch.Cancel()
			sub.lease.Release()
		}
		s.hub.drop(s)
		log.Info().Str("session", s.id).Str("username", s.username).Msg("stream client disconnected")
	})
}

func (s *Session) count(outcome string) {
	if s.hub.metrics != nil {
		s.hub.metrics.HubMessages.WithLabelValues(outcome).Inc()
	}
}
