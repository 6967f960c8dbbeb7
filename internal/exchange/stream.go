package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// streamIdleTimeout triggers a reconnect when no frame arrives.
	streamIdleTimeout = 60 * time.Second
	// streamMaxBackoff caps the reconnect back-off.
	streamMaxBackoff = 30 * time.Second
	streamBaseBackoff = 500 * time.Millisecond
	writeTimeout      = 5 * time.Second
	updateBuffer      = 256
)

// dialect captures one venue's wire protocol for order-book streaming.
type dialect interface {
	venue() string
	wsURL() string
	// subscribePayloads builds the frames that subscribe the given native
	// symbols on a live connection.
	subscribePayloads(symbols []string) []interface{}
	// unsubscribePayloads builds the frames that drop the given symbols.
	unsubscribePayloads(symbols []string) []interface{}
	// decode reduces one raw frame to zero or more full top-of-book
	// snapshots. Implementations own whatever per-symbol state is needed to
	// reduce incremental updates. reset is called on reconnect.
	decode(data []byte) []BookUpdate
	reset()
}

// wsStream is the shared self-healing stream implementation. One instance
// holds one upstream connection; the run loop reconnects with jittered
// exponential back-off and re-subscribes the tracked symbol set before the
// stream is considered healthy again.
type wsStream struct {
	d       dialect
	updates chan BookUpdate

	mu      sync.Mutex // guards symbols, conn, closed
	symbols map[string]struct{}
	conn    *websocket.Conn
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}

	// onReconnect is an optional hook, used for metrics.
	onReconnect func(venue string)
}

func openStream(ctx context.Context, d dialect, onReconnect func(string), symbols ...string) (*wsStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &wsStream{
		d:           d,
		updates:     make(chan BookUpdate, updateBuffer),
		symbols:     make(map[string]struct{}),
		cancel:      cancel,
		done:        make(chan struct{}),
		onReconnect: onReconnect,
	}
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
	go s.run(ctx)
	return s, nil
}

func (s *wsStream) Updates() <-chan BookUpdate { return s.updates }

func (s *wsStream) Subscribe(ctx context.Context, symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s stream closed", s.d.venue())
	}
	var added []string
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok {
			s.symbols[sym] = struct{}{}
			added = append(added, sym)
		}
	}
	if len(added) == 0 || s.conn == nil {
		// A down connection re-subscribes everything once it is back up.
		return nil
	}
	return s.writeLocked(s.d.subscribePayloads(added))
}

func (s *wsStream) Unsubscribe(ctx context.Context, symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var removed []string
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; ok {
			delete(s.symbols, sym)
			removed = append(removed, sym)
		}
	}
	if len(removed) == 0 || s.conn == nil {
		return nil
	}
	return s.writeLocked(s.d.unsubscribePayloads(removed))
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	<-s.done
	return nil
}

// writeLocked sends payloads on the live connection. Callers hold s.mu,
// which doubles as the write serializer.
func (s *wsStream) writeLocked(payloads []interface{}) error {
	for _, p := range payloads {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(p); err != nil {
			return fmt.Errorf("%s subscribe write: %w", s.d.venue(), err)
		}
	}
	return nil
}

func (s *wsStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			delay := backoff(attempt)
			log.Warn().Err(err).Str("venue", s.d.venue()).Dur("backoff", delay).Msg("stream connect failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		if err := s.attach(conn); err != nil {
			log.Warn().Err(err).Str("venue", s.d.venue()).Msg("stream re-subscribe failed")
			conn.Close()
			continue
		}

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if s.onReconnect != nil {
			s.onReconnect(s.d.venue())
		}
		log.Info().Str("venue", s.d.venue()).Msg("stream dropped, reconnecting")
	}
}

func (s *wsStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.d.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.d.wsURL(), err)
	}
	return conn, nil
}

// attach installs a fresh connection and replays subscriptions for every
// tracked symbol. Decoder state from the previous connection is discarded.
func (s *wsStream) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return fmt.Errorf("stream closed")
	}

	s.d.reset()
	s.conn = conn

	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return nil
	}
	return s.writeLocked(s.d.subscribePayloads(symbols))
}

func (s *wsStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		for _, upd := range s.d.decode(data) {
			select {
			case s.updates <- upd:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}
}

// backoff returns the jittered exponential delay for the given attempt.
func backoff(attempt int) time.Duration {
	d := streamBaseBackoff << uint(attempt-1)
	if d > streamMaxBackoff || d <= 0 {
		d = streamMaxBackoff
	}
	// ±20% jitter keeps venues from seeing synchronized retries.
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
