// Package http is the gateway's REST and websocket surface.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/auth"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/hub"
	"github.com/coinflux/gateway/internal/metrics"
	"github.com/coinflux/gateway/internal/twap"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxIdentity  ctxKey = "identity"
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig listens on the gateway's historical default address.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8000,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Server wires the HTTP routes to the gateway services.
type Server struct {
	router   *mux.Router
	server   *http.Server
	config   ServerConfig
	upgrader websocket.Upgrader

	auth     *auth.Service
	registry *exchange.Registry
	engine   *twap.Engine
	hub      *hub.Hub
	metrics  *metrics.Set
}

// NewServer builds the server and registers every route.
func NewServer(cfg ServerConfig, authSvc *auth.Service, registry *exchange.Registry, engine *twap.Engine, h *hub.Hub, m *metrics.Set) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		config:   cfg,
		auth:     authSvc,
		registry: registry,
		engine:   engine,
		hub:      h,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	// The websocket endpoint handles its own framing; everything else is JSON.
	s.router.HandleFunc("/ws", s.handleStream).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/ping", s.handlePing).Methods("GET")
	api.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	api.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api.HandleFunc("/exchanges", s.handleExchanges).Methods("GET")
	api.HandleFunc("/klines/{exchange}/{symbol}", s.handleKlines).Methods("GET")

	api.Handle("/logoff", s.authenticated(s.handleLogoff)).Methods("POST")
	api.Handle("/unregister", s.authenticated(s.handleUnregister)).Methods("DELETE")
	api.Handle("/info", s.authenticated(s.handleInfo)).Methods("GET")
	api.Handle("/orders/twap", s.authenticated(s.handleSubmitOrders)).Methods("POST")
	api.Handle("/orders", s.authenticated(s.handleListOrders)).Methods("GET")
	api.Handle("/orders/{order_id}", s.authenticated(s.handleGetOrder)).Methods("GET")
	api.Handle("/orders/{order_id}", s.authenticated(s.handleCancelOrder)).Methods("DELETE")
	api.Handle("/users", s.authenticated(s.handleUsers)).Methods("GET")

	// Registered last so the wildcard never shadows a fixed route.
	api.HandleFunc("/{exchange}/symbols", s.handleSymbols).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(wrapper.status)).Inc()
			s.metrics.HTTPDuration.Observe(duration.Seconds())
		}
		log.Info().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", duration).
			Msg("request")
	})
}

// recoveryMiddleware turns a handler panic into a 500 carrying the request's
// correlation id; the process stays up.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("request_id", requestID(r)).
					Interface("panic", rec).
					Msg("handler panic")
				respondError(w, r, http.StatusInternalServerError,
					fmt.Sprintf("internal error, correlation id %s", requestID(r)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// authenticated verifies the bearer token and stores the identity on the
// request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			respondMapped(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdentity, id)))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxRequestID).(string); ok {
		return id
	}
	return ""
}

func identity(r *http.Request) (auth.Identity, bool) {
	id, ok := r.Context().Value(ctxIdentity).(auth.Identity)
	return id, ok
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so the websocket upgrade
// works behind the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
