package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/auth"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/twap"
)

// klinesDefaultSpan is the date range served when the caller omits one.
const klinesDefaultSpan = 5 * 24 * time.Hour

const klinesDefaultInterval = "1d"

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type messageBody struct {
	Message string `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		respondError(w, r, http.StatusBadRequest, "malformed body")
		return
	}
	if creds.Username == "" || creds.Password == "" {
		respondError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := s.auth.Register(r.Context(), creds.Username, creds.Password, auth.RoleUser); err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, messageBody{Message: fmt.Sprintf("user %s registered", creds.Username)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		respondError(w, r, http.StatusBadRequest, "malformed body")
		return
	}
	token, err := s.auth.Login(r.Context(), creds.Username, creds.Password)
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleLogoff(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	if err := s.auth.Invalidate(r.Context(), id); err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, messageBody{Message: "logged off"})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	if err := s.auth.Unregister(r.Context(), id); err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, messageBody{Message: fmt.Sprintf("user %s unregistered", id.Username)})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	respondJSON(w, http.StatusOK, map[string]string{
		"message":   fmt.Sprintf("hello, %s", id.Username),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, messageBody{Message: "pong"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]exchange.Exchange{
		"exchanges": s.registry.Exchanges(),
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	ex, err := exchange.Parse(mux.Vars(r)["exchange"])
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	adapter, err := s.registry.Adapter(ex)
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	symbols, err := adapter.Symbols(r.Context())
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]string{"symbols": symbols})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ex, err := exchange.Parse(vars["exchange"])
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	adapter, err := s.registry.Adapter(ex)
	if err != nil {
		respondMapped(w, r, err)
		return
	}

	symbol := vars["symbol"]
	if !exchange.ValidSymbol(symbol) {
		respondMapped(w, r, fmt.Errorf("%w: %q", exchange.ErrInvalidSymbol, symbol))
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = klinesDefaultInterval
	}

	now := time.Now().UTC()
	start, err := parseDate(r.URL.Query().Get("start_date"), now.Add(-klinesDefaultSpan))
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	end, err := parseDate(r.URL.Query().Get("end_date"), now)
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	if !start.Before(end) {
		respondMapped(w, r, fmt.Errorf("%w: start must precede end", exchange.ErrInvalidRange))
		return
	}

	candles, err := adapter.Candles(r.Context(), adapter.NormalizeSymbol(symbol), interval,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	if candles == nil {
		candles = []exchange.Candle{}
	}
	respondJSON(w, http.StatusOK, candles)
}

// parseDate accepts a calendar date or a full timestamp; absent input selects
// the fallback.
func parseDate(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", exchange.ErrInvalidRange, raw)
}

func (s *Server) handleSubmitOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respondError(w, r, http.StatusBadRequest, "malformed body")
		return
	}

	// A single object and a batch share the endpoint.
	var reqs []twap.Request
	single := false
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			respondError(w, r, http.StatusBadRequest, "malformed order batch")
			return
		}
	} else {
		var one twap.Request
		if err := json.Unmarshal(raw, &one); err != nil {
			respondError(w, r, http.StatusBadRequest, "malformed order")
			return
		}
		reqs = []twap.Request{one}
		single = true
	}

	accepted, err := s.engine.Submit(id.Username, reqs...)
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	log.Info().Str("username", id.Username).Int("orders", len(accepted)).Msg("orders accepted")

	if single {
		respondJSON(w, http.StatusCreated, accepted[0])
		return
	}
	respondJSON(w, http.StatusCreated, accepted)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	var status twap.Status
	if raw := r.URL.Query().Get("order_status"); raw != "" {
		parsed, err := twap.ParseStatus(raw)
		if err != nil {
			respondMapped(w, r, err)
			return
		}
		status = parsed
	}

	orders := s.engine.List(id.Username, r.URL.Query().Get("order_id"), status)
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	snap, err := s.engine.Get(id.Username, mux.Vars(r)["order_id"])
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	snap, err := s.engine.Cancel(id.Username, mux.Vars(r)["order_id"])
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	if !id.Admin() {
		respondMapped(w, r, fmt.Errorf("%w: admin only", auth.ErrForbidden))
		return
	}
	users, err := s.auth.Users(r.Context())
	if err != nil {
		respondMapped(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// handleStream authenticates via the token query parameter, upgrades to a
// websocket and hands the connection to the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, r, http.StatusUnauthorized, "missing token")
		return
	}
	id, err := s.auth.Verify(r.Context(), token)
	if err != nil {
		respondMapped(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("request_id", requestID(r)).Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Serve(id.Username, conn)
}
