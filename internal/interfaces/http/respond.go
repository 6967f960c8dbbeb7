package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/coinflux/gateway/internal/auth"
	"github.com/coinflux/gateway/internal/exchange"
	"github.com/coinflux/gateway/internal/store"
	"github.com/coinflux/gateway/internal/twap"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg, RequestID: requestID(r)})
}

// respondMapped translates a service error to its HTTP status.
func respondMapped(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrUnknownExchange),
		errors.Is(err, twap.ErrOrderNotFound),
		errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrUnsupportedInterval),
		errors.Is(err, exchange.ErrInvalidSymbol),
		errors.Is(err, exchange.ErrInvalidRange),
		errors.Is(err, store.ErrUsernameTaken),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, twap.ErrInvalidSide),
		errors.Is(err, twap.ErrInvalidQuantity),
		errors.Is(err, twap.ErrInvalidSchedule),
		errors.Is(err, twap.ErrInvalidStatus),
		errors.Is(err, twap.ErrDuplicateOrder):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, twap.ErrOrderTerminal):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
