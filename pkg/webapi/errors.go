package webapi

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/sessions"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusFor maps a gateway failure to an HTTP status code.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, sessions.ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	kind, ok := sessions.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case sessions.ErrInvalidSessionID, sessions.ErrInvalidRecipient:
		return http.StatusBadRequest
	case sessions.ErrSessionNotFound, sessions.ErrMessageNotFound:
		return http.StatusNotFound
	case sessions.ErrAuthFailure:
		return http.StatusUnauthorized
	case sessions.ErrDisconnected:
		return http.StatusServiceUnavailable
	case sessions.ErrPairingTimeout, sessions.ErrTimeout:
		return http.StatusGatewayTimeout
	case sessions.ErrSendFailure, sessions.ErrMediaSendFailure, sessions.ErrMediaDownloadFailure,
		sessions.ErrQueryFailure, sessions.ErrLogoutFailure, sessions.ErrWebhookDeliveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}
	if kind, ok := sessions.KindOf(err); ok {
		body.Kind = string(kind)
	}
	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Warn()
	}
	ev.Err(err).Str("component", "webapi").Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webapi").Msg("response encode failed")
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
