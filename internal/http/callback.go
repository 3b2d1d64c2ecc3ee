package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pauline2k/weave-bot-orb/internal/metrics"
	"github.com/pauline2k/weave-bot-orb/internal/relay"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// Finalizer applies agent callbacks. *relay.Receiver implements it.
type Finalizer interface {
	Finalize(ctx context.Context, cb relay.Callback) (relay.Outcome, error)
}

// CallbackHandler serves POST /callback for the parsing agent.
type CallbackHandler struct {
	receiver Finalizer
	token    string
	limiter  *RateLimiter
}

// NewCallbackHandler creates the callback endpoint. token, when set, must be
// presented as a bearer token; limiter may be nil.
func NewCallbackHandler(receiver Finalizer, token string, limiter *RateLimiter) *CallbackHandler {
	return &CallbackHandler{receiver: receiver, token: token, limiter: limiter}
}

// RegisterRoutes registers the callback route on mux.
func (h *CallbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.RouteCallback, h.handleCallback)
}

func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientKey(r)) {
		metrics.RateLimitHits.WithLabelValues("callback").Inc()
		slog.Warn("security.rate_limited", "endpoint", protocol.RouteCallback, "client", clientKey(r))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !tokenMatches(r, h.token) {
		slog.Warn("security.callback_unauthorized", "client", clientKey(r))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload protocol.CallbackPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		metrics.Callbacks.WithLabelValues("malformed").Inc()
		slog.Warn(protocol.EventCallbackMalformed, "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	outcome, err := h.receiver.Finalize(r.Context(), relay.CallbackFromPayload(payload))
	switch {
	case err == nil:
		slog.Debug("callback handled", "agent_request_id", payload.RequestID, "outcome", outcome)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, relay.ErrMalformedCallback):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown request")
	default:
		slog.Error("callback failed", "agent_request_id", payload.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
