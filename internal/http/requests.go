package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// maxListLimit bounds ?limit= on the admin list.
const maxListLimit = 200

// RequestsHandler serves the read-only admin view of parse requests.
type RequestsHandler struct {
	store store.RequestStore
	token string
}

// NewRequestsHandler creates the admin handler. An empty token leaves it open.
func NewRequestsHandler(s store.RequestStore, token string) *RequestsHandler {
	return &RequestsHandler{store: s, token: token}
}

// RegisterRoutes registers all request routes on the given mux.
func (h *RequestsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+protocol.RouteRequests, h.auth(h.handleList))
	mux.HandleFunc("GET "+protocol.RouteRequestByID, h.auth(h.handleGet))
}

func (h *RequestsHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r, h.token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (h *RequestsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOpts{Limit: store.DefaultListLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := store.RequestState(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(st)))
				return
			}
			opts.States = append(opts.States, st)
		}
	}

	reqs, err := h.store.List(r.Context(), opts)
	if err != nil {
		slog.Error("requests.list", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	if reqs == nil {
		reqs = []store.ParseRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"limit":    opts.Limit,
	})
}

func (h *RequestsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		slog.Error("requests.get", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}
