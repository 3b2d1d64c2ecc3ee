// Package gateway runs the relay's HTTP server: agent callbacks, health,
// metrics and the admin API on one listener.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pauline2k/weave-bot-orb/internal/config"
	httpapi "github.com/pauline2k/weave-bot-orb/internal/http"
	"github.com/pauline2k/weave-bot-orb/internal/metrics"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// Banner is served at GET /.
const Banner = "You found Weave Bot!\nSay hi at https://oaklog.org\n"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Server is the relay's HTTP server.
type Server struct {
	cfg      config.GatewayConfig
	callback *httpapi.CallbackHandler
	requests *httpapi.RequestsHandler

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a server. requests may be nil to leave the admin API off.
func NewServer(cfg config.GatewayConfig, callback *httpapi.CallbackHandler, requests *httpapi.RequestsHandler) *Server {
	return &Server{cfg: cfg, callback: callback, requests: requests}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleBanner)
	mux.HandleFunc("GET "+protocol.RouteHealth, s.handleHealth)
	mux.Handle("GET "+protocol.RouteMetrics, promhttp.Handler())

	if s.callback != nil {
		s.callback.RegisterRoutes(mux)
	}
	if s.requests != nil {
		s.requests.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return instrument(s.BuildMux())
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, Banner)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request duration labelled by matched route pattern.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
