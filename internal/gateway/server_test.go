package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pauline2k/weave-bot-orb/internal/config"
	httpapi "github.com/pauline2k/weave-bot-orb/internal/http"
	"github.com/pauline2k/weave-bot-orb/internal/relay"
	"github.com/pauline2k/weave-bot-orb/internal/store/memory"
)

type nopFinalizer struct{}

func (nopFinalizer) Finalize(context.Context, relay.Callback) (relay.Outcome, error) {
	return relay.OutcomeDuplicate, nil
}

func newTestServer() *httptest.Server {
	s := NewServer(config.GatewayConfig{},
		httpapi.NewCallbackHandler(nopFinalizer{}, "", nil),
		httpapi.NewRequestsHandler(memory.NewRequestStore(), ""),
	)
	return httptest.NewServer(s.Handler())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServerRoutes(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	if code, body := get(t, srv.URL+"/health"); code != http.StatusOK || body != `{"status":"ok"}` {
		t.Fatalf("unexpected health: %d %q", code, body)
	}
	if code, body := get(t, srv.URL+"/"); code != http.StatusOK || body != Banner {
		t.Fatalf("unexpected banner: %d %q", code, body)
	}
	if code, _ := get(t, srv.URL+"/nope"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got: %d", code)
	}
	if code, _ := get(t, srv.URL+"/v1/requests"); code != http.StatusOK {
		t.Fatalf("expected admin list, got: %d", code)
	}

	resp, err := http.Post(srv.URL+"/callback", "application/json", strings.NewReader(`{"request_id":"a","status":"failed"}`))
	if err != nil {
		t.Fatalf("POST /callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from callback, got: %d", resp.StatusCode)
	}

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "weavebot_http_request_duration_seconds") {
		t.Fatalf("expected relay metrics exposed, got: %d", code)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s := NewServer(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got: %v", err)
	}
}
