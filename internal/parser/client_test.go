package parser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

var testSource = store.MessageRef{Platform: "discord", ChatID: "42", MessageID: "1001"}

func TestDispatch_Success(t *testing.T) {
	var got protocol.DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"request_id":"a1","status":"processing"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "http://relay:3000/callback")
	agentID, err := c.Dispatch(context.Background(), DispatchRequest{
		URL:              "https://example.com/event",
		SourceMessageRef: testSource,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agentID != "a1" {
		t.Fatalf("expected a1, got: %q", agentID)
	}
	if got.URL != "https://example.com/event" || got.SourceMessageID != "1001" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.CallbackURL != "http://relay:3000/callback" {
		t.Fatalf("expected callback url to be sent, got: %q", got.CallbackURL)
	}
	if got.ParseMode != protocol.ParseModeURL {
		t.Fatalf("expected default parse mode url, got: %q", got.ParseMode)
	}
	if got.ImageBase64 != "" {
		t.Fatalf("expected no image, got %d bytes", len(got.ImageBase64))
	}
}

func TestDispatch_HybridCarriesImage(t *testing.T) {
	var got protocol.DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"request_id":"a2"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.Dispatch(context.Background(), DispatchRequest{
		URL:              "https://example.com/e",
		SourceMessageRef: testSource,
		ParseMode:        protocol.ParseModeHybrid,
		ImageBase64:      "aGVsbG8=",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ParseMode != protocol.ParseModeHybrid || got.ImageBase64 != "aGVsbG8=" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestDispatch_Rejected(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`},
		{"bad request", http.StatusBadRequest, `{"detail":"invalid url"}`},
		{"malformed body", http.StatusOK, `not json`},
		{"empty request id", http.StatusOK, `{"request_id":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "").Dispatch(context.Background(), DispatchRequest{
				URL: "https://example.com/e", SourceMessageRef: testSource,
			})
			if !errors.Is(err, ErrAgentRejected) {
				t.Fatalf("expected ErrAgentRejected, got: %v", err)
			}
			if errors.Is(err, ErrAgentUnreachable) {
				t.Fatalf("rejection must not look retryable: %v", err)
			}
			var rej *RejectedError
			if !errors.As(err, &rej) || rej.Status != tc.status {
				t.Fatalf("expected RejectedError with status %d, got: %v", tc.status, err)
			}
		})
	}
}

func TestDispatch_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "").Dispatch(context.Background(), DispatchRequest{
		URL: "https://example.com/e", SourceMessageRef: testSource,
	})
	if !errors.Is(err, ErrAgentUnreachable) {
		t.Fatalf("expected ErrAgentUnreachable, got: %v", err)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, "", WithTimeout(50*time.Millisecond))
	_, err := c.Dispatch(context.Background(), DispatchRequest{
		URL: "https://example.com/e", SourceMessageRef: testSource,
	})
	if !errors.Is(err, ErrAgentUnreachable) {
		t.Fatalf("expected ErrAgentUnreachable on timeout, got: %v", err)
	}
}
