// Package parser is the client for the external event-parsing agent.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

var (
	// ErrAgentUnreachable means the request never got an HTTP answer
	// (connection refused, DNS, timeout). Safe to retry.
	ErrAgentUnreachable = errors.New("parsing agent unreachable")
	// ErrAgentRejected means the agent answered but did not accept the job.
	ErrAgentRejected = errors.New("parsing agent rejected the request")
)

// DefaultTimeout bounds one dispatch round trip.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a rejection body ends up in error strings.
const maxErrorBody = 512

// DispatchRequest is what the relay hands the agent for one link.
type DispatchRequest struct {
	URL              string
	SourceMessageRef store.MessageRef
	ParseMode        string // protocol.ParseMode*; empty means url
	ImageBase64      string
}

// Dispatcher submits parse jobs. *Client implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (string, error)
}

// RejectedError carries the agent's answer when it refused a job.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", ErrAgentRejected, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", ErrAgentRejected, e.Status, e.Body)
}

func (e *RejectedError) Unwrap() error { return ErrAgentRejected }

// Client posts parse jobs to the agent's HTTP endpoint.
type Client struct {
	endpoint    string
	callbackURL string
	client      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (its Timeout is kept as-is).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the round-trip timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// NewClient creates a client for endpoint. callbackURL is sent with every job so
// the agent knows where to report back.
func NewClient(endpoint, callbackURL string, opts ...Option) *Client {
	c := &Client{
		endpoint:    strings.TrimSpace(endpoint),
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch submits req and returns the agent-assigned request id.
// It never retries; the caller decides.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	ctx, span := otel.Tracer("weavebot/parser").Start(ctx, "parser.dispatch")
	defer span.End()

	mode := req.ParseMode
	if mode == "" {
		mode = protocol.ParseModeURL
	}
	span.SetAttributes(
		attribute.String("parse.url", req.URL),
		attribute.String("parse.mode", mode),
	)

	agentID, err := c.dispatch(ctx, protocol.DispatchRequest{
		URL:             req.URL,
		SourceMessageID: req.SourceMessageRef.MessageID,
		CallbackURL:     c.callbackURL,
		ParseMode:       mode,
		ImageBase64:     req.ImageBase64,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("agent.request_id", agentID))
	return agentID, nil
}

func (c *Client) dispatch(ctx context.Context, body protocol.DispatchRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		// A malformed endpoint is a configuration problem, not a transient one.
		return "", &RejectedError{Body: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrAgentUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RejectedError{Status: resp.StatusCode, Body: truncate(string(respBody), maxErrorBody)}
	}

	var out protocol.DispatchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &RejectedError{Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}
	if strings.TrimSpace(out.RequestID) == "" {
		return "", &RejectedError{Status: resp.StatusCode, Body: "response carries no request_id"}
	}
	return out.RequestID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
