package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pauline2k/weave-bot-orb/internal/metrics"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// ErrMalformedCallback rejects a callback before it touches the store.
var ErrMalformedCallback = errors.New("malformed callback")

// Callback is one agent notification.
type Callback struct {
	AgentRequestID string
	Status         string // protocol.CallbackStatus*
	ResultURL      string
	Error          string
	Event          *protocol.Event
}

// CallbackFromPayload converts the wire form.
func CallbackFromPayload(p protocol.CallbackPayload) Callback {
	return Callback{
		AgentRequestID: p.RequestID,
		Status:         p.Status,
		ResultURL:      p.ResultURL,
		Error:          p.Error,
		Event:          p.Event,
	}
}

// Validate checks the fields Finalize relies on.
func (cb Callback) Validate() error {
	if cb.AgentRequestID == "" {
		return fmt.Errorf("%w: request_id is required", ErrMalformedCallback)
	}
	switch cb.Status {
	case protocol.CallbackStatusCompleted, protocol.CallbackStatusFailed:
		return nil
	}
	return fmt.Errorf("%w: status must be %q or %q, got %q", ErrMalformedCallback,
		protocol.CallbackStatusCompleted, protocol.CallbackStatusFailed, cb.Status)
}

// Outcome reports what a successful Finalize did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDuplicate: the request was already terminal.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeLate: another transition (usually the sweeper) won the race.
	OutcomeLate Outcome = "late"
)

// PendingCounter reports in-flight dispatches. *Listener implements it.
type PendingCounter interface {
	InFlight() int64
}

// Receiver finalises requests from agent callbacks.
type Receiver struct {
	store   store.RequestStore
	updater *Updater
	pending PendingCounter
	grace   time.Duration
	poll    time.Duration
}

// NewReceiver creates a Receiver. With grace > 0 and dispatches in flight, an
// unknown agent id is looked up again for up to grace: the agent may call back
// before the pending→dispatched write lands.
func NewReceiver(st store.RequestStore, u *Updater, pending PendingCounter, grace time.Duration) *Receiver {
	return &Receiver{
		store:   st,
		updater: u,
		pending: pending,
		grace:   grace,
		poll:    50 * time.Millisecond,
	}
}

// Finalize applies cb. Errors are ErrMalformedCallback, store.ErrNotFound, or
// a store failure; every race outcome is a success.
func (r *Receiver) Finalize(ctx context.Context, cb Callback) (Outcome, error) {
	if err := cb.Validate(); err != nil {
		metrics.Callbacks.WithLabelValues("malformed").Inc()
		slog.Warn(protocol.EventCallbackMalformed, "error", err)
		return "", err
	}

	req, err := r.lookup(ctx, cb.AgentRequestID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.Callbacks.WithLabelValues("unknown").Inc()
		slog.Warn(protocol.EventCallbackUnknown, "agent_request_id", cb.AgentRequestID)
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("look up agent request %s: %w", cb.AgentRequestID, err)
	}

	if req.State.IsTerminal() {
		metrics.Callbacks.WithLabelValues("duplicate").Inc()
		event := protocol.EventCallbackDuplicate
		if req.State == store.StateTimedOut {
			event = protocol.EventCallbackLate
		}
		slog.Info(event, "request_id", req.ID, "agent_request_id", cb.AgentRequestID, "state", req.State)
		return OutcomeDuplicate, nil
	}

	next, fields, reason := store.StateFailed, store.TransitionFields{}, cb.Error
	if cb.Status == protocol.CallbackStatusCompleted {
		if cb.ResultURL != "" {
			next, fields.ResultRef = store.StateCompleted, cb.ResultURL
		} else {
			reason = NoResultReason
		}
	}

	updated, err := r.store.Transition(ctx, req.ID, store.StateDispatched, next, fields)
	if errors.Is(err, store.ErrStaleTransition) {
		metrics.Callbacks.WithLabelValues("late").Inc()
		slog.Info(protocol.EventCallbackLate, "request_id", req.ID, "agent_request_id", cb.AgentRequestID)
		return OutcomeLate, nil
	}
	if err != nil {
		return "", fmt.Errorf("finalize request %s: %w", req.ID, err)
	}

	if next == store.StateCompleted {
		metrics.Callbacks.WithLabelValues("completed").Inc()
		metrics.RequestEvents.WithLabelValues(protocol.EventRequestCompleted).Inc()
		slog.Info(protocol.EventRequestCompleted, "request_id", updated.ID, "agent_request_id", cb.AgentRequestID, "result", cb.ResultURL)
		r.updater.Completed(ctx, updated, cb.Event)
		return OutcomeCompleted, nil
	}

	metrics.Callbacks.WithLabelValues("failed").Inc()
	metrics.RequestEvents.WithLabelValues(protocol.EventRequestFailed).Inc()
	slog.Info(protocol.EventRequestFailed, "request_id", updated.ID, "agent_request_id", cb.AgentRequestID, "stage", "agent", "error", reason)
	r.updater.Failed(ctx, updated, reason)
	return OutcomeFailed, nil
}

// lookup finds the request for agentID, honouring the late-binding grace.
func (r *Receiver) lookup(ctx context.Context, agentID string) (*store.ParseRequest, error) {
	if r.grace <= 0 || r.pending == nil {
		return r.store.GetByAgentRequestID(ctx, agentID)
	}

	deadline := time.Now().Add(r.grace)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		// Sampled before the lookup: a dispatch records its agent id before it
		// stops counting as in flight.
		busy := r.pending.InFlight() > 0
		req, err := r.store.GetByAgentRequestID(ctx, agentID)
		if !errors.Is(err, store.ErrNotFound) {
			return req, err
		}
		if !busy || !time.Now().Before(deadline) {
			return nil, store.ErrNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
