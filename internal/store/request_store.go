package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestState is the lifecycle state of a ParseRequest.
type RequestState string

const (
	StatePending    RequestState = "pending"
	StateDispatched RequestState = "dispatched"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateTimedOut   RequestState = "timed_out"
)

// IsTerminal reports whether no transition leaves s.
func (s RequestState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// IsActive reports whether s counts against the one-active-request-per-message rule.
func (s RequestState) IsActive() bool {
	return s == StatePending || s == StateDispatched
}

// Valid reports whether s is a known state.
func (s RequestState) Valid() bool {
	switch s {
	case StatePending, StateDispatched, StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// transitions lists every allowed edge of the request state machine.
var transitions = map[RequestState][]RequestState{
	StatePending:    {StateDispatched, StateFailed},
	StateDispatched: {StateCompleted, StateFailed, StateTimedOut},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to RequestState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound               = errors.New("parse request not found")
	ErrDuplicateActiveRequest = errors.New("an active parse request already exists for this message")
	ErrStaleTransition        = errors.New("parse request is no longer in the expected state")
	ErrInvalidTransition      = errors.New("transition not allowed by the request state machine")
	ErrDuplicateAgentRequest  = errors.New("agent request id already assigned")
	ErrMissingResult          = errors.New("completed requests require a result reference")
)

// MessageRef is an opaque pointer to one chat message on one platform.
// The correlation core never looks inside it; only channel adapters do.
type MessageRef struct {
	Platform  string `json:"platform"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether the reference points nowhere.
func (r MessageRef) IsZero() bool {
	return r.Platform == "" && r.ChatID == "" && r.MessageID == ""
}

// String returns the persisted form "platform:chat:message".
func (r MessageRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Platform + ":" + r.ChatID + ":" + r.MessageID
}

// ParseMessageRef is the inverse of MessageRef.String. The empty string yields a zero ref.
func ParseMessageRef(s string) (MessageRef, error) {
	if s == "" {
		return MessageRef{}, nil
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return MessageRef{}, fmt.Errorf("malformed message ref %q", s)
	}
	return MessageRef{Platform: parts[0], ChatID: parts[1], MessageID: parts[2]}, nil
}

// ParseRequest is one link the relay has accepted for parsing.
type ParseRequest struct {
	ID               string       `json:"id"`
	SourceMessageRef MessageRef   `json:"source_message_ref"`
	StatusMessageRef MessageRef   `json:"status_message_ref"`
	AgentRequestID   string       `json:"agent_request_id,omitempty"`
	State            RequestState `json:"state"`
	ResultRef        string       `json:"result_ref,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TransitionFields carries the columns a transition may set alongside the new state.
// Zero values leave the stored column untouched, except ResultRef which is cleared
// whenever the target state is not completed.
type TransitionFields struct {
	AgentRequestID   string
	ResultRef        string
	StatusMessageRef MessageRef
}

// ListOpts filters List.
type ListOpts struct {
	States []RequestState
	Limit  int
}

// RequestStore is the correlation store: the single shared mutable resource of the relay.
// Every state change goes through Transition, a compare-and-set on the current state.
type RequestStore interface {
	// Create inserts req in the pending state and returns its id.
	// Fails with ErrDuplicateActiveRequest when another pending or dispatched
	// request already exists for req.SourceMessageRef.
	Create(ctx context.Context, req *ParseRequest) (string, error)

	Get(ctx context.Context, id string) (*ParseRequest, error)
	GetByAgentRequestID(ctx context.Context, agentRequestID string) (*ParseRequest, error)

	// Transition moves id from expected to next and applies fields, atomically.
	// Returns ErrStaleTransition when the stored state is not expected.
	Transition(ctx context.Context, id string, expected, next RequestState, fields TransitionFields) (*ParseRequest, error)

	// SetStatusMessage replaces the bot's working message reference. State is untouched.
	SetStatusMessage(ctx context.Context, id string, ref MessageRef) error

	// ListStale returns requests in state whose UpdatedAt is before olderThan, oldest first.
	ListStale(ctx context.Context, olderThan time.Time, state RequestState) ([]ParseRequest, error)

	// List returns requests newest first.
	List(ctx context.Context, opts ListOpts) ([]ParseRequest, error)

	Close() error
}

// ValidateTransition checks a proposed transition against the current record without
// touching storage. Backends call it inside their atomic section.
func ValidateTransition(cur *ParseRequest, expected, next RequestState, fields TransitionFields) error {
	if !CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	if cur.State != expected {
		return fmt.Errorf("%w: request %s is %s, expected %s", ErrStaleTransition, cur.ID, cur.State, expected)
	}
	if next == StateCompleted && fields.ResultRef == "" {
		return ErrMissingResult
	}
	if fields.AgentRequestID != "" && cur.AgentRequestID != "" && cur.AgentRequestID != fields.AgentRequestID {
		return fmt.Errorf("%w: request %s already has %s", ErrDuplicateAgentRequest, cur.ID, cur.AgentRequestID)
	}
	return nil
}

// ApplyTransition mutates cur the way a successful Transition does.
func ApplyTransition(cur *ParseRequest, next RequestState, fields TransitionFields, now time.Time) {
	cur.State = next
	if fields.AgentRequestID != "" {
		cur.AgentRequestID = fields.AgentRequestID
	}
	if next == StateCompleted {
		cur.ResultRef = fields.ResultRef
	} else {
		cur.ResultRef = ""
	}
	if !fields.StatusMessageRef.IsZero() {
		cur.StatusMessageRef = fields.StatusMessageRef
	}
	cur.UpdatedAt = now
}

// NewRequestID returns a fresh, time-ordered local request id.
func NewRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Options are the settings shared by every backend.
type Options struct {
	Now func() time.Time
}

// Option configures a backend.
type Option func(*Options)

// WithClock overrides the clock used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// ResolveOptions applies opts over the defaults.
func ResolveOptions(opts ...Option) Options {
	o := Options{Now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// PrepareCreate fills the fields Create owns: id, state and timestamps.
func PrepareCreate(req *ParseRequest, now time.Time) error {
	if req.SourceMessageRef.IsZero() {
		return fmt.Errorf("source message ref is required")
	}
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	req.State = StatePending
	req.AgentRequestID = ""
	req.ResultRef = ""
	req.CreatedAt = now
	req.UpdatedAt = now
	return nil
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50
