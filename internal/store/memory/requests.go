// Package memory is the ephemeral correlation store: a map guarded by one mutex.
// Everything is lost on restart, which the relay tolerates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// RequestStore implements store.RequestStore in process memory.
type RequestStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	byID     map[string]*store.ParseRequest
	byAgent  map[string]string // agent request id → id
	bySource map[string]string // active source ref → id
}

// NewRequestStore creates an empty in-memory store.
func NewRequestStore(opts ...store.Option) *RequestStore {
	o := store.ResolveOptions(opts...)
	return &RequestStore{
		now:      o.Now,
		byID:     make(map[string]*store.ParseRequest),
		byAgent:  make(map[string]string),
		bySource: make(map[string]string),
	}
}

func (s *RequestStore) Create(_ context.Context, req *store.ParseRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := req.SourceMessageRef.String()
	if _, ok := s.bySource[src]; ok {
		return "", fmt.Errorf("%w: %s", store.ErrDuplicateActiveRequest, src)
	}
	if err := store.PrepareCreate(req, s.now()); err != nil {
		return "", err
	}
	if _, ok := s.byID[req.ID]; ok {
		return "", fmt.Errorf("request id %s already exists", req.ID)
	}

	cp := *req
	s.byID[cp.ID] = &cp
	s.bySource[src] = cp.ID
	return cp.ID, nil
}

func (s *RequestStore) Get(_ context.Context, id string) (*store.ParseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *RequestStore) GetByAgentRequestID(_ context.Context, agentRequestID string) (*store.ParseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAgent[agentRequestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *RequestStore) Transition(_ context.Context, id string, expected, next store.RequestState, fields store.TransitionFields) (*store.ParseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := store.ValidateTransition(cur, expected, next, fields); err != nil {
		return nil, err
	}
	if fields.AgentRequestID != "" {
		if owner, taken := s.byAgent[fields.AgentRequestID]; taken && owner != id {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateAgentRequest, fields.AgentRequestID)
		}
	}

	store.ApplyTransition(cur, next, fields, s.now())
	if cur.AgentRequestID != "" {
		s.byAgent[cur.AgentRequestID] = id
	}
	if !next.IsActive() {
		delete(s.bySource, cur.SourceMessageRef.String())
	}

	cp := *cur
	return &cp, nil
}

func (s *RequestStore) SetStatusMessage(_ context.Context, id string, ref store.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	cur.StatusMessageRef = ref
	return nil
}

func (s *RequestStore) ListStale(_ context.Context, olderThan time.Time, state store.RequestState) ([]store.ParseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.ParseRequest
	for _, req := range s.byID {
		if req.State == state && req.UpdatedAt.Before(olderThan) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *RequestStore) List(_ context.Context, opts store.ListOpts) ([]store.ParseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[store.RequestState]bool, len(opts.States))
	for _, st := range opts.States {
		want[st] = true
	}

	var out []store.ParseRequest
	for _, req := range s.byID {
		if len(want) > 0 && !want[req.State] {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RequestStore) Close() error { return nil }
