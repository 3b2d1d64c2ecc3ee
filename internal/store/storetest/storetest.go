// Package storetest holds the conformance suite every store.RequestStore backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// Factory builds a fresh, empty store using the given options.
type Factory func(t *testing.T, opts ...store.Option) store.RequestStore

// Clock is a manually advanced clock for deterministic timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sourceRef(n int) store.MessageRef {
	return store.MessageRef{Platform: "discord", ChatID: "100", MessageID: fmt.Sprintf("%d", n)}
}

func mustCreate(t *testing.T, s store.RequestStore, n int) string {
	t.Helper()
	id, err := s.Create(context.Background(), &store.ParseRequest{SourceMessageRef: sourceRef(n)})
	if err != nil {
		t.Fatalf("create request %d: %v", n, err)
	}
	return id
}

func mustDispatch(t *testing.T, s store.RequestStore, id, agentID string) {
	t.Helper()
	if _, err := s.Transition(context.Background(), id, store.StatePending, store.StateDispatched,
		store.TransitionFields{AgentRequestID: agentID}); err != nil {
		t.Fatalf("dispatch %s: %v", id, err)
	}
}

// Run executes the whole suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("DuplicateActive", func(t *testing.T) { testDuplicateActive(t, factory) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, factory) })
	t.Run("RecreateAfterTerminal", func(t *testing.T) { testRecreateAfterTerminal(t, factory) })
	t.Run("GetByAgentRequestID", func(t *testing.T) { testGetByAgent(t, factory) })
	t.Run("AgentIDUnique", func(t *testing.T) { testAgentIDUnique(t, factory) })
	t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, factory) })
	t.Run("TerminalIsFinal", func(t *testing.T) { testTerminalIsFinal(t, factory) })
	t.Run("ResultRefOnlyWhenCompleted", func(t *testing.T) { testResultRef(t, factory) })
	t.Run("InvalidEdge", func(t *testing.T) { testInvalidEdge(t, factory) })
	t.Run("SetStatusMessage", func(t *testing.T) { testSetStatusMessage(t, factory) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, factory) })
	t.Run("List", func(t *testing.T) { testList(t, factory) })
	t.Run("ConcurrentFinalizers", func(t *testing.T) { testConcurrentFinalizers(t, factory) })
}

func testCreateAndGet(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, store.WithClock(clock.Now))
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != store.StatePending {
		t.Fatalf("expected pending, got: %s", got.State)
	}
	if got.SourceMessageRef != sourceRef(1) {
		t.Fatalf("source ref mismatch: %+v", got.SourceMessageRef)
	}
	if got.AgentRequestID != "" || got.ResultRef != "" {
		t.Fatalf("expected empty agent id and result, got: %+v", got)
	}
	if !got.CreatedAt.Equal(clock.Now()) || !got.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("timestamps not stamped from clock: %v %v", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func testDuplicateActive(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	_, err := s.Create(ctx, &store.ParseRequest{SourceMessageRef: sourceRef(1)})
	if !errors.Is(err, store.ErrDuplicateActiveRequest) {
		t.Fatalf("expected ErrDuplicateActiveRequest while pending, got: %v", err)
	}

	mustDispatch(t, s, id, "a1")
	_, err = s.Create(ctx, &store.ParseRequest{SourceMessageRef: sourceRef(1)})
	if !errors.Is(err, store.ErrDuplicateActiveRequest) {
		t.Fatalf("expected ErrDuplicateActiveRequest while dispatched, got: %v", err)
	}

	all, err := s.List(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one stored request, got: %d", len(all))
	}
}

// testConcurrentCreate races many Creates for one source message; exactly one may win.
func testConcurrentCreate(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	const workers = 32
	var (
		wins, dups atomic.Int32
		wg         sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Create(ctx, &store.ParseRequest{SourceMessageRef: sourceRef(5000)})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrDuplicateActiveRequest):
				dups.Add(1)
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || dups.Load() != workers-1 {
		t.Fatalf("expected 1 create and %d duplicates, got: %d and %d", workers-1, wins.Load(), dups.Load())
	}
	active, err := s.List(ctx, store.ListOpts{States: []store.RequestState{store.StatePending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].SourceMessageRef != sourceRef(5000) {
		t.Fatalf("expected one pending request for the message, got: %+v", active)
	}
}

func testRecreateAfterTerminal(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	if _, err := s.Transition(ctx, id, store.StatePending, store.StateFailed, store.TransitionFields{}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	id2, err := s.Create(ctx, &store.ParseRequest{SourceMessageRef: sourceRef(1)})
	if err != nil {
		t.Fatalf("expected re-create after terminal to succeed, got: %v", err)
	}
	if id2 == id {
		t.Fatalf("expected a new id")
	}
}

func testGetByAgent(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	if _, err := s.GetByAgentRequestID(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before dispatch, got: %v", err)
	}
	mustDispatch(t, s, id, "a1")

	got, err := s.GetByAgentRequestID(ctx, "a1")
	if err != nil {
		t.Fatalf("get by agent id: %v", err)
	}
	if got.ID != id || got.State != store.StateDispatched {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func testAgentIDUnique(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id1 := mustCreate(t, s, 1)
	id2 := mustCreate(t, s, 2)
	mustDispatch(t, s, id1, "a1")

	_, err := s.Transition(ctx, id2, store.StatePending, store.StateDispatched, store.TransitionFields{AgentRequestID: "a1"})
	if !errors.Is(err, store.ErrDuplicateAgentRequest) {
		t.Fatalf("expected ErrDuplicateAgentRequest, got: %v", err)
	}
	got, _ := s.Get(ctx, id2)
	if got.State != store.StatePending || got.AgentRequestID != "" {
		t.Fatalf("rejected transition must not change the record: %+v", got)
	}

	// Agent id survives later transitions unchanged.
	if _, err := s.Transition(ctx, id1, store.StateDispatched, store.StateTimedOut, store.TransitionFields{}); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	got, _ = s.Get(ctx, id1)
	if got.AgentRequestID != "a1" {
		t.Fatalf("agent id changed: %q", got.AgentRequestID)
	}
}

func testCompareAndSet(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, store.WithClock(clock.Now))
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	clock.Advance(time.Second)
	mustDispatch(t, s, id, "a1")

	got, _ := s.Get(ctx, id)
	if !got.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("expected updated_at to advance, got: %v", got.UpdatedAt)
	}

	// Caller believes the record is still pending.
	_, err := s.Transition(ctx, id, store.StatePending, store.StateFailed, store.TransitionFields{})
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got: %v", err)
	}

	if _, err := s.Transition(ctx, "missing", store.StatePending, store.StateFailed, store.TransitionFields{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func testTerminalIsFinal(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	mustDispatch(t, s, id, "a1")
	if _, err := s.Transition(ctx, id, store.StateDispatched, store.StateTimedOut, store.TransitionFields{}); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	_, err := s.Transition(ctx, id, store.StateDispatched, store.StateCompleted, store.TransitionFields{ResultRef: "https://cal/e1"})
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition for late callback, got: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.State != store.StateTimedOut || got.ResultRef != "" {
		t.Fatalf("terminal record changed: %+v", got)
	}
}

func testResultRef(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	mustDispatch(t, s, id, "a1")

	_, err := s.Transition(ctx, id, store.StateDispatched, store.StateCompleted, store.TransitionFields{})
	if !errors.Is(err, store.ErrMissingResult) {
		t.Fatalf("expected ErrMissingResult, got: %v", err)
	}

	got, err := s.Transition(ctx, id, store.StateDispatched, store.StateCompleted, store.TransitionFields{ResultRef: "https://cal/e1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.ResultRef != "https://cal/e1" {
		t.Fatalf("expected result ref, got: %q", got.ResultRef)
	}

	id2 := mustCreate(t, s, 2)
	mustDispatch(t, s, id2, "a2")
	got, err = s.Transition(ctx, id2, store.StateDispatched, store.StateFailed, store.TransitionFields{ResultRef: "https://ignored"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.ResultRef != "" {
		t.Fatalf("failed request must not carry a result ref, got: %q", got.ResultRef)
	}
}

func testInvalidEdge(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	_, err := s.Transition(ctx, id, store.StatePending, store.StateTimedOut, store.TransitionFields{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got: %v", err)
	}
	_, err = s.Transition(ctx, id, store.StatePending, store.StateCompleted, store.TransitionFields{ResultRef: "x"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got: %v", err)
	}
}

func testSetStatusMessage(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	id := mustCreate(t, s, 1)
	ref := store.MessageRef{Platform: "discord", ChatID: "100", MessageID: "900"}
	if err := s.SetStatusMessage(ctx, id, ref); err != nil {
		t.Fatalf("set status message: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.StatusMessageRef != ref {
		t.Fatalf("expected %v, got: %v", ref, got.StatusMessageRef)
	}
	if got.State != store.StatePending {
		t.Fatalf("state must not change, got: %s", got.State)
	}
	if err := s.SetStatusMessage(ctx, "missing", ref); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func testListStale(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, store.WithClock(clock.Now))
	ctx := context.Background()

	old := mustCreate(t, s, 1)
	mustDispatch(t, s, old, "a1")
	clock.Advance(10 * time.Second)
	older := mustCreate(t, s, 2)
	mustDispatch(t, s, older, "a2")
	clock.Advance(50 * time.Second)
	fresh := mustCreate(t, s, 3)
	mustDispatch(t, s, fresh, "a3")
	pending := mustCreate(t, s, 4)

	stale, err := s.ListStale(ctx, clock.Now().Add(-30*time.Second), store.StateDispatched)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale requests, got: %d", len(stale))
	}
	if stale[0].ID != old || stale[1].ID != older {
		t.Fatalf("expected oldest first, got: %s, %s", stale[0].ID, stale[1].ID)
	}

	stalePending, err := s.ListStale(ctx, clock.Now().Add(time.Second), store.StatePending)
	if err != nil {
		t.Fatalf("list stale pending: %v", err)
	}
	if len(stalePending) != 1 || stalePending[0].ID != pending {
		t.Fatalf("expected only the pending request, got: %+v", stalePending)
	}
}

func testList(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, store.WithClock(clock.Now))
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 1; i <= 3; i++ {
		ids = append(ids, mustCreate(t, s, i))
		clock.Advance(time.Second)
	}
	mustDispatch(t, s, ids[0], "a1")

	all, err := s.List(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] {
		t.Fatalf("expected newest first, got: %+v", all)
	}

	dispatched, err := s.List(ctx, store.ListOpts{States: []store.RequestState{store.StateDispatched}})
	if err != nil {
		t.Fatalf("list dispatched: %v", err)
	}
	if len(dispatched) != 1 || dispatched[0].ID != ids[0] {
		t.Fatalf("expected only dispatched request, got: %+v", dispatched)
	}

	limited, err := s.List(ctx, store.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2, got: %d", len(limited))
	}
}

// testConcurrentFinalizers races a callback against a sweep on the same record:
// exactly one of the two transitions may win.
func testConcurrentFinalizers(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	const rounds = 20
	for i := 0; i < rounds; i++ {
		id := mustCreate(t, s, 1000+i)
		mustDispatch(t, s, id, fmt.Sprintf("agent-%d", i))

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, next := range []store.RequestState{store.StateCompleted, store.StateTimedOut} {
			wg.Add(1)
			go func(next store.RequestState) {
				defer wg.Done()
				<-start
				fields := store.TransitionFields{}
				if next == store.StateCompleted {
					fields.ResultRef = "https://cal/x"
				}
				_, err := s.Transition(ctx, id, store.StateDispatched, next, fields)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, store.ErrStaleTransition):
				default:
					t.Errorf("unexpected transition error: %v", err)
				}
			}(next)
		}
		close(start)
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: expected exactly one winner, got: %d", i, wins.Load())
		}
		got, _ := s.Get(ctx, id)
		if !got.State.IsTerminal() {
			t.Fatalf("round %d: expected terminal state, got: %s", i, got.State)
		}
	}
}
