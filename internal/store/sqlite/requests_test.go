package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/internal/store/storetest"
)

func TestRequestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts ...store.Option) store.RequestStore {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "weavebot.db"), opts...)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRequestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "weavebot.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src := store.MessageRef{Platform: "discord", ChatID: "1", MessageID: "2"}
	id, err := s.Create(ctx, &store.ParseRequest{SourceMessageRef: src})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Transition(ctx, id, store.StatePending, store.StateDispatched,
		store.TransitionFields{AgentRequestID: "agent-1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetByAgentRequestID(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.ID != id || got.State != store.StateDispatched {
		t.Fatalf("unexpected request after reopen: %+v", got)
	}
	if _, err := s.Create(ctx, &store.ParseRequest{SourceMessageRef: src}); !errors.Is(err, store.ErrDuplicateActiveRequest) {
		t.Fatalf("expected ErrDuplicateActiveRequest after reopen, got: %v", err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
