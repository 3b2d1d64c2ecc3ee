package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pauline2k/weave-bot-orb/internal/metrics"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// DefaultSweepInterval is used when none is configured.
const DefaultSweepInterval = 15 * time.Second

// Sweeper times out dispatched requests whose callback never came, and fails
// pending requests left behind by a crash between Create and dispatch.
type Sweeper struct {
	store    store.RequestStore
	updater  *Updater
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock overrides time.Now.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper with the given request deadline and tick interval.
func NewSweeper(st store.RequestStore, u *Updater, timeout, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{store: st, updater: u, timeout: timeout, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("relay sweeper started", "timeout", s.timeout, "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	TimedOut  int
	Abandoned int
}

// SweepOnce runs a single pass over the store.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	metrics.SweepRuns.Inc()
	cutoff := s.now().Add(-s.timeout)

	var res SweepResult
	res.TimedOut = s.sweep(ctx, cutoff, store.StateDispatched, store.StateTimedOut, protocol.EventRequestTimedOut, s.updater.TimedOut)
	res.Abandoned = s.sweep(ctx, cutoff, store.StatePending, store.StateFailed, protocol.EventRequestAbandoned, s.updater.DispatchFailed)
	if res.TimedOut > 0 || res.Abandoned > 0 {
		slog.Info("relay sweep finished", "timed_out", res.TimedOut, "abandoned", res.Abandoned)
	}
	return res
}

func (s *Sweeper) sweep(ctx context.Context, cutoff time.Time, from, to store.RequestState, event string,
	notify func(context.Context, *store.ParseRequest)) int {
	stale, err := s.store.ListStale(ctx, cutoff, from)
	if err != nil {
		slog.Warn("relay.sweep_list_failed", "state", from, "error", err)
		return 0
	}

	n := 0
	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		updated, err := s.store.Transition(ctx, stale[i].ID, from, to, store.TransitionFields{})
		if errors.Is(err, store.ErrStaleTransition) {
			continue // a callback or dispatch outcome landed first
		}
		if err != nil {
			slog.Warn("relay.transition_failed", "request_id", stale[i].ID, "to", to, "error", err)
			continue
		}
		n++
		metrics.RequestEvents.WithLabelValues(event).Inc()
		slog.Info(event, "request_id", updated.ID, "agent_request_id", updated.AgentRequestID, "age", s.now().Sub(updated.CreatedAt).Round(time.Second))
		notify(ctx, updated)
	}
	return n
}
