// Package relay is the correlation core: it accepts link messages, dispatches
// them to the parsing agent, finalises requests from agent callbacks and times
// out the ones that never get one. Every state change is a compare-and-set
// Transition on the shared store.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/metrics"
	"github.com/pauline2k/weave-bot-orb/internal/parser"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/internal/tracing"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

var urlPattern = regexp.MustCompile(`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)

// ExtractURL returns the first well-formed http(s) URL in text.
func ExtractURL(text string) (string, bool) {
	for _, candidate := range urlPattern.FindAllString(text, -1) {
		candidate = strings.TrimRight(candidate, ".,;:!?")
		u, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		if (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return candidate, true
		}
	}
	return "", false
}

// ListenerOptions tunes a Listener.
type ListenerOptions struct {
	// Retries is the number of immediate re-dispatches after ErrAgentUnreachable. Clamped to 0..1.
	Retries int
	// Images enables hybrid link+flyer dispatch. Nil sends links only.
	Images ImageFetcher
}

// Listener turns inbound link messages into dispatched parse requests.
type Listener struct {
	store      store.RequestStore
	dispatcher parser.Dispatcher
	updater    *Updater
	images     ImageFetcher
	retries    int

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewListener creates a Listener.
func NewListener(st store.RequestStore, d parser.Dispatcher, u *Updater, opts ListenerOptions) *Listener {
	retries := opts.Retries
	if retries > 1 {
		retries = 1
	}
	if retries < 0 {
		retries = 0
	}
	return &Listener{
		store:      st,
		dispatcher: d,
		updater:    u,
		images:     opts.Images,
		retries:    retries,
	}
}

// Run consumes in until ctx is done. It never blocks on dispatch.
func (l *Listener) Run(ctx context.Context, in bus.InboundRouter) error {
	slog.Info("relay listener started", "retries", l.retries, "hybrid", l.images != nil)
	for {
		msg, ok := in.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		l.Handle(ctx, msg)
	}
}

// Handle accepts one message. The store record is created before Handle
// returns; acknowledgement and dispatch continue in the background.
// It reports whether a new request was created.
func (l *Listener) Handle(ctx context.Context, msg bus.InboundMessage) bool {
	link, ok := ExtractURL(msg.Content)
	if !ok {
		return false
	}
	source := store.MessageRef{Platform: msg.Channel, ChatID: msg.ChatID, MessageID: msg.MessageID}

	// In-flight work outlives the consume loop; Wait drains it on shutdown.
	bg := context.WithoutCancel(ctx)

	req := &store.ParseRequest{SourceMessageRef: source}
	id, err := l.store.Create(ctx, req)
	if errors.Is(err, store.ErrDuplicateActiveRequest) {
		metrics.RequestEvents.WithLabelValues(protocol.EventRequestDuplicate).Inc()
		slog.Info(protocol.EventRequestDuplicate, "source", source.String())
		l.spawn(func() { l.updater.Duplicate(bg, source) })
		return false
	}
	if err != nil {
		slog.Error("relay.create_failed", "source", source.String(), "error", err)
		return false
	}

	metrics.RequestEvents.WithLabelValues(protocol.EventRequestAccepted).Inc()
	slog.Info(protocol.EventRequestAccepted,
		"request_id", id,
		"source", source.String(),
		"channel", msg.Channel,
		"url", link,
	)
	l.spawn(func() { l.process(bg, req, link, msg) })
	return true
}

func (l *Listener) spawn(fn func()) {
	l.wg.Add(1)
	l.inFlight.Add(1)
	metrics.DispatchesInFlight.Inc()
	go func() {
		defer func() {
			metrics.DispatchesInFlight.Dec()
			l.inFlight.Add(-1)
			l.wg.Done()
		}()
		fn()
	}()
}

// process acknowledges, dispatches and records the dispatch outcome.
func (l *Listener) process(ctx context.Context, req *store.ParseRequest, link string, msg bus.InboundMessage) {
	ctx, span := tracing.Tracer().Start(ctx, "relay.process")
	span.SetAttributes(attribute.String("request.id", req.ID))
	defer span.End()

	l.updater.Acknowledge(ctx, req)

	dreq := parser.DispatchRequest{
		URL:              link,
		SourceMessageRef: req.SourceMessageRef,
		ParseMode:        protocol.ParseModeURL,
	}
	if l.images != nil {
		if att, ok := firstImage(msg); ok {
			if img, err := l.images.FetchImage(ctx, att); err != nil {
				slog.Warn("relay.image_skipped", "request_id", req.ID, "error", err)
			} else {
				dreq.ParseMode = protocol.ParseModeHybrid
				dreq.ImageBase64 = img
			}
		}
	}

	agentID, err := l.dispatch(ctx, req.ID, dreq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		l.fail(ctx, req, err)
		return
	}

	updated, err := l.store.Transition(ctx, req.ID, store.StatePending, store.StateDispatched,
		store.TransitionFields{AgentRequestID: agentID})
	switch {
	case err == nil:
		metrics.RequestEvents.WithLabelValues(protocol.EventRequestDispatched).Inc()
		slog.Info(protocol.EventRequestDispatched,
			"request_id", req.ID,
			"agent_request_id", agentID,
			"parse_mode", dreq.ParseMode,
		)
		*req = *updated
	case errors.Is(err, store.ErrStaleTransition):
		// The sweeper already abandoned it; the agent's callback will be unknown.
		slog.Warn("relay.dispatch_after_abandon", "request_id", req.ID, "agent_request_id", agentID)
	case errors.Is(err, store.ErrDuplicateAgentRequest):
		slog.Error("relay.agent_id_reused", "request_id", req.ID, "agent_request_id", agentID)
		l.fail(ctx, req, err)
	default:
		// Left pending; crash recovery in the sweeper finishes it.
		slog.Error("relay.transition_failed", "request_id", req.ID, "to", store.StateDispatched, "error", err)
	}
}

// dispatch calls the agent, retrying once on transport failure when configured.
func (l *Listener) dispatch(ctx context.Context, id string, dreq parser.DispatchRequest) (string, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		agentID, err := l.dispatcher.Dispatch(ctx, dreq)
		metrics.DispatchDuration.WithLabelValues(dispatchResult(err)).Observe(time.Since(start).Seconds())
		if err == nil {
			return agentID, nil
		}
		if attempt < l.retries && errors.Is(err, parser.ErrAgentUnreachable) {
			slog.Warn("relay.dispatch_retry", "request_id", id, "attempt", attempt+1, "error", err)
			continue
		}
		return "", err
	}
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, parser.ErrAgentUnreachable):
		return "unreachable"
	default:
		return "rejected"
	}
}

func (l *Listener) fail(ctx context.Context, req *store.ParseRequest, cause error) {
	updated, err := l.store.Transition(ctx, req.ID, store.StatePending, store.StateFailed, store.TransitionFields{})
	if err != nil {
		if !errors.Is(err, store.ErrStaleTransition) {
			slog.Error("relay.transition_failed", "request_id", req.ID, "to", store.StateFailed, "error", err)
		}
		return
	}
	metrics.RequestEvents.WithLabelValues(protocol.EventRequestFailed).Inc()
	slog.Warn(protocol.EventRequestFailed, "request_id", req.ID, "stage", "dispatch", "error", cause)
	l.updater.DispatchFailed(ctx, updated)
}

// InFlight reports accepted messages still being acknowledged or dispatched.
func (l *Listener) InFlight() int64 { return l.inFlight.Load() }

// Wait blocks until all in-flight work has finished.
func (l *Listener) Wait() { l.wg.Wait() }
