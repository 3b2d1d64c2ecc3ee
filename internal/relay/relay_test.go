package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/parser"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/internal/store/memory"
	"github.com/pauline2k/weave-bot-orb/internal/store/storetest"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// fakeChat records every chat operation. Messages it "posted" live in texts.
type fakeChat struct {
	mu      sync.Mutex
	seq     int
	texts   map[string]string // ref string → current text
	posts   []string
	edits   []string
	deletes []string
	editErr error
}

func newFakeChat() *fakeChat { return &fakeChat{texts: map[string]string{}} }

func (f *fakeChat) Post(_ context.Context, replyTo store.MessageRef, text string) (store.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ref := store.MessageRef{Platform: replyTo.Platform, ChatID: replyTo.ChatID, MessageID: fmt.Sprintf("bot-%d", f.seq)}
	f.texts[ref.String()] = text
	f.posts = append(f.posts, text)
	return ref, nil
}

func (f *fakeChat) Edit(_ context.Context, ref store.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	if _, ok := f.texts[ref.String()]; !ok {
		return channels.ErrMessageNotFound
	}
	f.texts[ref.String()] = text
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeChat) Delete(_ context.Context, ref store.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.texts, ref.String())
	f.deletes = append(f.deletes, ref.String())
	return nil
}

func (f *fakeChat) text(ref store.MessageRef) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[ref.String()]
}

func (f *fakeChat) counts() (posts, edits, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts), len(f.edits), len(f.deletes)
}

// fakeDispatcher answers with fn, counting calls.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []parser.DispatchRequest
	fn    func(n int) (string, error)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req parser.DispatchRequest) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	n := len(d.calls)
	d.mu.Unlock()
	return d.fn(n)
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func okDispatcher(agentID string) *fakeDispatcher {
	return &fakeDispatcher{fn: func(int) (string, error) { return agentID, nil }}
}

type harness struct {
	clock    *storetest.Clock
	store    store.RequestStore
	chat     *fakeChat
	updater  *Updater
	listener *Listener
	receiver *Receiver
	sweeper  *Sweeper
}

const testTimeout = 5 * time.Minute

func newHarness(t *testing.T, d parser.Dispatcher, opts ListenerOptions, uopts ...UpdaterOption) *harness {
	t.Helper()
	clock := storetest.NewClock()
	st := memory.NewRequestStore(store.WithClock(clock.Now))
	chat := newFakeChat()
	u := NewUpdater(chat, st, uopts...)
	l := NewListener(st, d, u, opts)
	return &harness{
		clock:    clock,
		store:    st,
		chat:     chat,
		updater:  u,
		listener: l,
		receiver: NewReceiver(st, u, l, 0),
		sweeper:  NewSweeper(st, u, testTimeout, time.Second, WithSweepClock(clock.Now)),
	}
}

func linkMessage(id string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "discord",
		ChatID:    "chan-1",
		MessageID: id,
		SenderID:  "u1",
		Content:   "check this out https://example.com/events/42 see you there",
	}
}

func sourceOf(msg bus.InboundMessage) store.MessageRef {
	return store.MessageRef{Platform: msg.Channel, ChatID: msg.ChatID, MessageID: msg.MessageID}
}

// accept runs a message through the listener and returns its settled request.
func (h *harness) accept(t *testing.T, msg bus.InboundMessage) *store.ParseRequest {
	t.Helper()
	if !h.listener.Handle(context.Background(), msg) {
		t.Fatalf("expected message %s to be accepted", msg.MessageID)
	}
	h.listener.Wait()
	reqs, err := h.store.List(context.Background(), store.ListOpts{Limit: 1})
	if err != nil || len(reqs) != 1 {
		t.Fatalf("expected one request, got: %v (%v)", reqs, err)
	}
	return &reqs[0]
}

func TestExtractURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://example.com/e/1", "https://example.com/e/1", true},
		{"party at http://foo.org/x?y=1, be there", "http://foo.org/x?y=1", true},
		{"see https://a.example/one and https://b.example/two", "https://a.example/one", true},
		{"ends with a period https://example.com/e.", "https://example.com/e", true},
		{"no links here", "", false},
		{"ftp://example.com/file", "", false},
		{"https://", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractURL(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ExtractURL(%q) = %q, %v; expected %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	msg := linkMessage("m1")

	req := h.accept(t, msg)
	if req.State != store.StateDispatched || req.AgentRequestID != "agent-1" {
		t.Fatalf("expected dispatched with agent-1, got: %+v", req)
	}
	if got := h.chat.text(req.StatusMessageRef); got != AckText {
		t.Fatalf("expected ack text, got: %q", got)
	}

	out, err := h.receiver.Finalize(context.Background(), Callback{
		AgentRequestID: "agent-1",
		Status:         protocol.CallbackStatusCompleted,
		ResultURL:      "https://grist.example/r/1",
	})
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("expected completed, got: %v, %v", out, err)
	}
	want := "All set! I've added your event: https://grist.example/r/1"
	if got := h.chat.text(req.StatusMessageRef); got != want {
		t.Fatalf("expected %q, got: %q", want, got)
	}

	final, _ := h.store.Get(context.Background(), req.ID)
	if final.State != store.StateCompleted || final.ResultRef != "https://grist.example/r/1" {
		t.Fatalf("expected completed with result, got: %+v", final)
	}
}

func TestDuplicateCallbackUpdatesOnce(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	h.accept(t, linkMessage("m1"))

	cb := Callback{AgentRequestID: "agent-1", Status: protocol.CallbackStatusCompleted, ResultURL: "https://r/1"}
	if _, err := h.receiver.Finalize(context.Background(), cb); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	_, editsBefore, _ := h.chat.counts()

	out, err := h.receiver.Finalize(context.Background(), cb)
	if err != nil || out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got: %v, %v", out, err)
	}
	if _, edits, _ := h.chat.counts(); edits != editsBefore {
		t.Fatalf("expected no further edits, got %d (was %d)", edits, editsBefore)
	}
}

func TestDispatchFailure(t *testing.T) {
	unreachable := fmt.Errorf("%w: connection refused", parser.ErrAgentUnreachable)
	rejected := &parser.RejectedError{Status: 500, Body: "boom"}

	cases := []struct {
		name      string
		retries   int
		fn        func(n int) (string, error)
		wantState store.RequestState
		wantCalls int
	}{
		{"unreachable no retry", 0, func(int) (string, error) { return "", unreachable }, store.StateFailed, 1},
		{"unreachable retried once then ok", 1, func(n int) (string, error) {
			if n == 1 {
				return "", unreachable
			}
			return "agent-2", nil
		}, store.StateDispatched, 2},
		{"unreachable twice", 1, func(int) (string, error) { return "", unreachable }, store.StateFailed, 2},
		{"retries clamped", 5, func(int) (string, error) { return "", unreachable }, store.StateFailed, 2},
		{"rejected never retried", 1, func(int) (string, error) { return "", rejected }, store.StateFailed, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDispatcher{fn: tc.fn}
			h := newHarness(t, d, ListenerOptions{Retries: tc.retries})
			req := h.accept(t, linkMessage("m1"))

			if req.State != tc.wantState {
				t.Fatalf("expected %s, got: %s", tc.wantState, req.State)
			}
			if d.count() != tc.wantCalls {
				t.Fatalf("expected %d dispatch calls, got: %d", tc.wantCalls, d.count())
			}
			if tc.wantState == store.StateFailed {
				if got := h.chat.text(req.StatusMessageRef); got != DispatchFailedText {
					t.Fatalf("expected connection notice, got: %q", got)
				}
			}
		})
	}
}

func TestDuplicateSubmission(t *testing.T) {
	d := okDispatcher("agent-1")
	h := newHarness(t, d, ListenerOptions{})
	msg := linkMessage("m1")
	h.accept(t, msg)

	if h.listener.Handle(context.Background(), msg) {
		t.Fatal("expected redelivered message to be rejected")
	}
	h.listener.Wait()

	if d.count() != 1 {
		t.Fatalf("expected one dispatch, got: %d", d.count())
	}
	posts, _, _ := h.chat.counts()
	if posts != 2 || h.chat.posts[1] != DuplicateText {
		t.Fatalf("expected ack then duplicate reply, got: %v", h.chat.posts)
	}
}

func TestNonLinkMessageIgnored(t *testing.T) {
	d := okDispatcher("agent-1")
	h := newHarness(t, d, ListenerOptions{})
	msg := linkMessage("m1")
	msg.Content = "just chatting"
	msg.Media = []bus.MediaAttachment{{URL: "https://cdn/x.png", ContentType: "image/png"}}

	if h.listener.Handle(context.Background(), msg) {
		t.Fatal("expected message without a link to be ignored")
	}
	if posts, _, _ := h.chat.counts(); posts != 0 || d.count() != 0 {
		t.Fatalf("expected no side effects, got %d posts, %d dispatches", posts, d.count())
	}
}

func TestSweepAtDeadline(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	req := h.accept(t, linkMessage("m1"))

	h.clock.Advance(testTimeout - time.Second)
	if res := h.sweeper.SweepOnce(context.Background()); res.TimedOut != 0 {
		t.Fatalf("expected nothing timed out before the deadline, got: %+v", res)
	}

	h.clock.Advance(2 * time.Second)
	if res := h.sweeper.SweepOnce(context.Background()); res.TimedOut != 1 {
		t.Fatalf("expected one timeout, got: %+v", res)
	}
	if got := h.chat.text(req.StatusMessageRef); got != TimedOutText {
		t.Fatalf("expected timeout notice, got: %q", got)
	}

	// A second pass finds nothing.
	if res := h.sweeper.SweepOnce(context.Background()); res.TimedOut != 0 {
		t.Fatalf("expected idempotent sweep, got: %+v", res)
	}
}

func TestCallbackAfterTimeout(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	req := h.accept(t, linkMessage("m1"))

	h.clock.Advance(testTimeout + time.Second)
	h.sweeper.SweepOnce(context.Background())
	_, editsBefore, _ := h.chat.counts()

	out, err := h.receiver.Finalize(context.Background(), Callback{
		AgentRequestID: "agent-1", Status: protocol.CallbackStatusCompleted, ResultURL: "https://r/1",
	})
	if err != nil || out != OutcomeDuplicate {
		t.Fatalf("expected late callback to be absorbed, got: %v, %v", out, err)
	}
	if _, edits, _ := h.chat.counts(); edits != editsBefore {
		t.Fatalf("expected no edit after timeout, got %d (was %d)", edits, editsBefore)
	}
	final, _ := h.store.Get(context.Background(), req.ID)
	if final.State != store.StateTimedOut {
		t.Fatalf("expected timed_out to stand, got: %s", final.State)
	}
}

func TestCallbackVsSweepRace(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
		req := h.accept(t, linkMessage("m1"))
		h.clock.Advance(testTimeout + time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.sweeper.SweepOnce(context.Background())
		}()
		go func() {
			defer wg.Done()
			_, _ = h.receiver.Finalize(context.Background(), Callback{
				AgentRequestID: "agent-1", Status: protocol.CallbackStatusFailed, Error: "nope",
			})
		}()
		wg.Wait()

		final, _ := h.store.Get(context.Background(), req.ID)
		if final.State != store.StateTimedOut && final.State != store.StateFailed {
			t.Fatalf("round %d: expected one terminal state, got: %s", round, final.State)
		}
		// One edit for the winner only.
		if _, edits, _ := h.chat.counts(); edits != 1 {
			t.Fatalf("round %d: expected exactly one final edit, got: %d", round, edits)
		}
	}
}

func TestCallbackErrors(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	h.accept(t, linkMessage("m1"))

	if _, err := h.receiver.Finalize(context.Background(), Callback{AgentRequestID: "forged", Status: protocol.CallbackStatusCompleted, ResultURL: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	for _, cb := range []Callback{
		{Status: protocol.CallbackStatusCompleted},
		{AgentRequestID: "agent-1", Status: "processing"},
	} {
		if _, err := h.receiver.Finalize(context.Background(), cb); !errors.Is(err, ErrMalformedCallback) {
			t.Fatalf("expected ErrMalformedCallback for %+v, got: %v", cb, err)
		}
	}

	got, _ := h.store.GetByAgentRequestID(context.Background(), "agent-1")
	if got.State != store.StateDispatched {
		t.Fatalf("expected store untouched, got: %s", got.State)
	}
}

func TestCallbackFailureAndMissingResult(t *testing.T) {
	t.Run("agent failure", func(t *testing.T) {
		h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
		req := h.accept(t, linkMessage("m1"))
		out, err := h.receiver.Finalize(context.Background(), Callback{
			AgentRequestID: "agent-1", Status: protocol.CallbackStatusFailed, Error: "Page has no event.",
		})
		if err != nil || out != OutcomeFailed {
			t.Fatalf("expected failed, got: %v, %v", out, err)
		}
		if got := h.chat.text(req.StatusMessageRef); got != FormatFailed("Page has no event.") {
			t.Fatalf("unexpected failure text: %q", got)
		}
	})

	t.Run("completed without result", func(t *testing.T) {
		h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
		req := h.accept(t, linkMessage("m1"))
		out, err := h.receiver.Finalize(context.Background(), Callback{
			AgentRequestID: "agent-1", Status: protocol.CallbackStatusCompleted,
		})
		if err != nil || out != OutcomeFailed {
			t.Fatalf("expected failed, got: %v, %v", out, err)
		}
		final, _ := h.store.Get(context.Background(), req.ID)
		if final.State != store.StateFailed || final.ResultRef != "" {
			t.Fatalf("expected failed without result, got: %+v", final)
		}
		if got := h.chat.text(req.StatusMessageRef); got != FormatFailed(NoResultReason) {
			t.Fatalf("unexpected failure text: %q", got)
		}
	})
}

func TestCallbackGraceBeforeDispatchRecorded(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDispatcher{fn: func(int) (string, error) {
		<-release
		return "agent-early", nil
	}}
	h := newHarness(t, d, ListenerOptions{})
	h.receiver = NewReceiver(h.store, h.updater, h.listener, 2*time.Second)
	h.receiver.poll = 5 * time.Millisecond

	if !h.listener.Handle(context.Background(), linkMessage("m1")) {
		t.Fatal("expected message to be accepted")
	}

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.receiver.Finalize(context.Background(), Callback{
			AgentRequestID: "agent-early", Status: protocol.CallbackStatusCompleted, ResultURL: "https://r/1",
		})
		done <- result{out, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	h.listener.Wait()

	select {
	case res := <-done:
		if res.err != nil || res.out != OutcomeCompleted {
			t.Fatalf("expected completed after grace lookup, got: %v, %v", res.out, res.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("finalize did not return")
	}
}

func TestUnknownCallbackWithoutInFlightSkipsGrace(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	h.receiver = NewReceiver(h.store, h.updater, h.listener, time.Hour)

	start := time.Now()
	_, err := h.receiver.Finalize(context.Background(), Callback{AgentRequestID: "nope", Status: protocol.CallbackStatusFailed})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected immediate answer with nothing in flight")
	}
}

func TestReplaceWhenWorkingMessageGone(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	req := h.accept(t, linkMessage("m1"))

	// Someone deleted the ack.
	_ = h.chat.Delete(context.Background(), req.StatusMessageRef)

	if _, err := h.receiver.Finalize(context.Background(), Callback{
		AgentRequestID: "agent-1", Status: protocol.CallbackStatusCompleted, ResultURL: "https://r/1",
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	final, _ := h.store.Get(context.Background(), req.ID)
	if final.StatusMessageRef == req.StatusMessageRef {
		t.Fatal("expected a new status message ref to be recorded")
	}
	if got := h.chat.text(final.StatusMessageRef); got != FormatCompleted("https://r/1", nil) {
		t.Fatalf("expected result in replacement reply, got: %q", got)
	}
}

func TestChatErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	h.accept(t, linkMessage("m1"))
	h.chat.editErr = channels.ErrForbidden

	out, err := h.receiver.Finalize(context.Background(), Callback{
		AgentRequestID: "agent-1", Status: protocol.CallbackStatusCompleted, ResultURL: "https://r/1",
	})
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("expected chat failure to stay out of the state machine, got: %v, %v", out, err)
	}
}

func TestReplaceOnFinish(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{}, WithReplaceOnFinish(true))
	req := h.accept(t, linkMessage("m1"))

	if _, err := h.receiver.Finalize(context.Background(), Callback{
		AgentRequestID: "agent-1", Status: protocol.CallbackStatusCompleted, ResultURL: "https://r/1",
	}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	posts, edits, deletes := h.chat.counts()
	if posts != 2 || edits != 0 || deletes != 1 {
		t.Fatalf("expected ack, delete and fresh reply; got posts=%d edits=%d deletes=%d", posts, edits, deletes)
	}
	if got := h.chat.text(req.StatusMessageRef); got != "" {
		t.Fatalf("expected ack to be deleted, got: %q", got)
	}
}

func TestSweepRecoversAbandonedPending(t *testing.T) {
	h := newHarness(t, okDispatcher("agent-1"), ListenerOptions{})
	// A pending record with no dispatch in flight, as left by a crash.
	id, err := h.store.Create(context.Background(), &store.ParseRequest{SourceMessageRef: sourceOf(linkMessage("m9"))})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.clock.Advance(testTimeout + time.Second)
	res := h.sweeper.SweepOnce(context.Background())
	if res.Abandoned != 1 {
		t.Fatalf("expected one abandoned request, got: %+v", res)
	}
	final, _ := h.store.Get(context.Background(), id)
	if final.State != store.StateFailed {
		t.Fatalf("expected failed, got: %s", final.State)
	}
	if posts, _, _ := h.chat.counts(); posts != 1 || h.chat.posts[0] != DispatchFailedText {
		t.Fatalf("expected connection notice as a reply, got: %v", h.chat.posts)
	}
}

type fakeImages struct {
	err error
}

func (f fakeImages) FetchImage(context.Context, bus.MediaAttachment) (string, error) {
	return "aW1n", f.err
}

func TestHybridDispatch(t *testing.T) {
	withImage := func() bus.InboundMessage {
		msg := linkMessage("m1")
		msg.Media = []bus.MediaAttachment{
			{URL: "https://cdn/readme.txt", ContentType: "text/plain"},
			{URL: "https://cdn/flyer.jpg", ContentType: "image/jpeg"},
		}
		return msg
	}

	t.Run("image attached", func(t *testing.T) {
		d := okDispatcher("agent-1")
		h := newHarness(t, d, ListenerOptions{Images: fakeImages{}})
		h.accept(t, withImage())
		if d.calls[0].ParseMode != protocol.ParseModeHybrid || d.calls[0].ImageBase64 != "aW1n" {
			t.Fatalf("expected hybrid dispatch, got: %+v", d.calls[0])
		}
	})

	t.Run("image fetch fails", func(t *testing.T) {
		d := okDispatcher("agent-1")
		h := newHarness(t, d, ListenerOptions{Images: fakeImages{err: errors.New("404")}})
		h.accept(t, withImage())
		if d.calls[0].ParseMode != protocol.ParseModeURL || d.calls[0].ImageBase64 != "" {
			t.Fatalf("expected url fallback, got: %+v", d.calls[0])
		}
	})
}

func TestListenerRun(t *testing.T) {
	d := okDispatcher("agent-1")
	h := newHarness(t, d, ListenerOptions{})
	b := bus.New(4)
	b.PublishInbound(linkMessage("m1"))
	b.PublishInbound(linkMessage("m2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.listener.Run(ctx, b) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got: %v", err)
	}
	h.listener.Wait()
	if d.count() != 2 {
		t.Fatalf("expected both messages dispatched, got: %d", d.count())
	}
}
