package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/metrics"
	"github.com/pauline2k/weave-bot-orb/internal/store"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// Updater turns state transitions into chat edits and replies. Chat errors are
// logged and counted, never returned: the store's state is authoritative.
type Updater struct {
	chat    channels.Messenger
	store   store.RequestStore
	replace bool
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithReplaceOnFinish makes final results a fresh reply instead of an edit.
func WithReplaceOnFinish(on bool) UpdaterOption {
	return func(u *Updater) { u.replace = on }
}

// NewUpdater creates an Updater writing through chat and recording replacement
// working messages in st.
func NewUpdater(chat channels.Messenger, st store.RequestStore, opts ...UpdaterOption) *Updater {
	u := &Updater{chat: chat, store: st}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Acknowledge posts the working message and records it on req.
func (u *Updater) Acknowledge(ctx context.Context, req *store.ParseRequest) {
	ref, err := u.chat.Post(ctx, req.SourceMessageRef, AckText)
	if err != nil {
		u.chatError(req, "post", err)
		return
	}
	u.record(ctx, req, ref)
}

// Duplicate tells the author their link is already being handled.
func (u *Updater) Duplicate(ctx context.Context, source store.MessageRef) {
	if _, err := u.chat.Post(ctx, source, DuplicateText); err != nil {
		metrics.ChatErrors.WithLabelValues("post").Inc()
		slog.Warn("relay.chat_error", "op", "post", "source", source.String(), "error", err)
	}
}

// Completed shows the parsed result.
func (u *Updater) Completed(ctx context.Context, req *store.ParseRequest, ev *protocol.Event) {
	u.finish(ctx, req, FormatCompleted(req.ResultRef, ev))
}

// Failed shows an agent-reported failure.
func (u *Updater) Failed(ctx context.Context, req *store.ParseRequest, reason string) {
	u.finish(ctx, req, FormatFailed(reason))
}

// DispatchFailed shows the connection-trouble notice.
func (u *Updater) DispatchFailed(ctx context.Context, req *store.ParseRequest) {
	u.show(ctx, req, DispatchFailedText)
}

// TimedOut shows the still-processing notice.
func (u *Updater) TimedOut(ctx context.Context, req *store.ParseRequest) {
	u.show(ctx, req, TimedOutText)
}

// finish delivers a final result, honouring replace-on-finish.
func (u *Updater) finish(ctx context.Context, req *store.ParseRequest, text string) {
	if !u.replace || req.StatusMessageRef.IsZero() {
		u.show(ctx, req, text)
		return
	}
	if err := u.chat.Delete(ctx, req.StatusMessageRef); err != nil {
		u.chatError(req, "delete", err)
	}
	u.reply(ctx, req, text)
}

// show edits the working message, or replies anew when it is gone.
func (u *Updater) show(ctx context.Context, req *store.ParseRequest, text string) {
	if req.StatusMessageRef.IsZero() {
		u.reply(ctx, req, text)
		return
	}
	err := u.chat.Edit(ctx, req.StatusMessageRef, text)
	switch {
	case err == nil:
		return
	case errors.Is(err, channels.ErrMessageNotFound):
		slog.Debug("relay.status_message_gone", "request_id", req.ID, "ref", req.StatusMessageRef.String())
		u.reply(ctx, req, text)
	default:
		u.chatError(req, "edit", err)
	}
}

func (u *Updater) reply(ctx context.Context, req *store.ParseRequest, text string) {
	ref, err := u.chat.Post(ctx, req.SourceMessageRef, text)
	if err != nil {
		u.chatError(req, "post", err)
		return
	}
	u.record(ctx, req, ref)
}

func (u *Updater) record(ctx context.Context, req *store.ParseRequest, ref store.MessageRef) {
	req.StatusMessageRef = ref
	if err := u.store.SetStatusMessage(ctx, req.ID, ref); err != nil {
		slog.Warn("relay.status_ref_not_saved", "request_id", req.ID, "error", err)
	}
}

func (u *Updater) chatError(req *store.ParseRequest, op string, err error) {
	metrics.ChatErrors.WithLabelValues(op).Inc()
	slog.Warn("relay.chat_error",
		"op", op,
		"request_id", req.ID,
		"state", req.State,
		"error", err,
	)
}
