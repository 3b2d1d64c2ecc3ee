package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pauline2k/weave-bot-orb/internal/store"
)

// Manager manages all registered channels, handling their lifecycle and routing
// Messenger calls to the channel that owns a reference's platform.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// StartAll starts all registered channels. A channel that fails to start is
// logged and skipped; StartAll fails only when no channel is left running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return fmt.Errorf("no channels enabled")
	}

	slog.Info("starting all channels")
	started := 0
	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no channel could be started")
	}

	slog.Info("all channels started", "count", started)
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")
	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all enabled channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// UpdateAllowLists pushes new allow-lists to a registered channel.
func (m *Manager) UpdateAllowLists(name string, chats, senders []string) bool {
	ch, ok := m.GetChannel(name)
	if !ok {
		return false
	}
	ch.UpdateAllowLists(chats, senders)
	slog.Info("channel allow-lists updated", "channel", name, "chats", len(chats), "senders", len(senders))
	return true
}

func (m *Manager) route(ref store.MessageRef) (Channel, error) {
	ch, ok := m.GetChannel(ref.Platform)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownChannel, ref.Platform)
	}
	return ch, nil
}

// Post implements Messenger by routing on replyTo.Platform. Text longer than
// the platform limit is truncated.
func (m *Manager) Post(ctx context.Context, replyTo store.MessageRef, text string) (store.MessageRef, error) {
	ch, err := m.route(replyTo)
	if err != nil {
		return store.MessageRef{}, err
	}
	return ch.Post(ctx, replyTo, Truncate(text, ch.MaxMessageLength()))
}

// Edit implements Messenger by routing on ref.Platform.
func (m *Manager) Edit(ctx context.Context, ref store.MessageRef, text string) error {
	ch, err := m.route(ref)
	if err != nil {
		return err
	}
	return ch.Edit(ctx, ref, Truncate(text, ch.MaxMessageLength()))
}

// Delete implements Messenger by routing on ref.Platform.
func (m *Manager) Delete(ctx context.Context, ref store.MessageRef) error {
	ch, err := m.route(ref)
	if err != nil {
		return err
	}
	return ch.Delete(ctx, ref)
}
