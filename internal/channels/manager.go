package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Manager owns every connected adapter, routes outbound sends by JID prefix,
// and fans inbound messages into a single handler.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter
	handler  InboundHandler
}

// Per-channel outbound ceiling. Platforms throttle hard above roughly one
// message a second sustained.
const (
	sendRate  = rate.Limit(1)
	sendBurst = 5
)

func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds an adapter before ConnectAll. Not safe after connect.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	m.limiters[ch.Name()] = rate.NewLimiter(sendRate, sendBurst)
	ch.OnInbound(func(msg InboundMessage) {
		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	})
}

// OnInbound sets the fan-in handler for all registered adapters.
func (m *Manager) OnInbound(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// ConnectAll connects every adapter. A single failure aborts startup.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", name, err)
		}
		slog.Info("channel connected", "channel", name)
	}
	return nil
}

// DisconnectAll tears down every adapter, logging failures instead of
// stopping.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			slog.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
}

// Send routes text to the adapter named by the JID prefix, honoring that
// channel's rate limit.
func (m *Manager) Send(ctx context.Context, chatJID, text string) error {
	ch, lim, chatID, err := m.route(chatJID)
	if err != nil {
		return err
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return ch.Send(ctx, chatID, text)
}

// SetTyping toggles the typing indicator for a chat. Unroutable JIDs are a
// no-op so indicator plumbing never fails a run.
func (m *Manager) SetTyping(ctx context.Context, chatJID string, typing bool) {
	ch, _, chatID, err := m.route(chatJID)
	if err != nil {
		return
	}
	if err := ch.SetTyping(ctx, chatID, typing); err != nil {
		slog.Debug("typing indicator failed", "chat", chatJID, "error", err)
	}
}

// SyncAll asks every adapter to refresh chat metadata.
func (m *Manager) SyncAll(ctx context.Context, force bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for name, ch := range m.channels {
		if err := ch.SyncMetadata(ctx, force); err != nil {
			slog.Warn("metadata sync failed", "channel", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) route(chatJID string) (Channel, *rate.Limiter, string, error) {
	prefix, chatID := SplitJID(chatJID)
	m.mu.RLock()
	ch, ok := m.channels[prefix]
	lim := m.limiters[prefix]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, "", fmt.Errorf("no channel for jid %q", chatJID)
	}
	return ch, lim, chatID, nil
}
