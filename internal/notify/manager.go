package notify

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"alertcore/internal/alerterr"
	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/logging"

	"golang.org/x/sync/errgroup"
)

// ResultHook observes every per-channel result.
type ResultHook func(channel string, result domain.NotificationResult)

// Manager fans notifications out to registered channels.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	hooks    []ResultHook
	logger   *slog.Logger
}

// NewManager creates empty notification manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		logger:   logging.OrDiscard(logger),
	}
}

// NewManagerFromConfig builds channels from `[channel.<name>]` tables.
// Params: channel configs and shared channel options.
// Returns: manager or first configuration error.
func NewManagerFromConfig(channels []config.ChannelConfig, opts ChannelOptions) (*Manager, error) {
	manager := NewManager(opts.Logger)
	for _, cfg := range channels {
		channel, err := NewChannel(cfg, opts)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		if err := manager.AddChannel(channel); err != nil {
			_ = manager.Close()
			return nil, err
		}
	}
	return manager, nil
}

// AddChannel registers channel under its name.
func (m *Manager) AddChannel(channel *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[channel.Name()]; exists {
		return alerterr.Config("duplicate channel", nil).With("channel", channel.Name())
	}
	m.channels[channel.Name()] = channel
	return nil
}

// AddResultHook subscribes to per-channel results.
func (m *Manager) AddResultHook(hook ResultHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Channels returns registered channel names in lexical order.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SendNotification delivers message to named channels, or all channels when none named.
// Params: context, message, and optional channel names.
// Returns: one result per requested channel after every send has finished.
func (m *Manager) SendNotification(ctx context.Context, msg domain.NotificationMessage, channels []string) map[string]domain.NotificationResult {
	if len(channels) == 0 {
		channels = m.Channels()
	}
	m.mu.RLock()
	hooks := append([]ResultHook(nil), m.hooks...)
	targets := make(map[string]*Channel, len(channels))
	for _, name := range channels {
		targets[name] = m.channels[name]
	}
	m.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]domain.NotificationResult, len(targets))
		group   errgroup.Group
	)
	for name, channel := range targets {
		group.Go(func() error {
			result := m.deliver(ctx, name, channel, msg)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	for name, result := range results {
		for _, hook := range hooks {
			m.callHook(hook, name, result)
		}
	}
	return results
}

func (m *Manager) deliver(ctx context.Context, name string, channel *Channel, msg domain.NotificationMessage) domain.NotificationResult {
	if channel == nil {
		return domain.NotificationResult{
			Channel:      name,
			Status:       domain.NotificationFailed,
			Message:      "channel not configured",
			ErrorDetails: alerterr.Notification("channel not configured", nil).With("channel", name).Error(),
		}
	}
	if ok, reason := channel.ShouldSend(msg); !ok {
		channel.rejected()
		m.logger.Debug("notification gated", "channel", name, "alert_id", msg.AlertID, "reason", reason)
		return domain.NotificationResult{
			Channel: name,
			Status:  domain.NotificationRateLimited,
			Message: reason,
		}
	}
	return channel.SendWithRetry(ctx, msg)
}

func (m *Manager) callHook(hook ResultHook, name string, result domain.NotificationResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("notification result hook panicked", "channel", name, "panic", recovered)
		}
	}()
	hook(name, result)
}

// Close releases channel resources.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, channel := range m.channels {
		if err := channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns per-channel snapshot.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := make(map[string]any, len(m.channels))
	for name, channel := range m.channels {
		channels[name] = channel.Stats()
	}
	return map[string]any{
		"channels": channels,
		"total":    len(m.channels),
	}
}
