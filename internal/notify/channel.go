// Package notify delivers notification messages to configured channels with gating, retry, and circuit breaking.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/clock"
	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/logging"
	"alertcore/internal/permanent"

	"github.com/sony/gobreaker"
)

const (
	breakerTripFailures = 5
	breakerOpenTimeout  = 30 * time.Second
)

// ChannelOptions configures channel runtime collaborators.
// Params: clock, logger, and optional sender override.
// Returns: channel construction options.
type ChannelOptions struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// Sender replaces transport built from channel type.
	Sender Sender
}

// Channel wraps one sender with gate, sliding-window rate limiter, retry, and circuit breaker.
type Channel struct {
	name         string
	enabled      bool
	severities   map[domain.Severity]struct{}
	labelFilters map[string]string
	maxRetries   int
	retryDelay   time.Duration
	timeout      time.Duration

	sender  Sender
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker
	clock   clock.Clock
	logger  *slog.Logger

	mu          sync.Mutex
	sent        int
	failed      int
	rateLimited int
}

// NewChannel validates settings and builds channel.
// Params: channel config and options.
// Returns: channel or configuration error.
func NewChannel(cfg config.ChannelConfig, opts ChannelOptions) (*Channel, error) {
	logger := logging.OrDiscard(opts.Logger).With("channel", cfg.Name)
	sender := opts.Sender
	if sender == nil {
		built, err := NewSender(cfg, logger)
		if err != nil {
			return nil, err
		}
		sender = built
	} else if cfg.Name == "" {
		return nil, alerterr.Config("channel name is required", nil)
	}

	severities := make(map[domain.Severity]struct{}, len(cfg.Severities))
	for _, raw := range cfg.Severities {
		severity, err := domain.ParseSeverity(raw)
		if err != nil {
			return nil, alerterr.Config("invalid channel severity", err).With("channel", cfg.Name)
		}
		severities[severity] = struct{}{}
	}
	if cfg.Retries() < 0 {
		return nil, alerterr.Config("max_retries must be >=0", nil).With("channel", cfg.Name)
	}

	channel := &Channel{
		name:         cfg.Name,
		enabled:      cfg.IsEnabled(),
		severities:   severities,
		labelFilters: domain.CloneLabels(cfg.LabelFilters),
		maxRetries:   cfg.Retries(),
		retryDelay:   time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
		sender:       sender,
		limiter:      NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerHour, opts.Clock),
		clock:        clock.OrReal(opts.Clock),
		logger:       logger,
	}
	channel.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		// Rejected payloads say nothing about transport health.
		IsSuccessful: func(err error) bool {
			return err == nil || permanent.Is(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("channel circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return channel, nil
}

// Name returns channel name.
func (c *Channel) Name() string { return c.name }

// ShouldSend applies enabled flag, severity allow-list, label filters, and rate limits.
// Params: message.
// Returns: true when delivery may be attempted and reason when blocked.
func (c *Channel) ShouldSend(msg domain.NotificationMessage) (bool, string) {
	if !c.enabled {
		return false, "channel disabled"
	}
	if len(c.severities) > 0 {
		if _, ok := c.severities[msg.Severity]; !ok {
			return false, fmt.Sprintf("severity %s not allowed", msg.Severity)
		}
	}
	for key, want := range c.labelFilters {
		if msg.Labels[key] != want {
			return false, fmt.Sprintf("label %s does not match filter", key)
		}
	}
	if !c.limiter.Allow() {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// SendWithRetry attempts delivery 1+max_retries times with fixed delay between attempts.
// Params: context and message.
// Returns: result of last attempt; permanent errors, open circuit, and cancellation stop retries.
func (c *Channel) SendWithRetry(ctx context.Context, msg domain.NotificationMessage) domain.NotificationResult {
	attempts := c.maxRetries + 1
	var (
		lastErr error
		made    int
	)
	for made < attempts {
		if made > 0 && !c.wait(ctx) {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
		made++
		err := c.attempt(ctx, msg)
		if err == nil {
			now := c.clock.Now()
			c.count(&c.sent)
			if made > 1 {
				c.logger.Info("notification recovered after retries", "alert_id", msg.AlertID, "attempt", made)
			}
			return domain.NotificationResult{
				Channel:      c.name,
				Success:      true,
				Status:       domain.NotificationSent,
				Message:      "notification sent",
				DeliveryTime: &now,
				RetryCount:   made - 1,
			}
		}
		lastErr = err
		c.logger.Warn("notification attempt failed", "alert_id", msg.AlertID, "attempt", made, "error", err)
		if permanent.Is(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
	}

	c.count(&c.failed)
	wrapped := alerterr.Notification("delivery failed", lastErr).With("channel", c.name).With("attempts", made)
	c.logger.Error("notification failed", "alert_id", msg.AlertID, "attempts", made, "error", wrapped)
	return domain.NotificationResult{
		Channel:      c.name,
		Status:       domain.NotificationFailed,
		Message:      fmt.Sprintf("failed after %d attempts", made),
		RetryCount:   made - 1,
		ErrorDetails: wrapped.Error(),
	}
}

// attempt runs one send through circuit breaker with per-attempt timeout.
func (c *Channel) attempt(ctx context.Context, msg domain.NotificationMessage) (err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err = c.breaker.Execute(func() (result interface{}, sendErr error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				sendErr = alerterr.FromPanic(alerterr.KindNotification, "sender panicked", recovered)
			}
		}()
		return nil, c.sender.Send(ctx, msg)
	})
	return err
}

func (c *Channel) wait(ctx context.Context) bool {
	if c.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) rejected() {
	c.count(&c.rateLimited)
}

func (c *Channel) count(counter *int) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// Close releases sender resources when sender holds any.
func (c *Channel) Close() error {
	if closer, ok := c.sender.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Stats returns side-effect free channel snapshot.
func (c *Channel) Stats() map[string]any {
	perMinute, perHour := c.limiter.Remaining()
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"enabled":             c.enabled,
		"sent":                c.sent,
		"failed":              c.failed,
		"rate_limited":        c.rateLimited,
		"circuit":             c.breaker.State().String(),
		"remaining_minute":    perMinute,
		"remaining_hour":      perHour,
		"max_retries":         c.maxRetries,
		"retry_delay_seconds": c.retryDelay.Seconds(),
	}
}
