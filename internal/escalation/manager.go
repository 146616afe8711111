// Package escalation drives time-based escalation of unacknowledged alerts through policy levels.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/clock"
	"alertcore/internal/domain"
	"alertcore/internal/logging"

	"github.com/google/uuid"
)

// ErrPolicyNotFound is returned when an explicitly named policy is not registered.
var ErrPolicyNotFound = errors.New("escalation policy not found")

const (
	defaultSweepInterval = 30 * time.Second
	defaultRetention     = time.Hour
)

// Status is escalation instance lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether status stops further sweeps.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Instance tracks one alert moving through policy levels.
type Instance struct {
	EscalationID     string
	AlertID          string
	PolicyName       string
	CurrentLevel     int
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
	NextEscalationAt *time.Time
	CompletedLevels  []int
	FailedLevels     []int
	SkippedLevels    []int
	LastError        string
	Message          domain.NotificationMessage
}

func (i *Instance) clone() Instance {
	out := *i
	if i.NextEscalationAt != nil {
		next := *i.NextEscalationAt
		out.NextEscalationAt = &next
	}
	out.CompletedLevels = append([]int(nil), i.CompletedLevels...)
	out.FailedLevels = append([]int(nil), i.FailedLevels...)
	out.SkippedLevels = append([]int(nil), i.SkippedLevels...)
	out.Message = i.Message.Clone()
	return out
}

// Notifier delivers escalation notifications to named channels.
type Notifier interface {
	SendNotification(ctx context.Context, msg domain.NotificationMessage, channels []string) map[string]domain.NotificationResult
}

// Callback observes executed escalation levels.
type Callback func(ctx context.Context, instance Instance, level Level, success bool)

// Options configures escalation manager.
// Params: sweep interval, terminal retention, clock, and logger.
// Returns: manager settings.
type Options struct {
	Interval  time.Duration
	Retention time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Manager owns escalation policies and instances.
type Manager struct {
	mu        sync.Mutex
	policies  map[string]Policy
	order     []string
	instances map[string]*Instance
	byAlert   map[string]string
	callbacks []Callback

	notifier  Notifier
	interval  time.Duration
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs escalation manager.
// Params: notifier used for level delivery and options.
// Returns: manager with no policies.
func NewManager(notifier Notifier, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Manager{
		policies:  make(map[string]Policy),
		instances: make(map[string]*Instance),
		byAlert:   make(map[string]string),
		notifier:  notifier,
		interval:  opts.Interval,
		retention: opts.Retention,
		clock:     clock.OrReal(opts.Clock),
		logger:    logging.OrDiscard(opts.Logger),
	}
}

// AddPolicy registers policy; registration order decides implicit matching order.
func (m *Manager) AddPolicy(policy Policy) error {
	normalized, err := NewPolicy(policy)
	if err != nil {
		return alerterr.Config("invalid escalation policy", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.policies[normalized.Name]; exists {
		return alerterr.Config("duplicate escalation policy", nil).With("policy", normalized.Name)
	}
	m.policies[normalized.Name] = normalized
	m.order = append(m.order, normalized.Name)
	return nil
}

// AddCallback subscribes to executed levels.
func (m *Manager) AddCallback(callback Callback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, callback)
	m.mu.Unlock()
}

// StartEscalation creates instance for message under named or first matching policy.
// Params: context, message, and optional explicit policy name.
// Returns: escalation ID ("" when no policy matches) or ErrPolicyNotFound for unknown explicit name.
func (m *Manager) StartEscalation(_ context.Context, msg domain.NotificationMessage, policyName string) (string, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		policy Policy
		found  bool
	)
	if policyName != "" {
		policy, found = m.policies[policyName]
		if !found {
			return "", alerterr.Escalation("unknown policy", ErrPolicyNotFound).With("policy", policyName)
		}
	} else {
		for _, name := range m.order {
			if m.policies[name].ShouldEscalate(msg) {
				policy, found = m.policies[name], true
				break
			}
		}
		if !found {
			return "", nil
		}
	}

	instance := &Instance{
		EscalationID: uuid.NewString(),
		AlertID:      msg.AlertID,
		PolicyName:   policy.Name,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Message:      msg.Clone(),
	}
	if len(policy.Levels) == 0 || policy.MaxEscalations <= 0 {
		instance.Status = StatusCompleted
	} else {
		next := now.Add(policy.Levels[0].Delay)
		instance.NextEscalationAt = &next
		instance.Status = StatusActive
	}
	m.instances[instance.EscalationID] = instance
	if msg.AlertID != "" {
		m.byAlert[msg.AlertID] = instance.EscalationID
	}
	m.logger.Info("escalation started", "escalation_id", instance.EscalationID, "alert_id", msg.AlertID, "policy", policy.Name, "status", instance.Status)
	return instance.EscalationID, nil
}

// Instance returns snapshot by escalation ID.
func (m *Manager) Instance(id string) (Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.instances[id]
	if !ok {
		return Instance{}, false
	}
	return instance.clone(), true
}

// Acknowledge completes alert escalation without further levels.
// Returns: true when a non-terminal instance was stopped.
func (m *Manager) Acknowledge(alertID string) bool {
	return m.terminate(alertID, StatusCompleted)
}

// Cancel cancels alert escalation.
// Returns: true when a non-terminal instance was stopped.
func (m *Manager) Cancel(alertID string) bool {
	return m.terminate(alertID, StatusCancelled)
}

func (m *Manager) terminate(alertID string, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAlert[alertID]
	if !ok {
		return false
	}
	instance := m.instances[id]
	if instance == nil || instance.Status.Terminal() {
		return false
	}
	instance.Status = status
	instance.NextEscalationAt = nil
	instance.UpdatedAt = m.clock.Now()
	m.logger.Info("escalation stopped", "escalation_id", id, "alert_id", alertID, "status", status)
	return true
}

// claim is one due level taken out of the schedule for execution.
type claim struct {
	id      string
	policy  Policy
	level   Level
	message domain.NotificationMessage
}

// Sweep executes every due level and purges expired terminal instances.
// Params: context for notification delivery.
// Returns: number of executed levels.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	claims := m.claimDue(now)
	for _, item := range claims {
		m.execute(ctx, item)
	}
	m.purge(now)
	return len(claims)
}

func (m *Manager) claimDue(now time.Time) []claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []claim
	for id, instance := range m.instances {
		if instance.Status != StatusActive || instance.NextEscalationAt == nil || instance.NextEscalationAt.After(now) {
			continue
		}
		policy, ok := m.policies[instance.PolicyName]
		if !ok || instance.CurrentLevel >= len(policy.Levels) {
			instance.Status = StatusFailed
			instance.LastError = "policy or level no longer available"
			instance.NextEscalationAt = nil
			instance.UpdatedAt = now
			continue
		}
		instance.NextEscalationAt = nil
		out = append(out, claim{
			id:      id,
			policy:  policy,
			level:   policy.Levels[instance.CurrentLevel],
			message: instance.Message.Clone(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// execute delivers one level and schedules the next one or completes the instance.
func (m *Manager) execute(ctx context.Context, item claim) {
	var (
		success bool
		skipped bool
		execErr error
	)
	func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				execErr = alerterr.FromPanic(alerterr.KindEscalation, "level execution panicked", recovered)
			}
		}()
		if !matches(item.level.Conditions, item.message.Labels) {
			skipped = true
			return
		}
		msg := escalationMessage(item.message, item.level.Level, item.policy.Name)
		results := m.notifier.SendNotification(ctx, msg, item.level.Channels)
		for _, result := range results {
			if result.Success {
				success = true
			}
		}
	}()

	now := m.clock.Now()
	m.mu.Lock()
	instance, ok := m.instances[item.id]
	if !ok {
		m.mu.Unlock()
		return
	}
	instance.UpdatedAt = now
	switch {
	case execErr != nil:
		instance.LastError = execErr.Error()
		instance.FailedLevels = append(instance.FailedLevels, item.level.Level)
		if !instance.Status.Terminal() {
			instance.Status = StatusFailed
		}
	case skipped:
		instance.SkippedLevels = append(instance.SkippedLevels, item.level.Level)
	case success:
		instance.CompletedLevels = append(instance.CompletedLevels, item.level.Level)
	default:
		instance.FailedLevels = append(instance.FailedLevels, item.level.Level)
	}
	if execErr == nil {
		instance.CurrentLevel++
		if instance.Status == StatusActive {
			if instance.CurrentLevel < len(item.policy.Levels) && instance.CurrentLevel < item.policy.MaxEscalations {
				next := now.Add(item.policy.Levels[instance.CurrentLevel].Delay)
				instance.NextEscalationAt = &next
			} else {
				instance.Status = StatusCompleted
			}
		}
	}
	snapshot := instance.clone()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	if execErr != nil {
		m.logger.Error("escalation level failed", "escalation_id", item.id, "level", item.level.Level, "error", execErr)
	} else {
		m.logger.Info("escalation level executed", "escalation_id", item.id, "level", item.level.Level, "success", success, "skipped", skipped)
	}
	if skipped {
		return
	}
	for _, callback := range callbacks {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					m.logger.Error("escalation callback panicked", "escalation_id", item.id, "panic", recovered)
				}
			}()
			callback(ctx, snapshot, item.level, success && execErr == nil)
		}()
	}
}

// escalationMessage synthesizes HIGH-severity copy tagged with escalation level.
func escalationMessage(source domain.NotificationMessage, level int, policy string) domain.NotificationMessage {
	msg := source.Clone()
	msg.Severity = domain.SeverityHigh
	msg.Title = fmt.Sprintf("ESCALATION Level %d: %s", level, source.Title)
	if msg.Labels == nil {
		msg.Labels = map[string]string{}
	}
	if msg.Annotations == nil {
		msg.Annotations = map[string]string{}
	}
	msg.Labels["escalation_level"] = strconv.Itoa(level)
	msg.Annotations["escalation_level"] = strconv.Itoa(level)
	msg.Annotations["escalation_policy"] = policy
	msg.Annotations["original_severity"] = string(source.Severity)
	return msg
}

func matches(conditions, labels map[string]string) bool {
	for key, want := range conditions {
		if labels[key] != want {
			return false
		}
	}
	return true
}

// purge removes terminal instances older than retention.
func (m *Manager) purge(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, instance := range m.instances {
		if instance.Status.Terminal() && now.Sub(instance.UpdatedAt) > m.retention {
			delete(m.instances, id)
			if m.byAlert[instance.AlertID] == id {
				delete(m.byAlert, instance.AlertID)
			}
		}
	}
}

// Start runs sweep loop until Stop or context cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("escalation manager already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.safeSweep(loopCtx)
			}
		}
	}(m.done)
	return nil
}

func (m *Manager) safeSweep(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("escalation sweep panicked", "panic", recovered)
		}
	}()
	m.Sweep(ctx)
}

// Stop cancels sweep loop and waits for exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns side-effect free manager snapshot.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	byStatus := map[string]int{}
	for _, instance := range m.instances {
		byStatus[string(instance.Status)]++
	}
	policies := len(m.policies)
	total := len(m.instances)
	m.mu.Unlock()

	m.runMu.Lock()
	running := m.cancel != nil
	m.runMu.Unlock()
	return map[string]any{
		"running":       running,
		"interval_sec":  m.interval.Seconds(),
		"retention_sec": m.retention.Seconds(),
		"policies":      policies,
		"instances":     total,
		"by_status":     byStatus,
	}
}
