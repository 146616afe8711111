package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alertcore/internal/clock"
	"alertcore/internal/dedup"
	"alertcore/internal/domain"
	"alertcore/internal/escalation"
	"alertcore/internal/grouping"
	"alertcore/internal/logging"
	"alertcore/internal/metrics"
	"alertcore/internal/rules"
	"alertcore/internal/state"

	"github.com/google/uuid"
)

const (
	defaultProcessingInterval = 30 * time.Second
	defaultRetention          = 24 * time.Hour
	defaultHistoryMax         = 1000
	resolvedTitlePrefix       = "RESOLVED: "
)

// ErrAlertNotFound is returned for operator actions on unknown alert IDs.
var ErrAlertNotFound = errors.New("alert not found")

// Notifier fans notification messages out to named channels.
type Notifier interface {
	SendNotification(ctx context.Context, msg domain.NotificationMessage, channels []string) map[string]domain.NotificationResult
	Stats() map[string]any
}

// AlertCallback observes alert instance lifecycle events; panics are recovered.
type AlertCallback func(ctx context.Context, alert domain.AlertInstance)

// Options configures AlertManager collaborators.
// Params: optional dedup/grouper/escalation stages (nil = stage disabled), state store, metrics,
// processing cadence, retention, max alert age (0 = never expire), history cap, clock, and logger.
// Returns: manager settings.
type Options struct {
	Dedup              *dedup.Deduplicator
	Grouper            *grouping.Grouper
	Escalation         *escalation.Manager
	Store              state.Store
	Metrics            *metrics.Recorder
	ProcessingInterval time.Duration
	Retention          time.Duration
	MaxAge             time.Duration
	HistoryMax         int
	Clock              clock.Clock
	Logger             *slog.Logger
}

// AlertManager binds rule transitions to dedup, grouping, delivery, and escalation,
// and owns the alert instance lifecycle.
type AlertManager struct {
	engine   *rules.Engine
	notifier Notifier
	opts     Options
	store    state.Store
	clock    clock.Clock
	logger   *slog.Logger

	mu               sync.Mutex
	alerts           map[string]*domain.AlertInstance
	history          []domain.AlertInstance
	alertCallbacks   []AlertCallback
	resolveCallbacks []AlertCallback

	inflight sync.WaitGroup

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAlertManager wires manager handlers into rule engine callbacks.
// Params: rule engine, notifier, and options.
// Returns: manager ready for Start.
func NewAlertManager(engine *rules.Engine, notifier Notifier, opts Options) *AlertManager {
	if opts.ProcessingInterval <= 0 {
		opts.ProcessingInterval = defaultProcessingInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.HistoryMax <= 0 {
		opts.HistoryMax = defaultHistoryMax
	}
	store := opts.Store
	if store == nil {
		store = state.NewMemoryStore()
	}
	m := &AlertManager{
		engine:   engine,
		notifier: notifier,
		opts:     opts,
		store:    store,
		clock:    clock.OrReal(opts.Clock),
		logger:   logging.OrDiscard(opts.Logger),
		alerts:   make(map[string]*domain.AlertInstance),
	}
	if engine != nil {
		engine.AddAlertCallback(m.handleFiring)
		engine.AddResolveCallback(m.handleResolved)
	}
	return m
}

// AddAlertCallback subscribes to newly created alert instances.
func (m *AlertManager) AddAlertCallback(callback AlertCallback) {
	m.mu.Lock()
	m.alertCallbacks = append(m.alertCallbacks, callback)
	m.mu.Unlock()
}

// AddResolveCallback subscribes to resolved alert instances.
func (m *AlertManager) AddResolveCallback(callback AlertCallback) {
	m.mu.Lock()
	m.resolveCallbacks = append(m.resolveCallbacks, callback)
	m.mu.Unlock()
}

// Restore loads open alert instances persisted by a previous process.
// Params: context for store access.
// Returns: number of restored alerts or store error.
func (m *AlertManager) Restore(ctx context.Context) (int, error) {
	stored, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore alerts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, alert := range stored {
		if !isOpen(alert.Status) {
			continue
		}
		clone := alert.Clone()
		m.alerts[alert.AlertID] = &clone
		restored++
	}
	if restored > 0 {
		m.logger.Info("alerts restored", "count", restored)
	}
	return restored, nil
}

// handleFiring creates alert instance for rule transition and routes it asynchronously.
func (m *AlertManager) handleFiring(ctx context.Context, transition rules.Transition) {
	now := m.clock.Now()
	m.mu.Lock()
	if existing := m.openAlertForRuleLocked(transition.Rule.Name); existing != nil {
		existing.UpdatedAt = now
		snapshot := existing.Clone()
		m.mu.Unlock()
		m.logger.Info("rule fired with open alert; reusing instance", "rule", transition.Rule.Name, "alert_id", snapshot.AlertID)
		m.persist(ctx, snapshot)
		return
	}
	alert := newAlertInstance(transition, uuid.NewString(), now)
	m.alerts[alert.AlertID] = &alert
	callbacks := append([]AlertCallback(nil), m.alertCallbacks...)
	snapshot := alert.Clone()
	m.mu.Unlock()

	m.logger.Warn("alert fired", "rule", alert.RuleName, "alert_id", alert.AlertID, "severity", alert.Severity)
	m.opts.Metrics.AlertFired(alert.RuleName, alert.Severity)
	m.persist(ctx, snapshot)
	m.invoke(ctx, callbacks, snapshot, "alert")

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.route(ctx, snapshot)
	}()
}

// route passes new alert through dedup, grouping or immediate delivery, then escalation.
func (m *AlertManager) route(ctx context.Context, alert domain.AlertInstance) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("alert routing panicked", "alert_id", alert.AlertID, "panic", recovered)
		}
	}()
	msg := alert.Notification()

	if m.opts.Dedup != nil && m.opts.Dedup.IsDuplicate(msg) {
		m.opts.Metrics.DedupSuppressed()
		m.logger.Info("alert suppressed as duplicate", "alert_id", alert.AlertID, "rule", alert.RuleName)
		m.mutate(ctx, alert.AlertID, func(current *domain.AlertInstance) bool {
			if current.Status != domain.AlertStatusActive {
				return false
			}
			current.Status = domain.AlertStatusSuppressed
			return true
		})
		return
	}

	grouped := false
	if m.opts.Grouper != nil {
		groupID, err := m.opts.Grouper.AddAlert(msg)
		if err != nil {
			m.logger.Error("alert grouping failed; sending individually", "alert_id", alert.AlertID, "error", err)
		} else {
			grouped = true
			m.mutate(ctx, alert.AlertID, func(current *domain.AlertInstance) bool {
				current.GroupID = groupID
				return true
			})
		}
	}
	if !grouped {
		sent := countSent(m.notifier.SendNotification(ctx, msg, nil))
		m.mutate(ctx, alert.AlertID, func(current *domain.AlertInstance) bool {
			current.NotificationCount += sent
			return true
		})
	}

	m.startEscalation(ctx, msg)
}

// startEscalation attaches escalation to alert still open after routing.
func (m *AlertManager) startEscalation(ctx context.Context, msg domain.NotificationMessage) {
	if m.opts.Escalation == nil {
		return
	}
	escalationID, err := m.opts.Escalation.StartEscalation(ctx, msg, "")
	if err != nil {
		m.logger.Error("escalation start failed", "alert_id", msg.AlertID, "error", err)
		return
	}
	if escalationID == "" {
		return
	}
	var status domain.AlertStatus
	stillActive := m.mutate(ctx, msg.AlertID, func(current *domain.AlertInstance) bool {
		status = current.Status
		if current.Status != domain.AlertStatusActive {
			return false
		}
		current.EscalationID = escalationID
		return true
	})
	// Alert was acknowledged or resolved while routing.
	switch {
	case stillActive:
	case status == domain.AlertStatusAcknowledged:
		m.opts.Escalation.Acknowledge(msg.AlertID)
	default:
		m.opts.Escalation.Cancel(msg.AlertID)
	}
}

// handleResolved resolves every open alert of the rule that stopped firing.
func (m *AlertManager) handleResolved(ctx context.Context, transition rules.Transition) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, alert := range m.alerts {
		if alert.RuleName == transition.Rule.Name && isOpen(alert.Status) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := m.resolve(ctx, id, "", false); err != nil && !errors.Is(err, ErrAlertNotFound) {
			m.logger.Warn("rule resolve skipped alert", "rule", transition.Rule.Name, "alert_id", id, "error", err)
		}
	}
}

// AcknowledgeAlert silences alert and cancels its escalation without resolving it.
// Params: context, alert ID, and acknowledging user.
// Returns: ErrAlertNotFound for unknown IDs or error when alert is no longer open.
func (m *AlertManager) AcknowledgeAlert(ctx context.Context, alertID, user string) error {
	now := m.clock.Now()
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("acknowledge %q: %w", alertID, ErrAlertNotFound)
	}
	switch alert.Status {
	case domain.AlertStatusAcknowledged:
		m.mu.Unlock()
		return nil
	case domain.AlertStatusActive:
	default:
		status := alert.Status
		m.mu.Unlock()
		return fmt.Errorf("acknowledge %q: alert is %s", alertID, status)
	}
	alert.Status = domain.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = user
	alert.UpdatedAt = now
	snapshot := alert.Clone()
	m.mu.Unlock()

	if m.opts.Escalation != nil {
		m.opts.Escalation.Acknowledge(alertID)
	}
	m.persist(ctx, snapshot)
	m.logger.Info("alert acknowledged", "alert_id", alertID, "user", user)
	return nil
}

// ResolveAlert resolves open alert manually.
// Params: context, alert ID, and resolving user.
// Returns: ErrAlertNotFound for unknown IDs or error when alert is no longer open.
func (m *AlertManager) ResolveAlert(ctx context.Context, alertID, user string) error {
	return m.resolve(ctx, alertID, user, true)
}

func (m *AlertManager) resolve(ctx context.Context, alertID, user string, manual bool) error {
	now := m.clock.Now()
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resolve %q: %w", alertID, ErrAlertNotFound)
	}
	if !isOpen(alert.Status) {
		status := alert.Status
		m.mu.Unlock()
		return fmt.Errorf("resolve %q: alert is %s", alertID, status)
	}
	alert.Status = domain.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	if manual {
		if alert.Annotations == nil {
			alert.Annotations = map[string]string{}
		}
		alert.Annotations["resolved_by"] = user
	}
	snapshot := alert.Clone()
	callbacks := append([]AlertCallback(nil), m.resolveCallbacks...)
	m.mu.Unlock()

	if m.opts.Escalation != nil {
		m.opts.Escalation.Cancel(alertID)
	}
	m.opts.Metrics.AlertResolved(snapshot.RuleName)
	m.persist(ctx, snapshot)
	m.logger.Info("alert resolved", "alert_id", alertID, "rule", snapshot.RuleName, "manual", manual)
	m.invoke(ctx, callbacks, snapshot, "resolve")

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		msg := resolvedNotification(snapshot, now)
		sent := countSent(m.notifier.SendNotification(ctx, msg, nil))
		m.mutate(ctx, alertID, func(current *domain.AlertInstance) bool {
			current.NotificationCount += sent
			return true
		})
	}()
	return nil
}

// ProcessOnce flushes ready groups, expires stale alerts, and purges retained terminal alerts.
// Params: context for delivery and store access.
// Returns: number of flushed groups.
func (m *AlertManager) ProcessOnce(ctx context.Context) int {
	flushed := m.flushGroups(ctx)
	if m.opts.Grouper != nil {
		m.opts.Grouper.Cleanup()
	}
	if m.opts.Dedup != nil {
		m.opts.Dedup.Cleanup()
	}
	m.expire(ctx)
	m.purge(ctx)
	m.opts.Metrics.SetAlertCounts(m.statusCounts())
	return flushed
}

func (m *AlertManager) flushGroups(ctx context.Context) int {
	if m.opts.Grouper == nil {
		return 0
	}
	flushed := 0
	for _, group := range m.opts.Grouper.ReadyGroups() {
		if !m.opts.Grouper.RemoveGroup(group.GroupID) {
			continue
		}
		msg := grouping.ToNotification(group)
		sent := countSent(m.notifier.SendNotification(ctx, msg, nil))
		for _, member := range group.Alerts {
			m.mutate(ctx, member.AlertID, func(current *domain.AlertInstance) bool {
				current.NotificationCount += sent
				return true
			})
		}
		m.opts.Metrics.GroupFlushed(len(group.Alerts))
		m.logger.Info("alert group flushed", "group_id", group.GroupID, "group_key", group.GroupKey, "size", len(group.Alerts))
		flushed++
	}
	return flushed
}

// expire moves alerts active for longer than max age to EXPIRED.
func (m *AlertManager) expire(ctx context.Context) {
	if m.opts.MaxAge <= 0 {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	expired := make([]domain.AlertInstance, 0)
	for _, alert := range m.alerts {
		if alert.Status == domain.AlertStatusActive && now.Sub(alert.CreatedAt) >= m.opts.MaxAge {
			alert.Status = domain.AlertStatusExpired
			alert.UpdatedAt = now
			expired = append(expired, alert.Clone())
		}
	}
	m.mu.Unlock()
	for _, alert := range expired {
		if m.opts.Escalation != nil {
			m.opts.Escalation.Cancel(alert.AlertID)
		}
		m.persist(ctx, alert)
		m.logger.Warn("alert expired", "alert_id", alert.AlertID, "rule", alert.RuleName)
	}
}

// purge moves terminal alerts older than retention into capped history.
func (m *AlertManager) purge(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	purged := make([]domain.AlertInstance, 0)
	for id, alert := range m.alerts {
		if isOpen(alert.Status) || now.Sub(alert.UpdatedAt) < m.opts.Retention {
			continue
		}
		purged = append(purged, alert.Clone())
		delete(m.alerts, id)
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i].UpdatedAt.Before(purged[j].UpdatedAt) })
	m.history = append(m.history, purged...)
	if overflow := len(m.history) - m.opts.HistoryMax; overflow > 0 {
		m.history = append([]domain.AlertInstance(nil), m.history[overflow:]...)
	}
	m.mu.Unlock()

	for _, alert := range purged {
		if err := m.store.Delete(ctx, alert.AlertID); err != nil && !errors.Is(err, state.ErrNotFound) {
			m.logger.Warn("purged alert delete failed", "alert_id", alert.AlertID, "error", err)
		}
	}
	if len(purged) > 0 {
		m.logger.Info("alerts moved to history", "count", len(purged))
	}
}

// Start runs processing loop until Stop or context cancellation.
// Params: parent context.
// Returns: error when loop is already running.
func (m *AlertManager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("alert manager already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
	return nil
}

func (m *AlertManager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeProcess(ctx)
		}
	}
}

func (m *AlertManager) safeProcess(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("alert processing panicked", "panic", recovered)
		}
	}()
	m.ProcessOnce(ctx)
}

// Stop cancels processing loop and waits for loop and in-flight routing to finish.
func (m *AlertManager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.inflight.Wait()
}

// Wait blocks until asynchronous routing and resolve notifications finish.
func (m *AlertManager) Wait() {
	m.inflight.Wait()
}

// Alert returns snapshot of tracked alert.
func (m *AlertManager) Alert(alertID string) (domain.AlertInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return domain.AlertInstance{}, false
	}
	return alert.Clone(), true
}

// Alerts returns tracked alerts ordered by creation time, optionally filtered by status.
func (m *AlertManager) Alerts(statuses ...domain.AlertStatus) []domain.AlertInstance {
	allowed := make(map[domain.AlertStatus]struct{}, len(statuses))
	for _, status := range statuses {
		allowed[status] = struct{}{}
	}
	m.mu.Lock()
	out := make([]domain.AlertInstance, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if _, ok := allowed[alert.Status]; len(allowed) > 0 && !ok {
			continue
		}
		out = append(out, alert.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AlertID < out[j].AlertID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns purged alerts, oldest first.
func (m *AlertManager) History() []domain.AlertInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AlertInstance, len(m.history))
	for i, alert := range m.history {
		out[i] = alert.Clone()
	}
	return out
}

// Stats returns alert counts plus nested component snapshots.
func (m *AlertManager) Stats() map[string]any {
	m.mu.Lock()
	byStatus := make(map[string]int)
	bySeverity := make(map[string]int)
	for _, alert := range m.alerts {
		byStatus[string(alert.Status)]++
		if alert.Status == domain.AlertStatusActive {
			bySeverity[string(alert.Severity)]++
		}
	}
	total := len(m.alerts)
	history := len(m.history)
	m.mu.Unlock()

	m.runMu.Lock()
	running := m.cancel != nil
	m.runMu.Unlock()

	out := map[string]any{
		"running":              running,
		"alerts_total":         total,
		"active_alerts":        byStatus[string(domain.AlertStatusActive)],
		"alerts_by_status":     byStatus,
		"active_by_severity":   bySeverity,
		"history_size":         history,
		"processing_interval":  m.opts.ProcessingInterval.Seconds(),
		"grouping_enabled":     m.opts.Grouper != nil,
		"dedup_enabled":        m.opts.Dedup != nil,
		"escalation_enabled":   m.opts.Escalation != nil,
		"notification_manager": m.notifier.Stats(),
	}
	if m.engine != nil {
		out["rule_engine"] = m.engine.Stats()
	}
	if m.opts.Escalation != nil {
		out["escalation_manager"] = m.opts.Escalation.Stats()
	}
	if m.opts.Grouper != nil {
		out["grouper"] = m.opts.Grouper.Stats()
	}
	if m.opts.Dedup != nil {
		out["deduplicator"] = m.opts.Dedup.Stats()
	}
	return out
}

func (m *AlertManager) statusCounts() map[domain.AlertStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.AlertStatus]int)
	for _, alert := range m.alerts {
		counts[alert.Status]++
	}
	return counts
}

// mutate applies change to tracked alert and persists it when change reports true.
// Returns: false when alert is unknown or change declined.
func (m *AlertManager) mutate(ctx context.Context, alertID string, change func(*domain.AlertInstance) bool) bool {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok || !change(alert) {
		m.mu.Unlock()
		return false
	}
	alert.UpdatedAt = m.clock.Now()
	snapshot := alert.Clone()
	m.mu.Unlock()
	m.persist(ctx, snapshot)
	return true
}

// persist writes alert through to state store; failures are logged.
func (m *AlertManager) persist(ctx context.Context, alert domain.AlertInstance) {
	if _, err := m.store.Put(context.WithoutCancel(ctx), alert); err != nil {
		m.logger.Error("alert persist failed", "alert_id", alert.AlertID, "error", err)
	}
}

func (m *AlertManager) invoke(ctx context.Context, callbacks []AlertCallback, alert domain.AlertInstance, kind string) {
	for i, callback := range callbacks {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					m.logger.Error("alert callback panicked", "kind", kind, "callback", i, "alert_id", alert.AlertID, "panic", recovered)
				}
			}()
			callback(ctx, alert)
		}()
	}
}

func (m *AlertManager) openAlertForRuleLocked(rule string) *domain.AlertInstance {
	for _, alert := range m.alerts {
		if alert.RuleName == rule && isOpen(alert.Status) {
			return alert
		}
	}
	return nil
}

func isOpen(status domain.AlertStatus) bool {
	return status == domain.AlertStatusActive || status == domain.AlertStatusAcknowledged
}

func countSent(results map[string]domain.NotificationResult) int {
	sent := 0
	for _, result := range results {
		if result.Success {
			sent++
		}
	}
	return sent
}
