// Package grouping batches related alerts into groups flushed after a quiet window.
package grouping

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/clock"
	"alertcore/internal/domain"
	"alertcore/internal/logging"

	"github.com/google/uuid"
)

// Strategy selects group key derivation.
type Strategy string

const (
	ByLabels   Strategy = "by_labels"
	ByService  Strategy = "by_service"
	BySeverity Strategy = "by_severity"
	ByRule     Strategy = "by_rule"
	Custom     Strategy = "custom"

	defaultKey      = "default"
	summaryLimit    = 5
	idleRetention   = time.Hour
	defaultWindow   = 5 * time.Minute
	defaultMaxGroup = 100
)

// KeyFunc derives custom group key from message.
type KeyFunc func(domain.NotificationMessage) (string, error)

// Group is one batch of related alerts.
// Params: identity, key, strategy, timestamps, members, and merged label/annotation sets.
// Returns: snapshot returned by grouper queries.
type Group struct {
	GroupID     string
	GroupKey    string
	Strategy    Strategy
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Alerts      []domain.NotificationMessage
	Labels      map[string]string
	Annotations map[string]string
}

func (g *Group) clone() Group {
	out := *g
	out.Alerts = make([]domain.NotificationMessage, 0, len(g.Alerts))
	for _, alert := range g.Alerts {
		out.Alerts = append(out.Alerts, alert.Clone())
	}
	out.Labels = domain.CloneLabels(g.Labels)
	out.Annotations = domain.CloneLabels(g.Annotations)
	return out
}

// Options configures grouper.
// Params: strategy, ordered label set for by_labels, quiet window, size cap, optional custom key, clock, logger.
// Returns: grouper settings.
type Options struct {
	Strategy     Strategy
	Labels       []string
	Window       time.Duration
	MaxGroupSize int
	KeyFunc      KeyFunc
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Grouper assigns alerts to groups by key.
type Grouper struct {
	mu      sync.Mutex
	groups  map[string]*Group
	byKey   map[string]string
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger
	flushed int64
	capped  int64
}

// New constructs grouper.
func New(opts Options) *Grouper {
	if opts.Strategy == "" {
		opts.Strategy = ByLabels
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.MaxGroupSize <= 0 {
		opts.MaxGroupSize = defaultMaxGroup
	}
	if opts.KeyFunc != nil {
		opts.Strategy = Custom
	}
	return &Grouper{
		groups: make(map[string]*Group),
		byKey:  make(map[string]string),
		opts:   opts,
		clock:  clock.OrReal(opts.Clock),
		logger: logging.OrDiscard(opts.Logger),
	}
}

// Key derives group key for message under configured strategy.
// Params: notification message.
// Returns: group key or typed grouping error.
func (g *Grouper) Key(msg domain.NotificationMessage) (key string, err error) {
	switch g.opts.Strategy {
	case ByLabels:
		parts := make([]string, 0, len(g.opts.Labels))
		for _, label := range g.opts.Labels {
			if value, ok := msg.Labels[label]; ok {
				parts = append(parts, label+"="+value)
			}
		}
		if len(parts) == 0 {
			return defaultKey, nil
		}
		return strings.Join(parts, "|"), nil
	case ByService:
		return "service=" + msg.Labels["service"], nil
	case BySeverity:
		return "severity=" + string(msg.Severity), nil
	case ByRule:
		return "rule=" + msg.Labels["alertname"], nil
	case Custom:
		defer func() {
			if recovered := recover(); recovered != nil {
				err = alerterr.FromPanic(alerterr.KindGrouping, "custom key function panicked", recovered)
			}
		}()
		custom, keyErr := g.opts.KeyFunc(msg)
		if keyErr != nil {
			return "", alerterr.Grouping("custom key function failed", keyErr).With("alert_id", msg.AlertID)
		}
		return custom, nil
	default:
		return "", alerterr.Grouping(fmt.Sprintf("unsupported strategy %q", g.opts.Strategy), nil)
	}
}

// AddAlert appends message to matching group, creating it on first key match.
// Params: notification message.
// Returns: group ID (existing ID when group is at size cap) or typed grouping error.
func (g *Grouper) AddAlert(msg domain.NotificationMessage) (string, error) {
	key, err := g.Key(msg)
	if err != nil {
		return "", err
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.byKey[key]; ok {
		group := g.groups[id]
		if len(group.Alerts) >= g.opts.MaxGroupSize {
			g.capped++
			return id, nil
		}
		group.Alerts = append(group.Alerts, msg.Clone())
		group.Labels = intersect(group.Labels, msg.Labels)
		group.Annotations = union(group.Annotations, msg.Annotations)
		group.UpdatedAt = now
		return id, nil
	}

	group := &Group{
		GroupID:     uuid.NewString(),
		GroupKey:    key,
		Strategy:    g.opts.Strategy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Alerts:      []domain.NotificationMessage{msg.Clone()},
		Labels:      domain.CloneLabels(msg.Labels),
		Annotations: domain.CloneLabels(msg.Annotations),
	}
	g.groups[group.GroupID] = group
	g.byKey[key] = group.GroupID
	g.logger.Debug("alert group created", "group_id", group.GroupID, "group_key", key)
	return group.GroupID, nil
}

// Group returns snapshot of one group.
func (g *Grouper) Group(id string) (Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[id]
	if !ok {
		return Group{}, false
	}
	return group.clone(), true
}

// ReadyGroups returns groups quiet for at least the grouping window.
// Params: none (uses injected clock).
// Returns: snapshots ordered by creation time.
func (g *Grouper) ReadyGroups() []Group {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Group, 0)
	for _, group := range g.groups {
		if now.Sub(group.UpdatedAt) >= g.opts.Window {
			out = append(out, group.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RemoveGroup deletes flushed group.
// Returns: true when group existed.
func (g *Grouper) RemoveGroup(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[id]
	if !ok {
		return false
	}
	delete(g.groups, id)
	if g.byKey[group.GroupKey] == id {
		delete(g.byKey, group.GroupKey)
	}
	g.flushed++
	return true
}

// Cleanup evicts groups idle for longer than fixed retention.
// Returns: number of evicted groups.
func (g *Grouper) Cleanup() int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, group := range g.groups {
		if now.Sub(group.UpdatedAt) > idleRetention {
			delete(g.groups, id)
			if g.byKey[group.GroupKey] == id {
				delete(g.byKey, group.GroupKey)
			}
			removed++
		}
	}
	return removed
}

// Stats returns side-effect free grouper snapshot.
func (g *Grouper) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := 0
	for _, group := range g.groups {
		members += len(group.Alerts)
	}
	return map[string]any{
		"strategy":       string(g.opts.Strategy),
		"window_sec":     g.opts.Window.Seconds(),
		"max_group_size": g.opts.MaxGroupSize,
		"active_groups":  len(g.groups),
		"grouped_alerts": members,
		"flushed_groups": g.flushed,
		"capped_alerts":  g.capped,
	}
}

// ToNotification converts group into one notification message.
// Params: group snapshot.
// Returns: message with max member severity, merged labels, and summarized body.
func ToNotification(group Group) domain.NotificationMessage {
	severities := make([]domain.Severity, 0, len(group.Alerts))
	for _, alert := range group.Alerts {
		severities = append(severities, alert.Severity)
	}
	msg := domain.NotificationMessage{
		AlertID:     group.GroupID,
		Severity:    domain.MaxSeverity(severities...),
		Timestamp:   group.UpdatedAt,
		Labels:      domain.CloneLabels(group.Labels),
		Annotations: domain.CloneLabels(group.Annotations),
	}
	if msg.Annotations == nil {
		msg.Annotations = map[string]string{}
	}
	msg.Annotations["group_key"] = group.GroupKey
	msg.Annotations["group_size"] = fmt.Sprint(len(group.Alerts))

	if len(group.Alerts) == 1 {
		only := group.Alerts[0]
		msg.Title = only.Title
		msg.Message = only.Message
		msg.AlertURL = only.AlertURL
		return msg
	}

	msg.Title = fmt.Sprintf("%d alerts grouped by %s", len(group.Alerts), group.GroupKey)
	var body strings.Builder
	for i, alert := range group.Alerts {
		if i == summaryLimit {
			fmt.Fprintf(&body, "... and %d more", len(group.Alerts)-summaryLimit)
			break
		}
		fmt.Fprintf(&body, "%d. [%s] %s\n", i+1, strings.ToUpper(string(alert.Severity)), alert.Title)
	}
	msg.Message = strings.TrimRight(body.String(), "\n")
	return msg
}

// intersect keeps keys present in both maps with equal values.
func intersect(current, next map[string]string) map[string]string {
	out := make(map[string]string, len(current))
	for key, value := range current {
		if other, ok := next[key]; ok && other == value {
			out[key] = value
		}
	}
	return out
}

// union overlays next annotations onto current (last wins).
func union(current, next map[string]string) map[string]string {
	out := make(map[string]string, len(current)+len(next))
	for key, value := range current {
		out[key] = value
	}
	for key, value := range next {
		out[key] = value
	}
	return out
}
