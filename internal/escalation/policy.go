package escalation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"alertcore/internal/config"
	"alertcore/internal/domain"
)

// Level is one escalation step.
type Level struct {
	Level      int
	Delay      time.Duration
	Channels   []string
	Conditions map[string]string
}

// Policy describes who is notified, when, and for which alerts.
// Params: name, ordered levels, severity filter, label filters, and escalation cap.
// Returns: policy matched by ShouldEscalate.
type Policy struct {
	Name           string
	Levels         []Level
	Severities     []domain.Severity
	LabelFilters   map[string]string
	MaxEscalations int
}

// NewPolicy normalizes policy: levels sorted ascending by level number.
// Params: policy definition.
// Returns: normalized policy or validation error.
func NewPolicy(policy Policy) (Policy, error) {
	if strings.TrimSpace(policy.Name) == "" {
		return Policy{}, errors.New("policy name is required")
	}
	levels := append([]Level(nil), policy.Levels...)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	for i, level := range levels {
		if level.Delay < 0 {
			return Policy{}, fmt.Errorf("policy %q level %d: delay must be >=0", policy.Name, level.Level)
		}
		if i > 0 && levels[i-1].Level == level.Level {
			return Policy{}, fmt.Errorf("policy %q: duplicate level %d", policy.Name, level.Level)
		}
	}
	policy.Levels = levels
	if policy.MaxEscalations <= 0 {
		policy.MaxEscalations = len(levels)
	}
	policy.LabelFilters = domain.CloneLabels(policy.LabelFilters)
	return policy, nil
}

// PolicyFromConfig converts `[escalation.<name>]` table into policy.
func PolicyFromConfig(raw config.EscalationPolicyConfig) (Policy, error) {
	policy := Policy{
		Name:           raw.Name,
		LabelFilters:   raw.LabelFilters,
		MaxEscalations: raw.MaxEscalations,
	}
	for _, name := range raw.Severities {
		severity, err := domain.ParseSeverity(name)
		if err != nil {
			return Policy{}, fmt.Errorf("policy %q: %w", raw.Name, err)
		}
		policy.Severities = append(policy.Severities, severity)
	}
	for _, level := range raw.Level {
		policy.Levels = append(policy.Levels, Level{
			Level:      level.Level,
			Delay:      time.Duration(level.DelaySec) * time.Second,
			Channels:   append([]string(nil), level.Channels...),
			Conditions: domain.CloneLabels(level.Conditions),
		})
	}
	return NewPolicy(policy)
}

// ShouldEscalate reports severity-filter membership and exact label-filter match.
// Params: notification message.
// Returns: true when message enters this policy.
func (p Policy) ShouldEscalate(msg domain.NotificationMessage) bool {
	if len(p.Severities) > 0 {
		allowed := false
		for _, severity := range p.Severities {
			if severity == msg.Severity {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for key, want := range p.LabelFilters {
		if got, ok := msg.Labels[key]; !ok || got != want {
			return false
		}
	}
	return true
}
