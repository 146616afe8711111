package domain

import (
	"fmt"
	"strings"
)

// Severity is alert importance level.
// Params: one of info/low/medium/high/critical.
// Returns: ordered severity used by channels, grouping, and escalation filters.
type Severity string

const (
	// SeverityInfo is informational notice (used for resolve notifications).
	SeverityInfo Severity = "info"
	// SeverityLow is low-impact alert.
	SeverityLow Severity = "low"
	// SeverityMedium is default alert severity.
	SeverityMedium Severity = "medium"
	// SeverityHigh is high-impact alert; escalations are always sent with it.
	SeverityHigh Severity = "high"
	// SeverityCritical is the most urgent alert level.
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity normalizes and validates severity name.
// Params: raw severity string from config or payload.
// Returns: known severity or error.
func ParseSeverity(raw string) (Severity, error) {
	severity := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := severityRank[severity]; !ok {
		return "", fmt.Errorf("unsupported severity %q", raw)
	}
	return severity, nil
}

// Rank returns severity order (info=0 ... critical=4); unknown values rank below info.
// Params: none.
// Returns: comparable integer rank.
func (s Severity) Rank() int {
	rank, ok := severityRank[s]
	if !ok {
		return -1
	}
	return rank
}

// Valid reports whether severity is one of known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the highest severity among values.
// Params: severity list (may be empty).
// Returns: max severity or info when list is empty.
func MaxSeverity(values ...Severity) Severity {
	best := SeverityInfo
	for _, value := range values {
		if value.Rank() > best.Rank() {
			best = value
		}
	}
	return best
}
