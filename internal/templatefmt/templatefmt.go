package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"
)

var severityColors = map[string]string{
	"info":     "#36a64f",
	"low":      "#2eb886",
	"medium":   "#daa038",
	"high":     "#ff9900",
	"critical": "#e01e5a",
}

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: helper map used by channel payload rendering.
func FuncMap() map[string]any {
	return map[string]any{
		"fmtDuration":   FormatDuration,
		"json":          MarshalJSON,
		"severityColor": SeverityColor,
		"upper":         strings.ToUpper,
		"sortedKeys":    SortedKeys,
		"fmtTime":       FormatTime,
	}
}

// ParseText parses one plain-text template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseText(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(template.FuncMap(FuncMap())).Option("missingkey=zero").Parse(body)
}

// ParseHTML parses one HTML template with shared helpers and contextual escaping.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseHTML(name, body string) (*htmltemplate.Template, error) {
	return htmltemplate.New(name).Funcs(htmltemplate.FuncMap(FuncMap())).Parse(body)
}

// executor is implemented by both text and HTML templates.
type executor interface {
	Execute(w io.Writer, data any) error
}

// Render executes parsed template into string.
// Params: template with Execute method and payload.
// Returns: rendered body or execution error.
func Render(tmpl executor, payload any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, payload); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SeverityColor maps severity name to hex sidebar/border color.
// Params: severity value (string or fmt.Stringer).
// Returns: hex color, neutral gray for unknown values.
func SeverityColor(value any) string {
	if color, ok := severityColors[strings.ToLower(fmt.Sprint(value))]; ok {
		return color
	}
	return "#808080"
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed != nil {
			duration = *typed
		}
	}
	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatTime renders timestamp in RFC3339 UTC.
func FormatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}

// SortedKeys returns map keys in lexical order for deterministic rendering.
func SortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
