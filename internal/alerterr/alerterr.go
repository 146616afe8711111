package alerterr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindConfig       Kind = "config"
	KindRule         Kind = "rule"
	KindNotification Kind = "notification"
	KindEscalation   Kind = "escalation"
	KindGrouping     Kind = "grouping"
)

// Error is typed pipeline failure with human message, cause, and structured context.
// Params: kind, message, optional wrapped cause, and key/value context.
// Returns: error usable with errors.Is/As and IsKind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error: ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, key := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", key, e.Context[key])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With returns copy of error with additional context entry.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return &out
}

// New builds typed error.
// Params: kind, message, and optional cause.
// Returns: typed error pointer.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Config builds configuration error raised at construction time.
func Config(message string, cause error) *Error { return New(KindConfig, message, cause) }

// Rule builds rule evaluation error.
func Rule(message string, cause error) *Error { return New(KindRule, message, cause) }

// Notification builds channel delivery error.
func Notification(message string, cause error) *Error { return New(KindNotification, message, cause) }

// Escalation builds escalation policy/execution error.
func Escalation(message string, cause error) *Error { return New(KindEscalation, message, cause) }

// Grouping builds grouping key derivation error.
func Grouping(message string, cause error) *Error { return New(KindGrouping, message, cause) }

// IsKind reports whether error chain contains typed error of given kind.
// Params: candidate error and expected kind.
// Returns: true on first matching typed error in chain.
func IsKind(err error, kind Kind) bool {
	var typed *Error
	for err != nil {
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Kind == kind {
			return true
		}
		err = typed.Err
	}
	return false
}

// FromPanic converts recovered panic value into typed error.
// Params: error kind, message, and recover() value.
// Returns: typed error wrapping panic value.
func FromPanic(kind Kind, message string, recovered any) *Error {
	if err, ok := recovered.(error); ok {
		return New(kind, message, err)
	}
	return New(kind, message, fmt.Errorf("panic: %v", recovered))
}
