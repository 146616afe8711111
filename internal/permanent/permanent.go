package permanent

import (
	"errors"
	"net/http"
)

// Error marks delivery failures that retrying cannot fix.
// Params: wrapped root cause.
// Returns: typed permanent error marker.
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports non-retryable marker.
func (Error) Permanent() bool {
	return true
}

// Mark wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// MarkHTTPStatus marks error permanent for client-side HTTP statuses.
// Params: response status code and transport error built from it.
// Returns: error marked permanent for 4xx except 408 and 429.
func MarkHTTPStatus(code int, err error) error {
	if err == nil {
		return nil
	}
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return Mark(err)
	}
	return err
}

// Is reports whether error chain carries permanent marker.
// Params: candidate error.
// Returns: true when non-retryable marker is present.
func Is(err error) bool {
	var tagged interface{ Permanent() bool }
	if err == nil || !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
