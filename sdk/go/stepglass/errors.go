// Package stepglass provides a Go client for instrumenting pipelines with
// the stepglass trace API: a Recorder for capturing runs and steps, a
// non-blocking delivery batcher, and query methods over recorded traces.
package stepglass

import (
	"errors"
	"fmt"
)

// Error represents an error from the stepglass API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("stepglass: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}
