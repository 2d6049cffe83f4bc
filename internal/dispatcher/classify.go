package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// StatusError carries an HTTP-like status out of a handler.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) StatusCode() int { return e.Status }

// NewStatusError wraps err with status.
func NewStatusError(status int, err error) *StatusError {
	return &StatusError{Status: status, Err: err}
}

// statusCoder is implemented by any error that knows its HTTP status.
type statusCoder interface {
	StatusCode() int
}

// TransientStatus reports whether a status is worth retrying.
func TransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// classify maps an attempt's error to an error kind. parent is the caller's
// context; attempt is the per-attempt context carrying the timeout.
func classify(parent, attempt context.Context, err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	if parent.Err() != nil {
		return models.ErrCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	var sc statusCoder
	if errors.As(err, &sc) && TransientStatus(sc.StatusCode()) {
		return models.ErrTransient
	}
	return models.ErrHandler
}
