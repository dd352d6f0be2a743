// File: internal/runner/errors.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xkilldash9x/stagehand/internal/assetfetch"
)

// errTotalTimeout marks the proactive deadline check failing before a step
// was attempted.
var errTotalTimeout = errors.New("total timeout exceeded")

// JobError is the single normalized failure shape leaving the runner. Raw
// lower-level errors never reach the caller.
type JobError struct {
	StatusCode int      `json:"statusCode"`
	Message    string   `json:"error"`
	JobID      string   `json:"jobId,omitempty"`
	TookMs     int64    `json:"tookMs"`
	Logs       []string `json:"logs"`
	Details    any      `json:"details,omitempty"`
}

func (e *JobError) Error() string {
	return e.Message
}

// statusError attaches an explicit HTTP status to an underlying error so
// normalization preserves it. Used for validation-style failures detected
// during execution (missing upload file, bad asset).
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func clientFault(format string, args ...any) error {
	return &statusError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// stepError scopes a failure to its position and action name. The underlying
// reason stays reachable for timeout classification.
type stepError struct {
	index int
	name  string
	err   error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.index, e.name, e.err)
}

func (e *stepError) Unwrap() error { return e.err }

// isTimeout reports whether err is a timeout-pattern failure, by sentinel or
// by message content.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errTotalTimeout) ||
		errors.Is(err, assetfetch.ErrDownloadTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// normalize maps any failure to a JobError. The mapping is uniform across
// validation, asset fetching and action execution: explicit statuses win,
// timeout patterns map to 504, the rest is a generic 500.
func normalize(err error, jobID string, tookMs int64, logs []string) *JobError {
	je := &JobError{
		JobID:  jobID,
		TookMs: tookMs,
		Logs:   logs,
	}

	var se *statusError
	switch {
	case errors.As(err, &se):
		je.StatusCode = se.status
	case isTimeout(err):
		je.StatusCode = http.StatusGatewayTimeout
	default:
		je.StatusCode = http.StatusInternalServerError
	}
	je.Message = err.Error()
	return je
}
