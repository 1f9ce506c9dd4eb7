package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass is the provider error taxonomy every backend maps onto.
type ErrorClass string

const (
	ClassAuth          ErrorClass = "AUTH"
	ClassRateLimit     ErrorClass = "RATE_LIMIT"
	ClassConnection    ErrorClass = "CONNECTION"
	ClassServer        ErrorClass = "SERVER"
	ClassBadRequest    ErrorClass = "BAD_REQUEST"
	ClassSchemaInvalid ErrorClass = "SCHEMA_INVALID"
	ClassTimeout       ErrorClass = "TIMEOUT"
)

// Transient reports whether a class is retried against the same preference.
func Transient(class ErrorClass) bool {
	switch class {
	case ClassRateLimit, ClassConnection, ClassServer, ClassTimeout:
		return true
	default:
		return false
	}
}

// ProviderError wraps a backend failure with its taxonomy class and an
// optional retry-after hint.
type ProviderError struct {
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return string(e.Class)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify maps any error to its taxonomy class plus retry-after hint.
// Unrecognized errors are treated as connection failures (transient) because
// they typically come from the transport.
func Classify(err error) (ErrorClass, time.Duration) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Class, perr.RetryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout, 0
	}
	if errors.Is(err, context.Canceled) {
		return ClassTimeout, 0
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ClassTimeout, 0
	}
	return ClassConnection, 0
}

// ErrBudgetExceeded is returned before any provider call when the per-job
// budget cannot cover the request.
var ErrBudgetExceeded = errors.New("BUDGET_EXCEEDED: token budget exhausted for job")

// AttemptSummary is one line of the ordered failure report in
// AllModelsFailedError.
type AttemptSummary struct {
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	LastErrorClass ErrorClass `json:"last_error_class"`
}

// AllModelsFailedError reports that every preference in a lane failed. The
// attempt list is ordered and sufficient for the caller to pause the job.
type AllModelsFailedError struct {
	Purpose  Purpose
	Attempts []AttemptSummary
}

func (e *AllModelsFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s=%s", a.Provider, a.Model, a.LastErrorClass))
	}
	return fmt.Sprintf("ALL_MODELS_FAILED on lane %s: [%s]", e.Purpose, strings.Join(parts, ", "))
}
