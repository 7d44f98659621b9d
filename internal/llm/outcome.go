package llm

import "github.com/raphaelgruber/compendium/internal/fault"

// Status tags the result of a gateway call.
type Status int

const (
	// StatusOK carries a validated value.
	StatusOK Status = iota
	// StatusRetryable means the call gave up but a later job attempt may succeed.
	StatusRetryable
	// StatusFatal means retrying the job will not help.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of Invoke.
type Outcome[T any] struct {
	Status   Status
	Value    T
	Err      error
	Attempts int
}

// Ok wraps a validated value.
func Ok[T any](v T, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusOK, Value: v, Attempts: attempts}
}

// Retryable wraps a failure the caller may retry at job level.
func Retryable[T any](err error, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusRetryable, Err: err, Attempts: attempts}
}

// Fatal wraps a failure that automatic retries must skip.
func Fatal[T any](err error, attempts int) Outcome[T] {
	return Outcome[T]{Status: StatusFatal, Err: fault.MarkPermanent(err), Attempts: attempts}
}

// Unwrap returns the value, or the error for failed outcomes.
func (o Outcome[T]) Unwrap() (T, error) {
	if o.Status == StatusOK {
		return o.Value, nil
	}
	var zero T
	return zero, o.Err
}
