package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job is unknown to the queried queue or store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRetryable is returned when the broker refuses to re-run a job in its current state
	ErrJobNotRetryable = errors.New("job is not in a retryable state")

	// ErrMalformedDeadLetter is returned for dead-letter entries that lack a job name
	ErrMalformedDeadLetter = errors.New("malformed dead-letter entry")

	// ErrInvalidPayload is returned when a job payload is not valid JSON
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvalidOptions is returned for negative delays, non-positive attempts or empty names
	ErrInvalidOptions = errors.New("invalid enqueue options")

	// ErrNoHandler is returned when a delivered job has no registered handler
	ErrNoHandler = errors.New("no handler registered for job")
)

// PermanentError marks a handler failure that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so the coordinator dead-letters the job immediately
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
