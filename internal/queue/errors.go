package queue

import "errors"

var (
	// ErrNotFound is returned when a requested job or draft does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidScope is returned when a user address or chain id is missing.
	ErrInvalidScope = errors.New("invalid scope: user address and chain id are required")

	// ErrStorageFull is returned by enqueue when cleanup cannot free enough space.
	ErrStorageFull = errors.New("storage full")

	// ErrInvalidPayload wraps payload validation failures.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownKind is returned for a job kind with no payload shape or processor.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrJobClosed is returned when a transition is requested on a job that
	// already left the open (pending or in-flight) states.
	ErrJobClosed = errors.New("job is no longer open")

	// ErrJobInFlight is returned when removing a job that is being submitted.
	ErrJobInFlight = errors.New("job is in flight")

	// ErrDraftIncomplete is returned when submitting a draft that still has missing steps.
	ErrDraftIncomplete = errors.New("draft is incomplete")
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable. Submitters and processors use it
// for rejected transactions, insufficient funds and malformed payloads.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
