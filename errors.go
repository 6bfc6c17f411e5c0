package sec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDefinition is returned by Start when no definition is registered under the id.
	ErrUnknownDefinition = errors.New("unknown saga definition")

	// ErrInvalidPayload is returned by Start when the payload fails validation.
	ErrInvalidPayload = errors.New("invalid saga payload")

	// ErrInvalidDefinition is returned by Registry.Register for malformed definitions.
	ErrInvalidDefinition = errors.New("invalid saga definition")

	// ErrDuplicateDefinition is returned when a definition id is registered twice.
	ErrDuplicateDefinition = errors.New("saga definition already registered")

	ErrInstanceNotFound = errors.New("saga instance not found")
	ErrInstanceExists   = errors.New("saga instance already exists")

	// ErrVersionConflict means another writer already advanced the instance.
	ErrVersionConflict = errors.New("saga instance version conflict")

	// ErrTerminalState means the stored instance is terminal and can no longer change.
	ErrTerminalState = errors.New("saga instance is in a terminal state")

	// ErrNotRunning is returned by Cancel for instances that are not RUNNING.
	ErrNotRunning = errors.New("saga instance is not running")

	ErrCoordinatorClosed = errors.New("saga coordinator is closed")
)

// TransportError is an infrastructure-level failure delivering a command or its reply.
// It is always retryable under the step's retry policy.
type TransportError struct {
	error
}

// NewTransportError wraps err as a TransportError.
func NewTransportError(err error) error {
	return &TransportError{fmt.Errorf("transport error: %w", err)}
}

func (e *TransportError) Unwrap() error { return errors.Unwrap(e.error) }

// ParticipantRejection is a business-level refusal reported by a participant.
type ParticipantRejection struct {
	Reason    string
	Retryable bool
}

// Reject builds a ParticipantRejection.
func Reject(reason string, retryable bool) error {
	return &ParticipantRejection{Reason: reason, Retryable: retryable}
}

func (e *ParticipantRejection) Error() string {
	if e.Retryable {
		return fmt.Sprintf("participant rejected (retryable): %s", e.Reason)
	}
	return fmt.Sprintf("participant rejected: %s", e.Reason)
}

// TimeoutError is synthesised when a step deadline passes without a reply.
type TimeoutError struct {
	StepName string
	Attempt  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s attempt %d timed out", e.StepName, e.Attempt)
}

// CompensationFailure describes a compensation that exhausted its retries. It is
// recorded as the failure reason of a FAILED instance.
type CompensationFailure struct {
	StepName string
	Attempts int
	Cause    error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation of step %s failed after %d attempt(s): %v", e.StepName, e.Attempts, e.Cause)
}

func (e *CompensationFailure) Unwrap() error { return e.Cause }
