package sec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))

	assert.Equal(t, time.Duration(0), NoRetry.Backoff(3))

	// A multiplier below one is treated as a constant backoff.
	flat := RetryPolicy{MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond, Multiplier: 0.5}
	assert.Equal(t, 50*time.Millisecond, flat.Backoff(3))
}

func TestRetryPolicyCanRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	transport := NewTransportError(errors.New("reset"))
	timeout := &TimeoutError{StepName: "s", Attempt: 1}

	assert.True(t, p.CanRetry(1, false, transport))
	assert.True(t, p.CanRetry(2, false, timeout))
	assert.False(t, p.CanRetry(3, true, transport), "attempts exhausted")

	assert.False(t, p.CanRetry(1, true, Reject("no", false)))
	assert.False(t, p.CanRetry(1, false, Reject("busy", true)))
	assert.True(t, p.CanRetry(1, true, Reject("busy", true)))

	assert.False(t, RetryPolicy{}.CanRetry(1, true, transport), "zero policy allows a single attempt")
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewTransportError(cause)
	var transport *TransportError
	assert.ErrorAs(t, err, &transport)
	assert.ErrorIs(t, err, cause)

	failure := &CompensationFailure{StepName: "Charge", Attempts: 2, Cause: err}
	assert.ErrorIs(t, failure, cause)
	assert.Contains(t, failure.Error(), "Charge")
	assert.Contains(t, Reject("busy", true).Error(), "retryable")
}
