package sec

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy bounds how often a step (or its compensation) is attempted and
// how long to wait between attempts.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
}

// NoRetry allows exactly one attempt.
var NoRetry = RetryPolicy{MaxAttempts: 1}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Backoff returns the delay before dispatching attempt+1 after attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if p.InitialBackoff == 0 || attempt < 1 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// CanRetry reports whether another attempt is allowed after attempt failed with err.
// Rejections are only retried when both the step and the rejection allow it.
func (p RetryPolicy) CanRetry(attempt int, stepRetryable bool, err error) bool {
	if attempt >= p.normalized().MaxAttempts {
		return false
	}
	var rejection *ParticipantRejection
	if errors.As(err, &rejection) {
		return stepRetryable && rejection.Retryable
	}
	return true
}
