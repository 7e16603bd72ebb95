package audit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/payos/taskcore/internal/budget"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/models"
)

// Retriable reports whether a processing failure should put the task back in
// the claimable pool. Provider rate limits, upstream outages, and deadline
// overruns are worth retrying; configuration and policy failures never are.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		return false
	}
	return inference.Transient(err)
}

// Classify maps a terminal failure to its dead letter class. Errors that
// carry their own class (via a FailureClass method) win.
func Classify(err error, retryCount, maxRetries int) models.FailureClass {
	var classified interface{ FailureClass() models.FailureClass }
	if errors.As(err, &classified) {
		return classified.FailureClass()
	}
	var exceeded *budget.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return models.FailurePolicy
	case errors.Is(err, context.DeadlineExceeded):
		return models.FailureTimeout
	case inference.Transient(err) && retryCount >= maxRetries:
		return models.FailureTransient
	default:
		return models.FailureConfiguration
	}
}

// Backoff returns the exponential delay before a retried claim becomes
// eligible again, capped at five minutes.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
