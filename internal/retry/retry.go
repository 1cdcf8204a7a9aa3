// Package retry implements the bounded-retry policy spec §7 requires
// for Transient errors ("database busy, session send backpressure...
// retried internally up to a small bounded count; surfaced as
// Transient after retries exhausted").
//
// Grounded on the teacher's calculateBackoff (3i7net
// internal/delivery/service.go): backoff doubles from a base duration
// each attempt, capped at a ceiling. The teacher's CircuitBreaker and
// RateLimiter are not carried over — those track per-endpoint health
// across a fleet of webhook destinations, and StreetControl has
// exactly one remote counterparty (the archive) with no per-endpoint
// state to track, so only the backoff shape applies.
package retry

import (
	"context"
	"time"

	"github.com/IvanNece/StreetControl/internal/streeterr"
)

const backoffCeiling = 5 * time.Second

// Do runs fn up to maxAttempts times, retrying only while fn returns a
// Transient-kind error. A nil or non-Transient error returns
// immediately. maxAttempts <= 1 runs fn exactly once with no backoff.
func Do(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if streeterr.KindOf(err) != streeterr.Transient || attempt == maxAttempts {
			return err
		}

		backoff := base * time.Duration(uint(1)<<uint(attempt-1))
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return streeterr.Wrap(streeterr.Transient, ctx.Err(), "retry cancelled")
		}
	}
	return err
}
