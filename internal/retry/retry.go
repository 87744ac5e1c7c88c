// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package retry implements the bounded retry loop shared by every call to the
// object store.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes how many times and how patiently an operation is retried.
type Policy struct {
	// Maximum number of attempts including the first one. Values below 1
	// mean exactly one attempt.
	Attempts int

	// Backoff before the second attempt. Every following backoff doubles
	// until it reaches Max.
	Base time.Duration
	Max  time.Duration

	// Retryable decides whether the error returned by an attempt is worth
	// another try. Nil means every error is retryable.
	Retryable func(error) bool

	// OnRetry is called before sleeping between two attempts.
	OnRetry func(attempt int, err error)
}

// ExhaustedError is returned when the last allowed attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, fails with a non retryable error or the
// attempts are used up. The attempt number passed to fn starts at 1. Non
// retryable errors are returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		if attempt >= attempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return &ExhaustedError{Attempts: attempt, Err: ctx.Err()}
		case <-t.C:
		}
	}
}

// Backoff returns the delay after the given failed attempt. The delay grows
// exponentially and is jittered into the upper half of the interval.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}

	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	half := int64(d / 2)
	if half == 0 {
		return d
	}

	return time.Duration(half + rand.Int63n(half+1))
}
