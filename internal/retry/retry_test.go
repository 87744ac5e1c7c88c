// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{Attempts: 5, Base: time.Millisecond, Max: 4 * time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return errFlaky
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatalError(t *testing.T) {
	fatal := errors.New("fatal")
	p := Policy{
		Attempts:  10,
		Base:      time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return fatal
	})

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 100, Base: time.Hour}

	err := p.Do(ctx, func(int) error {
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffBounds(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: 80 * time.Millisecond}

	for attempt := 1; attempt < 10; attempt++ {
		ceiling := p.Base << (attempt - 1)
		if ceiling > p.Max || ceiling <= 0 {
			ceiling = p.Max
		}

		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, ceiling/2)
			assert.LessOrEqual(t, d, ceiling)
		}
	}

	assert.Zero(t, Policy{}.Backoff(3))
}
