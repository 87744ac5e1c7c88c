// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package lock

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const file = "db"

func TestSharedAndReserved(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(20*time.Millisecond, nil)

	for owner := int64(1); owner <= 3; owner++ {
		require.NoError(t, r.Lock(ctx, file, owner, Shared))
	}

	require.NoError(t, r.Lock(ctx, file, 1, Reserved))
	assert.ErrorIs(t, r.Lock(ctx, file, 2, Reserved), ErrBusy)
	assert.Equal(t, Shared, r.Level(file, 2))

	reserved, err := r.CheckReserved(ctx, file)
	require.NoError(t, err)
	assert.True(t, reserved)

	// Readers still come while the writer only reserved the file.
	require.NoError(t, r.Lock(ctx, file, 4, Shared))
	assert.Equal(t, Reserved, r.Aggregate(file))
}

func TestExclusiveKeepsPendingOnTimeout(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(20*time.Millisecond, nil)

	require.NoError(t, r.Lock(ctx, file, 1, Shared))
	require.NoError(t, r.Lock(ctx, file, 2, Shared))
	require.NoError(t, r.Lock(ctx, file, 1, Reserved))

	assert.ErrorIs(t, r.Lock(ctx, file, 1, Exclusive), ErrBusy)
	assert.Equal(t, Pending, r.Level(file, 1))

	// No new readers while a writer is pending.
	assert.ErrorIs(t, r.Lock(ctx, file, 3, Shared), ErrBusy)
	assert.Equal(t, None, r.Level(file, 3))

	require.NoError(t, r.Unlock(ctx, file, 2, None))
	require.NoError(t, r.Lock(ctx, file, 1, Exclusive))
	assert.Equal(t, Exclusive, r.Level(file, 1))

	require.NoError(t, r.Unlock(ctx, file, 1, Shared))
	require.NoError(t, r.Lock(ctx, file, 3, Shared))
}

func TestExclusiveWaitsForReaders(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(time.Second, nil)

	require.NoError(t, r.Lock(ctx, file, 1, Shared))
	require.NoError(t, r.Lock(ctx, file, 2, Shared))

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Unlock(ctx, file, 2, None)
	}()

	require.NoError(t, r.Lock(ctx, file, 1, Exclusive))
	assert.Equal(t, None, r.Level(file, 2))
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(time.Millisecond, nil)

	assert.ErrorIs(t, r.Lock(ctx, file, 1, Reserved), ErrInvalid)
	assert.ErrorIs(t, r.Lock(ctx, file, 1, Exclusive), ErrInvalid)
	assert.ErrorIs(t, r.Lock(ctx, file, 1, Pending), ErrInvalid)
	assert.ErrorIs(t, r.Unlock(ctx, file, 1, Reserved), ErrInvalid)

	require.NoError(t, r.Lock(ctx, file, 1, Shared))
	require.NoError(t, r.Lock(ctx, file, 1, Shared))
	require.NoError(t, r.Lock(ctx, file, 1, Exclusive))

	// Lowering through Lock is a no-op.
	require.NoError(t, r.Lock(ctx, file, 1, Reserved))
	assert.Equal(t, Exclusive, r.Level(file, 1))
}

func TestUnlockDropsState(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(time.Millisecond, nil)

	require.NoError(t, r.Lock(ctx, file, 1, Shared))
	require.NoError(t, r.Lock(ctx, file, 1, Reserved))
	require.NoError(t, r.Unlock(ctx, file, 1, Shared))
	assert.Equal(t, Shared, r.Level(file, 1))

	require.NoError(t, r.Forget(ctx, file, 1))
	assert.Equal(t, None, r.Level(file, 1))

	r.mu.Lock()
	assert.Empty(t, r.files)
	r.mu.Unlock()
}

func TestContextCancel(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	require.NoError(t, r.Lock(context.Background(), file, 1, Shared))
	require.NoError(t, r.Lock(context.Background(), file, 1, Exclusive))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, r.Lock(ctx, file, 2, Shared), context.DeadlineExceeded)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(Shared, Shared))
	assert.True(t, Compatible(Shared, Reserved))
	assert.True(t, Compatible(Pending, Shared))
	assert.True(t, Compatible(None, Exclusive))
	assert.False(t, Compatible(Reserved, Reserved))
	assert.False(t, Compatible(Reserved, Pending))
	assert.False(t, Compatible(Exclusive, Shared))
	assert.False(t, Compatible(Exclusive, Exclusive))
}

// Checks that the granted levels are pairwise compatible.
func checkGranted(t *testing.T, r *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.files[file]
	if !ok {
		return
	}

	for a, la := range st.holders {
		for b, lb := range st.holders {
			if a != b && !Compatible(la, lb) {
				t.Errorf("owner %d at %v together with owner %d at %v", a, la, b, lb)
			}
		}
	}
}

func TestRandomInterleavings(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(2*time.Millisecond, nil)

	var wg sync.WaitGroup
	for owner := int64(1); owner <= 8; owner++ {
		owner := owner
		wg.Add(1)
		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewSource(owner))
			for i := 0; i < 300; i++ {
				cur := r.Level(file, owner)

				var err error
				switch {
				case cur == None:
					err = r.Lock(ctx, file, owner, Shared)
				case rng.Intn(3) == 0:
					err = r.Unlock(ctx, file, owner, Level(rng.Intn(2)))
				case cur == Shared && rng.Intn(2) == 0:
					err = r.Lock(ctx, file, owner, Reserved)
				default:
					err = r.Lock(ctx, file, owner, Exclusive)
				}

				if err != nil && err != ErrBusy {
					t.Errorf("owner %d: %v", owner, err)
					return
				}

				checkGranted(t, r)

				if err == ErrBusy && rng.Intn(2) == 0 {
					r.Unlock(ctx, file, owner, None)
				}
			}

			r.Forget(ctx, file, owner)
		}()
	}

	wg.Wait()
	assert.Equal(t, None, r.Aggregate(file))
}
