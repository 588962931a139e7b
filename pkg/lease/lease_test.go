package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	first, err := l.Acquire(ctx, UserSweepKey(1), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lease:sweep:user:1", first.Key())

	_, err = l.Acquire(ctx, UserSweepKey(1), time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, UserSweepKey(2), time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := l.Acquire(ctx, UserSweepKey(1), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLocker_ExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, AccountSyncKey(9), time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, AccountSyncKey(9), time.Second)
	require.NoError(t, err)

	// The stale holder must not release the new holder's lease.
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, AccountSyncKey(9), time.Second)
	assert.ErrorIs(t, err, ErrHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestLocalLocker_ConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "k", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLocalLease_Renew(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	held, err := l.Acquire(ctx, UserSweepKey(3), 10*time.Second)
	require.NoError(t, err)

	now = now.Add(8 * time.Second)
	require.NoError(t, held.Renew(ctx, 10*time.Second))

	// Past the original expiry the renewed lease still excludes others.
	now = now.Add(8 * time.Second)
	_, err = l.Acquire(ctx, UserSweepKey(3), 10*time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	now = now.Add(time.Minute)
	assert.ErrorIs(t, held.Renew(ctx, 10*time.Second), ErrLost)

	taken, err := l.Acquire(ctx, UserSweepKey(3), 10*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, held.Renew(ctx, 10*time.Second), ErrLost)
	require.NoError(t, taken.Release(ctx))
}

func TestKeepAlive_ExtendsLease(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	held, err := l.Acquire(ctx, AccountSyncKey(4), 60*time.Millisecond)
	require.NoError(t, err)
	workCtx, stop := KeepAlive(ctx, held, 60*time.Millisecond, nil)

	time.Sleep(200 * time.Millisecond)
	_, err = l.Acquire(ctx, AccountSyncKey(4), time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
	assert.NoError(t, workCtx.Err())

	stop()
	assert.Error(t, workCtx.Err())
	require.NoError(t, held.Release(ctx))
}

func TestKeepAlive_CancelsWhenLeaseLost(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	held, err := l.Acquire(ctx, AccountSyncKey(5), 30*time.Millisecond)
	require.NoError(t, err)

	var renewErrs atomic.Int32
	workCtx, stop := KeepAlive(ctx, held, 30*time.Millisecond, func(error) { renewErrs.Add(1) })
	defer stop()

	require.NoError(t, held.Release(ctx))
	require.Eventually(t, func() bool { return workCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, context.Cause(workCtx), ErrLost)
	assert.Equal(t, int32(1), renewErrs.Load())
}
