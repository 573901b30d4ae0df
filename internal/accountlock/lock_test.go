package accountlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeObserver struct {
	waits    atomic.Int64
	timeouts atomic.Int64
}

func (f *fakeObserver) ObserveLockWait(time.Duration) { f.waits.Add(1) }
func (f *fakeObserver) IncLockTimeout()               { f.timeouts.Add(1) }

func TestLockerSerialisesSameUser(t *testing.T) {
	locker := New(time.Second, nil)
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "user-1", func() error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
	require.Zero(t, locker.Held())
}

func TestLockerDifferentUsersDoNotBlock(t *testing.T) {
	locker := New(50*time.Millisecond, nil)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "user-1")
	require.NoError(t, err)
	defer release()

	other, err := locker.Acquire(ctx, "user-2")
	require.NoError(t, err)
	other()
}

func TestLockerTimesOut(t *testing.T) {
	observer := &fakeObserver{}
	locker := New(20*time.Millisecond, observer)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "user-1")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "user-1")
	require.True(t, errors.Is(err, ErrTimeout))
	require.Equal(t, int64(1), observer.timeouts.Load())

	release()
	release()

	again, err := locker.Acquire(ctx, "user-1")
	require.NoError(t, err)
	again()
	require.Zero(t, locker.Held())
}

func TestLockerHonoursContext(t *testing.T) {
	locker := New(0, nil)
	release, err := locker.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "user-1")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
