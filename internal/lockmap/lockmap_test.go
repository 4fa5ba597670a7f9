package lockmap

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SerializesSameKey(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := New[string]()

		release, err := m.Lock(t.Context(), "a")
		require.NoError(t, err)

		var acquired atomic.Bool

		go func() {
			second, err := m.Lock(t.Context(), "a")
			if err == nil {
				acquired.Store(true)
				second()
			}
		}()

		synctest.Wait()
		assert.False(t, acquired.Load(), "second lock must wait")

		release()
		synctest.Wait()
		assert.True(t, acquired.Load())
		assert.False(t, m.IsLocked("a"))
	})
}

func TestLock_DifferentKeysIndependent(t *testing.T) {
	m := New[string]()

	ra, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer ra()

	rb, err := m.Lock(context.Background(), "b")
	require.NoError(t, err)
	rb()
}

func TestLock_ContextCancelWhileWaiting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := New[string]()

		release, err := m.Lock(t.Context(), "a")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()

		_, err = m.Lock(ctx, "a")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		release()
		assert.False(t, m.IsLocked("a"))
	})
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	m := New[string]()

	release, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	release()
	release()

	again, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
}

func TestLockAll_DeduplicatesAndReleases(t *testing.T) {
	m := New[string]()

	release, err := m.LockAll(context.Background(), []string{"b", "a", "b"})
	require.NoError(t, err)
	assert.True(t, m.IsLocked("a"))
	assert.True(t, m.IsLocked("b"))

	release()
	assert.False(t, m.IsLocked("a"))
	assert.False(t, m.IsLocked("b"))
}

func TestLockAll_OverlappingSetsDoNotDeadlock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := New[string]()
		done := make(chan struct{}, 2)

		for _, keys := range [][]string{{"a", "b"}, {"b", "a"}} {
			go func() {
				for range 50 {
					release, err := m.LockAll(t.Context(), keys)
					if err != nil {
						return
					}
					release()
				}
				done <- struct{}{}
			}()
		}

		<-done
		<-done
	})
}
