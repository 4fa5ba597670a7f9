package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/matrix-sync/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proberFunc adapts a function to VersionsProber.
type proberFunc func(ctx context.Context) (*matrix.VersionsResponse, error)

func (f proberFunc) Versions(ctx context.Context) (*matrix.VersionsResponse, error) {
	return f(ctx)
}

func connErr() error {
	return &matrix.ConnectionError{Err: errors.New("connection refused")}
}

// failingProber fails the first n probes with a connection error.
func failingProber(n int32, calls *atomic.Int32) proberFunc {
	return func(ctx context.Context) (*matrix.VersionsResponse, error) {
		if calls.Add(1) <= n {
			return nil, connErr()
		}

		return &matrix.VersionsResponse{Versions: []string{"v1.11"}}, nil
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "online", StatusOnline.String())
	assert.Equal(t, "waiting", StatusWaiting.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}

func TestReconnector_OnlineAfterBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{RetryStart: time.Second, RetryMax: time.Minute})
		start := time.Now()

		var calls atomic.Int32

		err := r.OnRequestFailed(t.Context(), failingProber(2, &calls))
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		// 1s then 2s between the three probes.
		assert.Equal(t, 3*time.Second, time.Since(start))
		assert.Equal(t, StatusOnline, r.Status())
		require.NotNil(t, r.LastVersions())
		assert.Equal(t, []string{"v1.11"}, r.LastVersions().Versions)
	})
}

func TestReconnector_ReportsStatusTransitions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{RetryStart: time.Second})
		updates, unsubscribe := r.Subscribe()
		defer unsubscribe()

		var calls atomic.Int32

		done := make(chan error, 1)
		go func() { done <- r.OnRequestFailed(t.Context(), failingProber(1, &calls)) }()

		synctest.Wait()
		assert.Equal(t, StatusWaiting, <-updates)
		assert.Equal(t, StatusWaiting, r.Status())
		assert.Equal(t, time.Second, r.RetryIn())

		time.Sleep(400 * time.Millisecond)
		assert.Equal(t, 600*time.Millisecond, r.RetryIn())

		require.NoError(t, <-done)
		assert.Equal(t, StatusOnline, <-updates)
		assert.Zero(t, r.RetryIn())
	})
}

func TestReconnector_NotifyOnlineSkipsWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{RetryStart: time.Hour})
		start := time.Now()

		var calls atomic.Int32

		done := make(chan error, 1)
		go func() { done <- r.OnRequestFailed(t.Context(), failingProber(1, &calls)) }()

		synctest.Wait()
		require.Equal(t, StatusWaiting, r.Status())
		r.NotifyOnline()

		require.NoError(t, <-done)
		assert.Zero(t, time.Since(start))
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestReconnector_NonConnectionErrorEndsLoop(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{})
	forbidden := &matrix.HomeServerError{Code: matrix.ErrCodeForbidden, StatusCode: 403}

	err := r.OnRequestFailed(context.Background(), proberFunc(func(ctx context.Context) (*matrix.VersionsResponse, error) {
		return nil, forbidden
	}))
	assert.True(t, matrix.IsHomeServerError(err, matrix.ErrCodeForbidden))
}

func TestReconnector_ConcurrentCallersShareLoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{RetryStart: time.Second})

		var calls atomic.Int32

		prober := failingProber(1, &calls)
		first := make(chan error, 1)
		second := make(chan error, 1)

		go func() { first <- r.OnRequestFailed(t.Context(), prober) }()
		synctest.Wait()
		go func() { second <- r.OnRequestFailed(t.Context(), prober) }()

		require.NoError(t, <-first)
		require.NoError(t, <-second)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestReconnector_ContextCancelDuringWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{RetryStart: time.Hour})
		ctx, cancel := context.WithCancel(t.Context())

		var calls atomic.Int32

		done := make(chan error, 1)
		go func() { done <- r.OnRequestFailed(ctx, failingProber(100, &calls)) }()

		synctest.Wait()
		cancel()

		assert.ErrorIs(t, <-done, context.Canceled)
	})
}
