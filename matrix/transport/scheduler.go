// Package transport schedules homeserver requests: a rate-limit aware
// request scheduler and a connectivity state machine that probes the
// homeserver until it answers again.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// RequestScheduler runs homeserver calls, retrying a call for as long
// as the server answers with M_LIMIT_EXCEEDED. It waits the server's
// retry_after_ms when given and an exponential delay otherwise. Stop
// aborts every in-flight and waiting call with matrix.ErrAborted.
type RequestScheduler struct {
	logger     *slog.Logger
	retryStart time.Duration
	retryMax   time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// SchedulerConfig holds configuration for a RequestScheduler.
type SchedulerConfig struct {
	// RetryStart and RetryMax bound the exponential delay used when a
	// rate-limit response carries no retry hint.
	RetryStart time.Duration
	RetryMax   time.Duration
	Logger     *slog.Logger
}

// NewRequestScheduler creates a scheduler in the stopped state.
func NewRequestScheduler(cfg SchedulerConfig) *RequestScheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RequestScheduler{
		logger:     logger,
		retryStart: cfg.RetryStart,
		retryMax:   cfg.RetryMax,
		stopped:    true,
	}
}

// Start lets calls through. Calling Start on a running scheduler is a
// no-op.
func (s *RequestScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopped = false
}

// Stop aborts every in-flight and waiting call. New calls fail with
// matrix.ErrAborted until Start is called again.
func (s *RequestScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.stopped = true
	s.cancel()
}

// Running reports whether the scheduler accepts calls.
func (s *RequestScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.stopped
}

// lifetime returns the context of the current run, or nil when stopped.
func (s *RequestScheduler) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	return s.ctx
}

// Do runs fn until it succeeds, fails with anything but a rate limit,
// or the scheduler stops. name is only used for logging.
func (s *RequestScheduler) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := Schedule(ctx, s, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Schedule is the typed form of RequestScheduler.Do.
func Schedule[T any](ctx context.Context, s *RequestScheduler, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	life := s.lifetime()
	if life == nil {
		return zero, fmt.Errorf("%s: scheduler stopped: %w", name, matrix.ErrAborted)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopAbort := context.AfterFunc(life, cancel)
	defer stopAbort()

	var delay *ExponentialRetryDelay

	for {
		result, err := fn(callCtx)
		if err == nil {
			return result, nil
		}

		// Cancelled by Stop rather than by the caller.
		if life.Err() != nil && ctx.Err() == nil {
			return zero, fmt.Errorf("%s: scheduler stopped: %w", name, matrix.ErrAborted)
		}

		retryAfter, limited := matrix.RateLimitDelay(err)
		if !limited {
			return zero, err
		}

		if retryAfter > 0 {
			s.logger.Debug("rate limited, waiting server delay",
				slog.String("request", name),
				slog.Duration("retry_after", retryAfter),
			)

			if err := sleep(callCtx, retryAfter); err != nil {
				return zero, abortErr(ctx, name)
			}

			continue
		}

		if delay == nil {
			delay = NewExponentialRetryDelay(s.retryStart, s.retryMax)
		}

		s.logger.Debug("rate limited, backing off",
			slog.String("request", name),
			slog.Duration("backoff", delay.Next()),
		)

		if err := delay.Wait(callCtx); err != nil {
			return zero, abortErr(ctx, name)
		}
	}
}

func abortErr(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, matrix.ErrAborted)
	}

	return fmt.Errorf("%s: scheduler stopped: %w", name, matrix.ErrAborted)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
