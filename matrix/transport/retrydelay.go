package transport

import (
	"context"
	"time"
)

const (
	defaultRetryStart = 2 * time.Second
	defaultRetryMax   = 5 * time.Minute
	retryMultiplier   = 2
)

// ExponentialRetryDelay waits a growing delay between attempts. The
// delay doubles after every completed wait, capped at max. A wait can be
// cut short with Skip, which does not advance the delay.
type ExponentialRetryDelay struct {
	start   time.Duration
	max     time.Duration
	current time.Duration
	skip    chan struct{}
}

// NewExponentialRetryDelay creates a delay starting at start and capped
// at max. Zero values select 2s and 5m.
func NewExponentialRetryDelay(start, max time.Duration) *ExponentialRetryDelay {
	if start <= 0 {
		start = defaultRetryStart
	}

	if max <= 0 {
		max = defaultRetryMax
	}

	return &ExponentialRetryDelay{
		start:   start,
		max:     max,
		current: start,
		skip:    make(chan struct{}, 1),
	}
}

// Next returns the delay the following Wait will use.
func (d *ExponentialRetryDelay) Next() time.Duration {
	return d.current
}

// Reset returns the delay to its starting value.
func (d *ExponentialRetryDelay) Reset() {
	d.current = d.start

	select {
	case <-d.skip:
	default:
	}
}

// Skip ends the current or next Wait immediately.
func (d *ExponentialRetryDelay) Skip() {
	select {
	case d.skip <- struct{}{}:
	default:
	}
}

// Wait blocks for the current delay. It returns ctx.Err() if ctx ends
// first. A skipped wait returns nil and keeps the delay unchanged.
func (d *ExponentialRetryDelay) Wait(ctx context.Context) error {
	timer := time.NewTimer(d.current)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.skip:
		return nil
	case <-timer.C:
	}

	d.current = min(d.current*retryMultiplier, d.max)

	return nil
}
