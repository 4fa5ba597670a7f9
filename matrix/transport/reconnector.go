package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// defaultProbeTimeout bounds a single /versions probe.
const defaultProbeTimeout = 30 * time.Second

// Status is the connectivity state as seen by the Reconnector.
type Status int

const (
	StatusOnline Status = iota
	StatusWaiting
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusWaiting:
		return "waiting"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// VersionsProber is the single endpoint the Reconnector polls.
type VersionsProber interface {
	Versions(ctx context.Context) (*matrix.VersionsResponse, error)
}

// ReconnectorConfig holds configuration for a Reconnector.
type ReconnectorConfig struct {
	// RetryStart and RetryMax bound the delay between probes.
	RetryStart time.Duration
	RetryMax   time.Duration
	// ProbeTimeout bounds one probe. Defaults to 30s.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Reconnector moves Online -> Waiting -> Reconnecting -> Online after a
// request failed with a connection error. While Waiting it sleeps an
// exponentially growing delay; NotifyOnline and TryNow cut the wait
// short.
type Reconnector struct {
	logger       *slog.Logger
	delay        *ExponentialRetryDelay
	probeTimeout time.Duration

	mu           sync.Mutex
	status       Status
	waitingSince time.Time
	waitFor      time.Duration
	running      chan struct{}
	runErr       error
	versions     *matrix.VersionsResponse
	subscribers  map[chan Status]struct{}
}

// NewReconnector creates a Reconnector in the Online state.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	return &Reconnector{
		logger:       logger,
		delay:        NewExponentialRetryDelay(cfg.RetryStart, cfg.RetryMax),
		probeTimeout: probeTimeout,
		status:       StatusOnline,
		subscribers:  make(map[chan Status]struct{}),
	}
}

// Status returns the current connectivity state.
func (r *Reconnector) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// RetryIn returns how long until the next probe while Waiting, else 0.
func (r *Reconnector) RetryIn() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusWaiting {
		return 0
	}

	return max(r.waitFor-time.Since(r.waitingSince), 0)
}

// LastVersions returns the response of the probe that ended the last
// reconnect, or nil.
func (r *Reconnector) LastVersions() *matrix.VersionsResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.versions
}

// Subscribe returns a channel receiving every status change. Slow
// readers only see the latest status. Call the returned func to
// unsubscribe.
func (r *Reconnector) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.subscribers, ch)
		r.mu.Unlock()
	}
}

// TryNow ends the current wait so the next probe runs immediately.
func (r *Reconnector) TryNow() {
	r.delay.Skip()
}

// NotifyOnline is called by the host when the network comes back.
func (r *Reconnector) NotifyOnline() {
	if r.Status() == StatusWaiting {
		r.logger.Debug("host reports online, probing now")
		r.TryNow()
	}
}

// OnRequestFailed runs the reconnect loop against prober and returns
// once the homeserver answers. Concurrent callers join the loop that is
// already running instead of starting a second one. Errors other than
// connection errors end the loop and are returned.
func (r *Reconnector) OnRequestFailed(ctx context.Context, prober VersionsProber) error {
	r.mu.Lock()
	if r.running != nil {
		running := r.running
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-running:
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		return r.runErr
	}

	r.running = make(chan struct{})
	r.mu.Unlock()

	err := r.reconnectLoop(ctx, prober)

	r.mu.Lock()
	r.runErr = err
	close(r.running)
	r.running = nil
	r.mu.Unlock()

	return err
}

func (r *Reconnector) reconnectLoop(ctx context.Context, prober VersionsProber) error {
	r.mu.Lock()
	r.versions = nil
	r.mu.Unlock()

	r.delay.Reset()

	for {
		r.setStatus(StatusReconnecting, 0)

		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		resp, err := prober.Versions(probeCtx)

		cancel()

		if err == nil {
			r.mu.Lock()
			r.versions = resp
			r.mu.Unlock()

			r.setStatus(StatusOnline, 0)
			r.logger.Info("homeserver reachable again")

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !matrix.IsConnectionError(err) {
			return fmt.Errorf("probing homeserver: %w", err)
		}

		wait := r.delay.Next()
		r.setStatus(StatusWaiting, wait)

		r.logger.Warn("homeserver unreachable, waiting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait),
		)

		if err := r.delay.Wait(ctx); err != nil {
			return err
		}
	}
}

func (r *Reconnector) setStatus(status Status, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status == StatusWaiting {
		r.waitingSince = time.Now()
		r.waitFor = wait
	}

	if status == r.status {
		return
	}

	r.status = status

	for ch := range r.subscribers {
		// Latest value wins for slow subscribers.
		select {
		case <-ch:
		default:
		}

		ch <- status
	}
}
