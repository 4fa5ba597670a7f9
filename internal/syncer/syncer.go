// Package syncer drives the incremental /sync loop of a session.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/session"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
	"github.com/alexjbarnes/matrix-sync/matrix/transport"
)

// DefaultTimeout is the long-poll duration once the session is caught up.
const DefaultTimeout = 30 * time.Second

// Status is the state of the sync loop.
type Status int

const (
	StatusStopped Status = iota
	StatusInitialSync
	StatusCatchupSync
	StatusSyncing
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusInitialSync:
		return "initial_sync"
	case StatusCatchupSync:
		return "catchup_sync"
	case StatusSyncing:
		return "syncing"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config holds configuration for a Sync.
type Config struct {
	API     matrix.HomeServerAPI
	Storage *storage.Storage
	Session *session.Session

	// Reconnector, when set, waits out connection failures instead of
	// stopping the loop.
	Reconnector *transport.Reconnector

	// Timeout is the long-poll duration in the Syncing state.
	// Defaults to DefaultTimeout.
	Timeout time.Duration
	Filter  string
	Logger  *slog.Logger
}

// Sync runs one sync request at a time: prepare, write in a single
// transaction, apply, then the network follow-ups.
type Sync struct {
	api         matrix.HomeServerAPI
	storage     *storage.Storage
	session     *session.Session
	reconnector *transport.Reconnector
	timeout     time.Duration
	filter      string
	logger      *slog.Logger

	mu          sync.Mutex
	status      Status
	err         error
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[chan Status]struct{}
}

// New creates a stopped Sync.
func New(cfg Config) *Sync {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Sync{
		api:         cfg.API,
		storage:     cfg.Storage,
		session:     cfg.Session,
		reconnector: cfg.Reconnector,
		timeout:     timeout,
		filter:      cfg.Filter,
		logger:      logger,
		subscribers: make(map[chan Status]struct{}),
	}
}

// Start begins syncing. It does nothing while the loop is running.
func (s *Sync) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusStopped {
		return
	}

	initial := StatusCatchupSync
	if s.session.SyncToken() == "" {
		initial = StatusInitialSync
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.cancel = cancel
	s.done = done
	s.err = nil
	s.setStatusLocked(initial)

	go func() {
		defer close(done)
		defer cancel()

		err := s.loop(ctx)

		s.mu.Lock()
		s.err = err
		s.setStatusLocked(StatusStopped)
		s.mu.Unlock()
	}()
}

// Stop aborts the in-flight request and waits for the loop to end.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Run starts the loop and blocks until it stops. It returns the error
// that stopped it, or nil when ctx ended or Stop was called.
func (s *Sync) Run(ctx context.Context) error {
	s.Start(ctx)

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	<-done

	return s.Err()
}

// Status returns the current state.
func (s *Sync) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Err returns the error that stopped the last run, if any. It wraps
// ErrSyncStopped.
func (s *Sync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Subscribe returns a channel receiving every status change. Slow
// readers only see the latest status. Call the returned func to
// unsubscribe.
func (s *Sync) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
}

func (s *Sync) setStatusLocked(status Status) {
	if s.status == status {
		return
	}

	s.logger.Debug("sync status", slog.String("from", s.status.String()), slog.String("to", status.String()))
	s.status = status

	for ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}

		ch <- status
	}
}

func (s *Sync) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStatusLocked(status)
}

func (s *Sync) requestTimeout() time.Duration {
	if s.Status() != StatusSyncing {
		return 0
	}

	return s.timeout
}

func (s *Sync) loop(ctx context.Context) error {
	for {
		err := s.iteration(ctx)

		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			s.setStatus(StatusSyncing)
		case matrix.IsTimeout(err):
			s.logger.Debug("sync request timed out, retrying")
		case matrix.IsConnectionError(err) && s.reconnector != nil:
			s.logger.Warn("sync request failed, reconnecting", slog.Any("error", err))

			if err := s.reconnector.OnRequestFailed(ctx, s.api); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				s.logger.Error("sync stopped", slog.Any("error", err))

				return fmt.Errorf("%w: %w", apperrors.ErrSyncStopped, err)
			}
		case isUnknownToken(err):
			s.logger.Error("sync stopped, access token rejected", slog.Any("error", err))
			return fmt.Errorf("%w: %w: %w", apperrors.ErrSyncStopped, apperrors.ErrInvalidToken, err)
		default:
			s.logger.Error("sync stopped", slog.Any("error", err))
			return fmt.Errorf("%w: %w", apperrors.ErrSyncStopped, err)
		}
	}
}

func isUnknownToken(err error) bool {
	var hsErr *matrix.HomeServerError
	return errors.As(err, &hsErr) && hsErr.Code == matrix.ErrCodeUnknownToken
}

// iteration performs one sync request and applies its response.
func (s *Sync) iteration(ctx context.Context) error {
	resp, err := s.api.Sync(ctx, matrix.SyncOptions{
		Since:   s.session.SyncToken(),
		Timeout: int(s.requestTimeout().Milliseconds()),
		Filter:  s.filter,
	})
	if err != nil {
		return err
	}

	prep, err := s.session.PrepareSync(ctx, resp)
	if err != nil {
		return fmt.Errorf("preparing sync: %w", err)
	}

	changes, err := s.write(ctx, prep)
	if err != nil {
		prep.Discard()
		return err
	}

	s.session.AfterSync(changes)

	s.logger.Debug("sync applied",
		slog.String("next_batch", resp.NextBatch),
		slog.Int("joined", len(resp.Rooms.Join)),
		slog.Int("to_device", len(resp.ToDevice.Events)))

	s.session.AfterSyncCompleted(ctx, changes)

	return nil
}

// write stores the prepared sync in one transaction.
func (s *Sync) write(ctx context.Context, prep *session.SyncPreparation) (*session.SyncChanges, error) {
	txn, err := s.storage.ReadWriteTxn(session.SyncStores...)
	if err != nil {
		return nil, fmt.Errorf("opening sync transaction: %w", err)
	}

	changes, err := s.session.WriteSync(ctx, prep, txn)
	if err != nil {
		if abortErr := txn.Abort(); abortErr != nil {
			err = errors.Join(err, abortErr)
		}

		return nil, fmt.Errorf("writing sync: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("committing sync: %w", err)
	}

	return changes, nil
}
