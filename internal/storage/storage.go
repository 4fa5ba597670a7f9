// Package storage persists the sync engine's state in a bbolt database.
// Every named store is a bbolt bucket; callers open a transaction
// declaring the stores they touch and use typed accessors on it.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the state directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

// StoreName names one store (bbolt bucket).
type StoreName string

const (
	StoreSession                 StoreName = "session"
	StoreRoomSummary             StoreName = "roomSummary"
	StoreInvites                 StoreName = "invites"
	StoreRoomMembers             StoreName = "roomMembers"
	StoreTimelineFragments       StoreName = "timelineFragments"
	StoreTimelineEvents          StoreName = "timelineEvents"
	StoreTimelineEventIDs        StoreName = "timelineEventIDs"
	StoreTimelineRelations       StoreName = "timelineRelations"
	StoreRoomState               StoreName = "roomState"
	StorePendingEvents           StoreName = "pendingEvents"
	StoreUserIdentities          StoreName = "userIdentities"
	StoreDeviceIdentities        StoreName = "deviceIdentities"
	StoreDeviceIdentityCurveKeys StoreName = "deviceIdentityCurveKeys"
	StoreOlmSessions             StoreName = "olmSessions"
	StoreInboundGroupSessions    StoreName = "inboundGroupSessions"
	StoreOutboundGroupSessions   StoreName = "outboundGroupSessions"
	StoreGroupSessionDecryptions StoreName = "groupSessionDecryptions"
	StoreOperations              StoreName = "operations"
	StoreSessionsNeedingBackup   StoreName = "sessionsNeedingBackup"
)

// AllStores lists every store, in creation order.
var AllStores = []StoreName{
	StoreSession,
	StoreRoomSummary,
	StoreInvites,
	StoreRoomMembers,
	StoreTimelineFragments,
	StoreTimelineEvents,
	StoreTimelineEventIDs,
	StoreTimelineRelations,
	StoreRoomState,
	StorePendingEvents,
	StoreUserIdentities,
	StoreDeviceIdentities,
	StoreDeviceIdentityCurveKeys,
	StoreOlmSessions,
	StoreInboundGroupSessions,
	StoreOutboundGroupSessions,
	StoreGroupSessionDecryptions,
	StoreOperations,
	StoreSessionsNeedingBackup,
}

var (
	// ErrStoreNotInTxn is returned when a store is used that was not
	// declared when the transaction was opened.
	ErrStoreNotInTxn = errors.New("store not declared in transaction")

	// ErrTxnDone is returned when a committed or aborted transaction is
	// used again.
	ErrTxnDone = errors.New("transaction already finished")

	// ErrDuplicate is returned when adding a timeline event whose event
	// id is already stored for the room. Callers treat it as "already
	// have it", not as a failure.
	ErrDuplicate = errors.New("duplicate event id")
)

// StorageError wraps a failure of the underlying database.
// It is fatal for the transaction it occurred in.
type StorageError struct {
	Store StoreName
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps a bbolt database holding every store.
type Storage struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens the database at path, creating it and every store if they
// do not exist.
func Open(path string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range AllStores {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating store %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	logger.Debug("opened storage", slog.String("path", path))

	return &Storage{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// ReadTxn opens a read-only transaction over the named stores. The
// caller must Abort or Commit it; both release it.
//
// A goroutine must not open a read-write transaction while it still
// holds a read transaction: bbolt may need to remap the file and would
// wait for the read transaction forever.
func (s *Storage) ReadTxn(names ...StoreName) (*Txn, error) {
	return s.begin(false, names)
}

// ReadWriteTxn opens a read-write transaction over the named stores.
// Only one read-write transaction is open at a time; others block until
// it is committed or aborted.
func (s *Storage) ReadWriteTxn(names ...StoreName) (*Txn, error) {
	return s.begin(true, names)
}

func (s *Storage) begin(writable bool, names []StoreName) (*Txn, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, &StorageError{Op: "begin", Err: err}
	}

	declared := make(map[StoreName]struct{}, len(names))
	for _, name := range names {
		declared[name] = struct{}{}
	}

	return &Txn{tx: tx, writable: writable, declared: declared}, nil
}

// Txn is one transaction. It is not safe for concurrent use.
type Txn struct {
	tx       *bolt.Tx
	writable bool
	declared map[StoreName]struct{}
	done     bool
}

// Writable reports whether the transaction can write.
func (t *Txn) Writable() bool {
	return t.writable
}

// Commit applies every write of the transaction atomically. On a
// read-only transaction it just releases it.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}

	t.done = true

	if !t.writable {
		return t.rollback()
	}

	if err := t.tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}

	return nil
}

// Abort discards every write of the transaction. Aborting a finished
// transaction is a no-op, so Abort can be deferred unconditionally.
func (t *Txn) Abort() error {
	if t.done {
		return nil
	}

	t.done = true

	return t.rollback()
}

func (t *Txn) rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return &StorageError{Op: "abort", Err: err}
	}

	return nil
}

// store returns the accessor for name. A failing accessor carries its
// error so typed store methods report it on first use.
func (t *Txn) store(name StoreName) store {
	if t.done {
		return store{name: name, err: ErrTxnDone}
	}

	if _, ok := t.declared[name]; !ok {
		return store{name: name, err: &StorageError{Store: name, Op: "open", Err: ErrStoreNotInTxn}}
	}

	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return store{name: name, err: &StorageError{Store: name, Op: "open", Err: bolt.ErrBucketNotFound}}
	}

	return store{name: name, bucket: b}
}

// View runs fn in a read-only transaction over the named stores.
func (s *Storage) View(fn func(txn *Txn) error, names ...StoreName) error {
	txn, err := s.ReadTxn(names...)
	if err != nil {
		return err
	}
	defer txn.Abort()

	return fn(txn)
}

// Update runs fn in a read-write transaction over the named stores and
// commits when fn returns nil. Any error aborts every write.
func (s *Storage) Update(fn func(txn *Txn) error, names ...StoreName) error {
	txn, err := s.ReadWriteTxn(names...)
	if err != nil {
		return err
	}

	if err := fn(txn); err != nil {
		if abortErr := txn.Abort(); abortErr != nil {
			s.logger.Warn("aborting transaction failed", slog.String("error", abortErr.Error()))
		}

		return err
	}

	return txn.Commit()
}
