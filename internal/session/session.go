// Package session owns the per-user engine state: the E2EE account and
// crypto components, the rooms and the invites.
package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/backup"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/device"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/peer"
	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/lockmap"
	"github.com/alexjbarnes/matrix-sync/internal/room"
	"github.com/alexjbarnes/matrix-sync/internal/ssss"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/worker"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// defaultKeyCacheSize is the KeyLoader capacity when none is configured.
const defaultKeyCacheSize = 20

var loadStores = append([]storage.StoreName{
	storage.StoreSession,
	storage.StoreRoomSummary,
	storage.StoreInvites,
}, room.LoadStores...)

// Options configures a Session.
type Options struct {
	UserID    string
	DeviceID  string
	API       matrix.HomeServerAPI
	Storage   *storage.Storage
	PickleKey []byte

	// KeyCacheSize bounds the group sessions kept instantiated.
	KeyCacheSize int

	// Rotation is the outbound session rotation of rooms whose
	// encryption event sets none.
	Rotation group.RotationSettings

	// Pool runs account creation and Megolm decryption when set.
	Pool   *worker.Pool
	Logger *slog.Logger
}

// Change tells observers what a sync or command changed.
type Change struct {
	Rooms   []string
	Invites bool
}

// Session is a logged-in device.
type Session struct {
	userID    string
	deviceID  string
	api       matrix.HomeServerAPI
	storage   *storage.Storage
	rotation  group.RotationSettings
	logger    *slog.Logger
	account   *account.Account
	locks     *lockmap.LockMap[string]
	peerDec   *peer.Decryption
	peerEnc   *peer.Encryption
	groupEnc  *group.Encryption
	groupDec  *group.Decryption
	tracker   *device.Tracker
	backup    *backup.SessionBackup
	secrets   *ssss.SecretStorage
	syncToken string

	mu      sync.RWMutex
	rooms   map[string]*room.Room
	invites map[string]storage.Invite

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// Open restores the session stored in opts.Storage, creating the E2EE
// account on first use.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	acctOpts := account.Options{
		UserID:    opts.UserID,
		DeviceID:  opts.DeviceID,
		PickleKey: opts.PickleKey,
		Pool:      opts.Pool,
		Logger:    logger,
	}

	var acct *account.Account

	err := opts.Storage.View(func(txn *storage.Txn) error {
		var err error
		acct, err = account.Load(txn, acctOpts)

		return err
	}, storage.StoreSession)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	if acct == nil {
		acct, err = account.Create(ctx, opts.Storage, acctOpts)
		if err != nil {
			return nil, err
		}
	}

	s := newSession(opts, acct, logger)

	if err := opts.Storage.View(s.load, loadStores...); err != nil {
		s.Close()
		return nil, fmt.Errorf("loading session: %w", err)
	}

	return s, nil
}

func newSession(opts Options, acct *account.Account, logger *slog.Logger) *Session {
	capacity := opts.KeyCacheSize
	if capacity <= 0 {
		capacity = defaultKeyCacheSize
	}

	var decryptor group.SessionDecryptor = group.InlineDecryptor{}
	if opts.Pool != nil {
		decryptor = group.NewWorkerDecryptor(opts.Pool)
	}

	locks := lockmap.New[string]()

	return &Session{
		userID:   opts.UserID,
		deviceID: opts.DeviceID,
		api:      opts.API,
		storage:  opts.Storage,
		rotation: opts.Rotation,
		logger:   logger,
		account:  acct,
		locks:    locks,
		peerDec:  peer.NewDecryption(acct, locks, logger),
		peerEnc:  peer.NewEncryption(acct, opts.API, opts.Storage, locks, logger),
		groupEnc: group.NewEncryption(acct, logger),
		groupDec: group.NewDecryption(group.NewKeyLoader(capacity, acct.PickleKey()), decryptor, logger),
		tracker: device.NewTracker(device.Options{
			UserID:   opts.UserID,
			DeviceID: opts.DeviceID,
			API:      opts.API,
			Storage:  opts.Storage,
			Logger:   logger,
		}),
		backup: backup.New(backup.Options{
			API:       opts.API,
			Storage:   opts.Storage,
			PickleKey: acct.PickleKey(),
			Logger:    logger,
		}),
		secrets: ssss.New(opts.API, opts.UserID),
		rooms:   make(map[string]*room.Room),
		invites: make(map[string]storage.Invite),
		subs:    make(map[int]func(Change)),
	}
}

func (s *Session) load(txn *storage.Txn) error {
	var info storage.SyncInfo

	if _, err := txn.Session().Get(storage.SessionKeySync, &info); err != nil {
		return err
	}

	s.syncToken = info.Token

	if _, err := s.backup.Restore(txn); err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}

	summaries, err := txn.RoomSummary().GetAll()
	if err != nil {
		return err
	}

	for _, summary := range summaries {
		r := s.newRoom(summary.RoomID)
		if err := r.Load(summary, txn); err != nil {
			r.Close()
			return fmt.Errorf("loading room %s: %w", summary.RoomID, err)
		}

		s.rooms[summary.RoomID] = r
	}

	invites, err := txn.Invites().GetAll()
	if err != nil {
		return err
	}

	for _, inv := range invites {
		s.invites[inv.RoomID] = inv
	}

	s.logger.Info("session loaded",
		slog.Int("rooms", len(s.rooms)),
		slog.Int("invites", len(s.invites)),
		slog.Bool("backup", s.backup.Enabled()))

	return nil
}

func (s *Session) newRoom(roomID string) *room.Room {
	return room.New(room.Options{
		RoomID:          roomID,
		OwnUserID:       s.userID,
		API:             s.api,
		Storage:         s.storage,
		NewEncryption:   s.newRoomEncryption,
		DefaultRotation: s.rotation,
		Logger:          s.logger,
	})
}

func (s *Session) newRoomEncryption(roomID string, rotation group.RotationSettings, retry e2ee.RetryFunc) *e2ee.RoomEncryption {
	return e2ee.New(e2ee.Options{
		RoomID:     roomID,
		Rotation:   rotation,
		Account:    s.account,
		API:        s.api,
		Storage:    s.storage,
		Encryption: s.groupEnc,
		Decryption: s.groupDec,
		Peer:       s.peerEnc,
		Tracker:    s.tracker,
		Backup:     s.backup,
		Retry:      retry,
		Logger:     s.logger,
	})
}

// Close stops the background work of every room.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rooms {
		r.Close()
	}

	s.groupDec.KeyLoader().Clear()
}

// UserID returns the logged-in user.
func (s *Session) UserID() string { return s.userID }

// DeviceID returns the device of the session.
func (s *Session) DeviceID() string { return s.deviceID }

// SyncToken returns the token the next sync continues from.
func (s *Session) SyncToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.syncToken
}

// Account returns the E2EE account.
func (s *Session) Account() *account.Account { return s.account }

// Rooms returns the known rooms, most recently active first.
func (s *Session) Rooms() []*room.Room {
	s.mu.RLock()
	rooms := make([]*room.Room, 0, len(s.rooms))

	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *room.Room) int {
		sa, sb := a.Summary(), b.Summary()
		if c := cmp.Compare(sb.LastMessageTimestamp, sa.LastMessageTimestamp); c != 0 {
			return c
		}

		return cmp.Compare(a.ID(), b.ID())
	})

	return rooms
}

// Room returns a known room.
func (s *Session) Room(roomID string) (*room.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRoomNotFound, roomID)
	}

	return r, nil
}

// Invites returns the pending invites, newest first.
func (s *Session) Invites() []storage.Invite {
	s.mu.RLock()
	invites := make([]storage.Invite, 0, len(s.invites))

	for _, inv := range s.invites {
		invites = append(invites, inv)
	}
	s.mu.RUnlock()

	slices.SortFunc(invites, func(a, b storage.Invite) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}

		return cmp.Compare(a.RoomID, b.RoomID)
	})

	return invites
}

// Subscribe registers fn for room list and invite changes.
func (s *Session) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		delete(s.subs, id)
	}
}

func (s *Session) notify(c Change) {
	if len(c.Rooms) == 0 && !c.Invites {
		return
	}

	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.subs))

	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}
