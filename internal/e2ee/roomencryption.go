// Package e2ee ties the Olm, Megolm, device tracking and key backup
// layers together for one encrypted room.
package e2ee

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/backup"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/device"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/peer"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const (
	// BackupLookupDelay gives regular key sharing time to deliver a
	// missing key before the backup is asked for it.
	BackupLookupDelay = 10 * time.Second

	// maxShareAttempts bounds how often a room key is retried for a
	// device without an Olm session before it is withheld.
	maxShareAttempts = 3

	withheldNoOlm = "m.no_olm"
)

var (
	// MemberStores are written by WriteMemberChanges.
	MemberStores = append(slices.Clone(device.TrackStores),
		storage.StoreOutboundGroupSessions,
		storage.StoreOperations,
	)

	// EncryptStores are written by Encrypt.
	EncryptStores = append(slices.Clone(group.EncryptStores),
		storage.StoreOperations,
		storage.StoreRoomMembers,
	)
)

// RetryFunc asks the room to decrypt events again after a key for them
// was stored.
type RetryFunc func(ctx context.Context, eventIDs []string) error

// Options configures a RoomEncryption.
type Options struct {
	RoomID   string
	Rotation group.RotationSettings

	Account    *account.Account
	API        matrix.HomeServerAPI
	Storage    *storage.Storage
	Encryption *group.Encryption
	Decryption *group.Decryption
	Peer       *peer.Encryption
	Tracker    *device.Tracker

	// Backup is consulted for keys that did not arrive in time. It may
	// be nil.
	Backup *backup.SessionBackup
	Retry  RetryFunc
	Logger *slog.Logger
}

// RoomEncryption encrypts and decrypts the events of one room, shares
// its outbound session with member devices and recovers missing keys.
type RoomEncryption struct {
	roomID     string
	account    *account.Account
	api        matrix.HomeServerAPI
	storage    *storage.Storage
	encryption *group.Encryption
	decryption *group.Decryption
	peer       *peer.Encryption
	tracker    *device.Tracker
	backup     *backup.SessionBackup
	retry      RetryFunc
	now        func() time.Time
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	rotation group.RotationSettings
	lookups  map[group.SessionRef]struct{}

	shareMu sync.Mutex
}

// New creates a RoomEncryption. Close stops its pending backup lookups.
func New(opts Options) *RoomEncryption {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rotation := opts.Rotation
	if rotation == (group.RotationSettings{}) {
		rotation = group.DefaultRotation
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RoomEncryption{
		roomID:     opts.RoomID,
		account:    opts.Account,
		api:        opts.API,
		storage:    opts.Storage,
		encryption: opts.Encryption,
		decryption: opts.Decryption,
		peer:       opts.Peer,
		tracker:    opts.Tracker,
		backup:     opts.Backup,
		retry:      opts.Retry,
		now:        time.Now,
		logger:     logger.With(slog.String("room", opts.RoomID)),
		ctx:        ctx,
		cancel:     cancel,
		rotation:   rotation,
		lookups:    make(map[group.SessionRef]struct{}),
	}
}

// Close cancels pending backup lookups and waits for them to finish.
func (re *RoomEncryption) Close() {
	re.cancel()
	re.wg.Wait()
}

// SetRotation applies rotation settings from a new m.room.encryption
// event.
func (re *RoomEncryption) SetRotation(r group.RotationSettings) {
	re.mu.Lock()
	defer re.mu.Unlock()

	re.rotation = r
}

func (re *RoomEncryption) currentRotation() group.RotationSettings {
	re.mu.Lock()
	defer re.mu.Unlock()

	return re.rotation
}

// TrackMembers starts device tracking for the joined members of the
// room, once its member list is loaded.
func (re *RoomEncryption) TrackMembers(userIDs []string, txn *storage.Txn) error {
	return re.tracker.TrackRoom(re.roomID, userIDs, txn)
}

// WriteMemberChanges updates device tracking for membership changes and
// reacts to them: anyone leaving discards the outbound session, anyone
// joining gets the current session shared with them. It reports
// whether key shares are waiting to be flushed. txn needs MemberStores.
func (re *RoomEncryption) WriteMemberChanges(changes []timeline.MemberChange, txn *storage.Txn) (bool, error) {
	if err := re.tracker.WriteMemberChanges(re.roomID, changes, txn); err != nil {
		return false, err
	}

	if slices.ContainsFunc(changes, func(c timeline.MemberChange) bool { return c.HasLeft() }) {
		re.logger.Debug("member left, discarding outbound session")

		return false, re.encryption.DiscardOutboundSession(re.roomID, txn)
	}

	var joined []string

	for _, c := range changes {
		if c.HasJoined() {
			joined = append(joined, c.UserID())
		}
	}

	if len(joined) == 0 {
		return false, nil
	}

	msg, err := re.encryption.CreateRoomKeyMessage(re.roomID, txn)
	if err != nil || msg == nil {
		return false, err
	}

	return true, re.addShareOperation(msg, joined, false, txn)
}

// Encrypt encrypts a room event. A newly created session is shared with
// every joined member before the content is returned.
func (re *RoomEncryption) Encrypt(ctx context.Context, eventType string, content any) (map[string]any, error) {
	var res *group.EncryptionResult

	err := re.storage.Update(func(txn *storage.Txn) error {
		var err error

		res, err = re.encryption.Encrypt(re.roomID, eventType, content, re.currentRotation(), txn)
		if err != nil || res.RoomKeyMessage == nil {
			return err
		}

		members, err := txn.RoomMembers().GetAll(re.roomID)
		if err != nil {
			return err
		}

		var joined []string

		for _, m := range members {
			if m.Membership == matrix.MembershipJoin {
				joined = append(joined, m.UserID)
			}
		}

		return re.addShareOperation(res.RoomKeyMessage, joined, true, txn)
	}, EncryptStores...)
	if err != nil {
		return nil, err
	}

	if res.RoomKeyMessage != nil {
		if err := re.FlushPendingRoomKeyShares(ctx); err != nil {
			return nil, err
		}
	}

	return res.Content, nil
}

// addShareOperation records the fan-out of a room key to the devices of
// userIDs. A share of a new session supersedes the pending shares of
// older ones.
func (re *RoomEncryption) addShareOperation(msg *group.RoomKeyMessage, userIDs []string, newSession bool, txn *storage.Txn) error {
	if newSession {
		ops, err := txn.Operations().GetAllByTypeAndScope(storage.OperationShareRoomKey, re.roomID)
		if err != nil {
			return err
		}

		for _, op := range ops {
			if err := txn.Operations().Remove(op.ID); err != nil {
				return err
			}
		}
	}

	return txn.Operations().Add(&storage.Operation{
		ID:        uuid.NewString(),
		Type:      storage.OperationShareRoomKey,
		Scope:     re.roomID,
		UserIDs:   userIDs,
		RoomKey:   msg.Content(),
		CreatedAt: re.now().UnixMilli(),
	})
}

// FlushPendingRoomKeyShares sends the room keys of every pending share
// operation of the room. Devices no Olm session could be set up with
// are retried on later flushes and eventually withheld.
func (re *RoomEncryption) FlushPendingRoomKeyShares(ctx context.Context) error {
	re.shareMu.Lock()
	defer re.shareMu.Unlock()

	var ops []storage.Operation

	err := re.storage.View(func(txn *storage.Txn) error {
		var err error
		ops, err = txn.Operations().GetAllByTypeAndScope(storage.OperationShareRoomKey, re.roomID)

		return err
	}, storage.StoreOperations)
	if err != nil {
		return err
	}

	for i := range ops {
		if err := re.share(ctx, &ops[i]); err != nil {
			return err
		}
	}

	return nil
}

func deviceKey(d storage.DeviceIdentity) string {
	return d.UserID + "|" + d.DeviceID
}

func (re *RoomEncryption) share(ctx context.Context, op *storage.Operation) error {
	devices, err := re.tracker.DevicesForUsers(ctx, op.UserIDs)
	if err != nil {
		return err
	}

	devices = slices.DeleteFunc(devices, func(d storage.DeviceIdentity) bool {
		key := deviceKey(d)
		return slices.Contains(op.DoneDevices, key) || slices.Contains(op.Withheld, key)
	})

	var failed []storage.DeviceIdentity

	if len(devices) > 0 {
		res, err := re.peer.Encrypt(ctx, matrix.EventTypeRoomKey, op.RoomKey, devices)
		if err != nil {
			return err
		}

		if len(res.Messages) > 0 {
			if err := re.api.SendToDevice(ctx, matrix.EventTypeEncrypted, uuid.NewString(), peer.Messages(res.Messages)); err != nil {
				return err
			}

			for _, m := range res.Messages {
				op.DoneDevices = append(op.DoneDevices, deviceKey(m.Device))
			}
		}

		failed = res.Failed
	}

	op.Attempts++

	if len(failed) > 0 && op.Attempts < maxShareAttempts {
		re.logger.Warn("room key not shared with some devices, will retry",
			slog.Int("devices", len(failed)),
			slog.Int("attempt", op.Attempts))

		return re.storage.Update(func(txn *storage.Txn) error {
			return txn.Operations().Update(op)
		}, storage.StoreOperations)
	}

	if len(failed) > 0 {
		if err := re.withhold(ctx, op, failed); err != nil {
			return err
		}
	}

	return re.storage.Update(func(txn *storage.Txn) error {
		return txn.Operations().Remove(op.ID)
	}, storage.StoreOperations)
}

// withhold tells devices we could not reach over Olm that they will not
// get the key.
func (re *RoomEncryption) withhold(ctx context.Context, op *storage.Operation, devices []storage.DeviceIdentity) error {
	content := map[string]any{
		"algorithm":  common.AlgorithmMegolm,
		"room_id":    re.roomID,
		"session_id": op.RoomKey["session_id"],
		"sender_key": re.account.IdentityKeys().Curve25519,
		"code":       withheldNoOlm,
		"reason":     "Unable to establish a secure channel.",
	}

	messages := make(map[string]map[string]any)

	for _, d := range devices {
		if messages[d.UserID] == nil {
			messages[d.UserID] = make(map[string]any)
		}

		messages[d.UserID][d.DeviceID] = content
		op.Withheld = append(op.Withheld, deviceKey(d))
	}

	re.logger.Warn("withholding room key", slog.Int("devices", len(devices)))

	return re.api.SendToDevice(ctx, matrix.EventTypeRoomKeyWithheld, uuid.NewString(), messages)
}

// PrepareDecryptAll decrypts Megolm events and resolves the sender
// device of each result. Keys received in the same sync are passed as
// newKeys. Nothing is written; pass the changes to WriteDecryption.
func (re *RoomEncryption) PrepareDecryptAll(ctx context.Context, events []*matrix.Event, newKeys []*group.RoomKey) (*group.DecryptionChanges, error) {
	var changes *group.DecryptionChanges

	err := re.storage.View(func(txn *storage.Txn) error {
		var err error
		changes, err = re.decryption.DecryptAll(ctx, re.roomID, events, newKeys, txn)

		return err
	}, group.DecryptStores...)
	if err != nil {
		return nil, err
	}

	if err := re.attachDevices(ctx, events, changes); err != nil {
		return nil, err
	}

	return changes, nil
}

// attachDevices looks up the device behind each result's sender key.
// A result whose key belongs to a device of another user keeps no
// device and so stays unverified.
func (re *RoomEncryption) attachDevices(ctx context.Context, events []*matrix.Event, changes *group.DecryptionChanges) error {
	for _, ev := range events {
		r, ok := changes.Results[ev.EventID]
		if !ok {
			continue
		}

		d, err := re.tracker.DeviceForCurveKey(ctx, ev.Sender, r.SenderCurve25519Key)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if matrix.IsAbort(err) {
			return err
		}

		if err != nil {
			re.logger.Warn("resolving sender device",
				slog.String("sender", ev.Sender),
				slog.String("error", err.Error()))

			continue
		}

		if d == nil || d.UserID != ev.Sender {
			continue
		}

		r.SetDevice(d)
	}

	return nil
}

// WriteDecryption writes the replay records and missing-key markers of
// changes. txn needs group.WriteStores.
func (re *RoomEncryption) WriteDecryption(changes *group.DecryptionChanges, txn *storage.Txn) error {
	return changes.Write(txn)
}

// AfterDecryption schedules backup lookups for the sessions changes had
// no key for. It is called once the changes are committed.
func (re *RoomEncryption) AfterDecryption(changes *group.DecryptionChanges) {
	if re.backup == nil || !re.backup.Enabled() {
		return
	}

	for ref := range changes.MissingSessions() {
		re.scheduleBackupLookup(ref)
	}
}

func (re *RoomEncryption) scheduleBackupLookup(ref group.SessionRef) {
	re.mu.Lock()
	defer re.mu.Unlock()

	if _, ok := re.lookups[ref]; ok || re.ctx.Err() != nil {
		return
	}

	re.lookups[ref] = struct{}{}

	re.wg.Go(func() {
		defer func() {
			re.mu.Lock()
			delete(re.lookups, ref)
			re.mu.Unlock()
		}()

		timer := time.NewTimer(BackupLookupDelay)
		defer timer.Stop()

		select {
		case <-re.ctx.Done():
			return
		case <-timer.C:
		}

		if err := re.restoreFromBackup(re.ctx, ref); err != nil && re.ctx.Err() == nil {
			re.logger.Warn("backup lookup failed",
				slog.String("session", ref.SessionID),
				slog.String("error", err.Error()))
		}
	})
}

// restoreFromBackup fetches a still-missing session from the backup,
// stores it and retries the events waiting for it.
func (re *RoomEncryption) restoreFromBackup(ctx context.Context, ref group.SessionRef) error {
	var stillMissing bool

	err := re.storage.View(func(txn *storage.Txn) error {
		igs, err := txn.InboundGroupSessions().Get(re.roomID, ref.SenderKey, ref.SessionID)
		stillMissing = igs == nil || !igs.HasSession()

		return err
	}, group.KeyStores...)
	if err != nil || !stillMissing {
		return err
	}

	key, err := re.backup.GetRoomKey(ctx, re.roomID, ref.SessionID)
	if err != nil || key == nil {
		return err
	}

	if key.SenderKey != ref.SenderKey {
		re.logger.Warn("backed-up key has another sender key", slog.String("session", ref.SessionID))
		return nil
	}

	return re.WriteRoomKeys(ctx, []*group.RoomKey{key})
}

// WriteRoomKeys stores keys received outside a sync and retries the
// events that were waiting for the stored ones.
func (re *RoomEncryption) WriteRoomKeys(ctx context.Context, keys []*group.RoomKey) error {
	var waiting []string

	err := re.storage.Update(func(txn *storage.Txn) error {
		for _, k := range keys {
			stored, err := k.Write(ctx, re.decryption.KeyLoader(), txn)
			if err != nil {
				return err
			}

			if stored {
				waiting = append(waiting, k.EventIDs()...)
			}
		}

		return nil
	}, group.KeyStores...)
	if err != nil {
		return err
	}

	if len(waiting) == 0 || re.retry == nil {
		return nil
	}

	re.logger.Info("retrying decryption", slog.Int("events", len(waiting)))

	return re.retry(ctx, waiting)
}
