package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/device"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/peer"
	"github.com/alexjbarnes/matrix-sync/internal/room"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// SyncStores are the stores WriteSync needs.
var SyncStores = uniqueStores(
	[]storage.StoreName{storage.StoreSession, storage.StoreInvites},
	peer.WriteStores,
	group.KeyStores,
	device.TrackStores,
	room.SyncStores,
)

func uniqueStores(sets ...[]storage.StoreName) []storage.StoreName {
	var out []storage.StoreName

	for _, set := range sets {
		for _, name := range set {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}

	return out
}

type roomPreparation struct {
	room  *room.Room
	isNew bool
	prep  *room.SyncPreparation
}

// SyncPreparation holds what PrepareSync decrypted ahead of the write
// transaction. It holds the Olm sender locks until AfterSync or Discard.
type SyncPreparation struct {
	Response *matrix.SyncResponse

	release        func()
	toDevice       *peer.DecryptionChanges
	roomKeys       []*group.RoomKey
	rooms          []*roomPreparation
	invites        []*storage.Invite
	removedInvites []string
}

// Discard releases the preparation of an abandoned sync.
func (p *SyncPreparation) Discard() {
	for _, rp := range p.rooms {
		rp.prep.Discard()

		if rp.isNew {
			rp.room.Close()
		}
	}

	p.rooms = nil
	p.releaseLocks()
}

func (p *SyncPreparation) releaseLocks() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// PrepareSync decrypts the to-device messages of resp and the timeline
// events of every room in it.
func (s *Session) PrepareSync(ctx context.Context, resp *matrix.SyncResponse) (*SyncPreparation, error) {
	prep := &SyncPreparation{Response: resp}

	events := resp.ToDeviceEvents()

	release, err := s.peerDec.ObtainDecryptionLock(ctx, events)
	if err != nil {
		return nil, err
	}

	prep.release = release

	if err := s.prepareToDevice(prep, events); err != nil {
		prep.Discard()
		return nil, err
	}

	if err := s.prepareRooms(ctx, prep); err != nil {
		prep.Discard()
		return nil, err
	}

	s.prepareInvites(prep)

	return prep, nil
}

func (s *Session) prepareToDevice(prep *SyncPreparation, events []matrix.ToDeviceEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := s.storage.View(func(txn *storage.Txn) error {
		var err error
		prep.toDevice, err = s.peerDec.DecryptAll(events, txn)

		return err
	}, peer.DecryptStores...)
	if err != nil {
		return fmt.Errorf("decrypting to-device messages: %w", err)
	}

	for _, result := range prep.toDevice.Results {
		key := group.RoomKeyFromDeviceMessage(result)
		if key == nil {
			s.logger.Debug("ignoring to-device message", slog.String("type", result.Type()))
			continue
		}

		prep.roomKeys = append(prep.roomKeys, key)
	}

	return nil
}

func (s *Session) keysForRoom(prep *SyncPreparation, roomID string) []*group.RoomKey {
	var keys []*group.RoomKey

	for _, k := range prep.roomKeys {
		if k.RoomID == roomID {
			keys = append(keys, k)
		}
	}

	return keys
}

func (s *Session) prepareRooms(ctx context.Context, prep *SyncPreparation) error {
	rooms := prep.Response.Rooms

	for _, id := range slices.Sorted(maps.Keys(rooms.Join)) {
		joined := rooms.Join[id]
		if err := s.prepareRoom(ctx, prep, room.JoinedInput(id, &joined)); err != nil {
			return err
		}
	}

	for _, id := range slices.Sorted(maps.Keys(rooms.Leave)) {
		if !s.hasRoom(id) {
			// A left room never joined here is a declined invite.
			if s.hasInvite(id) {
				prep.removedInvites = append(prep.removedInvites, id)
			}

			continue
		}

		left := rooms.Leave[id]
		if err := s.prepareRoom(ctx, prep, room.LeftInput(id, &left)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) prepareRoom(ctx context.Context, prep *SyncPreparation, in *room.SyncInput) error {
	r, err := s.Room(in.RoomID)
	isNew := err != nil

	if isNew {
		r = s.newRoom(in.RoomID)
	}

	rprep, err := r.PrepareSync(ctx, in, s.keysForRoom(prep, in.RoomID))
	if err != nil {
		if isNew {
			r.Close()
		}

		return fmt.Errorf("preparing room %s: %w", in.RoomID, err)
	}

	prep.rooms = append(prep.rooms, &roomPreparation{room: r, isNew: isNew, prep: rprep})

	return nil
}

func (s *Session) prepareInvites(prep *SyncPreparation) {
	for _, id := range slices.Sorted(maps.Keys(prep.Response.Rooms.Invite)) {
		invited := prep.Response.Rooms.Invite[id]
		prep.invites = append(prep.invites, s.inviteFrom(id, &invited))
	}
}

// inviteFrom reads an invite from the stripped state of rooms.invite.
func (s *Session) inviteFrom(roomID string, invited *matrix.InvitedRoom) *storage.Invite {
	inv := &storage.Invite{RoomID: roomID}

	for i := range invited.InviteState.Events {
		ev := &invited.InviteState.Events[i]
		if ev.StateKey == nil {
			continue
		}

		switch ev.Type {
		case matrix.EventTypeName:
			inv.Name = ev.ContentField("name").String()
		case matrix.EventTypeEncryption:
			inv.IsEncrypted = true
		case matrix.EventTypeMember:
			if *ev.StateKey != s.userID {
				continue
			}

			inv.Inviter = ev.Sender
			inv.IsDirect = ev.ContentField("is_direct").Bool()
			inv.Timestamp = ev.OriginServerTS
		}
	}

	return inv
}

type roomChanges struct {
	room    *room.Room
	isNew   bool
	changes *room.SyncChanges
}

// SyncChanges is what WriteSync stored.
type SyncChanges struct {
	prep       *SyncPreparation
	account    *account.Update
	rooms      []roomChanges
	storedKeys []*group.RoomKey
}

// WriteSync stores a prepared sync inside txn, which needs SyncStores.
func (s *Session) WriteSync(ctx context.Context, prep *SyncPreparation, txn *storage.Txn) (*SyncChanges, error) {
	resp := prep.Response
	changes := &SyncChanges{prep: prep}

	info := storage.SyncInfo{Token: resp.NextBatch}
	if err := txn.Session().Set(storage.SessionKeySync, info); err != nil {
		return nil, fmt.Errorf("writing sync token: %w", err)
	}

	changes.account = s.account.NewUpdate()

	if prep.toDevice != nil {
		changes.account = prep.toDevice.Account()

		if err := prep.toDevice.Write(txn); err != nil {
			return nil, fmt.Errorf("writing olm sessions: %w", err)
		}
	}

	if err := changes.account.WriteSync(resp.DeviceOneTimeKeysCount, resp.DeviceUnusedFallbackKeyTypes, txn); err != nil {
		return nil, fmt.Errorf("writing key counts: %w", err)
	}

	if err := s.tracker.WriteDeviceChanges(resp.DeviceLists.Changed, txn); err != nil {
		return nil, fmt.Errorf("writing device changes: %w", err)
	}

	for _, k := range prep.roomKeys {
		stored, err := k.Write(ctx, s.groupDec.KeyLoader(), txn)
		if err != nil {
			return nil, fmt.Errorf("writing room key %s: %w", k.SessionID, err)
		}

		if stored {
			changes.storedKeys = append(changes.storedKeys, k)
		}
	}

	for _, rp := range prep.rooms {
		rc, err := rp.room.WriteSync(rp.prep, txn)
		if err != nil {
			return nil, fmt.Errorf("writing room %s: %w", rp.room.ID(), err)
		}

		changes.rooms = append(changes.rooms, roomChanges{room: rp.room, isNew: rp.isNew, changes: rc})
	}

	for _, inv := range prep.invites {
		if err := txn.Invites().Set(inv); err != nil {
			return nil, fmt.Errorf("writing invite: %w", err)
		}
	}

	for _, id := range prep.removedInvites {
		if err := txn.Invites().Remove(id); err != nil {
			return nil, fmt.Errorf("removing invite: %w", err)
		}
	}

	return changes, nil
}

// AfterSync applies a committed sync to memory and releases the locks
// taken by PrepareSync.
func (s *Session) AfterSync(changes *SyncChanges) {
	prep := changes.prep
	resp := prep.Response
	change := Change{Invites: len(prep.invites) > 0 || len(prep.removedInvites) > 0}

	changes.account.Apply()

	for _, rc := range changes.rooms {
		rc.room.AfterSync(rc.changes)
		change.Rooms = append(change.Rooms, rc.room.ID())
	}

	s.mu.Lock()
	s.syncToken = resp.NextBatch

	for _, rc := range changes.rooms {
		if rc.isNew {
			s.rooms[rc.room.ID()] = rc.room
		}

		if _, ok := s.invites[rc.room.ID()]; ok {
			delete(s.invites, rc.room.ID())
			change.Invites = true
		}
	}

	for _, inv := range prep.invites {
		s.invites[inv.RoomID] = *inv
	}

	for _, id := range prep.removedInvites {
		delete(s.invites, id)
	}
	s.mu.Unlock()

	prep.rooms = nil
	prep.releaseLocks()

	s.notify(change)
}

// AfterSyncCompleted does the network work a committed sync made
// necessary. Failures are logged; the next sync retries them.
func (s *Session) AfterSyncCompleted(ctx context.Context, changes *SyncChanges) {
	if s.account.NeedsUpload() {
		if err := s.account.UploadKeys(ctx, s.api, s.storage); err != nil {
			s.logger.Warn("uploading keys", slog.Any("error", err))
		}
	}

	s.retryStoredKeys(ctx, changes.storedKeys)

	for _, rc := range changes.rooms {
		if err := rc.room.AfterSyncCompleted(ctx, rc.changes); err != nil {
			s.logger.Warn("completing room sync",
				slog.String("room_id", rc.room.ID()),
				slog.Any("error", err))
		}
	}

	if !s.backup.Enabled() {
		return
	}

	n, err := s.backup.FlushPendingKeys(ctx)
	if err != nil {
		s.logger.Warn("backing up room keys", slog.Any("error", err))
		return
	}

	if n > 0 {
		s.logger.Info("room keys backed up", slog.Int("count", n))
	}
}

// retryStoredKeys decrypts again the events that were waiting for keys
// stored by the sync.
func (s *Session) retryStoredKeys(ctx context.Context, keys []*group.RoomKey) {
	waiting := make(map[string][]string)

	for _, k := range keys {
		waiting[k.RoomID] = append(waiting[k.RoomID], k.EventIDs()...)
	}

	for _, roomID := range slices.Sorted(maps.Keys(waiting)) {
		ids := waiting[roomID]
		if len(ids) == 0 {
			continue
		}

		r, err := s.Room(roomID)
		if err != nil {
			continue
		}

		if err := r.RetryDecryption(ctx, ids); err != nil {
			s.logger.Warn("retrying decryption",
				slog.String("room_id", roomID),
				slog.Any("error", err))
		}
	}
}

// hasRoom reports whether roomID is a known room.
func (s *Session) hasRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.rooms[roomID]

	return ok
}

func (s *Session) hasInvite(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.invites[roomID]

	return ok
}
