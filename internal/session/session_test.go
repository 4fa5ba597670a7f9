package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/peer"
	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/lockmap"
	"github.com/alexjbarnes/matrix-sync/internal/room"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/storage/storagetest"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const (
	testRoom    = "!room:example.org"
	alice       = "@alice:example.org"
	aliceDevice = "ALICE"
	bob         = "@bob:example.org"
)

func content(t *testing.T, v any) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return raw
}

func stateEvent(t *testing.T, eventType, stateKey, sender string, c any) matrix.Event {
	return matrix.Event{
		EventID:  "$" + eventType + stateKey,
		Type:     eventType,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  content(t, c),
	}
}

func message(t *testing.T, id, body string, ts int64) matrix.Event {
	return matrix.Event{
		EventID:        id,
		Type:           matrix.EventTypeMessage,
		Sender:         bob,
		OriginServerTS: ts,
		Content:        content(t, map[string]string{"msgtype": "m.text", "body": body}),
	}
}

func joined(events ...matrix.Event) matrix.JoinedRoom {
	return matrix.JoinedRoom{Timeline: matrix.TimelineSection{Events: events}}
}

type fixture struct {
	st  *storage.Storage
	api *matrix.MockHomeServerAPI
	s   *Session

	mu      sync.Mutex
	changes []Change
	otks    map[string]json.RawMessage
	claimed []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		st:   storagetest.Open(t),
		api:  matrix.NewMockHomeServerAPI(gomock.NewController(t)),
		otks: make(map[string]json.RawMessage),
	}
	f.open(t)

	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()

	s, err := Open(t.Context(), Options{
		UserID:    alice,
		DeviceID:  aliceDevice,
		API:       f.api,
		Storage:   f.st,
		PickleKey: []byte("pickle"),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	s.Subscribe(func(c Change) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.changes = append(f.changes, c)
	})

	f.s = s
}

func (f *fixture) reopen(t *testing.T) {
	t.Helper()

	f.s.Close()
	f.open(t)
}

// sync runs the in-transaction phases of a sync.
func (f *fixture) sync(t *testing.T, resp *matrix.SyncResponse) *SyncChanges {
	t.Helper()

	prep, err := f.s.PrepareSync(t.Context(), resp)
	require.NoError(t, err)

	var changes *SyncChanges

	require.NoError(t, f.st.Update(func(txn *storage.Txn) error {
		var err error
		changes, err = f.s.WriteSync(t.Context(), prep, txn)

		return err
	}, SyncStores...))

	f.s.AfterSync(changes)

	return changes
}

func (f *fixture) lastChange() Change {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.changes) == 0 {
		return Change{}
	}

	return f.changes[len(f.changes)-1]
}

// uploadKeys lets the account publish its keys and keeps the one-time
// keys for claims.
func (f *fixture) uploadKeys(t *testing.T) {
	t.Helper()

	f.api.EXPECT().UploadKeys(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req matrix.UploadKeysRequest) (*matrix.UploadKeysResponse, error) {
			for id, k := range req.OneTimeKeys {
				f.otks[id] = content(t, k)
			}

			return &matrix.UploadKeysResponse{OneTimeKeyCounts: map[string]int{account.KeyAlgorithm: len(req.OneTimeKeys)}}, nil
		}).AnyTimes()

	f.s.AfterSyncCompleted(t.Context(), f.sync(t, &matrix.SyncResponse{NextBatch: "s0"}))
	require.NotEmpty(t, f.otks)
}

func (f *fixture) claimOneTimeKey() map[string]map[string]map[string]json.RawMessage {
	for id, raw := range f.otks {
		delete(f.otks, id)
		f.claimed = append(f.claimed, gjson.GetBytes(raw, "key").String())

		return map[string]map[string]map[string]json.RawMessage{alice: {aliceDevice: {id: raw}}}
	}

	return nil
}

func TestOpen_RestoresAccountRoomsAndToken(t *testing.T) {
	f := newFixture(t)
	keys := f.s.Account().IdentityKeys()

	f.sync(t, &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{Join: map[string]matrix.JoinedRoom{
			testRoom: {
				State:    matrix.EventsSection{Events: []matrix.Event{stateEvent(t, matrix.EventTypeName, "", bob, map[string]string{"name": "Chat"})}},
				Timeline: matrix.TimelineSection{Events: []matrix.Event{message(t, "$1", "hello", 1000)}},
			},
		}},
	})

	assert.Equal(t, "s1", f.s.SyncToken())
	assert.Equal(t, []string{testRoom}, f.lastChange().Rooms)
	require.Len(t, f.s.Rooms(), 1)

	f.reopen(t)

	assert.Equal(t, keys, f.s.Account().IdentityKeys())
	assert.Equal(t, "s1", f.s.SyncToken())

	r, err := f.s.Room(testRoom)
	require.NoError(t, err)

	summary := r.Summary()
	assert.Equal(t, "Chat", summary.Name)
	assert.Equal(t, matrix.MembershipJoin, summary.Membership)
	assert.Equal(t, int64(1000), summary.LastMessageTimestamp)
}

func TestRooms_MostRecentFirst(t *testing.T) {
	f := newFixture(t)

	f.sync(t, &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{Join: map[string]matrix.JoinedRoom{
			"!old:example.org": joined(message(t, "$1", "old", 1000)),
			"!new:example.org": joined(message(t, "$2", "new", 2000)),
		}},
	})

	rooms := f.s.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "!new:example.org", rooms[0].ID())
	assert.Equal(t, "!old:example.org", rooms[1].ID())
}

func TestRoom_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.Room("!missing:example.org")
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
}

func inviteSync(t *testing.T) *matrix.SyncResponse {
	member := stateEvent(t, matrix.EventTypeMember, alice, bob, map[string]any{"membership": matrix.MembershipInvite, "is_direct": true})
	member.OriginServerTS = 5000

	return &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{Invite: map[string]matrix.InvitedRoom{
			testRoom: {InviteState: matrix.EventsSection{Events: []matrix.Event{
				stateEvent(t, matrix.EventTypeName, "", bob, map[string]string{"name": "Chat"}),
				stateEvent(t, matrix.EventTypeEncryption, "", bob, map[string]string{"algorithm": "m.megolm.v1.aes-sha2"}),
				member,
			}}},
		}},
	}
}

func TestInvites_AcceptRemovesInviteOnJoin(t *testing.T) {
	f := newFixture(t)

	f.sync(t, inviteSync(t))

	assert.True(t, f.lastChange().Invites)
	assert.Equal(t, []storage.Invite{{
		RoomID:      testRoom,
		Name:        "Chat",
		Inviter:     bob,
		IsDirect:    true,
		IsEncrypted: true,
		Timestamp:   5000,
	}}, f.s.Invites())

	f.api.EXPECT().Join(gomock.Any(), testRoom).Return(&matrix.JoinResponse{RoomID: testRoom}, nil)
	require.NoError(t, f.s.AcceptInvite(t.Context(), testRoom))
	assert.Len(t, f.s.Invites(), 1)

	f.sync(t, &matrix.SyncResponse{
		NextBatch: "s2",
		Rooms:     matrix.RoomsSection{Join: map[string]matrix.JoinedRoom{testRoom: joined(message(t, "$1", "hi", 1000))}},
	})

	assert.Empty(t, f.s.Invites())
	assert.True(t, f.lastChange().Invites)

	_, err := f.s.Room(testRoom)
	require.NoError(t, err)

	f.reopen(t)
	assert.Empty(t, f.s.Invites())
}

func TestInvites_RejectRemovesInviteOnLeave(t *testing.T) {
	f := newFixture(t)

	f.sync(t, inviteSync(t))

	f.api.EXPECT().Leave(gomock.Any(), testRoom).Return(nil)
	require.NoError(t, f.s.RejectInvite(t.Context(), testRoom))

	f.sync(t, &matrix.SyncResponse{
		NextBatch: "s2",
		Rooms:     matrix.RoomsSection{Leave: map[string]matrix.LeftRoom{testRoom: {}}},
	})

	assert.Empty(t, f.s.Invites())
	assert.Empty(t, f.s.Rooms())

	f.reopen(t)
	assert.Empty(t, f.s.Invites())
}

func TestInvites_Unknown(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.s.AcceptInvite(t.Context(), testRoom), apperrors.ErrInviteNotFound)
	assert.ErrorIs(t, f.s.RejectInvite(t.Context(), testRoom), apperrors.ErrInviteNotFound)
}

func TestRetryKeys_BackupDisabled(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.RetryKeys(t.Context(), testRoom)
	assert.ErrorIs(t, err, apperrors.ErrBackupDisabled)
}

func TestAfterSyncCompleted_UploadsKeys(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.s.Account().NeedsUpload())
	f.uploadKeys(t)
	assert.False(t, f.s.Account().NeedsUpload())

	f.s.AfterSyncCompleted(t.Context(), f.sync(t, &matrix.SyncResponse{NextBatch: "s1"}))
	assert.Equal(t, "s1", f.s.SyncToken())
}

// sender is bob's device: it encrypts room events and shares their
// keys with alice over Olm.
type sender struct {
	account *account.Account
	storage *storage.Storage
	group   *group.Encryption
	peer    *peer.Encryption
}

func newSender(t *testing.T, f *fixture) *sender {
	t.Helper()

	st := storagetest.Open(t)

	acct, err := account.Create(t.Context(), st, account.Options{UserID: bob, DeviceID: "BOB", PickleKey: []byte("bob")})
	require.NoError(t, err)

	api := matrix.NewMockHomeServerAPI(gomock.NewController(t))
	api.EXPECT().ClaimKeys(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, matrix.ClaimKeysRequest) (*matrix.ClaimKeysResponse, error) {
			return &matrix.ClaimKeysResponse{OneTimeKeys: f.claimOneTimeKey()}, nil
		}).AnyTimes()

	return &sender{
		account: acct,
		storage: st,
		group:   group.NewEncryption(acct, nil),
		peer:    peer.NewEncryption(acct, api, st, lockmap.New[string](), nil),
	}
}

func (b *sender) encrypt(t *testing.T, id, body string) (matrix.Event, *group.RoomKeyMessage) {
	t.Helper()

	var res *group.EncryptionResult

	require.NoError(t, b.storage.Update(func(txn *storage.Txn) error {
		var err error
		res, err = b.group.Encrypt(testRoom, matrix.EventTypeMessage, map[string]string{"msgtype": "m.text", "body": body}, group.DefaultRotation, txn)

		return err
	}, group.EncryptStores...))
	require.NotNil(t, res.RoomKeyMessage)

	return matrix.Event{
		EventID:        id,
		Type:           matrix.EventTypeEncrypted,
		Sender:         bob,
		OriginServerTS: 2000,
		Content:        content(t, res.Content),
	}, res.RoomKeyMessage
}

func (b *sender) shareKey(t *testing.T, f *fixture, msg *group.RoomKeyMessage) matrix.Event {
	t.Helper()

	keys := f.s.Account().IdentityKeys()
	target := storage.DeviceIdentity{
		UserID:        alice,
		DeviceID:      aliceDevice,
		Ed25519Key:    keys.Ed25519,
		Curve25519Key: keys.Curve25519,
	}

	res, err := b.peer.Encrypt(t.Context(), matrix.EventTypeRoomKey, msg.Content(), []storage.DeviceIdentity{target})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	return matrix.Event{Type: matrix.EventTypeEncrypted, Sender: bob, Content: content(t, res.Messages[0].Content)}
}

func encryptedRoom(t *testing.T, events ...matrix.Event) matrix.JoinedRoom {
	return matrix.JoinedRoom{
		State: matrix.EventsSection{Events: []matrix.Event{
			stateEvent(t, matrix.EventTypeEncryption, "", bob, map[string]string{"algorithm": "m.megolm.v1.aes-sha2"}),
		}},
		Timeline: matrix.TimelineSection{Events: events},
	}
}

func timelineBody(t *testing.T, r *room.Room, eventID string) string {
	t.Helper()

	tl, err := r.OpenTimeline(t.Context(), 10, nil)
	require.NoError(t, err)
	defer tl.Close()

	for _, e := range tl.Entries() {
		if ee, ok := e.(*timeline.EventEntry); ok && ee.ID() == eventID {
			return ee.ContentField("body").String()
		}
	}

	t.Fatalf("event %s not in timeline", eventID)

	return ""
}

func TestSync_RoomKeyInSameSyncDecryptsTimeline(t *testing.T) {
	f := newFixture(t)
	f.api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(&matrix.QueryKeysResponse{}, nil).AnyTimes()
	f.uploadKeys(t)

	b := newSender(t, f)
	ev, msg := b.encrypt(t, "$secret", "secret")

	f.sync(t, &matrix.SyncResponse{
		NextBatch: "s1",
		ToDevice:  matrix.EventsSection{Events: []matrix.Event{b.shareKey(t, f, msg)}},
		Rooms:     matrix.RoomsSection{Join: map[string]matrix.JoinedRoom{testRoom: encryptedRoom(t, ev)}},
	})

	r, err := f.s.Room(testRoom)
	require.NoError(t, err)
	assert.True(t, r.IsEncrypted())
	assert.Equal(t, "secret", timelineBody(t, r, "$secret"))

	f.reopen(t)

	r, err = f.s.Room(testRoom)
	require.NoError(t, err)
	assert.Equal(t, "secret", timelineBody(t, r, "$secret"))
}

func TestSync_LateRoomKeyRetriesWaitingEvents(t *testing.T) {
	f := newFixture(t)
	f.api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(&matrix.QueryKeysResponse{}, nil).AnyTimes()
	f.uploadKeys(t)

	b := newSender(t, f)
	ev, msg := b.encrypt(t, "$secret", "secret")

	f.s.AfterSyncCompleted(t.Context(), f.sync(t, &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms:     matrix.RoomsSection{Join: map[string]matrix.JoinedRoom{testRoom: encryptedRoom(t, ev)}},
	}))

	r, err := f.s.Room(testRoom)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		updated []string
	)

	r.Subscribe(func(u room.Update) {
		mu.Lock()
		defer mu.Unlock()

		for _, e := range u.Updated {
			if e.IsDecrypted() {
				updated = append(updated, e.ID())
			}
		}
	})

	f.s.AfterSyncCompleted(t.Context(), f.sync(t, &matrix.SyncResponse{
		NextBatch: "s2",
		ToDevice:  matrix.EventsSection{Events: []matrix.Event{b.shareKey(t, f, msg)}},
	}))

	mu.Lock()
	assert.Equal(t, []string{"$secret"}, updated)
	mu.Unlock()

	assert.Equal(t, "secret", timelineBody(t, r, "$secret"))
}

const plainRoom = "!plain:example.org"

func eventIDs(t *testing.T, r *room.Room) []string {
	t.Helper()

	tl, err := r.OpenTimeline(t.Context(), 20, nil)
	require.NoError(t, err)
	defer tl.Close()

	var ids []string

	for _, e := range tl.Entries() {
		if ee, ok := e.(*timeline.EventEntry); ok {
			ids = append(ids, ee.ID())
		}
	}

	return ids
}

// syncSnapshot is what a failed sync must leave as it was.
type syncSnapshot struct {
	token     string
	fragments []storage.Fragment
}

func (f *fixture) snapshot(t *testing.T) syncSnapshot {
	t.Helper()

	var snap syncSnapshot

	require.NoError(t, f.st.View(func(txn *storage.Txn) error {
		var info storage.SyncInfo
		if _, err := txn.Session().Get(storage.SessionKeySync, &info); err != nil {
			return err
		}

		snap.token = info.Token

		var err error
		snap.fragments, err = txn.TimelineFragments().All(plainRoom)

		return err
	}, storage.StoreSession, storage.StoreTimelineFragments))

	return snap
}

func (f *fixture) assertSyncNotApplied(t *testing.T, before syncSnapshot, b *sender, otk string) {
	t.Helper()

	assert.Equal(t, before, f.snapshot(t))
	assert.Equal(t, "s1", f.s.SyncToken())

	_, err := f.s.Room(testRoom)
	assert.Error(t, err, "new room must not be registered")
	assert.Len(t, f.s.Rooms(), 1)
	assert.Empty(t, f.s.Invites())
	assert.True(t, f.s.Account().HasOneTimeKey(otk))

	plain, err := f.s.Room(plainRoom)
	require.NoError(t, err)
	assert.Equal(t, []string{"$1"}, eventIDs(t, plain))

	require.NoError(t, f.st.View(func(txn *storage.Txn) error {
		olmSessions, err := txn.OlmSessions().GetAll(b.account.IdentityKeys().Curve25519)
		if err != nil {
			return err
		}
		assert.Empty(t, olmSessions)

		groupSessions, err := txn.InboundGroupSessions().GetAllForRoom(testRoom)
		if err != nil {
			return err
		}
		assert.Empty(t, groupSessions)

		summary, err := txn.RoomSummary().Get(testRoom)
		if err != nil {
			return err
		}
		assert.Nil(t, summary)

		invites, err := txn.Invites().GetAll()
		assert.Empty(t, invites)

		return err
	}, SyncStores...))
}

// failingSyncFixture syncs a plain room, then builds a response that
// adds an encrypted room, its key over Olm, a message to the plain room,
// an invite and new key counts.
func failingSyncFixture(t *testing.T) (*fixture, *sender, *matrix.SyncResponse, string) {
	t.Helper()

	f := newFixture(t)
	f.api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(&matrix.QueryKeysResponse{}, nil).AnyTimes()
	f.uploadKeys(t)

	f.sync(t, &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms:     matrix.RoomsSection{Join: map[string]matrix.JoinedRoom{plainRoom: joined(message(t, "$1", "hi", 1000))}},
	})

	b := newSender(t, f)
	ev, msg := b.encrypt(t, "$secret", "secret")
	share := b.shareKey(t, f, msg)
	require.Len(t, f.claimed, 1)

	resp := inviteSync(t)
	resp.NextBatch = "s2"
	resp.ToDevice = matrix.EventsSection{Events: []matrix.Event{share}}
	resp.DeviceOneTimeKeysCount = map[string]int{account.KeyAlgorithm: 1}
	resp.DeviceUnusedFallbackKeyTypes = []string{}
	resp.Rooms.Invite = map[string]matrix.InvitedRoom{"!inv:example.org": resp.Rooms.Invite[testRoom]}
	resp.Rooms.Join = map[string]matrix.JoinedRoom{
		testRoom:  encryptedRoom(t, ev),
		plainRoom: joined(message(t, "$2", "again", 3000)),
	}

	return f, b, resp, f.claimed[0]
}

func (f *fixture) assertSyncApplied(t *testing.T, otk string) {
	t.Helper()

	assert.Equal(t, "s2", f.s.SyncToken())
	assert.False(t, f.s.Account().HasOneTimeKey(otk))
	assert.Len(t, f.s.Invites(), 1)

	r, err := f.s.Room(testRoom)
	require.NoError(t, err)
	assert.Equal(t, "secret", timelineBody(t, r, "$secret"))

	plain, err := f.s.Room(plainRoom)
	require.NoError(t, err)
	assert.Equal(t, []string{"$1", "$2"}, eventIDs(t, plain))

	f.reopen(t)
	assert.Equal(t, "s2", f.s.SyncToken())
	assert.False(t, f.s.Account().HasOneTimeKey(otk))
}

func TestSync_AbortedTransactionLeavesEverythingUnchanged(t *testing.T) {
	f, b, resp, otk := failingSyncFixture(t)
	before := f.snapshot(t)

	prep, err := f.s.PrepareSync(t.Context(), resp)
	require.NoError(t, err)

	errCommit := errors.New("commit failed")

	err = f.st.Update(func(txn *storage.Txn) error {
		_, err := f.s.WriteSync(t.Context(), prep, txn)
		require.NoError(t, err)

		return errCommit
	}, SyncStores...)
	require.ErrorIs(t, err, errCommit)
	prep.Discard()

	f.assertSyncNotApplied(t, before, b, otk)

	// Redelivery of the same response applies it in full.
	f.sync(t, resp)
	f.assertSyncApplied(t, otk)
}

func TestSync_FailingLastWriteStepLeavesEverythingUnchanged(t *testing.T) {
	f, b, resp, otk := failingSyncFixture(t)
	before := f.snapshot(t)

	// An invite without a room id fails the invite write, which comes
	// after every other store write.
	bad := *resp
	bad.Rooms.Invite = map[string]matrix.InvitedRoom{"": resp.Rooms.Invite["!inv:example.org"]}

	prep, err := f.s.PrepareSync(t.Context(), &bad)
	require.NoError(t, err)

	err = f.st.Update(func(txn *storage.Txn) error {
		_, err := f.s.WriteSync(t.Context(), prep, txn)
		return err
	}, SyncStores...)
	require.ErrorContains(t, err, "writing invite")
	prep.Discard()

	f.assertSyncNotApplied(t, before, b, otk)

	f.sync(t, resp)
	f.assertSyncApplied(t, otk)
}

func TestLogin_PasswordStoresDevice(t *testing.T) {
	st := storagetest.Open(t)
	api := matrix.NewMockHomeServerAPI(gomock.NewController(t))

	_, err := LoadLogin(st)
	require.ErrorIs(t, err, apperrors.ErrNotLoggedIn)

	api.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req matrix.LoginRequest) (*matrix.LoginResponse, error) {
			assert.Equal(t, "m.login.password", req.Type)
			assert.Equal(t, alice, req.Identifier["user"])
			assert.Equal(t, "laptop", req.InitialDeviceDisplayName)

			return &matrix.LoginResponse{UserID: alice, DeviceID: aliceDevice, AccessToken: "token"}, nil
		})

	login, err := PasswordLogin(t.Context(), api, st, "https://example.org", alice, "hunter2", "laptop")
	require.NoError(t, err)
	assert.Len(t, login.PickleKey, pickleKeySize)

	stored, err := LoadLogin(st)
	require.NoError(t, err)
	assert.Equal(t, login, stored)
}

func TestLogin_Forbidden(t *testing.T) {
	st := storagetest.Open(t)
	api := matrix.NewMockHomeServerAPI(gomock.NewController(t))

	api.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil, &matrix.HomeServerError{Code: matrix.ErrCodeForbidden, StatusCode: 403})

	_, err := PasswordLogin(t.Context(), api, st, "https://example.org", alice, "wrong", "laptop")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}
