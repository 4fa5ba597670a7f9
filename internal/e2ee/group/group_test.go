package group

import (
	"context"
	"encoding/json"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/storage/storagetest"
	"github.com/alexjbarnes/matrix-sync/internal/worker"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const testRoom = "!room:example.org"

type device struct {
	storage *storage.Storage
	account *account.Account
	enc     *Encryption
	loader  *KeyLoader
	dec     *Decryption
}

func newDevice(t *testing.T, userID, deviceID string) *device {
	t.Helper()

	st := storagetest.Open(t)
	pickleKey := []byte(deviceID)

	acct, err := account.Create(t.Context(), st, account.Options{UserID: userID, DeviceID: deviceID, PickleKey: pickleKey})
	require.NoError(t, err)

	loader := NewKeyLoader(4, pickleKey)

	return &device{
		storage: st,
		account: acct,
		enc:     NewEncryption(acct, nil),
		loader:  loader,
		dec:     NewDecryption(loader, nil, nil),
	}
}

func (d *device) encrypt(t *testing.T, roomID, body string, rotation RotationSettings) *EncryptionResult {
	t.Helper()

	var res *EncryptionResult

	err := d.storage.Update(func(txn *storage.Txn) error {
		var err error
		res, err = d.enc.Encrypt(roomID, matrix.EventTypeMessage, map[string]any{"msgtype": "m.text", "body": body}, rotation, txn)

		return err
	}, EncryptStores...)
	require.NoError(t, err)

	return res
}

func event(t *testing.T, id string, ts int64, res *EncryptionResult) *matrix.Event {
	t.Helper()

	content, err := json.Marshal(res.Content)
	require.NoError(t, err)

	return &matrix.Event{EventID: id, Type: matrix.EventTypeEncrypted, OriginServerTS: ts, Content: content}
}

// roomKey turns an announcement into the key a recipient would receive.
func (d *device) roomKey(msg *RoomKeyMessage) *RoomKey {
	keys := d.account.IdentityKeys()

	return &RoomKey{
		RoomID:            msg.RoomID,
		SenderKey:         keys.Curve25519,
		SessionID:         msg.SessionID,
		ClaimedEd25519Key: keys.Ed25519,
		Source:            SourceDeviceMessage,
		material:          msg.SessionKey,
	}
}

// decrypt runs DecryptAll in a read transaction and writes the changes.
func (d *device) decrypt(t *testing.T, roomID string, events []*matrix.Event, newKeys []*RoomKey) *DecryptionChanges {
	t.Helper()

	var changes *DecryptionChanges

	err := d.storage.View(func(txn *storage.Txn) error {
		var err error
		changes, err = d.dec.DecryptAll(t.Context(), roomID, events, newKeys, txn)

		return err
	}, DecryptStores...)
	require.NoError(t, err)

	require.NoError(t, d.storage.Update(changes.Write, WriteStores...))

	return changes
}

func (d *device) writeKey(t *testing.T, k *RoomKey) bool {
	t.Helper()

	var stored bool

	err := d.storage.Update(func(txn *storage.Txn) error {
		var err error
		stored, err = k.Write(t.Context(), d.loader, txn)

		return err
	}, KeyStores...)
	require.NoError(t, err)

	return stored
}

func (d *device) storedSession(t *testing.T, senderKey, sessionID string) *storage.InboundGroupSession {
	t.Helper()

	var igs *storage.InboundGroupSession

	err := d.storage.View(func(txn *storage.Txn) error {
		var err error
		igs, err = txn.InboundGroupSessions().Get(testRoom, senderKey, sessionID)

		return err
	}, storage.StoreInboundGroupSessions)
	require.NoError(t, err)

	return igs
}

func TestEncrypt_OwnMessagesDecrypt(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	res := alice.encrypt(t, testRoom, "hello", DefaultRotation)
	require.NotNil(t, res.RoomKeyMessage)
	assert.Equal(t, uint32(0), res.RoomKeyMessage.ChainIndex)
	assert.Equal(t, common.AlgorithmMegolm, res.Content["algorithm"])
	assert.Equal(t, "ALICE", res.Content["device_id"])

	changes := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 1, res)}, nil)
	require.Empty(t, changes.Errors)

	r := changes.Results["$1"]
	require.NotNil(t, r)
	assert.Equal(t, "hello", r.Field("content.body").String())
	assert.Equal(t, alice.account.IdentityKeys().Curve25519, r.SenderCurve25519Key)
	assert.Equal(t, alice.account.IdentityKeys().Ed25519, r.ClaimedEd25519Key)

	igs := alice.storedSession(t, alice.account.IdentityKeys().Curve25519, res.RoomKeyMessage.SessionID)
	require.NotNil(t, igs)
	assert.Equal(t, storage.KeySourceOutbound, igs.Source)
}

func TestEncrypt_ReusesSessionWithinLimits(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	first := alice.encrypt(t, testRoom, "one", DefaultRotation)
	second := alice.encrypt(t, testRoom, "two", DefaultRotation)

	require.NotNil(t, first.RoomKeyMessage)
	assert.Nil(t, second.RoomKeyMessage)
	assert.Equal(t, first.Content["session_id"], second.Content["session_id"])
}

func TestEncrypt_RotatesAfterMessageCount(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	rotation := RotationSettings{Period: time.Hour, Messages: 2}

	first := alice.encrypt(t, testRoom, "one", rotation)
	alice.encrypt(t, testRoom, "two", rotation)
	third := alice.encrypt(t, testRoom, "three", rotation)

	require.NotNil(t, third.RoomKeyMessage)
	assert.NotEqual(t, first.Content["session_id"], third.Content["session_id"])
	assert.Equal(t, uint32(0), third.RoomKeyMessage.ChainIndex)
}

func TestEncrypt_RotatesAfterPeriod(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	now := time.Now()
	alice.enc.now = func() time.Time { return now }

	first := alice.encrypt(t, testRoom, "one", DefaultRotation)

	now = now.Add(DefaultRotation.Period - time.Minute)
	kept := alice.encrypt(t, testRoom, "two", DefaultRotation)
	assert.Nil(t, kept.RoomKeyMessage)

	now = now.Add(time.Minute)
	rotated := alice.encrypt(t, testRoom, "three", DefaultRotation)
	require.NotNil(t, rotated.RoomKeyMessage)
	assert.NotEqual(t, first.Content["session_id"], rotated.Content["session_id"])
}

func TestDiscardOutboundSession(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	first := alice.encrypt(t, testRoom, "one", DefaultRotation)

	require.NoError(t, alice.storage.Update(func(txn *storage.Txn) error {
		return alice.enc.DiscardOutboundSession(testRoom, txn)
	}, EncryptStores...))

	next := alice.encrypt(t, testRoom, "two", DefaultRotation)
	require.NotNil(t, next.RoomKeyMessage)
	assert.NotEqual(t, first.Content["session_id"], next.Content["session_id"])
}

func TestEnsureOutboundSession(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	var created, again, current *RoomKeyMessage

	require.NoError(t, alice.storage.Update(func(txn *storage.Txn) error {
		var err error
		if created, err = alice.enc.EnsureOutboundSession(testRoom, DefaultRotation, txn); err != nil {
			return err
		}

		if again, err = alice.enc.EnsureOutboundSession(testRoom, DefaultRotation, txn); err != nil {
			return err
		}

		current, err = alice.enc.CreateRoomKeyMessage(testRoom, txn)

		return err
	}, EncryptStores...))

	require.NotNil(t, created)
	assert.Nil(t, again)
	require.NotNil(t, current)
	assert.Equal(t, created.SessionID, current.SessionID)
	assert.Equal(t, testRoom, current.Content()["room_id"])
}

func TestRotationFromContent(t *testing.T) {
	r := RotationFromContent(json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":60000,"rotation_period_msgs":5}`), DefaultRotation)
	assert.Equal(t, time.Minute, r.Period)
	assert.Equal(t, uint32(5), r.Messages)

	assert.Equal(t, DefaultRotation, RotationFromContent(json.RawMessage(`{}`), DefaultRotation))
}

func TestDecryptAll_NewKeyFromSameSync(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	bob := newDevice(t, "@bob:example.org", "BOB")

	res := alice.encrypt(t, testRoom, "hi bob", DefaultRotation)
	key := alice.roomKey(res.RoomKeyMessage)

	changes := bob.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 1, res)}, []*RoomKey{key})
	require.Empty(t, changes.Errors)
	assert.Equal(t, "hi bob", changes.Results["$1"].Field("content.body").String())
}

func TestDecryptAll_MissingSessionRecordedForRetry(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	bob := newDevice(t, "@bob:example.org", "BOB")

	res := alice.encrypt(t, testRoom, "later", DefaultRotation)
	key := alice.roomKey(res.RoomKeyMessage)

	changes := bob.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 1, res)}, nil)
	assert.True(t, common.IsDecryptionError(changes.Errors["$1"], common.CodeMegolmNoSession))

	ref := SessionRef{SenderKey: key.SenderKey, SessionID: key.SessionID}
	assert.Equal(t, []string{"$1"}, changes.MissingSessions()[ref])

	igs := bob.storedSession(t, key.SenderKey, key.SessionID)
	require.NotNil(t, igs)
	assert.False(t, igs.HasSession())
	assert.Equal(t, []string{"$1"}, igs.EventIDs)

	require.True(t, bob.writeKey(t, key))
	assert.Equal(t, []string{"$1"}, key.EventIDs())

	retry := bob.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 1, res)}, nil)
	require.Empty(t, retry.Errors)
	assert.Equal(t, "later", retry.Results["$1"].Field("content.body").String())
}

func TestDecryptAll_IndexBeforeFirstKnownIsMissing(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	bob := newDevice(t, "@bob:example.org", "BOB")

	early := alice.encrypt(t, testRoom, "early", DefaultRotation)
	alice.encrypt(t, testRoom, "middle", DefaultRotation)

	var late *RoomKeyMessage

	require.NoError(t, alice.storage.View(func(txn *storage.Txn) error {
		var err error
		late, err = alice.enc.CreateRoomKeyMessage(testRoom, txn)

		return err
	}, EncryptStores...))
	require.Equal(t, uint32(2), late.ChainIndex)

	changes := bob.decrypt(t, testRoom, []*matrix.Event{event(t, "$early", 1, early)}, []*RoomKey{alice.roomKey(late)})
	assert.True(t, common.IsDecryptionError(changes.Errors["$early"], common.CodeMegolmNoSession))
	assert.NotEmpty(t, changes.MissingSessions())
}

func TestDecryptAll_ReplaySameEventIDSucceeds(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	res := alice.encrypt(t, testRoom, "once", DefaultRotation)

	first := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 10, res)}, nil)
	second := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 10, res)}, nil)

	require.Empty(t, first.Errors)
	require.Empty(t, second.Errors)
	assert.JSONEq(t, string(first.Results["$1"].Payload), string(second.Results["$1"].Payload))
}

func TestDecryptAll_ReplayDifferentEventIDFails(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	res := alice.encrypt(t, testRoom, "once", DefaultRotation)

	alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 10, res)}, nil)
	replay := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$2", 20, res)}, nil)

	assert.Nil(t, replay.Results["$2"])
	assert.True(t, common.IsDecryptionError(replay.Errors["$2"], common.CodeMegolmKeyReplayed))
}

func TestDecryptAll_ReplayWithEarlierTimestampFails(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	res := alice.encrypt(t, testRoom, "once", DefaultRotation)

	first := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$first", 20, res)}, nil)
	require.Empty(t, first.Errors)

	second := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$second", 10, res)}, nil)
	assert.Nil(t, second.Results["$second"])
	assert.True(t, common.IsDecryptionError(second.Errors["$second"], common.CodeMegolmKeyReplayed))

	// The first event stays the one the index belongs to.
	again := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$first", 20, res)}, nil)
	require.Empty(t, again.Errors)
	assert.NotNil(t, again.Results["$first"])
}

func TestDecryptAll_WrongRoom(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	bob := newDevice(t, "@bob:example.org", "BOB")

	res := alice.encrypt(t, "!other:example.org", "elsewhere", DefaultRotation)

	key := alice.roomKey(res.RoomKeyMessage)
	key.RoomID = testRoom

	changes := bob.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 1, res)}, []*RoomKey{key})
	assert.True(t, common.IsDecryptionError(changes.Errors["$1"], common.CodeMegolmWrongRoom))
	assert.Empty(t, changes.Results)
}

func TestDecryptAll_UnsupportedAlgorithm(t *testing.T) {
	bob := newDevice(t, "@bob:example.org", "BOB")

	ev := &matrix.Event{EventID: "$1", Type: matrix.EventTypeEncrypted, Content: json.RawMessage(`{"algorithm":"m.olm.v1.curve25519-aes-sha2"}`)}

	changes := bob.decrypt(t, testRoom, []*matrix.Event{ev}, nil)
	assert.True(t, common.IsDecryptionError(changes.Errors["$1"], common.CodeUnsupportedAlgorithm))
	assert.Empty(t, changes.MissingSessions())
}

func TestDecryptAll_WorkerDecryptor(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	pool := worker.NewPool(worker.PoolConfig{Size: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- pool.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	alice.dec = NewDecryption(alice.loader, NewWorkerDecryptor(pool), nil)

	alice.encrypt(t, testRoom, "zero", DefaultRotation)
	res := alice.encrypt(t, testRoom, "one", DefaultRotation)

	changes := alice.decrypt(t, testRoom, []*matrix.Event{event(t, "$1", 1, res)}, nil)
	require.Empty(t, changes.Errors)
	assert.Equal(t, "one", changes.Results["$1"].Field("content.body").String())
}

func TestRoomKeyWrite_KeepsBetterKeyInEitherOrder(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")

	res := alice.encrypt(t, testRoom, "zero", DefaultRotation)
	alice.encrypt(t, testRoom, "one", DefaultRotation)

	var later *RoomKeyMessage

	require.NoError(t, alice.storage.View(func(txn *storage.Txn) error {
		var err error
		later, err = alice.enc.CreateRoomKeyMessage(testRoom, txn)

		return err
	}, EncryptStores...))

	t.Run("worse first", func(t *testing.T) {
		bob := newDevice(t, "@bob:example.org", "BOB")

		assert.True(t, bob.writeKey(t, alice.roomKey(later)))
		assert.True(t, bob.writeKey(t, alice.roomKey(res.RoomKeyMessage)))

		igs := bob.storedSession(t, alice.account.IdentityKeys().Curve25519, later.SessionID)
		assert.Equal(t, uint32(0), igs.FirstKnownIndex)
	})

	t.Run("better first", func(t *testing.T) {
		bob := newDevice(t, "@bob:example.org", "BOB")

		assert.True(t, bob.writeKey(t, alice.roomKey(res.RoomKeyMessage)))
		assert.False(t, bob.writeKey(t, alice.roomKey(later)))
		assert.False(t, bob.writeKey(t, alice.roomKey(res.RoomKeyMessage)))

		igs := bob.storedSession(t, alice.account.IdentityKeys().Curve25519, later.SessionID)
		assert.Equal(t, uint32(0), igs.FirstKnownIndex)
		assert.Equal(t, storage.KeySourceDeviceMessage, igs.Source)
	})
}

func TestRoomKeyWrite_RejectsWrongSessionID(t *testing.T) {
	alice := newDevice(t, "@alice:example.org", "ALICE")
	bob := newDevice(t, "@bob:example.org", "BOB")

	res := alice.encrypt(t, testRoom, "zero", DefaultRotation)
	key := alice.roomKey(res.RoomKeyMessage)
	key.SessionID = "forged"

	err := bob.storage.Update(func(txn *storage.Txn) error {
		_, err := key.Write(t.Context(), bob.loader, txn)
		return err
	}, KeyStores...)
	assert.ErrorIs(t, err, ErrSessionIDMismatch)
}

func TestRoomKeyFromDeviceMessage(t *testing.T) {
	r := &common.DecryptionResult{
		Payload:             json.RawMessage(`{"type":"m.room_key","content":{"algorithm":"m.megolm.v1.aes-sha2","room_id":"!r","session_id":"S","session_key":"K"}}`),
		SenderCurve25519Key: "curve",
		ClaimedEd25519Key:   "ed",
	}

	k := RoomKeyFromDeviceMessage(r)
	require.NotNil(t, k)
	assert.True(t, k.IsForSession("!r", "curve", "S"))
	assert.Equal(t, "ed", k.ClaimedEd25519Key)

	r.Payload = json.RawMessage(`{"type":"m.room_key","content":{"algorithm":"m.olm.v1.curve25519-aes-sha2","room_id":"!r","session_id":"S","session_key":"K"}}`)
	assert.Nil(t, RoomKeyFromDeviceMessage(r))
}

func TestRoomKeyFromBackup(t *testing.T) {
	_, err := RoomKeyFromBackup("!r", "S", json.RawMessage(`{"algorithm":"other"}`))
	require.Error(t, err)

	k, err := RoomKeyFromBackup("!r", "S", json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","sender_key":"curve","session_key":"K","sender_claimed_keys":{"ed25519":"ed"}}`))
	require.NoError(t, err)
	assert.Equal(t, SourceBackup, k.Source)
	assert.Equal(t, "ed", k.ClaimedEd25519Key)
}

// loaderKey creates a device-message key for a fresh session.
func loaderKey(t *testing.T) *RoomKey {
	t.Helper()

	out, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)

	return &RoomKey{RoomID: testRoom, SenderKey: "curve", SessionID: out.ID(), Source: SourceDeviceMessage, material: out.SessionKey()}
}

func TestKeyLoader_ReusesLoadedSession(t *testing.T) {
	l := NewKeyLoader(2, nil)
	k := loaderKey(t)

	var first, second *olm.InboundGroupSession

	require.NoError(t, l.Use(t.Context(), k, func(s *olm.InboundGroupSession) error { first = s; return nil }))
	require.NoError(t, l.Use(t.Context(), k, func(s *olm.InboundGroupSession) error { second = s; return nil }))

	assert.Same(t, first, second)
	assert.Equal(t, 1, l.Loaded())
	assert.Equal(t, 0, l.InUse())
}

func TestKeyLoader_EvictsLeastRecentlyUsed(t *testing.T) {
	l := NewKeyLoader(2, nil)
	a, b, c := loaderKey(t), loaderKey(t), loaderKey(t)

	noop := func(*olm.InboundGroupSession) error { return nil }

	require.NoError(t, l.Use(t.Context(), a, noop))
	require.NoError(t, l.Use(t.Context(), b, noop))
	require.NoError(t, l.Use(t.Context(), a, noop))
	require.NoError(t, l.Use(t.Context(), c, noop))

	assert.Equal(t, 2, l.Loaded())

	l.mu.Lock()
	var ids []string
	for _, s := range l.slots {
		ids = append(ids, s.key.SessionID)
	}
	l.mu.Unlock()

	assert.ElementsMatch(t, []string{a.SessionID, c.SessionID}, ids)
}

func TestKeyLoader_BlocksWhenFull(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewKeyLoader(2, nil)
		ctx := context.Background()

		hold := make(chan struct{})
		holding := func(*olm.InboundGroupSession) error { <-hold; return nil }

		a, b, c := loaderKey(t), loaderKey(t), loaderKey(t)

		go func() { _ = l.Use(ctx, a, holding) }()
		go func() { _ = l.Use(ctx, b, holding) }()
		synctest.Wait()
		require.Equal(t, 2, l.InUse())

		done := make(chan error, 1)
		go func() {
			done <- l.Use(ctx, c, func(*olm.InboundGroupSession) error { return nil })
		}()
		synctest.Wait()

		select {
		case <-done:
			t.Fatal("Use returned while every slot was referenced")
		default:
		}

		assert.LessOrEqual(t, l.Loaded(), 2)

		close(hold)
		synctest.Wait()

		require.NoError(t, <-done)
		assert.LessOrEqual(t, l.Loaded(), 2)
		assert.Equal(t, 0, l.InUse())
	})
}

func TestKeyLoader_BlockedUseHonoursContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewKeyLoader(1, nil)

		held, other := loaderKey(t), loaderKey(t)

		hold := make(chan struct{})
		go func() { _ = l.Use(context.Background(), held, func(*olm.InboundGroupSession) error { <-hold; return nil }) }()
		synctest.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := l.Use(ctx, other, func(*olm.InboundGroupSession) error { return nil })
		require.ErrorIs(t, err, context.DeadlineExceeded)

		close(hold)
	})
}

func TestKeyLoader_Clear(t *testing.T) {
	l := NewKeyLoader(2, nil)
	require.NoError(t, l.Use(t.Context(), loaderKey(t), func(*olm.InboundGroupSession) error { return nil }))

	l.Clear()
	assert.Equal(t, 0, l.Loaded())
}
