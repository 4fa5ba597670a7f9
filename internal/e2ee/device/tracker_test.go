package device

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/storage/storagetest"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const (
	ownUser   = "@me:example.org"
	ownDevice = "MINE"
	bob       = "@bob:example.org"
	room      = "!room:example.org"
)

func newTracker(t *testing.T) (*Tracker, *storage.Storage, *matrix.MockHomeServerAPI) {
	t.Helper()

	st := storagetest.Open(t)
	api := matrix.NewMockHomeServerAPI(gomock.NewController(t))

	return NewTracker(Options{UserID: ownUser, DeviceID: ownDevice, API: api, Storage: st}), st, api
}

func newAccount(t *testing.T, userID, deviceID string) *account.Account {
	t.Helper()

	acct, err := account.Create(t.Context(), storagetest.Open(t), account.Options{UserID: userID, DeviceID: deviceID, PickleKey: []byte("k")})
	require.NoError(t, err)

	return acct
}

func deviceKeys(t *testing.T, acct *account.Account) json.RawMessage {
	t.Helper()

	keys, err := acct.DeviceKeys()
	require.NoError(t, err)

	raw, err := json.Marshal(keys)
	require.NoError(t, err)

	return raw
}

// forgedKeys signs a device keys object claiming curveKey with acct.
func forgedKeys(t *testing.T, acct *account.Account, curveKey string) json.RawMessage {
	t.Helper()

	obj := map[string]any{
		"user_id":    acct.UserID(),
		"device_id":  acct.DeviceID(),
		"algorithms": common.SupportedAlgorithms,
		"keys": map[string]string{
			"ed25519:" + acct.DeviceID():    acct.IdentityKeys().Ed25519,
			"curve25519:" + acct.DeviceID(): curveKey,
		},
	}

	signed, err := acct.SignObject(obj)
	require.NoError(t, err)

	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	return raw
}

func queryResponse(userID string, devices map[string]json.RawMessage) *matrix.QueryKeysResponse {
	return &matrix.QueryKeysResponse{DeviceKeys: map[string]map[string]json.RawMessage{userID: devices}}
}

func join(userID string) timeline.MemberChange {
	return timeline.MemberChange{RoomID: room, Member: storage.Member{RoomID: room, UserID: userID, Membership: matrix.MembershipJoin}}
}

func leave(roomID, userID string) timeline.MemberChange {
	return timeline.MemberChange{
		RoomID:             roomID,
		Member:             storage.Member{RoomID: roomID, UserID: userID, Membership: matrix.MembershipLeave},
		PreviousMembership: matrix.MembershipJoin,
	}
}

func userIdentity(t *testing.T, st *storage.Storage, userID string) *storage.UserIdentity {
	t.Helper()

	var id *storage.UserIdentity

	require.NoError(t, st.View(func(txn *storage.Txn) error {
		var err error
		id, err = txn.UserIdentities().Get(userID)

		return err
	}, TrackStores...))

	return id
}

func TestWriteMemberChanges_TracksUntilLastRoomLeft(t *testing.T) {
	tr, st, _ := newTracker(t)

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		if err := tr.WriteMemberChanges(room, []timeline.MemberChange{join(bob)}, txn); err != nil {
			return err
		}

		if err := tr.TrackRoom("!second:example.org", []string{bob}, txn); err != nil {
			return err
		}

		return txn.DeviceIdentities().Set(&storage.DeviceIdentity{UserID: bob, DeviceID: "B", Ed25519Key: "ed", Curve25519Key: "curve"})
	}, TrackStores...))

	id := userIdentity(t, st, bob)
	require.NotNil(t, id)
	assert.ElementsMatch(t, []string{room, "!second:example.org"}, id.RoomIDs)
	assert.Equal(t, storage.TrackingOutdated, id.TrackingStatus)

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		return tr.WriteMemberChanges(room, []timeline.MemberChange{leave(room, bob)}, txn)
	}, TrackStores...))

	devices, err := tr.DevicesForUser(bob)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		return tr.WriteMemberChanges("!second:example.org", []timeline.MemberChange{leave("!second:example.org", bob)}, txn)
	}, TrackStores...))

	assert.Nil(t, userIdentity(t, st, bob))

	devices, err = tr.DevicesForUser(bob)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestWriteDeviceChanges_MarksOnlyTrackedUsers(t *testing.T) {
	tr, st, _ := newTracker(t)

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		if err := txn.UserIdentities().Set(&storage.UserIdentity{UserID: bob, RoomIDs: []string{room}, TrackingStatus: storage.TrackingUpToDate}); err != nil {
			return err
		}

		return tr.WriteDeviceChanges([]string{bob, "@stranger:example.org"}, txn)
	}, TrackStores...))

	assert.Equal(t, storage.TrackingOutdated, userIdentity(t, st, bob).TrackingStatus)
	assert.Nil(t, userIdentity(t, st, "@stranger:example.org"))
}

func TestDevicesForUsers_QueriesOutdatedOnce(t *testing.T) {
	tr, st, api := newTracker(t)
	b := newAccount(t, bob, "BOBDEV")

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		return tr.TrackRoom(room, []string{bob}, txn)
	}, TrackStores...))

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req matrix.QueryKeysRequest) (*matrix.QueryKeysResponse, error) {
			assert.Contains(t, req.DeviceKeys, bob)
			return queryResponse(bob, map[string]json.RawMessage{"BOBDEV": deviceKeys(t, b)}), nil
		}).Times(1)

	for range 2 {
		devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, b.IdentityKeys().Curve25519, devices[0].Curve25519Key)
		assert.Equal(t, b.IdentityKeys().Ed25519, devices[0].Ed25519Key)
	}

	assert.Equal(t, storage.TrackingUpToDate, userIdentity(t, st, bob).TrackingStatus)
}

func TestQuery_RejectsBadSelfSignature(t *testing.T) {
	tr, _, api := newTracker(t)
	b := newAccount(t, bob, "BOBDEV")

	var keys map[string]any
	require.NoError(t, json.Unmarshal(deviceKeys(t, b), &keys))
	keys["algorithms"] = []string{"tampered"}

	raw, err := json.Marshal(keys)
	require.NoError(t, err)

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"BOBDEV": raw}), nil)

	devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestQuery_RejectsDeviceListedUnderOtherID(t *testing.T) {
	tr, _, api := newTracker(t)
	b := newAccount(t, bob, "BOBDEV")

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"OTHER": deviceKeys(t, b)}), nil)

	devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestQuery_RejectsDuplicateCurveKey(t *testing.T) {
	tr, _, api := newTracker(t)
	first := newAccount(t, bob, "A")
	second := newAccount(t, bob, "B")

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{
		"A": deviceKeys(t, first),
		"B": forgedKeys(t, second, first.IdentityKeys().Curve25519),
	}), nil)

	devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "A", devices[0].DeviceID)
}

func TestQuery_RejectsChangedSigningKey(t *testing.T) {
	tr, st, api := newTracker(t)
	original := newAccount(t, bob, "BOBDEV")
	impostor := newAccount(t, bob, "BOBDEV")

	gomock.InOrder(
		api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"BOBDEV": deviceKeys(t, original)}), nil),
		api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"BOBDEV": deviceKeys(t, impostor)}), nil),
	)

	_, err := tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		return tr.WriteDeviceChanges([]string{bob}, txn)
	}, TrackStores...))

	devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, original.IdentityKeys().Ed25519, devices[0].Ed25519Key)
}

func TestQuery_RemovesDevicesNoLongerListed(t *testing.T) {
	tr, st, api := newTracker(t)
	a := newAccount(t, bob, "A")
	b := newAccount(t, bob, "B")

	gomock.InOrder(
		api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"A": deviceKeys(t, a), "B": deviceKeys(t, b)}), nil),
		api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"B": deviceKeys(t, b)}), nil),
	)

	devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)
	require.Len(t, devices, 2)

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		return tr.WriteDeviceChanges([]string{bob}, txn)
	}, TrackStores...))

	devices, err = tr.DevicesForUsers(t.Context(), []string{bob})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "B", devices[0].DeviceID)
}

func TestDevicesForTrackedRoom_ExcludesOwnDevice(t *testing.T) {
	tr, st, api := newTracker(t)
	me := newAccount(t, ownUser, ownDevice)
	myOther := newAccount(t, ownUser, "LAPTOP")
	b := newAccount(t, bob, "BOBDEV")

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		for _, m := range []storage.Member{
			{RoomID: room, UserID: ownUser, Membership: matrix.MembershipJoin},
			{RoomID: room, UserID: bob, Membership: matrix.MembershipJoin},
			{RoomID: room, UserID: "@gone:example.org", Membership: matrix.MembershipLeave},
		} {
			if err := txn.RoomMembers().Set(&m); err != nil {
				return err
			}
		}

		return nil
	}, storage.StoreRoomMembers))

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req matrix.QueryKeysRequest) (*matrix.QueryKeysResponse, error) {
			assert.NotContains(t, req.DeviceKeys, "@gone:example.org")

			return &matrix.QueryKeysResponse{DeviceKeys: map[string]map[string]json.RawMessage{
				ownUser: {ownDevice: deviceKeys(t, me), "LAPTOP": deviceKeys(t, myOther)},
				bob:     {"BOBDEV": deviceKeys(t, b)},
			}}, nil
		})

	devices, err := tr.DevicesForTrackedRoom(t.Context(), room)
	require.NoError(t, err)

	var ids []string
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}

	assert.ElementsMatch(t, []string{"LAPTOP", "BOBDEV"}, ids)
}

func TestDeviceForCurveKey_RefreshesUnknownKey(t *testing.T) {
	tr, _, api := newTracker(t)
	b := newAccount(t, bob, "BOBDEV")

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"BOBDEV": deviceKeys(t, b)}), nil)

	d, err := tr.DeviceForCurveKey(t.Context(), bob, b.IdentityKeys().Curve25519)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "BOBDEV", d.DeviceID)

	d, err = tr.DeviceForCurveKey(t.Context(), bob, b.IdentityKeys().Curve25519)
	require.NoError(t, err)
	assert.Equal(t, "BOBDEV", d.DeviceID)
}

func TestDevicesForUsers_UntrackedUserGetsNoIdentity(t *testing.T) {
	tr, st, api := newTracker(t)
	b := newAccount(t, bob, "BOBDEV")

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(queryResponse(bob, map[string]json.RawMessage{"BOBDEV": deviceKeys(t, b)}), nil).Times(2)

	for range 2 {
		devices, err := tr.DevicesForUsers(t.Context(), []string{bob})
		require.NoError(t, err)
		require.Len(t, devices, 1)
	}

	assert.Nil(t, userIdentity(t, st, bob))

	d, err := tr.DeviceForCurveKey(t.Context(), bob, b.IdentityKeys().Curve25519)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Nil(t, userIdentity(t, st, bob))
}
