// Package device tracks the device lists of users we share encrypted
// rooms with and verifies the device keys the homeserver hands out.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// queryTimeout is passed to the homeserver for /keys/query, in ms.
const queryTimeout = 10000

var (
	// TrackStores are written by the sync-time tracking methods.
	TrackStores = []storage.StoreName{
		storage.StoreUserIdentities,
		storage.StoreDeviceIdentities,
		storage.StoreDeviceIdentityCurveKeys,
	}

	queryStores = append(slices.Clone(TrackStores), storage.StoreRoomMembers)
)

// Options configures a Tracker.
type Options struct {
	UserID   string
	DeviceID string
	API      matrix.HomeServerAPI
	Storage  *storage.Storage
	Logger   *slog.Logger
}

// Tracker keeps device identities of tracked users current.
type Tracker struct {
	userID   string
	deviceID string
	api      matrix.HomeServerAPI
	storage  *storage.Storage
	logger   *slog.Logger

	// queryMu serialises key queries so two callers do not write
	// interleaved results for the same user.
	queryMu sync.Mutex
}

// NewTracker creates a Tracker.
func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		userID:   opts.UserID,
		deviceID: opts.DeviceID,
		api:      opts.API,
		storage:  opts.Storage,
		logger:   logger,
	}
}

// WriteDeviceChanges marks tracked users whose device list changed as
// outdated. Untracked users are ignored.
func (t *Tracker) WriteDeviceChanges(changed []string, txn *storage.Txn) error {
	st := txn.UserIdentities()

	for _, userID := range changed {
		id, err := st.Get(userID)
		if err != nil {
			return err
		}

		if id == nil || id.TrackingStatus == storage.TrackingOutdated {
			continue
		}

		id.TrackingStatus = storage.TrackingOutdated
		if err := st.Set(id); err != nil {
			return err
		}
	}

	return nil
}

// TrackRoom starts tracking the joined members of a room that has just
// become encrypted, or was joined while encrypted.
func (t *Tracker) TrackRoom(roomID string, userIDs []string, txn *storage.Txn) error {
	for _, userID := range userIDs {
		if err := addRoomToUser(roomID, userID, txn); err != nil {
			return err
		}
	}

	return nil
}

// WriteMemberChanges updates the tracked rooms of users joining or
// leaving an encrypted room. A user sharing no room with us any more is
// forgotten along with their devices.
func (t *Tracker) WriteMemberChanges(roomID string, changes []timeline.MemberChange, txn *storage.Txn) error {
	for _, c := range changes {
		var err error

		switch {
		case c.HasJoined():
			err = addRoomToUser(roomID, c.UserID(), txn)
		case c.HasLeft():
			err = removeRoomFromUser(roomID, c.UserID(), txn)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func addRoomToUser(roomID, userID string, txn *storage.Txn) error {
	st := txn.UserIdentities()

	id, err := st.Get(userID)
	if err != nil {
		return err
	}

	if id == nil {
		id = &storage.UserIdentity{UserID: userID, TrackingStatus: storage.TrackingOutdated}
	}

	if slices.Contains(id.RoomIDs, roomID) {
		return nil
	}

	id.RoomIDs = append(id.RoomIDs, roomID)

	return st.Set(id)
}

func removeRoomFromUser(roomID, userID string, txn *storage.Txn) error {
	st := txn.UserIdentities()

	id, err := st.Get(userID)
	if err != nil || id == nil {
		return err
	}

	id.RoomIDs = slices.DeleteFunc(id.RoomIDs, func(r string) bool { return r == roomID })
	if len(id.RoomIDs) > 0 {
		return st.Set(id)
	}

	if err := st.Remove(userID); err != nil {
		return err
	}

	return txn.DeviceIdentities().RemoveAllForUser(userID)
}

// DevicesForTrackedRoom returns the devices of every joined member of a
// room other than this device, querying outdated device lists first.
func (t *Tracker) DevicesForTrackedRoom(ctx context.Context, roomID string) ([]storage.DeviceIdentity, error) {
	var userIDs []string

	err := t.storage.View(func(txn *storage.Txn) error {
		members, err := txn.RoomMembers().GetAll(roomID)
		if err != nil {
			return err
		}

		for _, m := range members {
			if m.Membership == matrix.MembershipJoin {
				userIDs = append(userIDs, m.UserID)
			}
		}

		return nil
	}, queryStores...)
	if err != nil {
		return nil, err
	}

	return t.DevicesForUsers(ctx, userIDs)
}

// DevicesForUsers returns the devices of users other than this device,
// querying the homeserver for users whose list is not up to date.
func (t *Tracker) DevicesForUsers(ctx context.Context, userIDs []string) ([]storage.DeviceIdentity, error) {
	var outdated []string

	err := t.storage.View(func(txn *storage.Txn) error {
		for _, userID := range userIDs {
			id, err := txn.UserIdentities().Get(userID)
			if err != nil {
				return err
			}

			if id == nil || id.TrackingStatus == storage.TrackingOutdated {
				outdated = append(outdated, userID)
			}
		}

		return nil
	}, TrackStores...)
	if err != nil {
		return nil, err
	}

	if len(outdated) > 0 {
		if err := t.queryKeys(ctx, outdated); err != nil {
			return nil, err
		}
	}

	var devices []storage.DeviceIdentity

	err = t.storage.View(func(txn *storage.Txn) error {
		for _, userID := range userIDs {
			ds, err := txn.DeviceIdentities().GetAllForUserID(userID)
			if err != nil {
				return err
			}

			for _, d := range ds {
				if d.UserID == t.userID && d.DeviceID == t.deviceID {
					continue
				}

				devices = append(devices, d)
			}
		}

		return nil
	}, TrackStores...)

	return devices, err
}

// DeviceForCurveKey returns the device owning a curve25519 key. When
// it is unknown, the device list of userID is refreshed once.
func (t *Tracker) DeviceForCurveKey(ctx context.Context, userID, curveKey string) (*storage.DeviceIdentity, error) {
	d, err := t.lookupCurveKey(curveKey)
	if err != nil || d != nil {
		return d, err
	}

	if err := t.queryKeys(ctx, []string{userID}); err != nil {
		return nil, err
	}

	return t.lookupCurveKey(curveKey)
}

func (t *Tracker) lookupCurveKey(curveKey string) (*storage.DeviceIdentity, error) {
	var d *storage.DeviceIdentity

	err := t.storage.View(func(txn *storage.Txn) error {
		var err error
		d, err = txn.DeviceIdentities().GetByCurve25519Key(curveKey)

		return err
	}, TrackStores...)

	return d, err
}

// queryKeys fetches and stores the verified devices of userIDs and marks
// them up to date.
func (t *Tracker) queryKeys(ctx context.Context, userIDs []string) error {
	t.queryMu.Lock()
	defer t.queryMu.Unlock()

	req := matrix.QueryKeysRequest{DeviceKeys: make(map[string][]string, len(userIDs)), Timeout: queryTimeout}
	for _, userID := range userIDs {
		req.DeviceKeys[userID] = []string{}
	}

	resp, err := t.api.QueryKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("querying device keys: %w", err)
	}

	for server := range resp.Failures {
		t.logger.Warn("device key query failed for server", slog.String("server", server))
	}

	return t.storage.Update(func(txn *storage.Txn) error {
		verified, err := t.verifyDeviceKeys(resp.DeviceKeys, txn)
		if err != nil {
			return err
		}

		for _, userID := range userIDs {
			listed, ok := resp.DeviceKeys[userID]
			if !ok {
				// Not answered; stays outdated for the next attempt.
				continue
			}

			if err := t.storeDevices(userID, verified[userID], listed, txn); err != nil {
				return err
			}
		}

		return nil
	}, TrackStores...)
}

// verifyDeviceKeys keeps the devices whose keys are self-signed, whose
// ed25519 key did not change and whose curve25519 key is not claimed by
// another device.
func (t *Tracker) verifyDeviceKeys(response map[string]map[string]json.RawMessage, txn *storage.Txn) (map[string][]storage.DeviceIdentity, error) {
	verified := make(map[string][]storage.DeviceIdentity)
	curveOwners := make(map[string]string)

	for _, userID := range slices.Sorted(maps.Keys(response)) {
		devices := response[userID]

		for _, deviceID := range slices.Sorted(maps.Keys(devices)) {
			d, err := parseDeviceKeys(userID, deviceID, devices[deviceID])
			if err != nil {
				t.logger.Warn("ignoring device keys", slog.String("user_id", userID), slog.String("device_id", deviceID), slog.String("error", err.Error()))
				continue
			}

			owner := d.UserID + "|" + d.DeviceID
			if other, ok := curveOwners[d.Curve25519Key]; ok {
				t.logger.Warn("ignoring device with duplicate curve25519 key",
					slog.String("user_id", userID),
					slog.String("device_id", deviceID),
					slog.String("claimed_by", other))

				continue
			}

			ok, err := t.consistentWithStored(d, txn)
			if err != nil {
				return nil, err
			}

			if !ok {
				continue
			}

			curveOwners[d.Curve25519Key] = owner
			verified[userID] = append(verified[userID], *d)
		}
	}

	return verified, nil
}

// consistentWithStored rejects a device whose ed25519 key changed or
// whose curve25519 key belongs to a different stored device.
func (t *Tracker) consistentWithStored(d *storage.DeviceIdentity, txn *storage.Txn) (bool, error) {
	st := txn.DeviceIdentities()

	existing, err := st.Get(d.UserID, d.DeviceID)
	if err != nil {
		return false, err
	}

	if existing != nil && existing.Ed25519Key != d.Ed25519Key {
		t.logger.Warn("ignoring device whose ed25519 key changed", slog.String("user_id", d.UserID), slog.String("device_id", d.DeviceID))
		return false, nil
	}

	owner, err := st.GetByCurve25519Key(d.Curve25519Key)
	if err != nil {
		return false, err
	}

	if owner != nil && (owner.UserID != d.UserID || owner.DeviceID != d.DeviceID) {
		t.logger.Warn("ignoring device reusing a known curve25519 key",
			slog.String("user_id", d.UserID),
			slog.String("device_id", d.DeviceID),
			slog.String("owner_device_id", owner.DeviceID))

		return false, nil
	}

	return true, nil
}

func parseDeviceKeys(userID, deviceID string, raw json.RawMessage) (*storage.DeviceIdentity, error) {
	var keys matrix.DeviceKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decoding device keys: %w", err)
	}

	if keys.UserID != userID || keys.DeviceID != deviceID {
		return nil, fmt.Errorf("device keys for %s %s listed under %s %s", keys.UserID, keys.DeviceID, userID, deviceID)
	}

	ed := keys.Keys["ed25519:"+deviceID]
	curve := keys.Keys["curve25519:"+deviceID]

	if ed == "" || curve == "" {
		return nil, fmt.Errorf("device keys lack ed25519 or curve25519 key")
	}

	if err := common.VerifyEd25519Signature(raw, userID, deviceID, ed); err != nil {
		return nil, fmt.Errorf("verifying device self-signature: %w", err)
	}

	d := &storage.DeviceIdentity{
		UserID:        userID,
		DeviceID:      deviceID,
		Ed25519Key:    ed,
		Curve25519Key: curve,
		Algorithms:    keys.Algorithms,
	}

	if keys.Unsigned != nil {
		d.DisplayName = keys.Unsigned.DeviceDisplayName
	}

	return d, nil
}

// storeDevices stores the verified devices of a user, removes stored
// devices the homeserver no longer lists and marks the user up to date.
// A listed device that failed verification keeps its stored identity.
func (t *Tracker) storeDevices(userID string, devices []storage.DeviceIdentity, listed map[string]json.RawMessage, txn *storage.Txn) error {
	st := txn.DeviceIdentities()

	stored, err := st.GetAllForUserID(userID)
	if err != nil {
		return err
	}

	for _, old := range stored {
		if _, ok := listed[old.DeviceID]; !ok {
			if err := st.Remove(userID, old.DeviceID); err != nil {
				return err
			}
		}
	}

	for i := range devices {
		if err := st.Set(&devices[i]); err != nil {
			return err
		}
	}

	ids := txn.UserIdentities()

	id, err := ids.Get(userID)
	if err != nil {
		return err
	}

	t.logger.Debug("device list updated", slog.String("user_id", userID), slog.Int("devices", len(devices)))

	// Users queried outside tracking keep no identity record.
	if id == nil {
		return nil
	}

	id.TrackingStatus = storage.TrackingUpToDate

	return ids.Set(id)
}

// DevicesForUser returns the stored devices of a user.
func (t *Tracker) DevicesForUser(userID string) ([]storage.DeviceIdentity, error) {
	var devices []storage.DeviceIdentity

	err := t.storage.View(func(txn *storage.Txn) error {
		var err error
		devices, err = txn.DeviceIdentities().GetAllForUserID(userID)

		return err
	}, TrackStores...)

	return devices, err
}
