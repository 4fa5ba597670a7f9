// Package group implements Megolm room encryption: outbound session
// rotation, inbound session storage with key betterness, a bounded
// cache of loaded sessions and replay-checked decryption.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// ErrSessionIDMismatch is returned when key material does not belong to
// the session id it was announced under.
var ErrSessionIDMismatch = errors.New("room key session id mismatch")

// KeyStores are the stores RoomKey.Write needs.
var KeyStores = []storage.StoreName{storage.StoreInboundGroupSessions, storage.StoreSessionsNeedingBackup}

// KeySource tells where a room key came from.
type KeySource int

const (
	SourceDeviceMessage KeySource = iota
	SourceBackup
	SourceStorage
)

func (s KeySource) String() string {
	switch s {
	case SourceDeviceMessage:
		return storage.KeySourceDeviceMessage
	case SourceBackup:
		return storage.KeySourceBackup
	default:
		return "storage"
	}
}

// RoomKey is the key of one inbound Megolm session, identified by room,
// sender key and session id.
type RoomKey struct {
	RoomID            string
	SenderKey         string
	SessionID         string
	ClaimedEd25519Key string
	Source            KeySource

	// material is the signed session key, the exported key or the
	// pickle, depending on Source.
	material string

	// storedSource is the source recorded for a key from storage.
	storedSource string
	eventIDs     []string
}

// RoomKeyFromDeviceMessage reads an m.room_key payload decrypted from an
// Olm message. It returns nil when the payload is not a Megolm room key.
func RoomKeyFromDeviceMessage(r *common.DecryptionResult) *RoomKey {
	c := r.Field("content")
	if r.Type() != "m.room_key" || c.Get("algorithm").String() != common.AlgorithmMegolm {
		return nil
	}

	k := &RoomKey{
		RoomID:            c.Get("room_id").String(),
		SenderKey:         r.SenderCurve25519Key,
		SessionID:         c.Get("session_id").String(),
		ClaimedEd25519Key: r.ClaimedEd25519Key,
		Source:            SourceDeviceMessage,
		material:          c.Get("session_key").String(),
	}

	if k.RoomID == "" || k.SessionID == "" || k.material == "" {
		return nil
	}

	return k
}

// RoomKeyFromBackup reads decrypted key backup session data.
func RoomKeyFromBackup(roomID, sessionID string, sessionData json.RawMessage) (*RoomKey, error) {
	d := gjson.ParseBytes(sessionData)

	if alg := d.Get("algorithm").String(); alg != common.AlgorithmMegolm {
		return nil, fmt.Errorf("backed up session has algorithm %q", alg)
	}

	k := &RoomKey{
		RoomID:            roomID,
		SenderKey:         d.Get("sender_key").String(),
		SessionID:         sessionID,
		ClaimedEd25519Key: d.Get("sender_claimed_keys.ed25519").String(),
		Source:            SourceBackup,
		material:          d.Get("session_key").String(),
	}

	if k.SenderKey == "" || k.material == "" {
		return nil, fmt.Errorf("backed up session %s is incomplete", sessionID)
	}

	return k, nil
}

// RoomKeyFromStorage wraps a stored session. It returns nil when only
// waiting event ids are stored.
func RoomKeyFromStorage(igs *storage.InboundGroupSession) *RoomKey {
	if igs == nil || !igs.HasSession() {
		return nil
	}

	return &RoomKey{
		RoomID:            igs.RoomID,
		SenderKey:         igs.SenderKey,
		SessionID:         igs.SessionID,
		ClaimedEd25519Key: igs.ClaimedKeys["ed25519"],
		Source:            SourceStorage,
		material:          string(igs.Session),
		storedSource:      igs.Source,
	}
}

// IsForSession reports whether k is a key for the given session.
func (k *RoomKey) IsForSession(roomID, senderKey, sessionID string) bool {
	return k.RoomID == roomID && k.SenderKey == senderKey && k.SessionID == sessionID
}

func (k *RoomKey) isForSameSession(o *RoomKey) bool {
	return k.IsForSession(o.RoomID, o.SenderKey, o.SessionID)
}

// isSameKey reports whether k and o hold identical key material.
func (k *RoomKey) isSameKey(o *RoomKey) bool {
	return k.isForSameSession(o) && k.Source == o.Source && k.material == o.material
}

// EventIDs returns the events that were waiting for this key. It is set
// by a successful Write.
func (k *RoomKey) EventIDs() []string {
	return k.eventIDs
}

// load instantiates the session.
func (k *RoomKey) load(pickleKey []byte) (*olm.InboundGroupSession, error) {
	var (
		s   *olm.InboundGroupSession
		err error
	)

	switch k.Source {
	case SourceDeviceMessage:
		s, err = olm.NewInboundGroupSession(k.material)
	case SourceBackup:
		s, err = olm.ImportInboundGroupSession(k.material)
	default:
		s, err = olm.UnpickleInboundGroupSession(k.material, pickleKey)
	}

	if err != nil {
		return nil, fmt.Errorf("loading %s room key %s: %w", k.Source, k.SessionID, err)
	}

	if s.ID() != k.SessionID {
		return nil, fmt.Errorf("%w: %s", ErrSessionIDMismatch, k.SessionID)
	}

	return s, nil
}

// Write stores the key unless storage already holds a key for the
// session that can decrypt from an equal or earlier index. It reports
// whether the key was stored; the event ids waiting for it are then
// available from EventIDs. txn needs KeyStores.
func (k *RoomKey) Write(ctx context.Context, loader *KeyLoader, txn *storage.Txn) (bool, error) {
	existing, err := txn.InboundGroupSessions().Get(k.RoomID, k.SenderKey, k.SessionID)
	if err != nil {
		return false, err
	}

	var (
		index   uint32
		pickled string
	)

	err = loader.Use(ctx, k, func(s *olm.InboundGroupSession) error {
		index = s.FirstKnownIndex()
		pickled, err = s.Pickle(loader.pickleKey)

		return err
	})
	if err != nil {
		return false, err
	}

	if existing != nil && existing.HasSession() && existing.FirstKnownIndex <= index {
		return false, nil
	}

	record := &storage.InboundGroupSession{
		RoomID:          k.RoomID,
		SenderKey:       k.SenderKey,
		SessionID:       k.SessionID,
		Session:         []byte(pickled),
		FirstKnownIndex: index,
		ClaimedKeys:     map[string]string{"ed25519": k.ClaimedEd25519Key},
		Backup:          storage.BackupNotBackedUp,
		Source:          k.Source.String(),
	}

	if k.Source == SourceStorage {
		record.Source = k.storedSource
	}

	if k.Source == SourceBackup {
		record.Backup = storage.BackupBackedUp
	}

	if existing != nil {
		k.eventIDs = slices.Clone(existing.EventIDs)
	}

	if err := txn.InboundGroupSessions().Set(record); err != nil {
		return false, err
	}

	if record.Backup == storage.BackupNotBackedUp {
		entry := storage.BackupEntry{RoomID: k.RoomID, SenderKey: k.SenderKey, SessionID: k.SessionID}
		if err := txn.SessionsNeedingBackup().Add(entry); err != nil {
			return false, err
		}
	}

	return true, nil
}
