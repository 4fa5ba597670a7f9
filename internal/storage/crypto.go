package storage

// Device list tracking status of a UserIdentity.
const (
	TrackingOutdated = 0
	TrackingUpToDate = 1
)

// UserIdentity records which encrypted rooms a user shares with us and
// whether their device list is current.
type UserIdentity struct {
	UserID         string   `json:"userId"`
	RoomIDs        []string `json:"roomIds"`
	TrackingStatus int      `json:"deviceTrackingStatus"`
}

// UserIdentityStore maps user id to UserIdentity.
type UserIdentityStore struct{ s store }

// UserIdentities returns the user identity store of the transaction.
func (t *Txn) UserIdentities() UserIdentityStore { return UserIdentityStore{t.store(StoreUserIdentities)} }

func (st UserIdentityStore) Get(userID string) (*UserIdentity, error) {
	var id UserIdentity

	ok, err := st.s.get(userID, &id)
	if err != nil || !ok {
		return nil, err
	}

	return &id, nil
}

func (st UserIdentityStore) Set(id *UserIdentity) error {
	return st.s.put(id.UserID, id)
}

func (st UserIdentityStore) Remove(userID string) error {
	return st.s.delete(userID)
}

// DeviceIdentity is a verified device of a user.
type DeviceIdentity struct {
	UserID        string   `json:"userId"`
	DeviceID      string   `json:"deviceId"`
	Ed25519Key    string   `json:"ed25519Key"`
	Curve25519Key string   `json:"curve25519Key"`
	Algorithms    []string `json:"algorithms,omitempty"`
	DisplayName   string   `json:"displayName,omitempty"`
}

// DeviceIdentityStore holds devices keyed by user id and device id,
// with an index from curve25519 key to device.
type DeviceIdentityStore struct {
	devices store
	curve   store
}

// DeviceIdentities returns the device identity store of the
// transaction. Both StoreDeviceIdentities and
// StoreDeviceIdentityCurveKeys must be declared.
func (t *Txn) DeviceIdentities() DeviceIdentityStore {
	return DeviceIdentityStore{
		devices: t.store(StoreDeviceIdentities),
		curve:   t.store(StoreDeviceIdentityCurveKeys),
	}
}

func (st DeviceIdentityStore) Get(userID, deviceID string) (*DeviceIdentity, error) {
	var d DeviceIdentity

	ok, err := st.devices.get(joinKey(userID, deviceID), &d)
	if err != nil || !ok {
		return nil, err
	}

	return &d, nil
}

func (st DeviceIdentityStore) GetAllForUserID(userID string) ([]DeviceIdentity, error) {
	return all[DeviceIdentity](st.devices, prefixKey(userID))
}

// GetByCurve25519Key returns the device owning a curve25519 key.
func (st DeviceIdentityStore) GetByCurve25519Key(key string) (*DeviceIdentity, error) {
	ref, err := st.curve.getRaw(key)
	if err != nil || ref == nil {
		return nil, err
	}

	var d DeviceIdentity

	ok, err := st.devices.get(string(ref), &d)
	if err != nil || !ok {
		return nil, err
	}

	return &d, nil
}

// Set stores a device and updates the curve25519 index.
func (st DeviceIdentityStore) Set(d *DeviceIdentity) error {
	key := joinKey(d.UserID, d.DeviceID)

	old, err := st.Get(d.UserID, d.DeviceID)
	if err != nil {
		return err
	}

	if old != nil && old.Curve25519Key != d.Curve25519Key {
		if err := st.curve.delete(old.Curve25519Key); err != nil {
			return err
		}
	}

	if err := st.devices.put(key, d); err != nil {
		return err
	}

	return st.curve.putRaw(d.Curve25519Key, []byte(key))
}

func (st DeviceIdentityStore) Remove(userID, deviceID string) error {
	d, err := st.Get(userID, deviceID)
	if err != nil || d == nil {
		return err
	}

	if err := st.curve.delete(d.Curve25519Key); err != nil {
		return err
	}

	return st.devices.delete(joinKey(userID, deviceID))
}

// RemoveAllForUser removes every device of a user.
func (st DeviceIdentityStore) RemoveAllForUser(userID string) error {
	devices, err := st.GetAllForUserID(userID)
	if err != nil {
		return err
	}

	for _, d := range devices {
		if err := st.curve.delete(d.Curve25519Key); err != nil {
			return err
		}
	}

	return st.devices.deletePrefix(prefixKey(userID))
}

// OlmSession is a pickled one-to-one session with a peer device.
type OlmSession struct {
	SenderKey string `json:"senderKey"`
	SessionID string `json:"sessionId"`
	Session   []byte `json:"session"`
	LastUsed  int64  `json:"lastUsed"`
}

// OlmSessionStore holds sessions keyed by peer curve25519 key and
// session id.
type OlmSessionStore struct{ s store }

// OlmSessions returns the olm session store of the transaction.
func (t *Txn) OlmSessions() OlmSessionStore { return OlmSessionStore{t.store(StoreOlmSessions)} }

func (st OlmSessionStore) GetAll(senderKey string) ([]OlmSession, error) {
	return all[OlmSession](st.s, prefixKey(senderKey))
}

func (st OlmSessionStore) Get(senderKey, sessionID string) (*OlmSession, error) {
	var sess OlmSession

	ok, err := st.s.get(joinKey(senderKey, sessionID), &sess)
	if err != nil || !ok {
		return nil, err
	}

	return &sess, nil
}

func (st OlmSessionStore) Set(sess *OlmSession) error {
	return st.s.put(joinKey(sess.SenderKey, sess.SessionID), sess)
}

func (st OlmSessionStore) Remove(senderKey, sessionID string) error {
	return st.s.delete(joinKey(senderKey, sessionID))
}

// Backup status of an inbound group session.
const (
	BackupNotBackedUp = 0
	BackupBackedUp    = 1
)

// Where an inbound group session came from.
const (
	KeySourceDeviceMessage = "deviceMessage"
	KeySourceBackup        = "backup"
	KeySourceOutbound      = "outbound"
)

// InboundGroupSession is a Megolm session for decrypting one sender's
// messages in a room. Session is nil when only the ids of events
// waiting for the key are known.
type InboundGroupSession struct {
	RoomID          string            `json:"roomId"`
	SenderKey       string            `json:"senderKey"`
	SessionID       string            `json:"sessionId"`
	Session         []byte            `json:"session,omitempty"`
	FirstKnownIndex uint32            `json:"firstKnownIndex"`
	ClaimedKeys     map[string]string `json:"claimedKeys,omitempty"`
	EventIDs        []string          `json:"eventIds,omitempty"`
	Backup          int               `json:"backup"`
	Source          string            `json:"source,omitempty"`
}

// HasSession reports whether the session body is known.
func (s *InboundGroupSession) HasSession() bool {
	return len(s.Session) > 0
}

// InboundGroupSessionStore holds sessions keyed by room, sender key and
// session id.
type InboundGroupSessionStore struct{ s store }

// InboundGroupSessions returns the inbound group session store of the
// transaction.
func (t *Txn) InboundGroupSessions() InboundGroupSessionStore {
	return InboundGroupSessionStore{t.store(StoreInboundGroupSessions)}
}

func (st InboundGroupSessionStore) Get(roomID, senderKey, sessionID string) (*InboundGroupSession, error) {
	var igs InboundGroupSession

	ok, err := st.s.get(joinKey(roomID, senderKey, sessionID), &igs)
	if err != nil || !ok {
		return nil, err
	}

	return &igs, nil
}

func (st InboundGroupSessionStore) Set(igs *InboundGroupSession) error {
	return st.s.put(joinKey(igs.RoomID, igs.SenderKey, igs.SessionID), igs)
}

// GetAllForRoom returns every session of a room.
func (st InboundGroupSessionStore) GetAllForRoom(roomID string) ([]InboundGroupSession, error) {
	return all[InboundGroupSession](st.s, prefixKey(roomID))
}

// OutboundGroupSession is the pickled sending session of a room.
type OutboundGroupSession struct {
	RoomID    string `json:"roomId"`
	Session   []byte `json:"session"`
	CreatedAt int64  `json:"createdAt"`
}

// OutboundGroupSessionStore maps room id to OutboundGroupSession.
type OutboundGroupSessionStore struct{ s store }

// OutboundGroupSessions returns the outbound group session store of the
// transaction.
func (t *Txn) OutboundGroupSessions() OutboundGroupSessionStore {
	return OutboundGroupSessionStore{t.store(StoreOutboundGroupSessions)}
}

func (st OutboundGroupSessionStore) Get(roomID string) (*OutboundGroupSession, error) {
	var ogs OutboundGroupSession

	ok, err := st.s.get(roomID, &ogs)
	if err != nil || !ok {
		return nil, err
	}

	return &ogs, nil
}

func (st OutboundGroupSessionStore) Set(ogs *OutboundGroupSession) error {
	return st.s.put(ogs.RoomID, ogs)
}

func (st OutboundGroupSessionStore) Remove(roomID string) error {
	return st.s.delete(roomID)
}

// GroupSessionDecryption remembers which event first used a message
// index of a session.
type GroupSessionDecryption struct {
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`
}

// GroupSessionDecryptionStore is keyed by room, session id and message
// index.
type GroupSessionDecryptionStore struct{ s store }

// GroupSessionDecryptions returns the replay detection store of the
// transaction.
func (t *Txn) GroupSessionDecryptions() GroupSessionDecryptionStore {
	return GroupSessionDecryptionStore{t.store(StoreGroupSessionDecryptions)}
}

func decryptionKey(roomID, sessionID string, messageIndex uint32) string {
	return joinKey(roomID, sessionID, encodeUint32(messageIndex))
}

func (st GroupSessionDecryptionStore) Get(roomID, sessionID string, messageIndex uint32) (*GroupSessionDecryption, error) {
	var d GroupSessionDecryption

	ok, err := st.s.get(decryptionKey(roomID, sessionID, messageIndex), &d)
	if err != nil || !ok {
		return nil, err
	}

	return &d, nil
}

func (st GroupSessionDecryptionStore) Set(roomID, sessionID string, messageIndex uint32, d *GroupSessionDecryption) error {
	return st.s.put(decryptionKey(roomID, sessionID, messageIndex), d)
}

// BackupEntry identifies an inbound group session awaiting upload to
// the key backup.
type BackupEntry struct {
	RoomID    string `json:"roomId"`
	SenderKey string `json:"senderKey"`
	SessionID string `json:"sessionId"`
}

// SessionsNeedingBackupStore is the upload queue of the key backup.
type SessionsNeedingBackupStore struct{ s store }

// SessionsNeedingBackup returns the backup upload queue of the
// transaction.
func (t *Txn) SessionsNeedingBackup() SessionsNeedingBackupStore {
	return SessionsNeedingBackupStore{t.store(StoreSessionsNeedingBackup)}
}

func (st SessionsNeedingBackupStore) Add(e BackupEntry) error {
	return st.s.put(joinKey(e.RoomID, e.SenderKey, e.SessionID), e)
}

func (st SessionsNeedingBackupStore) Remove(e BackupEntry) error {
	return st.s.delete(joinKey(e.RoomID, e.SenderKey, e.SessionID))
}

// GetFirst returns up to n queued entries.
func (st SessionsNeedingBackupStore) GetFirst(n int) ([]BackupEntry, error) {
	return collect[BackupEntry](st.s, n, func(fn visitFunc) error {
		return st.s.scanFrom("", "", false, fn)
	})
}

// Count returns the length of the queue.
func (st SessionsNeedingBackupStore) Count() (int, error) {
	n := 0

	err := st.s.scanFrom("", "", false, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})

	return n, err
}
