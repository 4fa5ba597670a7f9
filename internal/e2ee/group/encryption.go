package group

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// EncryptStores are the stores Encryption needs.
var EncryptStores = []storage.StoreName{
	storage.StoreOutboundGroupSessions,
	storage.StoreInboundGroupSessions,
	storage.StoreSessionsNeedingBackup,
}

// RotationSettings bound the lifetime of an outbound session.
type RotationSettings struct {
	Period   time.Duration
	Messages uint32
}

// DefaultRotation matches the defaults of m.room.encryption.
var DefaultRotation = RotationSettings{Period: 7 * 24 * time.Hour, Messages: 100}

// RotationFromContent reads rotation_period_ms and rotation_period_msgs
// of an m.room.encryption content, falling back to def.
func RotationFromContent(content json.RawMessage, def RotationSettings) RotationSettings {
	var c struct {
		PeriodMs int64  `json:"rotation_period_ms"`
		Msgs     uint32 `json:"rotation_period_msgs"`
	}

	r := def
	if json.Unmarshal(content, &c) != nil {
		return r
	}

	if c.PeriodMs > 0 {
		r.Period = time.Duration(c.PeriodMs) * time.Millisecond
	}

	if c.Msgs > 0 {
		r.Messages = c.Msgs
	}

	return r
}

// RoomKeyMessage is the m.room_key content announcing an outbound
// session.
type RoomKeyMessage struct {
	RoomID     string
	SessionID  string
	SessionKey string
	ChainIndex uint32
}

// Content renders the m.room_key content.
func (m *RoomKeyMessage) Content() map[string]any {
	return map[string]any{
		"algorithm":   common.AlgorithmMegolm,
		"room_id":     m.RoomID,
		"session_id":  m.SessionID,
		"session_key": m.SessionKey,
		"chain_index": m.ChainIndex,
	}
}

// Encryption manages the outbound Megolm session of each room.
type Encryption struct {
	account *account.Account
	now     func() time.Time
	logger  *slog.Logger
}

// NewEncryption creates an Encryption.
func NewEncryption(acct *account.Account, logger *slog.Logger) *Encryption {
	if logger == nil {
		logger = slog.Default()
	}

	return &Encryption{account: acct, now: time.Now, logger: logger}
}

// DiscardOutboundSession drops the outbound session of a room so the
// next message starts a new one.
func (e *Encryption) DiscardOutboundSession(roomID string, txn *storage.Txn) error {
	return txn.OutboundGroupSessions().Remove(roomID)
}

// CreateRoomKeyMessage returns the announcement of the current outbound
// session of a room, or nil when there is none.
func (e *Encryption) CreateRoomKeyMessage(roomID string, txn *storage.Txn) (*RoomKeyMessage, error) {
	record, err := txn.OutboundGroupSessions().Get(roomID)
	if err != nil || record == nil {
		return nil, err
	}

	s, err := olm.UnpickleOutboundGroupSession(string(record.Session), e.account.PickleKey())
	if err != nil {
		return nil, err
	}

	return roomKeyMessage(roomID, s), nil
}

// EnsureOutboundSession makes sure the room has an outbound session
// within its rotation limits. It returns the announcement of a newly
// created session, or nil when the existing one is kept.
func (e *Encryption) EnsureOutboundSession(roomID string, rotation RotationSettings, txn *storage.Txn) (*RoomKeyMessage, error) {
	record, s, created, err := e.outboundSession(roomID, rotation, txn)
	if err != nil {
		return nil, err
	}

	if !created {
		return nil, nil
	}

	if err := e.persist(record, s, txn); err != nil {
		return nil, err
	}

	return roomKeyMessage(roomID, s), nil
}

// EncryptionResult is the encrypted content of a room event, plus the
// announcement of a session created for it.
type EncryptionResult struct {
	Content        map[string]any
	RoomKeyMessage *RoomKeyMessage
}

// Encrypt encrypts a room event with the outbound session of the room,
// rotating it first when needed. txn needs EncryptStores.
func (e *Encryption) Encrypt(roomID, eventType string, content any, rotation RotationSettings, txn *storage.Txn) (*EncryptionResult, error) {
	record, s, created, err := e.outboundSession(roomID, rotation, txn)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"room_id": roomID,
		"type":    eventType,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding room event payload: %w", err)
	}

	res := &EncryptionResult{}
	if created {
		// Announce before encrypting so the key starts at the index of
		// this message.
		res.RoomKeyMessage = roomKeyMessage(roomID, s)
	}

	ciphertext, err := s.Encrypt(payload)
	if err != nil {
		return nil, err
	}

	if err := e.persist(record, s, txn); err != nil {
		return nil, err
	}

	res.Content = map[string]any{
		"algorithm":  common.AlgorithmMegolm,
		"sender_key": e.account.IdentityKeys().Curve25519,
		"ciphertext": ciphertext,
		"session_id": s.ID(),
		"device_id":  e.account.DeviceID(),
	}

	return res, nil
}

// outboundSession loads the session of the room, replacing it when it
// is past its rotation limits. created reports a new session, whose
// inbound mirror has already been written.
func (e *Encryption) outboundSession(roomID string, rotation RotationSettings, txn *storage.Txn) (*storage.OutboundGroupSession, *olm.OutboundGroupSession, bool, error) {
	record, err := txn.OutboundGroupSessions().Get(roomID)
	if err != nil {
		return nil, nil, false, err
	}

	if record != nil {
		s, err := olm.UnpickleOutboundGroupSession(string(record.Session), e.account.PickleKey())
		if err != nil {
			return nil, nil, false, err
		}

		if !e.needsRotation(record, s, rotation) {
			return record, s, false, nil
		}

		e.logger.Info("rotating outbound group session",
			slog.String("room_id", roomID),
			slog.String("session_id", s.ID()),
			slog.Int("message_index", int(s.MessageIndex())))
	}

	s, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, nil, false, err
	}

	if err := e.writeInboundMirror(roomID, s, txn); err != nil {
		return nil, nil, false, err
	}

	record = &storage.OutboundGroupSession{RoomID: roomID, CreatedAt: e.now().UnixMilli()}

	return record, s, true, nil
}

func (e *Encryption) needsRotation(record *storage.OutboundGroupSession, s *olm.OutboundGroupSession, rotation RotationSettings) bool {
	if rotation.Messages > 0 && s.MessageIndex() >= rotation.Messages {
		return true
	}

	age := e.now().Sub(time.UnixMilli(record.CreatedAt))

	return rotation.Period > 0 && age >= rotation.Period
}

func (e *Encryption) persist(record *storage.OutboundGroupSession, s *olm.OutboundGroupSession, txn *storage.Txn) error {
	pickled, err := s.Pickle(e.account.PickleKey())
	if err != nil {
		return err
	}

	record.Session = []byte(pickled)

	return txn.OutboundGroupSessions().Set(record)
}

// writeInboundMirror stores the inbound copy of a new outbound session
// under our own sender key, so our own messages decrypt.
func (e *Encryption) writeInboundMirror(roomID string, s *olm.OutboundGroupSession, txn *storage.Txn) error {
	inbound, err := olm.NewInboundGroupSession(s.SessionKey())
	if err != nil {
		return err
	}

	pickled, err := inbound.Pickle(e.account.PickleKey())
	if err != nil {
		return err
	}

	keys := e.account.IdentityKeys()
	record := &storage.InboundGroupSession{
		RoomID:          roomID,
		SenderKey:       keys.Curve25519,
		SessionID:       s.ID(),
		Session:         []byte(pickled),
		FirstKnownIndex: inbound.FirstKnownIndex(),
		ClaimedKeys:     map[string]string{"ed25519": keys.Ed25519},
		Backup:          storage.BackupNotBackedUp,
		Source:          storage.KeySourceOutbound,
	}

	if err := txn.InboundGroupSessions().Set(record); err != nil {
		return err
	}

	return txn.SessionsNeedingBackup().Add(storage.BackupEntry{RoomID: roomID, SenderKey: keys.Curve25519, SessionID: s.ID()})
}

func roomKeyMessage(roomID string, s *olm.OutboundGroupSession) *RoomKeyMessage {
	return &RoomKeyMessage{
		RoomID:     roomID,
		SessionID:  s.ID(),
		SessionKey: s.SessionKey(),
		ChainIndex: s.MessageIndex(),
	}
}
