package storage

import (
	"encoding/json"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// RoomSummary is the persisted summary of a room the user is or was in.
type RoomSummary struct {
	RoomID                 string   `json:"roomId"`
	Name                   string   `json:"name,omitempty"`
	CanonicalAlias         string   `json:"canonicalAlias,omitempty"`
	Heroes                 []string `json:"heroes,omitempty"`
	Membership             string   `json:"membership,omitempty"`
	EncryptionAlgorithm    string   `json:"encryptionAlgorithm,omitempty"`
	RotationPeriodMs       int64    `json:"rotationPeriodMs,omitempty"`
	RotationPeriodMessages int      `json:"rotationPeriodMsgs,omitempty"`
	LastMessageTimestamp   int64    `json:"lastMessageTimestamp,omitempty"`
	LastMessageBody        string   `json:"lastMessageBody,omitempty"`
	NotificationCount      int      `json:"notificationCount,omitempty"`
	HighlightCount         int      `json:"highlightCount,omitempty"`
	JoinedMemberCount      int      `json:"joinedMemberCount,omitempty"`
	InvitedMemberCount     int      `json:"invitedMemberCount,omitempty"`
	IsTrackingMembers      bool     `json:"isTrackingMembers,omitempty"`
}

// IsEncrypted reports whether the room has encryption enabled.
func (s *RoomSummary) IsEncrypted() bool {
	return s.EncryptionAlgorithm != ""
}

// RoomSummaryStore maps room id to RoomSummary.
type RoomSummaryStore struct{ s store }

// RoomSummary returns the room summary store of the transaction.
func (t *Txn) RoomSummary() RoomSummaryStore { return RoomSummaryStore{t.store(StoreRoomSummary)} }

func (st RoomSummaryStore) Get(roomID string) (*RoomSummary, error) {
	var summary RoomSummary

	ok, err := st.s.get(roomID, &summary)
	if err != nil || !ok {
		return nil, err
	}

	return &summary, nil
}

func (st RoomSummaryStore) Set(summary *RoomSummary) error {
	return st.s.put(summary.RoomID, summary)
}

func (st RoomSummaryStore) GetAll() ([]RoomSummary, error) {
	return all[RoomSummary](st.s, "")
}

func (st RoomSummaryStore) Remove(roomID string) error {
	return st.s.delete(roomID)
}

// Invite is a pending invitation to a room.
type Invite struct {
	RoomID      string `json:"roomId"`
	Name        string `json:"name,omitempty"`
	Inviter     string `json:"inviter,omitempty"`
	IsDirect    bool   `json:"isDirect,omitempty"`
	IsEncrypted bool   `json:"isEncrypted,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// InviteStore maps room id to Invite.
type InviteStore struct{ s store }

// Invites returns the invite store of the transaction.
func (t *Txn) Invites() InviteStore { return InviteStore{t.store(StoreInvites)} }

func (st InviteStore) Get(roomID string) (*Invite, error) {
	var invite Invite

	ok, err := st.s.get(roomID, &invite)
	if err != nil || !ok {
		return nil, err
	}

	return &invite, nil
}

func (st InviteStore) Set(invite *Invite) error {
	return st.s.put(invite.RoomID, invite)
}

func (st InviteStore) GetAll() ([]Invite, error) {
	return all[Invite](st.s, "")
}

func (st InviteStore) Remove(roomID string) error {
	return st.s.delete(roomID)
}

// Member is the membership of one user in one room.
type Member struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	Membership  string `json:"membership"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// RoomMemberStore holds members keyed by room id and user id.
type RoomMemberStore struct{ s store }

// RoomMembers returns the room member store of the transaction.
func (t *Txn) RoomMembers() RoomMemberStore { return RoomMemberStore{t.store(StoreRoomMembers)} }

func (st RoomMemberStore) Get(roomID, userID string) (*Member, error) {
	var m Member

	ok, err := st.s.get(joinKey(roomID, userID), &m)
	if err != nil || !ok {
		return nil, err
	}

	return &m, nil
}

func (st RoomMemberStore) Set(m *Member) error {
	return st.s.put(joinKey(m.RoomID, m.UserID), m)
}

func (st RoomMemberStore) GetAll(roomID string) ([]Member, error) {
	return all[Member](st.s, prefixKey(roomID))
}

// GetAllUserIDs returns the user ids of every stored member of a room.
func (st RoomMemberStore) GetAllUserIDs(roomID string) ([]string, error) {
	prefix := prefixKey(roomID)

	var ids []string

	err := st.s.scanFrom(prefix, "", false, func(key, _ []byte) (bool, error) {
		ids = append(ids, string(key[len(prefix):]))
		return true, nil
	})

	return ids, err
}

// RoomStateEntry is the latest state event for (room, type, state key).
type RoomStateEntry struct {
	RoomID string       `json:"roomId"`
	Event  matrix.Event `json:"event"`
}

// RoomStateStore holds current room state keyed by room, type and
// state key.
type RoomStateStore struct{ s store }

// RoomState returns the room state store of the transaction.
func (t *Txn) RoomState() RoomStateStore { return RoomStateStore{t.store(StoreRoomState)} }

func (st RoomStateStore) Get(roomID, eventType, stateKey string) (*RoomStateEntry, error) {
	var entry RoomStateEntry

	ok, err := st.s.get(joinKey(roomID, eventType, stateKey), &entry)
	if err != nil || !ok {
		return nil, err
	}

	return &entry, nil
}

// Set stores a state event. Events without a state key are ignored.
func (st RoomStateStore) Set(roomID string, event matrix.Event) error {
	if event.StateKey == nil {
		return nil
	}

	return st.s.put(joinKey(roomID, event.Type, *event.StateKey), RoomStateEntry{RoomID: roomID, Event: event})
}

// GetAllForType returns every state event of one type in a room.
func (st RoomStateStore) GetAllForType(roomID, eventType string) ([]RoomStateEntry, error) {
	return all[RoomStateEntry](st.s, prefixKey(roomID, eventType))
}

// GetContent returns only the content of a state event, or nil.
func (st RoomStateStore) GetContent(roomID, eventType, stateKey string) (json.RawMessage, error) {
	entry, err := st.Get(roomID, eventType, stateKey)
	if err != nil || entry == nil {
		return nil, err
	}

	return entry.Event.Content, nil
}

// RemoveAllForRoom deletes the whole state of a room.
func (st RoomStateStore) RemoveAllForRoom(roomID string) error {
	return st.s.deletePrefix(prefixKey(roomID))
}
