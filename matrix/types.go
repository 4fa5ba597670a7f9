package matrix

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Event types and membership values used by the engine.
const (
	EventTypeMessage         = "m.room.message"
	EventTypeEncrypted       = "m.room.encrypted"
	EventTypeEncryption      = "m.room.encryption"
	EventTypeMember          = "m.room.member"
	EventTypeName            = "m.room.name"
	EventTypeRedaction       = "m.room.redaction"
	EventTypeReaction        = "m.reaction"
	EventTypeRoomKey         = "m.room_key"
	EventTypeDummy           = "m.dummy"
	EventTypeRoomKeyWithheld = "m.room_key.withheld"

	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"

	RelTypeAnnotation = "m.annotation"

	SecretStorageDefaultKey = "m.secret_storage.default_key"
	SecretMegolmBackup      = "m.megolm_backup.v1"
)

// Event is a room event as delivered by /sync and /messages. Content is
// kept raw; use ContentField to read individual fields.
type Event struct {
	EventID        string          `json:"event_id,omitempty"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
}

// Unsigned holds server-added data that is not covered by event hashes.
type Unsigned struct {
	Age             int64           `json:"age,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	RedactedBecause *Event          `json:"redacted_because,omitempty"`
	PrevContent     json.RawMessage `json:"prev_content,omitempty"`
}

// ContentField reads a field of the event content by gjson path.
func (e *Event) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// IsRedacted reports whether the server has redacted the event.
func (e *Event) IsRedacted() bool {
	return e.Unsigned != nil && e.Unsigned.RedactedBecause != nil
}

// TransactionID returns the transaction id echoed back to the sending
// device, or "".
func (e *Event) TransactionID() string {
	if e.Unsigned == nil {
		return ""
	}

	return e.Unsigned.TransactionID
}

// ToDeviceEvent is a point-to-point message outside any room timeline.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// ContentField reads a field of the to-device content by gjson path.
func (e *ToDeviceEvent) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

// LoginRequest is the payload for POST /login.
type LoginRequest struct {
	Type                     string         `json:"type"`
	Identifier               map[string]any `json:"identifier"`
	Password                 string         `json:"password"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

// LoginResponse is returned from POST /login.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// VersionsResponse is returned from GET /_matrix/client/versions.
type VersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// SyncOptions controls one /sync request.
type SyncOptions struct {
	Since   string
	Timeout int // milliseconds
	Filter  string
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch                    string         `json:"next_batch"`
	Rooms                        RoomsSection   `json:"rooms"`
	ToDevice                     EventsSection  `json:"to_device"`
	DeviceLists                  DeviceLists    `json:"device_lists"`
	DeviceOneTimeKeysCount       map[string]int `json:"device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes []string       `json:"device_unused_fallback_key_types,omitempty"`
	AccountData                  EventsSection  `json:"account_data"`
}

// ToDeviceEvents decodes the to_device section.
func (r *SyncResponse) ToDeviceEvents() []ToDeviceEvent {
	events := make([]ToDeviceEvent, 0, len(r.ToDevice.Events))
	for _, e := range r.ToDevice.Events {
		events = append(events, ToDeviceEvent{Type: e.Type, Sender: e.Sender, Content: e.Content})
	}

	return events
}

// RoomsSection groups rooms by the user's membership.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// EventsSection is a plain list of events.
type EventsSection struct {
	Events []Event `json:"events,omitempty"`
}

// TimelineSection is the timeline slice of a joined or left room.
type TimelineSection struct {
	Events    []Event `json:"events,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// RoomSummarySection carries the lazy-loading room summary.
type RoomSummarySection struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

// UnreadNotifications carries notification counts for a joined room.
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// JoinedRoom is the per-room payload for rooms.join.
type JoinedRoom struct {
	Summary             *RoomSummarySection  `json:"summary,omitempty"`
	State               EventsSection        `json:"state"`
	Timeline            TimelineSection      `json:"timeline"`
	Ephemeral           EventsSection        `json:"ephemeral"`
	AccountData         EventsSection        `json:"account_data"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// InvitedRoom is the per-room payload for rooms.invite.
type InvitedRoom struct {
	InviteState EventsSection `json:"invite_state"`
}

// LeftRoom is the per-room payload for rooms.leave.
type LeftRoom struct {
	State    EventsSection   `json:"state"`
	Timeline TimelineSection `json:"timeline"`
}

// DeviceLists reports users whose device lists changed.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// Direction of a /messages request.
type Direction string

const (
	Backward Direction = "b"
	Forward  Direction = "f"
)

// MessagesOptions controls one /messages request.
type MessagesOptions struct {
	From  string
	Dir   Direction
	Limit int
}

// MessagesResponse is returned by /rooms/{roomId}/messages. End is
// empty when there are no more events in the requested direction.
type MessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end,omitempty"`
	Chunk []Event `json:"chunk"`
	State []Event `json:"state,omitempty"`
}

// MembersResponse is returned by /rooms/{roomId}/members.
type MembersResponse struct {
	Chunk []Event `json:"chunk"`
}

// SendResponse is returned when sending or redacting an event.
type SendResponse struct {
	EventID string `json:"event_id"`
}

// JoinResponse is returned by /join.
type JoinResponse struct {
	RoomID string `json:"room_id"`
}

// QueryKeysRequest is the payload for POST /keys/query.
type QueryKeysRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout,omitempty"`
}

// QueryKeysResponse keeps device key objects raw so their signatures
// can be verified over the exact server-provided JSON.
type QueryKeysResponse struct {
	DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys"`
	Failures   map[string]json.RawMessage            `json:"failures,omitempty"`
}

// DeviceKeys is the signed device key object of the Matrix key API.
type DeviceKeys struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   *DeviceKeysUnsigned          `json:"unsigned,omitempty"`
}

// DeviceKeysUnsigned carries the device display name.
type DeviceKeysUnsigned struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// ClaimKeysRequest is the payload for POST /keys/claim.
type ClaimKeysRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	Timeout     int                          `json:"timeout,omitempty"`
}

// ClaimKeysResponse maps user -> device -> "algorithm:keyId" -> signed key.
type ClaimKeysResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                       `json:"failures,omitempty"`
}

// UploadKeysRequest is the payload for POST /keys/upload.
type UploadKeysRequest struct {
	DeviceKeys   map[string]any `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]any `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]any `json:"fallback_keys,omitempty"`
}

// UploadKeysResponse reports the server-side one-time key counts.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// KeyBackupVersion is returned by GET /room_keys/version.
type KeyBackupVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

// KeyBackupData is one backed-up session.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeysUpload is the body of PUT /room_keys/keys.
type RoomKeysUpload struct {
	Rooms map[string]RoomKeyBackup `json:"rooms"`
}

// RoomKeyBackup holds the backed-up sessions of one room.
type RoomKeyBackup struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}
