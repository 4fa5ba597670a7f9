// Package mcpserver registers MCP tools that expose session operations.
// It adapts the session package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/matrix-sync/internal/room"
	"github.com/alexjbarnes/matrix-sync/internal/session"
	"github.com/alexjbarnes/matrix-sync/internal/ssss"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// defaultTimelineLimit is the number of entries timeline_read returns
// when no limit is given.
const defaultTimelineLimit = 30

// RegisterTools adds all session tools to the given MCP server.
func RegisterTools(server *mcp.Server, s *session.Session) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "rooms_list",
		Description: "List joined rooms, most recent activity first, and pending invites. Includes name, encryption, last message and unread counts.",
	}, roomsListHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "timeline_read",
		Description: "Read the most recent timeline entries of a room. Entries are events, pending local events and fragment boundaries marking gaps.",
	}, timelineReadHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_send",
		Description: "Send a text message to a room. Encrypted rooms are encrypted automatically. Returns the transaction id of the queued event.",
	}, messageSendHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "invite_accept",
		Description: "Join a room the user was invited to.",
	}, inviteAcceptHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "invite_reject",
		Description: "Decline an invite by leaving the room.",
	}, inviteRejectHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "backup_enable",
		Description: "Enable the server-side key backup using the security phrase or recovery key of the account. Exactly one must be given.",
	}, backupEnableHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "backup_disable",
		Description: "Stop using the key backup and forget its key on this device.",
	}, backupDisableHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keys_retry",
		Description: "Restore missing room keys of a room from the key backup and decrypt the events waiting for them.",
	}, keysRetryHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "gap_fill",
		Description: "Extend a room timeline at the top, fetching earlier events from the homeserver when the stored history has a gap.",
	}, gapFillHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "devices_list",
		Description: "List the known devices of a user with their identity keys, refreshing the list from the homeserver when outdated.",
	}, devicesListHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// RoomsListInput has no parameters.
type RoomsListInput struct{}

// RoomInput holds the room id for room-scoped tools.
type RoomInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room id, e.g. !abc:example.org"`
}

// TimelineReadInput holds parameters for timeline_read.
type TimelineReadInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room id"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of entries to read, defaults to 30"`
}

// MessageSendInput holds parameters for message_send.
type MessageSendInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room id"`
	Body   string `json:"body" jsonschema:"required,plain text message body"`
}

// BackupEnableInput holds parameters for backup_enable.
type BackupEnableInput struct {
	SecurityPhrase string `json:"security_phrase,omitempty" jsonschema:"security phrase of the secret storage"`
	RecoveryKey    string `json:"recovery_key,omitempty" jsonschema:"recovery key of the secret storage"`
}

// BackupDisableInput has no parameters.
type BackupDisableInput struct{}

// GapFillInput holds parameters for gap_fill.
type GapFillInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room id"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of events to fetch, defaults to 30"`
}

// DevicesListInput holds parameters for devices_list.
type DevicesListInput struct {
	UserID string `json:"user_id" jsonschema:"required,user id, e.g. @alice:example.org"`
}

// --- Output types ---

// RoomInfo describes a joined room.
type RoomInfo struct {
	RoomID        string `json:"room_id"`
	Name          string `json:"name"`
	Encrypted     bool   `json:"encrypted"`
	Membership    string `json:"membership,omitempty"`
	LastMessage   string `json:"last_message,omitempty"`
	LastMessageTS int64  `json:"last_message_ts,omitempty"`
	Notifications int    `json:"notifications,omitempty"`
	Highlights    int    `json:"highlights,omitempty"`
	JoinedMembers int    `json:"joined_members,omitempty"`
}

// RoomsListResult is the output of rooms_list.
type RoomsListResult struct {
	Rooms   []RoomInfo       `json:"rooms"`
	Invites []storage.Invite `json:"invites"`
}

// TimelineResult is the output of timeline_read and gap_fill.
type TimelineResult struct {
	RoomID     string           `json:"room_id"`
	Entries    []room.EntryView `json:"entries"`
	HasMoreTop bool             `json:"has_more_top"`
}

// MessageSendResult is the output of message_send.
type MessageSendResult struct {
	TxnID   string `json:"txn_id"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResult is the output of tools that only report success.
type StatusResult struct {
	Status string `json:"status"`
}

// KeysRetryResult is the output of keys_retry.
type KeysRetryResult struct {
	Restored int `json:"restored"`
}

// DevicesListResult is the output of devices_list.
type DevicesListResult struct {
	UserID  string                   `json:"user_id"`
	Devices []storage.DeviceIdentity `json:"devices"`
}

// --- Handlers ---

func roomsListHandler(s *session.Session) mcp.ToolHandlerFor[RoomsListInput, *RoomsListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ RoomsListInput) (*mcp.CallToolResult, *RoomsListResult, error) {
		result := &RoomsListResult{
			Rooms:   []RoomInfo{},
			Invites: s.Invites(),
		}

		for _, r := range s.Rooms() {
			summary := r.Summary()
			result.Rooms = append(result.Rooms, RoomInfo{
				RoomID:        summary.RoomID,
				Name:          room.DisplayName(&summary),
				Encrypted:     summary.IsEncrypted(),
				Membership:    summary.Membership,
				LastMessage:   summary.LastMessageBody,
				LastMessageTS: summary.LastMessageTimestamp,
				Notifications: summary.NotificationCount,
				Highlights:    summary.HighlightCount,
				JoinedMembers: summary.JoinedMemberCount,
			})
		}

		return textResult(result), result, nil
	}
}

func timelineReadHandler(s *session.Session) mcp.ToolHandlerFor[TimelineReadInput, *TimelineResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TimelineReadInput) (*mcp.CallToolResult, *TimelineResult, error) {
		tl, err := openTimeline(ctx, s, input.RoomID, input.Limit)
		if err != nil {
			return nil, nil, err
		}
		defer tl.Close()

		result := timelineResult(input.RoomID, tl)

		return textResult(result), result, nil
	}
}

func messageSendHandler(s *session.Session) mcp.ToolHandlerFor[MessageSendInput, *MessageSendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageSendInput) (*mcp.CallToolResult, *MessageSendResult, error) {
		if input.Body == "" {
			return nil, nil, fmt.Errorf("body must not be empty")
		}

		r, err := s.Room(input.RoomID)
		if err != nil {
			return nil, nil, err
		}

		entry, err := r.SendMessage(ctx, input.Body)
		if entry == nil {
			return nil, nil, err
		}

		// Failed sends stay queued and resume after the next sync.
		result := &MessageSendResult{TxnID: entry.TxnID(), EventID: entry.Pending.RemoteID}
		if err != nil {
			result.Error = err.Error()
		}

		return textResult(result), result, nil
	}
}

func inviteAcceptHandler(s *session.Session) mcp.ToolHandlerFor[RoomInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RoomInput) (*mcp.CallToolResult, *StatusResult, error) {
		if err := s.AcceptInvite(ctx, input.RoomID); err != nil {
			return nil, nil, err
		}

		result := &StatusResult{Status: "joined"}

		return textResult(result), result, nil
	}
}

func inviteRejectHandler(s *session.Session) mcp.ToolHandlerFor[RoomInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RoomInput) (*mcp.CallToolResult, *StatusResult, error) {
		if err := s.RejectInvite(ctx, input.RoomID); err != nil {
			return nil, nil, err
		}

		result := &StatusResult{Status: "rejected"}

		return textResult(result), result, nil
	}
}

func backupEnableHandler(s *session.Session) mcp.ToolHandlerFor[BackupEnableInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input BackupEnableInput) (*mcp.CallToolResult, *StatusResult, error) {
		var (
			credential string
			kind       ssss.CredentialKind
		)

		switch {
		case input.SecurityPhrase != "" && input.RecoveryKey != "":
			return nil, nil, fmt.Errorf("give either security_phrase or recovery_key, not both")
		case input.SecurityPhrase != "":
			credential, kind = input.SecurityPhrase, ssss.Passphrase
		case input.RecoveryKey != "":
			credential, kind = input.RecoveryKey, ssss.RecoveryKey
		default:
			return nil, nil, fmt.Errorf("security_phrase or recovery_key is required")
		}

		if err := s.EnableBackup(ctx, credential, kind); err != nil {
			return nil, nil, err
		}

		result := &StatusResult{Status: "enabled"}

		return textResult(result), result, nil
	}
}

func backupDisableHandler(s *session.Session) mcp.ToolHandlerFor[BackupDisableInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ BackupDisableInput) (*mcp.CallToolResult, *StatusResult, error) {
		if err := s.DisableBackup(); err != nil {
			return nil, nil, err
		}

		result := &StatusResult{Status: "disabled"}

		return textResult(result), result, nil
	}
}

func keysRetryHandler(s *session.Session) mcp.ToolHandlerFor[RoomInput, *KeysRetryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RoomInput) (*mcp.CallToolResult, *KeysRetryResult, error) {
		n, err := s.RetryKeys(ctx, input.RoomID)
		if err != nil {
			return nil, nil, err
		}

		result := &KeysRetryResult{Restored: n}

		return textResult(result), result, nil
	}
}

func gapFillHandler(s *session.Session) mcp.ToolHandlerFor[GapFillInput, *TimelineResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GapFillInput) (*mcp.CallToolResult, *TimelineResult, error) {
		tl, err := openTimeline(ctx, s, input.RoomID, input.Limit)
		if err != nil {
			return nil, nil, err
		}
		defer tl.Close()

		if err := tl.Backfill(limitOrDefault(input.Limit)); err != nil {
			return nil, nil, err
		}

		result := timelineResult(input.RoomID, tl)

		return textResult(result), result, nil
	}
}

func devicesListHandler(s *session.Session) mcp.ToolHandlerFor[DevicesListInput, *DevicesListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DevicesListInput) (*mcp.CallToolResult, *DevicesListResult, error) {
		devices, err := s.Devices(ctx, input.UserID)
		if err != nil {
			return nil, nil, err
		}

		if devices == nil {
			devices = []storage.DeviceIdentity{}
		}

		result := &DevicesListResult{UserID: input.UserID, Devices: devices}

		return textResult(result), result, nil
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultTimelineLimit
	}

	return limit
}

func openTimeline(ctx context.Context, s *session.Session, roomID string, limit int) (*room.Timeline, error) {
	r, err := s.Room(roomID)
	if err != nil {
		return nil, err
	}

	return r.OpenTimeline(ctx, limitOrDefault(limit), nil)
}

func timelineResult(roomID string, tl *room.Timeline) *TimelineResult {
	return &TimelineResult{
		RoomID:     roomID,
		Entries:    tl.Snapshot(),
		HasMoreTop: tl.HasMoreAtTop(),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
