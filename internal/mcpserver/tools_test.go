package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/matrix-sync/internal/room"
	"github.com/alexjbarnes/matrix-sync/internal/session"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/storage/storagetest"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const (
	testRoom    = "!room:example.org"
	invitedRoom = "!invited:example.org"
	alice       = "@alice:example.org"
	bob         = "@bob:example.org"
)

func content(t *testing.T, v any) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return raw
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

func stateEvent(t *testing.T, eventType, stateKey string, c any) matrix.Event {
	return matrix.Event{
		EventID:  "$" + eventType + stateKey,
		Type:     eventType,
		Sender:   bob,
		StateKey: &stateKey,
		Content:  content(t, c),
	}
}

// testSetup opens a session holding one joined room and one invite,
// registers tools on an MCP server, and returns a connected client
// session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *matrix.MockHomeServerAPI, *session.Session) {
	t.Helper()

	st := storagetest.Open(t)
	api := matrix.NewMockHomeServerAPI(gomock.NewController(t))

	s, err := session.Open(t.Context(), session.Options{
		UserID:    alice,
		DeviceID:  "ALICE",
		API:       api,
		Storage:   st,
		PickleKey: []byte("pickle"),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	applySync(t, s, st, &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{
			Join: map[string]matrix.JoinedRoom{
				testRoom: {
					State: matrix.EventsSection{Events: []matrix.Event{
						stateEvent(t, matrix.EventTypeName, "", map[string]string{"name": "Chat"}),
					}},
					Timeline: matrix.TimelineSection{
						Events:    []matrix.Event{message(t, "$2", "hello", 2000)},
						PrevBatch: "p1",
					},
				},
			},
			Invite: map[string]matrix.InvitedRoom{
				invitedRoom: {InviteState: matrix.EventsSection{Events: []matrix.Event{
					stateEvent(t, matrix.EventTypeName, "", map[string]string{"name": "Party"}),
					stateEvent(t, matrix.EventTypeMember, alice, map[string]string{"membership": matrix.MembershipInvite}),
				}}},
			},
		},
	})

	server := mcp.NewServer(
		&mcp.Implementation{Name: "matrix-sync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, s)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return cs, api, s
}

func applySync(t *testing.T, s *session.Session, st *storage.Storage, resp *matrix.SyncResponse) {
	t.Helper()

	prep, err := s.PrepareSync(t.Context(), resp)
	require.NoError(t, err)

	var changes *session.SyncChanges

	require.NoError(t, st.Update(func(txn *storage.Txn) error {
		var err error
		changes, err = s.WriteSync(t.Context(), prep, txn)

		return err
	}, session.SyncStores...))

	s.AfterSync(changes)
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func eventIDs(entries []room.EntryView) []string {
	var ids []string

	for _, e := range entries {
		if e.Kind == room.KindEvent {
			ids = append(ids, e.EventID)
		}
	}

	return ids
}

// --- rooms_list ---

func TestRoomsList(t *testing.T) {
	cs, _, _ := testSetup(t)
	result := callTool(t, cs, "rooms_list", nil)
	assert.False(t, result.IsError)

	var out RoomsListResult
	extractJSON(t, result, &out)

	require.Len(t, out.Rooms, 1)
	assert.Equal(t, testRoom, out.Rooms[0].RoomID)
	assert.Equal(t, "Chat", out.Rooms[0].Name)
	assert.Equal(t, int64(2000), out.Rooms[0].LastMessageTS)
	assert.False(t, out.Rooms[0].Encrypted)

	require.Len(t, out.Invites, 1)
	assert.Equal(t, invitedRoom, out.Invites[0].RoomID)
	assert.Equal(t, "Party", out.Invites[0].Name)
	assert.Equal(t, bob, out.Invites[0].Inviter)
}

// --- timeline_read ---

func TestTimelineRead(t *testing.T) {
	cs, _, _ := testSetup(t)
	result := callTool(t, cs, "timeline_read", map[string]any{"room_id": testRoom})
	assert.False(t, result.IsError)

	var out TimelineResult
	extractJSON(t, result, &out)

	assert.Equal(t, testRoom, out.RoomID)
	assert.Equal(t, []string{"$2"}, eventIDs(out.Entries))
	assert.True(t, out.HasMoreTop)
}

func TestTimelineRead_UnknownRoom(t *testing.T) {
	cs, _, _ := testSetup(t)
	result := callTool(t, cs, "timeline_read", map[string]any{"room_id": "!nope:example.org"})
	assert.True(t, result.IsError)
}

// --- message_send ---

func TestMessageSend(t *testing.T) {
	cs, api, _ := testSetup(t)

	api.EXPECT().Send(gomock.Any(), testRoom, matrix.EventTypeMessage, gomock.Any(), gomock.Any()).
		Return(&matrix.SendResponse{EventID: "$sent"}, nil)

	result := callTool(t, cs, "message_send", map[string]any{"room_id": testRoom, "body": "hi"})
	assert.False(t, result.IsError)

	var out MessageSendResult
	extractJSON(t, result, &out)

	assert.NotEmpty(t, out.TxnID)
	assert.Empty(t, out.Error)
}

func TestMessageSend_FailureStaysQueued(t *testing.T) {
	cs, api, _ := testSetup(t)

	api.EXPECT().Send(gomock.Any(), testRoom, matrix.EventTypeMessage, gomock.Any(), gomock.Any()).
		Return(nil, &matrix.ConnectionError{Err: errors.New("connection refused")})

	result := callTool(t, cs, "message_send", map[string]any{"room_id": testRoom, "body": "hi"})
	assert.False(t, result.IsError)

	var out MessageSendResult
	extractJSON(t, result, &out)

	assert.NotEmpty(t, out.TxnID)
	assert.NotEmpty(t, out.Error)

	read := callTool(t, cs, "timeline_read", map[string]any{"room_id": testRoom})

	var tl TimelineResult
	extractJSON(t, read, &tl)

	last := tl.Entries[len(tl.Entries)-1]
	assert.Equal(t, room.KindPending, last.Kind)
	assert.Equal(t, out.TxnID, last.TxnID)
	assert.False(t, last.Sent)
}

func TestMessageSend_EmptyBody(t *testing.T) {
	cs, _, _ := testSetup(t)
	result := callTool(t, cs, "message_send", map[string]any{"room_id": testRoom, "body": ""})
	assert.True(t, result.IsError)
}

// --- invite_accept / invite_reject ---

func TestInviteAccept(t *testing.T) {
	cs, api, _ := testSetup(t)

	api.EXPECT().Join(gomock.Any(), invitedRoom).Return(&matrix.JoinResponse{RoomID: invitedRoom}, nil)

	result := callTool(t, cs, "invite_accept", map[string]any{"room_id": invitedRoom})
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	assert.Equal(t, "joined", out.Status)
}

func TestInviteReject(t *testing.T) {
	cs, api, _ := testSetup(t)

	api.EXPECT().Leave(gomock.Any(), invitedRoom).Return(nil)

	result := callTool(t, cs, "invite_reject", map[string]any{"room_id": invitedRoom})
	assert.False(t, result.IsError)
}

func TestInviteAccept_Unknown(t *testing.T) {
	cs, _, _ := testSetup(t)
	result := callTool(t, cs, "invite_accept", map[string]any{"room_id": testRoom})
	assert.True(t, result.IsError)
}

// --- backup ---

func TestBackupEnable_RequiresOneCredential(t *testing.T) {
	cs, _, _ := testSetup(t)

	result := callTool(t, cs, "backup_enable", nil)
	assert.True(t, result.IsError)

	result = callTool(t, cs, "backup_enable", map[string]any{"security_phrase": "a", "recovery_key": "b"})
	assert.True(t, result.IsError)
}

func TestBackupDisable(t *testing.T) {
	cs, _, s := testSetup(t)

	result := callTool(t, cs, "backup_disable", nil)
	assert.False(t, result.IsError)
	assert.False(t, s.BackupEnabled())
}

func TestKeysRetry_BackupDisabled(t *testing.T) {
	cs, _, _ := testSetup(t)
	result := callTool(t, cs, "keys_retry", map[string]any{"room_id": testRoom})
	assert.True(t, result.IsError)
}

// --- gap_fill ---

func TestGapFill(t *testing.T) {
	cs, api, _ := testSetup(t)

	api.EXPECT().Messages(gomock.Any(), testRoom, matrix.MessagesOptions{From: "p1", Dir: matrix.Backward, Limit: 30}).
		Return(&matrix.MessagesResponse{
			Start: "p1",
			Chunk: []matrix.Event{message(t, "$1", "first", 1000)},
		}, nil)

	result := callTool(t, cs, "gap_fill", map[string]any{"room_id": testRoom})
	assert.False(t, result.IsError)

	var out TimelineResult
	extractJSON(t, result, &out)

	assert.Equal(t, []string{"$1", "$2"}, eventIDs(out.Entries))
}

// --- devices_list ---

func TestDevicesList(t *testing.T) {
	cs, api, _ := testSetup(t)

	api.EXPECT().QueryKeys(gomock.Any(), gomock.Any()).Return(&matrix.QueryKeysResponse{}, nil).AnyTimes()

	result := callTool(t, cs, "devices_list", map[string]any{"user_id": bob})
	assert.False(t, result.IsError)

	var out DevicesListResult
	extractJSON(t, result, &out)

	assert.Equal(t, bob, out.UserID)
	assert.Empty(t, out.Devices)
}
