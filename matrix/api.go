package matrix

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -source=api.go -destination=mock_api.go -package=matrix

// HomeServerAPI is the subset of the Matrix client-server API used by
// the sync and encryption engine. *Client implements it; tests inject
// the generated MockHomeServerAPI.
type HomeServerAPI interface {
	Versions(ctx context.Context) (*VersionsResponse, error)
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)
	Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error)
	Messages(ctx context.Context, roomID string, opts MessagesOptions) (*MessagesResponse, error)
	Members(ctx context.Context, roomID string) (*MembersResponse, error)
	Send(ctx context.Context, roomID, eventType, txnID string, content any) (*SendResponse, error)
	Redact(ctx context.Context, roomID, eventID, txnID, reason string) (*SendResponse, error)
	SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]any) error
	QueryKeys(ctx context.Context, req QueryKeysRequest) (*QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, req ClaimKeysRequest) (*ClaimKeysResponse, error)
	UploadKeys(ctx context.Context, req UploadKeysRequest) (*UploadKeysResponse, error)
	RoomKeysVersion(ctx context.Context, version string) (*KeyBackupVersion, error)
	RoomKeyForSession(ctx context.Context, version, roomID, sessionID string) (*KeyBackupData, error)
	UploadRoomKeys(ctx context.Context, version string, keys RoomKeysUpload) error
	Join(ctx context.Context, roomIDOrAlias string) (*JoinResponse, error)
	Leave(ctx context.Context, roomID string) error
	AccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error)
}

// Compile-time check: *Client implements HomeServerAPI.
var _ HomeServerAPI = (*Client)(nil)
