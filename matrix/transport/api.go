package transport

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// ScheduledAPI routes every homeserver call through a RequestScheduler.
// The long-poll Sync call is not rate limited by servers in practice but
// still goes through the scheduler so Stop aborts it.
type ScheduledAPI struct {
	api       matrix.HomeServerAPI
	scheduler *RequestScheduler
}

// Compile-time check: *ScheduledAPI implements matrix.HomeServerAPI.
var _ matrix.HomeServerAPI = (*ScheduledAPI)(nil)

// NewScheduledAPI wraps api with the given scheduler.
func NewScheduledAPI(api matrix.HomeServerAPI, scheduler *RequestScheduler) *ScheduledAPI {
	return &ScheduledAPI{api: api, scheduler: scheduler}
}

func (a *ScheduledAPI) Versions(ctx context.Context) (*matrix.VersionsResponse, error) {
	return Schedule(ctx, a.scheduler, "versions", a.api.Versions)
}

func (a *ScheduledAPI) Login(ctx context.Context, req matrix.LoginRequest) (*matrix.LoginResponse, error) {
	return Schedule(ctx, a.scheduler, "login", func(ctx context.Context) (*matrix.LoginResponse, error) {
		return a.api.Login(ctx, req)
	})
}

func (a *ScheduledAPI) Sync(ctx context.Context, opts matrix.SyncOptions) (*matrix.SyncResponse, error) {
	return Schedule(ctx, a.scheduler, "sync", func(ctx context.Context) (*matrix.SyncResponse, error) {
		return a.api.Sync(ctx, opts)
	})
}

func (a *ScheduledAPI) Messages(ctx context.Context, roomID string, opts matrix.MessagesOptions) (*matrix.MessagesResponse, error) {
	return Schedule(ctx, a.scheduler, "messages", func(ctx context.Context) (*matrix.MessagesResponse, error) {
		return a.api.Messages(ctx, roomID, opts)
	})
}

func (a *ScheduledAPI) Members(ctx context.Context, roomID string) (*matrix.MembersResponse, error) {
	return Schedule(ctx, a.scheduler, "members", func(ctx context.Context) (*matrix.MembersResponse, error) {
		return a.api.Members(ctx, roomID)
	})
}

func (a *ScheduledAPI) Send(ctx context.Context, roomID, eventType, txnID string, content any) (*matrix.SendResponse, error) {
	return Schedule(ctx, a.scheduler, "send", func(ctx context.Context) (*matrix.SendResponse, error) {
		return a.api.Send(ctx, roomID, eventType, txnID, content)
	})
}

func (a *ScheduledAPI) Redact(ctx context.Context, roomID, eventID, txnID, reason string) (*matrix.SendResponse, error) {
	return Schedule(ctx, a.scheduler, "redact", func(ctx context.Context) (*matrix.SendResponse, error) {
		return a.api.Redact(ctx, roomID, eventID, txnID, reason)
	})
}

func (a *ScheduledAPI) SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]any) error {
	return a.scheduler.Do(ctx, "sendToDevice", func(ctx context.Context) error {
		return a.api.SendToDevice(ctx, eventType, txnID, messages)
	})
}

func (a *ScheduledAPI) QueryKeys(ctx context.Context, req matrix.QueryKeysRequest) (*matrix.QueryKeysResponse, error) {
	return Schedule(ctx, a.scheduler, "queryKeys", func(ctx context.Context) (*matrix.QueryKeysResponse, error) {
		return a.api.QueryKeys(ctx, req)
	})
}

func (a *ScheduledAPI) ClaimKeys(ctx context.Context, req matrix.ClaimKeysRequest) (*matrix.ClaimKeysResponse, error) {
	return Schedule(ctx, a.scheduler, "claimKeys", func(ctx context.Context) (*matrix.ClaimKeysResponse, error) {
		return a.api.ClaimKeys(ctx, req)
	})
}

func (a *ScheduledAPI) UploadKeys(ctx context.Context, req matrix.UploadKeysRequest) (*matrix.UploadKeysResponse, error) {
	return Schedule(ctx, a.scheduler, "uploadKeys", func(ctx context.Context) (*matrix.UploadKeysResponse, error) {
		return a.api.UploadKeys(ctx, req)
	})
}

func (a *ScheduledAPI) RoomKeysVersion(ctx context.Context, version string) (*matrix.KeyBackupVersion, error) {
	return Schedule(ctx, a.scheduler, "roomKeysVersion", func(ctx context.Context) (*matrix.KeyBackupVersion, error) {
		return a.api.RoomKeysVersion(ctx, version)
	})
}

func (a *ScheduledAPI) RoomKeyForSession(ctx context.Context, version, roomID, sessionID string) (*matrix.KeyBackupData, error) {
	return Schedule(ctx, a.scheduler, "roomKeyForSession", func(ctx context.Context) (*matrix.KeyBackupData, error) {
		return a.api.RoomKeyForSession(ctx, version, roomID, sessionID)
	})
}

func (a *ScheduledAPI) UploadRoomKeys(ctx context.Context, version string, keys matrix.RoomKeysUpload) error {
	return a.scheduler.Do(ctx, "uploadRoomKeys", func(ctx context.Context) error {
		return a.api.UploadRoomKeys(ctx, version, keys)
	})
}

func (a *ScheduledAPI) Join(ctx context.Context, roomIDOrAlias string) (*matrix.JoinResponse, error) {
	return Schedule(ctx, a.scheduler, "join", func(ctx context.Context) (*matrix.JoinResponse, error) {
		return a.api.Join(ctx, roomIDOrAlias)
	})
}

func (a *ScheduledAPI) Leave(ctx context.Context, roomID string) error {
	return a.scheduler.Do(ctx, "leave", func(ctx context.Context) error {
		return a.api.Leave(ctx, roomID)
	})
}

func (a *ScheduledAPI) AccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error) {
	return Schedule(ctx, a.scheduler, "accountData", func(ctx context.Context) (json.RawMessage, error) {
		return a.api.AccountData(ctx, userID, eventType)
	})
}
