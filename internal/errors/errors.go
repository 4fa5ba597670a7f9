package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid user id or password")
	ErrInvalidToken       = errors.New("invalid or expired access token")
	ErrNotLoggedIn        = errors.New("no stored session, login required")
)

// Engine errors.
var (
	ErrSyncStopped     = errors.New("sync stopped")
	ErrRoomNotFound    = errors.New("room not found")
	ErrInviteNotFound  = errors.New("invite not found")
	ErrBackupDisabled  = errors.New("session backup not enabled")
	ErrEncryptionSetup = errors.New("end-to-end encryption not set up")
)
