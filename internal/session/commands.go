package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/ssss"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// AcceptInvite joins an invited room. The invite is removed once the
// join arrives in sync.
func (s *Session) AcceptInvite(ctx context.Context, roomID string) error {
	if !s.hasInvite(roomID) {
		return fmt.Errorf("%w: %s", apperrors.ErrInviteNotFound, roomID)
	}

	if _, err := s.api.Join(ctx, roomID); err != nil {
		return fmt.Errorf("joining %s: %w", roomID, err)
	}

	s.logger.Info("invite accepted", slog.String("room_id", roomID))

	return nil
}

// RejectInvite leaves an invited room. The invite is removed once the
// leave arrives in sync.
func (s *Session) RejectInvite(ctx context.Context, roomID string) error {
	if !s.hasInvite(roomID) {
		return fmt.Errorf("%w: %s", apperrors.ErrInviteNotFound, roomID)
	}

	if err := s.api.Leave(ctx, roomID); err != nil {
		return fmt.Errorf("leaving %s: %w", roomID, err)
	}

	s.logger.Info("invite rejected", slog.String("room_id", roomID))

	return nil
}

// EnableBackup enables the session backup with the secret storage
// passphrase or recovery key of the user.
func (s *Session) EnableBackup(ctx context.Context, credential string, kind ssss.CredentialKind) error {
	if err := s.backup.EnableWithSecretStorage(ctx, s.secrets, credential, kind); err != nil {
		return fmt.Errorf("enabling backup: %w", err)
	}

	return nil
}

// DisableBackup forgets the backup key.
func (s *Session) DisableBackup() error {
	if err := s.backup.Disable(); err != nil {
		return fmt.Errorf("disabling backup: %w", err)
	}

	return nil
}

// BackupEnabled reports whether a backup key is active.
func (s *Session) BackupEnabled() bool { return s.backup.Enabled() }

// RetryKeys restores the keys of a room that events are still waiting
// for from the backup and decrypts those events again. It returns the
// number of keys restored.
func (s *Session) RetryKeys(ctx context.Context, roomID string) (int, error) {
	if !s.backup.Enabled() {
		return 0, apperrors.ErrBackupDisabled
	}

	r, err := s.Room(roomID)
	if err != nil {
		return 0, err
	}

	enc := r.Encryption()
	if enc == nil {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrEncryptionSetup, roomID)
	}

	var missing []storage.InboundGroupSession

	err = s.storage.View(func(txn *storage.Txn) error {
		sessions, err := txn.InboundGroupSessions().GetAllForRoom(roomID)
		if err != nil {
			return err
		}

		for _, igs := range sessions {
			if !igs.HasSession() && len(igs.EventIDs) > 0 {
				missing = append(missing, igs)
			}
		}

		return nil
	}, storage.StoreInboundGroupSessions)
	if err != nil {
		return 0, fmt.Errorf("reading room keys: %w", err)
	}

	var keys []*group.RoomKey

	for _, igs := range missing {
		key, err := s.backup.GetRoomKey(ctx, roomID, igs.SessionID)
		if err != nil {
			return 0, err
		}

		if key != nil && key.SenderKey == igs.SenderKey {
			keys = append(keys, key)
		}
	}

	if len(keys) == 0 {
		return 0, nil
	}

	if err := enc.WriteRoomKeys(ctx, keys); err != nil {
		return 0, fmt.Errorf("writing room keys: %w", err)
	}

	return len(keys), nil
}

// Devices returns the known devices of userID, refreshing the list
// first when it is outdated.
func (s *Session) Devices(ctx context.Context, userID string) ([]storage.DeviceIdentity, error) {
	devices, err := s.tracker.DevicesForUsers(ctx, []string{userID})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	return devices, nil
}
