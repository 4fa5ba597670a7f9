// Package backup reads and writes the server-side key backup
// (m.megolm_backup.v1.curve25519-aes-sha2).
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/ssss"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// uploadBatchSize is the number of sessions uploaded per request.
const uploadBatchSize = 50

var (
	ErrBackupKeyMismatch = errors.New("backup key does not match backup public key")
	ErrUnsupportedBackup = errors.New("unsupported key backup algorithm")
	ErrNotEnabled        = errors.New("key backup not enabled")
)

var uploadStores = []storage.StoreName{storage.StoreSessionsNeedingBackup, storage.StoreInboundGroupSessions}

// Options configures a SessionBackup.
type Options struct {
	API       matrix.HomeServerAPI
	Storage   *storage.Storage
	PickleKey []byte
	Logger    *slog.Logger
}

// SessionBackup fetches room keys from the key backup and uploads new
// sessions to it.
type SessionBackup struct {
	api       matrix.HomeServerAPI
	storage   *storage.Storage
	pickleKey []byte
	logger    *slog.Logger

	mu         sync.RWMutex
	version    string
	decryption *olm.PkDecryption
	encryption *olm.PkEncryption

	lookups singleflight.Group
	flushMu sync.Mutex
}

// New creates a disabled SessionBackup.
func New(opts Options) *SessionBackup {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionBackup{api: opts.API, storage: opts.Storage, pickleKey: opts.PickleKey, logger: logger}
}

// Restore enables the backup persisted by an earlier Enable. It reports
// whether a backup was restored.
func (b *SessionBackup) Restore(txn *storage.Txn) (bool, error) {
	var version, key string

	ok, err := txn.Session().Get(storage.SessionKeyBackupVersion, &version)
	if err != nil || !ok {
		return false, err
	}

	if _, err := txn.Session().Get(storage.SessionKeyBackupKey, &key); err != nil {
		return false, err
	}

	private, err := olm.Decode(key)
	if err != nil {
		return false, err
	}

	dec, err := olm.NewPkDecryptionFromPrivateKey(private)
	if err != nil {
		return false, err
	}

	enc, err := olm.NewPkEncryption(dec.PublicKey())
	if err != nil {
		return false, err
	}

	b.set(version, dec, enc)

	return true, nil
}

// EnableWithSecretStorage unlocks secret storage with the user's
// credential and enables the backup with the key stored there.
func (b *SessionBackup) EnableWithSecretStorage(ctx context.Context, ss *ssss.SecretStorage, credential string, kind ssss.CredentialKind) error {
	key, err := ss.Unlock(ctx, credential, kind)
	if err != nil {
		return err
	}

	secret, err := ss.ReadSecret(ctx, key, matrix.SecretMegolmBackup)
	if err != nil {
		return err
	}

	private, err := olm.Decode(string(secret))
	if err != nil {
		return fmt.Errorf("decoding backup key: %w", err)
	}

	return b.Enable(ctx, private)
}

// Enable enables the current backup with its private key after checking
// the key against the backup's public key.
func (b *SessionBackup) Enable(ctx context.Context, private []byte) error {
	info, err := b.api.RoomKeysVersion(ctx, "")
	if err != nil {
		return err
	}

	if info.Algorithm != common.AlgorithmBackup {
		return fmt.Errorf("%w: %s", ErrUnsupportedBackup, info.Algorithm)
	}

	dec, err := olm.NewPkDecryptionFromPrivateKey(private)
	if err != nil {
		return err
	}

	if pub := gjson.GetBytes(info.AuthData, "public_key").String(); pub != dec.PublicKey() {
		return ErrBackupKeyMismatch
	}

	enc, err := olm.NewPkEncryption(dec.PublicKey())
	if err != nil {
		return err
	}

	err = b.storage.Update(func(txn *storage.Txn) error {
		if err := txn.Session().Set(storage.SessionKeyBackupVersion, info.Version); err != nil {
			return err
		}

		return txn.Session().Set(storage.SessionKeyBackupKey, olm.Encode(private))
	}, storage.StoreSession)
	if err != nil {
		return err
	}

	b.set(info.Version, dec, enc)
	b.logger.Info("key backup enabled", slog.String("version", info.Version))

	return nil
}

// Disable forgets the backup key.
func (b *SessionBackup) Disable() error {
	err := b.storage.Update(func(txn *storage.Txn) error {
		if err := txn.Session().Remove(storage.SessionKeyBackupVersion); err != nil {
			return err
		}

		return txn.Session().Remove(storage.SessionKeyBackupKey)
	}, storage.StoreSession)
	if err != nil {
		return err
	}

	b.set("", nil, nil)
	b.logger.Info("key backup disabled")

	return nil
}

func (b *SessionBackup) set(version string, dec *olm.PkDecryption, enc *olm.PkEncryption) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version, b.decryption, b.encryption = version, dec, enc
}

// Enabled reports whether a backup key is loaded.
func (b *SessionBackup) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.decryption != nil
}

// Version returns the enabled backup version, or "".
func (b *SessionBackup) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.version
}

// GetRoomKey fetches and decrypts the backed-up key of a session. It
// returns nil when the backup holds no such session. Concurrent lookups
// of the same session share one request.
func (b *SessionBackup) GetRoomKey(ctx context.Context, roomID, sessionID string) (*group.RoomKey, error) {
	b.mu.RLock()
	version, dec := b.version, b.decryption
	b.mu.RUnlock()

	if dec == nil {
		return nil, ErrNotEnabled
	}

	// The shared request outlives any one caller's cancellation; each
	// caller still stops waiting when its own ctx is done.
	flightCtx := context.WithoutCancel(ctx)

	ch := b.lookups.DoChan(roomID+"|"+sessionID, func() (any, error) {
		data, err := b.api.RoomKeyForSession(flightCtx, version, roomID, sessionID)
		if matrix.IsHomeServerError(err, matrix.ErrCodeNotFound) {
			return (*group.RoomKey)(nil), nil
		}

		if err != nil {
			return nil, err
		}

		plaintext, err := decryptSessionData(dec, data.SessionData)
		if err != nil {
			return nil, fmt.Errorf("decrypting backed-up session %s: %w", sessionID, err)
		}

		return group.RoomKeyFromBackup(roomID, sessionID, plaintext)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*group.RoomKey), nil
	}
}

func decryptSessionData(dec *olm.PkDecryption, sessionData json.RawMessage) (json.RawMessage, error) {
	d := gjson.ParseBytes(sessionData)

	plaintext, err := dec.Decrypt(d.Get("ephemeral").String(), d.Get("mac").String(), d.Get("ciphertext").String())
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(plaintext) {
		return nil, fmt.Errorf("backed-up session is not JSON")
	}

	return plaintext, nil
}

// FlushPendingKeys uploads every session waiting in the backup queue
// and returns how many were uploaded. It does nothing while the backup
// is disabled.
func (b *SessionBackup) FlushPendingKeys(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.RLock()
	version, enc := b.version, b.encryption
	b.mu.RUnlock()

	if enc == nil {
		return 0, nil
	}

	total := 0

	for {
		upload, entries, uploaded, err := b.prepareBatch(enc)
		if err != nil {
			return total, err
		}

		if len(entries) == 0 {
			return total, nil
		}

		if len(upload.Rooms) > 0 {
			if err := b.api.UploadRoomKeys(ctx, version, upload); err != nil {
				return total, err
			}
		}

		if err := b.markBackedUp(entries, uploaded); err != nil {
			return total, err
		}

		total += len(entries)
		b.logger.Debug("uploaded room keys to backup", slog.Int("count", len(entries)))
	}
}

// prepareBatch encrypts the next queued sessions. uploaded holds the
// first known index each uploaded session was exported at.
func (b *SessionBackup) prepareBatch(enc *olm.PkEncryption) (matrix.RoomKeysUpload, []storage.BackupEntry, map[storage.BackupEntry]uint32, error) {
	upload := matrix.RoomKeysUpload{Rooms: make(map[string]matrix.RoomKeyBackup)}
	uploaded := make(map[storage.BackupEntry]uint32)

	var entries []storage.BackupEntry

	err := b.storage.View(func(txn *storage.Txn) error {
		var err error

		entries, err = txn.SessionsNeedingBackup().GetFirst(uploadBatchSize)
		if err != nil {
			return err
		}

		for _, e := range entries {
			igs, err := txn.InboundGroupSessions().Get(e.RoomID, e.SenderKey, e.SessionID)
			if err != nil {
				return err
			}

			if igs == nil || !igs.HasSession() {
				continue
			}

			data, err := b.encryptSession(enc, igs)
			if err != nil {
				return err
			}

			room, ok := upload.Rooms[e.RoomID]
			if !ok {
				room = matrix.RoomKeyBackup{Sessions: make(map[string]matrix.KeyBackupData)}
				upload.Rooms[e.RoomID] = room
			}

			room.Sessions[e.SessionID] = data
			uploaded[e] = data.FirstMessageIndex
		}

		return nil
	}, uploadStores...)

	return upload, entries, uploaded, err
}

func (b *SessionBackup) encryptSession(enc *olm.PkEncryption, igs *storage.InboundGroupSession) (matrix.KeyBackupData, error) {
	s, err := olm.UnpickleInboundGroupSession(string(igs.Session), b.pickleKey)
	if err != nil {
		return matrix.KeyBackupData{}, err
	}

	exported, err := s.Export(s.FirstKnownIndex())
	if err != nil {
		return matrix.KeyBackupData{}, err
	}

	plaintext, err := json.Marshal(map[string]any{
		"algorithm":                       common.AlgorithmMegolm,
		"sender_key":                      igs.SenderKey,
		"session_key":                     exported,
		"sender_claimed_keys":             igs.ClaimedKeys,
		"forwarding_curve25519_key_chain": []string{},
	})
	if err != nil {
		return matrix.KeyBackupData{}, err
	}

	ciphertext, mac, ephemeral, err := enc.Encrypt(plaintext)
	if err != nil {
		return matrix.KeyBackupData{}, err
	}

	sessionData, err := json.Marshal(map[string]string{"ciphertext": ciphertext, "mac": mac, "ephemeral": ephemeral})
	if err != nil {
		return matrix.KeyBackupData{}, err
	}

	return matrix.KeyBackupData{
		FirstMessageIndex: s.FirstKnownIndex(),
		SessionData:       sessionData,
	}, nil
}

// markBackedUp dequeues the uploaded sessions. A session whose stored
// key is now better than the one uploaded stays queued for the next
// batch.
func (b *SessionBackup) markBackedUp(entries []storage.BackupEntry, uploaded map[storage.BackupEntry]uint32) error {
	return b.storage.Update(func(txn *storage.Txn) error {
		for _, e := range entries {
			igs, err := txn.InboundGroupSessions().Get(e.RoomID, e.SenderKey, e.SessionID)
			if err != nil {
				return err
			}

			if igs != nil && igs.HasSession() {
				index, ok := uploaded[e]
				if !ok || igs.FirstKnownIndex < index {
					continue
				}
			}

			if err := txn.SessionsNeedingBackup().Remove(e); err != nil {
				return err
			}

			if igs == nil {
				continue
			}

			igs.Backup = storage.BackupBackedUp
			if err := txn.InboundGroupSessions().Set(igs); err != nil {
				return err
			}
		}

		return nil
	}, uploadStores...)
}
