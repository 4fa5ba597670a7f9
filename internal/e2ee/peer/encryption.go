package peer

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/lockmap"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// claimTimeout is passed to the homeserver for /keys/claim, in ms.
const claimTimeout = 10000

// Encryption encrypts to-device payloads for peer devices, creating
// Olm sessions on demand.
type Encryption struct {
	account *account.Account
	api     matrix.HomeServerAPI
	storage *storage.Storage
	locks   *lockmap.LockMap[string]
	now     func() time.Time
	logger  *slog.Logger
}

// NewEncryption creates an Encryption.
func NewEncryption(acct *account.Account, api matrix.HomeServerAPI, st *storage.Storage, locks *lockmap.LockMap[string], logger *slog.Logger) *Encryption {
	if logger == nil {
		logger = slog.Default()
	}

	return &Encryption{account: acct, api: api, storage: st, locks: locks, now: time.Now, logger: logger}
}

// EncryptedMessage is the m.room.encrypted content for one device.
type EncryptedMessage struct {
	Device  storage.DeviceIdentity
	Content map[string]any
}

// EncryptResult holds the messages and the devices for which no session
// could be established.
type EncryptResult struct {
	Messages []EncryptedMessage
	Failed   []storage.DeviceIdentity
}

type deviceSession struct {
	device  storage.DeviceIdentity
	record  storage.OlmSession
	session *olm.Session
}

// Encrypt encrypts an event for every device. Devices without a session
// get one from a claimed one-time key; those for which no key could be
// claimed are reported in Failed.
func (e *Encryption) Encrypt(ctx context.Context, eventType string, content any, devices []storage.DeviceIdentity) (*EncryptResult, error) {
	keys := make([]string, 0, len(devices))
	for _, d := range devices {
		keys = append(keys, d.Curve25519Key)
	}

	release, err := e.locks.LockAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	sessions, missing, err := e.findExistingSessions(devices)
	if err != nil {
		return nil, err
	}

	result := &EncryptResult{}

	if len(missing) > 0 {
		created, failed, err := e.createNewSessions(ctx, missing)
		if err != nil {
			return nil, err
		}

		sessions = append(sessions, created...)
		result.Failed = failed
	}

	now := e.now().UnixMilli()

	for _, ds := range sessions {
		msg, err := e.encryptFor(ds, eventType, content)
		if err != nil {
			return nil, fmt.Errorf("encrypting for %s/%s: %w", ds.device.UserID, ds.device.DeviceID, err)
		}

		ds.record.LastUsed = now
		result.Messages = append(result.Messages, msg)
	}

	err = e.storage.Update(func(txn *storage.Txn) error {
		for _, ds := range sessions {
			pickled, err := ds.session.Pickle(e.account.PickleKey())
			if err != nil {
				return err
			}

			ds.record.Session = []byte(pickled)

			if err := txn.OlmSessions().Set(&ds.record); err != nil {
				return err
			}
		}

		return nil
	}, storage.StoreOlmSessions)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Encryption) findExistingSessions(devices []storage.DeviceIdentity) ([]*deviceSession, []storage.DeviceIdentity, error) {
	var (
		found   []*deviceSession
		missing []storage.DeviceIdentity
	)

	err := e.storage.View(func(txn *storage.Txn) error {
		for _, d := range devices {
			records, err := txn.OlmSessions().GetAll(d.Curve25519Key)
			if err != nil {
				return err
			}

			if len(records) == 0 {
				missing = append(missing, d)
				continue
			}

			newest := slices.MaxFunc(records, func(a, b storage.OlmSession) int {
				return cmp.Compare(a.LastUsed, b.LastUsed)
			})

			s, err := olm.UnpickleSession(string(newest.Session), e.account.PickleKey())
			if err != nil {
				e.logger.Warn("unreadable olm session, creating new one",
					slog.String("device", d.DeviceID),
					slog.String("error", err.Error()))
				missing = append(missing, d)

				continue
			}

			found = append(found, &deviceSession{device: d, record: newest, session: s})
		}

		return nil
	}, storage.StoreOlmSessions)

	return found, missing, err
}

// createNewSessions claims a one-time key per device, checks its
// signature and starts an outbound session with it.
func (e *Encryption) createNewSessions(ctx context.Context, devices []storage.DeviceIdentity) ([]*deviceSession, []storage.DeviceIdentity, error) {
	req := matrix.ClaimKeysRequest{OneTimeKeys: make(map[string]map[string]string), Timeout: claimTimeout}

	for _, d := range devices {
		if req.OneTimeKeys[d.UserID] == nil {
			req.OneTimeKeys[d.UserID] = make(map[string]string)
		}

		req.OneTimeKeys[d.UserID][d.DeviceID] = account.KeyAlgorithm
	}

	resp, err := e.api.ClaimKeys(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var (
		created []*deviceSession
		failed  []storage.DeviceIdentity
	)

	for _, d := range devices {
		otk, err := claimedKey(resp, d)
		if err != nil {
			e.logger.Warn("no usable one-time key",
				slog.String("user", d.UserID),
				slog.String("device", d.DeviceID),
				slog.String("error", err.Error()))
			failed = append(failed, d)

			continue
		}

		s, err := e.account.CreateOutboundOlmSession(d.Curve25519Key, otk)
		if err != nil {
			e.logger.Warn("creating outbound olm session",
				slog.String("device", d.DeviceID),
				slog.String("error", err.Error()))
			failed = append(failed, d)

			continue
		}

		created = append(created, &deviceSession{
			device:  d,
			record:  storage.OlmSession{SenderKey: d.Curve25519Key, SessionID: s.ID()},
			session: s,
		})
	}

	return created, failed, nil
}

// claimedKey returns the verified one-time key claimed for d.
func claimedKey(resp *matrix.ClaimKeysResponse, d storage.DeviceIdentity) (string, error) {
	for keyID, raw := range resp.OneTimeKeys[d.UserID][d.DeviceID] {
		if !strings.HasPrefix(keyID, account.KeyAlgorithm+":") {
			continue
		}

		if err := common.VerifyEd25519Signature(raw, d.UserID, d.DeviceID, d.Ed25519Key); err != nil {
			return "", fmt.Errorf("one-time key %s: %w", keyID, err)
		}

		key := gjson.GetBytes(raw, "key").String()
		if key == "" {
			return "", fmt.Errorf("one-time key %s has no key", keyID)
		}

		return key, nil
	}

	return "", fmt.Errorf("no one-time key claimed")
}

func (e *Encryption) encryptFor(ds *deviceSession, eventType string, content any) (EncryptedMessage, error) {
	ourKeys := e.account.IdentityKeys()

	payload, err := json.Marshal(map[string]any{
		"type":           eventType,
		"content":        content,
		"sender":         e.account.UserID(),
		"sender_device":  e.account.DeviceID(),
		"keys":           map[string]string{"ed25519": ourKeys.Ed25519},
		"recipient":      ds.device.UserID,
		"recipient_keys": map[string]string{"ed25519": ds.device.Ed25519Key},
	})
	if err != nil {
		return EncryptedMessage{}, err
	}

	msgType, body, err := ds.session.Encrypt(payload)
	if err != nil {
		return EncryptedMessage{}, err
	}

	return EncryptedMessage{
		Device: ds.device,
		Content: map[string]any{
			"algorithm":  common.AlgorithmOlm,
			"sender_key": ourKeys.Curve25519,
			"ciphertext": map[string]any{
				ds.device.Curve25519Key: map[string]any{"type": msgType, "body": body},
			},
		},
	}, nil
}

// Messages groups encrypted messages as the to-device API expects:
// user id to device id to content.
func Messages(msgs []EncryptedMessage) map[string]map[string]any {
	out := make(map[string]map[string]any)

	for _, m := range msgs {
		if out[m.Device.UserID] == nil {
			out[m.Device.UserID] = make(map[string]any)
		}

		out[m.Device.UserID][m.Device.DeviceID] = m.Content
	}

	return out
}
