// Package account manages the device's Olm account: its identity keys,
// the one-time keys published to the homeserver and the signatures made
// with it.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/worker"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// KeyAlgorithm is the algorithm of published one-time and fallback keys.
const KeyAlgorithm = "signed_curve25519"

// persisted is the session store value of the account.
type persisted struct {
	Pickle             string `json:"pickle"`
	DeviceKeysUploaded bool   `json:"deviceKeysUploaded"`
	ServerOTKCount     int    `json:"serverOTKCount"`
	FallbackNeeded     bool   `json:"fallbackNeeded"`
}

// Options identify the account's device.
type Options struct {
	UserID    string
	DeviceID  string
	PickleKey []byte

	// Pool creates the account off the calling goroutine when set.
	Pool *worker.Pool

	Logger *slog.Logger
}

// Account is the device's Olm account. It is safe for concurrent use.
type Account struct {
	userID    string
	deviceID  string
	pickleKey []byte
	keys      olm.IdentityKeys
	logger    *slog.Logger

	uploadMu sync.Mutex

	mu                 sync.Mutex
	olm                *olm.Account
	deviceKeysUploaded bool
	serverOTKCount     int
	fallbackNeeded     bool
}

func newAccount(opts Options, acct *olm.Account, p persisted) *Account {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Account{
		userID:             opts.UserID,
		deviceID:           opts.DeviceID,
		pickleKey:          opts.PickleKey,
		keys:               acct.IdentityKeys(),
		logger:             opts.Logger,
		olm:                acct,
		deviceKeysUploaded: p.DeviceKeysUploaded,
		serverOTKCount:     p.ServerOTKCount,
		fallbackNeeded:     p.FallbackNeeded,
	}
}

// Load restores the account from the session store. It returns nil
// when no account has been created yet.
func Load(txn *storage.Txn, opts Options) (*Account, error) {
	var p persisted

	ok, err := txn.Session().Get(storage.SessionKeyOlmAccount, &p)
	if err != nil || !ok {
		return nil, err
	}

	acct, err := olm.UnpickleAccount(p.Pickle, opts.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickling olm account: %w", err)
	}

	return newAccount(opts, acct, p), nil
}

// Create generates a new account and stores it.
func Create(ctx context.Context, st *storage.Storage, opts Options) (*Account, error) {
	acct, err := generate(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating olm account: %w", err)
	}

	a := newAccount(opts, acct, persisted{FallbackNeeded: true})

	err = st.Update(func(txn *storage.Txn) error {
		return a.persist(txn)
	}, storage.StoreSession)
	if err != nil {
		return nil, err
	}

	a.logger.Info("created olm account", slog.String("curve25519", a.keys.Curve25519))

	return a, nil
}

func generate(ctx context.Context, opts Options) (*olm.Account, error) {
	if opts.Pool == nil {
		return olm.NewAccount()
	}

	var reply worker.CreateAccountReply

	req := worker.CreateAccountRequest{PickleKey: opts.PickleKey}
	if err := opts.Pool.Call(ctx, worker.TypeOlmCreateAccount, req, &reply); err != nil {
		return nil, err
	}

	return olm.UnpickleAccount(reply.Pickle, opts.PickleKey)
}

// persist writes the account. Callers hold a.mu or own a fresh account.
func (a *Account) persist(txn *storage.Txn) error {
	return a.persistState(txn, a.olm, a.serverOTKCount, a.fallbackNeeded)
}

func (a *Account) persistState(txn *storage.Txn, acct *olm.Account, otkCount int, fallbackNeeded bool) error {
	pickled, err := acct.Pickle(a.pickleKey)
	if err != nil {
		return fmt.Errorf("pickling olm account: %w", err)
	}

	return txn.Session().Set(storage.SessionKeyOlmAccount, persisted{
		Pickle:             pickled,
		DeviceKeysUploaded: a.deviceKeysUploaded,
		ServerOTKCount:     otkCount,
		FallbackNeeded:     fallbackNeeded,
	})
}

func (a *Account) UserID() string   { return a.userID }
func (a *Account) DeviceID() string { return a.deviceID }

// IdentityKeys returns the device's public identity keys.
func (a *Account) IdentityKeys() olm.IdentityKeys {
	return a.keys
}

// Sign signs message with the device's ed25519 key.
func (a *Account) Sign(message []byte) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.olm.Sign(message)
}

// SignObject signs a JSON object as this device.
func (a *Account) SignObject(obj any) (map[string]any, error) {
	return common.SignObject(a, a.userID, a.deviceID, obj)
}

// DeviceKeys returns the signed device keys object.
func (a *Account) DeviceKeys() (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.deviceKeysLocked()
}

// NeedsUpload reports whether UploadKeys has work to do.
func (a *Account) NeedsUpload() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return !a.deviceKeysUploaded || a.fallbackNeeded || a.serverOTKCount < a.olm.MaxNumberOfOneTimeKeys()/2
}

// UploadKeys publishes the device keys once and tops up the server's
// one-time keys to half of what the account can hold.
func (a *Account) UploadKeys(ctx context.Context, api matrix.HomeServerAPI, st *storage.Storage) error {
	a.uploadMu.Lock()
	defer a.uploadMu.Unlock()

	req, err := a.prepareUpload()
	if err != nil || req == nil {
		return err
	}

	resp, err := api.UploadKeys(ctx, *req)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.olm.MarkKeysAsPublished()
	a.deviceKeysUploaded = true
	a.serverOTKCount = resp.OneTimeKeyCounts[KeyAlgorithm]

	if len(req.FallbackKeys) > 0 {
		a.fallbackNeeded = false
	}

	a.logger.Debug("uploaded keys",
		slog.Int("one_time_keys", len(req.OneTimeKeys)),
		slog.Int("server_count", a.serverOTKCount))

	return st.Update(a.persist, storage.StoreSession)
}

func (a *Account) prepareUpload() (*matrix.UploadKeysRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := &matrix.UploadKeysRequest{}

	if !a.deviceKeysUploaded {
		dk, err := a.deviceKeysLocked()
		if err != nil {
			return nil, err
		}

		req.DeviceKeys = dk
	}

	target := a.olm.MaxNumberOfOneTimeKeys() / 2
	if missing := target - a.serverOTKCount - len(a.olm.UnpublishedOneTimeKeys()); missing > 0 {
		if err := a.olm.GenerateOneTimeKeys(missing); err != nil {
			return nil, err
		}
	}

	otks, err := a.signKeysLocked(a.olm.UnpublishedOneTimeKeys(), false)
	if err != nil {
		return nil, err
	}

	if len(otks) > 0 {
		req.OneTimeKeys = otks
	}

	if a.fallbackNeeded {
		if len(a.olm.UnpublishedFallbackKey()) == 0 {
			if err := a.olm.GenerateFallbackKey(); err != nil {
				return nil, err
			}
		}

		fks, err := a.signKeysLocked(a.olm.UnpublishedFallbackKey(), true)
		if err != nil {
			return nil, err
		}

		req.FallbackKeys = fks
	}

	if req.DeviceKeys == nil && req.OneTimeKeys == nil && req.FallbackKeys == nil {
		return nil, nil
	}

	return req, nil
}

// lockedSigner signs while a.mu is already held.
type lockedSigner struct{ a *Account }

func (s lockedSigner) Sign(message []byte) string      { return s.a.olm.Sign(message) }
func (s lockedSigner) IdentityKeys() olm.IdentityKeys { return s.a.keys }

func (a *Account) deviceKeysLocked() (map[string]any, error) {
	return common.SignObject(lockedSigner{a}, a.userID, a.deviceID, map[string]any{
		"user_id":    a.userID,
		"device_id":  a.deviceID,
		"algorithms": common.SupportedAlgorithms,
		"keys": map[string]string{
			"ed25519:" + a.deviceID:    a.keys.Ed25519,
			"curve25519:" + a.deviceID: a.keys.Curve25519,
		},
	})
}

func (a *Account) signKeysLocked(keys map[string]string, fallback bool) (map[string]any, error) {
	out := make(map[string]any, len(keys))

	for id, pub := range keys {
		obj := map[string]any{"key": pub}
		if fallback {
			obj["fallback"] = true
		}

		signed, err := common.SignObject(lockedSigner{a}, a.userID, a.deviceID, obj)
		if err != nil {
			return nil, err
		}

		out[KeyAlgorithm+":"+id] = signed
	}

	return out, nil
}

// CreateOutboundOlmSession starts an Olm session towards a device.
func (a *Account) CreateOutboundOlmSession(theirIdentityKey, theirOneTimeKey string) (*olm.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.olm.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
}

// CreateInboundOlmSession creates a session from a pre-key message. The
// one-time key stays in the account until an Update removing it is
// applied.
func (a *Account) CreateInboundOlmSession(senderKey, body string) (*olm.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.olm.NewInboundSession(senderKey, body)
}

// HasOneTimeKey reports whether the base64 public key is an unconsumed
// one-time key.
func (a *Account) HasOneTimeKey(publicKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.olm.HasOneTimeKey(publicKey)
}

// PickleKey returns the key used to pickle sessions of this account.
func (a *Account) PickleKey() []byte {
	return a.pickleKey
}
