package ssss

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// CredentialKind tells how the user's secret is to be read.
type CredentialKind int

const (
	Passphrase CredentialKind = iota
	RecoveryKey
)

// AccountDataReader is the part of the homeserver API secret storage
// reads from.
type AccountDataReader interface {
	AccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error)
}

// SecretStorage reads secrets from the account data of a user.
type SecretStorage struct {
	api    AccountDataReader
	userID string
}

// New creates a SecretStorage for userID.
func New(api AccountDataReader, userID string) *SecretStorage {
	return &SecretStorage{api: api, userID: userID}
}

// DefaultKey returns the id and description of the default key.
func (s *SecretStorage) DefaultKey(ctx context.Context) (string, KeyDescription, error) {
	raw, err := s.api.AccountData(ctx, s.userID, matrix.SecretStorageDefaultKey)
	if err != nil {
		return "", KeyDescription{}, fmt.Errorf("reading default secret storage key: %w", err)
	}

	id := gjson.GetBytes(raw, "key").String()
	if id == "" {
		return "", KeyDescription{}, fmt.Errorf("default secret storage key has no id")
	}

	raw, err = s.api.AccountData(ctx, s.userID, "m.secret_storage.key."+id)
	if err != nil {
		return "", KeyDescription{}, fmt.Errorf("reading secret storage key %s: %w", id, err)
	}

	var desc KeyDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return "", KeyDescription{}, fmt.Errorf("decoding secret storage key %s: %w", id, err)
	}

	return id, desc, nil
}

// Unlock derives the default key from the user's passphrase or
// recovery key and checks it against the key description.
func (s *SecretStorage) Unlock(ctx context.Context, credential string, kind CredentialKind) (*Key, error) {
	id, desc, err := s.DefaultKey(ctx)
	if err != nil {
		return nil, err
	}

	if kind == RecoveryKey {
		return KeyFromRecoveryKey(id, desc, credential)
	}

	return KeyFromPassphrase(id, desc, credential)
}

// ReadSecret decrypts the secret stored under name.
func (s *SecretStorage) ReadSecret(ctx context.Context, key *Key, name string) ([]byte, error) {
	raw, err := s.api.AccountData(ctx, s.userID, name)
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", name, err)
	}

	entry := gjson.GetBytes(raw, "encrypted."+gjson.Escape(key.ID))
	if !entry.Exists() {
		return nil, fmt.Errorf("%w: %s %s", ErrSecretNotEncrypted, name, key.ID)
	}

	var secret EncryptedSecret
	if err := json.Unmarshal([]byte(entry.Raw), &secret); err != nil {
		return nil, fmt.Errorf("decoding secret %s: %w", name, err)
	}

	return key.Decrypt(name, secret)
}
