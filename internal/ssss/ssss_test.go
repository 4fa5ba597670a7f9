package ssss

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawKey(seed byte) []byte {
	raw := make([]byte, keyLength)
	for i := range raw {
		raw[i] = seed + byte(i)
	}

	return raw
}

func TestBase58_RoundTrip(t *testing.T) {
	for _, in := range [][]byte{{0}, {0, 0, 1}, {0xff, 0x10}, rawKey(7)} {
		out, err := decodeBase58(encodeBase58(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}

	_, err := decodeBase58("0OIl")
	assert.ErrorIs(t, err, ErrBadRecoveryKey)
}

func TestRecoveryKey_RoundTrip(t *testing.T) {
	raw := rawKey(1)

	desc, err := NewKeyDescription(raw, nil)
	require.NoError(t, err)

	encoded := EncodeRecoveryKey(raw)
	assert.Contains(t, encoded, " ")

	k, err := KeyFromRecoveryKey("id", desc, encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, k.raw)

	_, err = KeyFromRecoveryKey("id", desc, strings.ReplaceAll(encoded, " ", ""))
	require.NoError(t, err)
}

func TestRecoveryKey_RejectsBadParity(t *testing.T) {
	desc, err := NewKeyDescription(rawKey(1), nil)
	require.NoError(t, err)

	buf := append([]byte{}, recoveryKeyPrefix...)
	buf = append(buf, rawKey(1)...)
	buf = append(buf, 0x42)

	_, err = KeyFromRecoveryKey("id", desc, encodeBase58(buf))
	assert.ErrorIs(t, err, ErrBadRecoveryKey)
}

func TestRecoveryKey_WrongKeyFailsCheck(t *testing.T) {
	desc, err := NewKeyDescription(rawKey(1), nil)
	require.NoError(t, err)

	_, err = KeyFromRecoveryKey("id", desc, EncodeRecoveryKey(rawKey(2)))
	assert.ErrorIs(t, err, ErrWrongKey)
}

func TestKeyFromPassphrase(t *testing.T) {
	info := &PassphraseInfo{Algorithm: AlgorithmPBKDF2, Salt: "salt", Iterations: 10}

	derived, err := KeyFromPassphrase("id", KeyDescription{Algorithm: AlgorithmAESHMAC, Passphrase: info}, "correct horse")
	require.NoError(t, err)

	desc, err := NewKeyDescription(derived.raw, info)
	require.NoError(t, err)

	_, err = KeyFromPassphrase("id", desc, "correct horse")
	require.NoError(t, err)

	_, err = KeyFromPassphrase("id", desc, "wrong horse")
	assert.ErrorIs(t, err, ErrWrongKey)

	// NFKC folds the fullwidth form onto the ASCII passphrase.
	_, err = KeyFromPassphrase("id", desc, "ｃｏｒｒｅｃｔ horse")
	require.NoError(t, err)

	_, err = KeyFromPassphrase("id", KeyDescription{Algorithm: AlgorithmAESHMAC}, "x")
	assert.ErrorIs(t, err, ErrNoPassphrase)
}

func TestSecret_EncryptDecrypt(t *testing.T) {
	desc, err := NewKeyDescription(rawKey(3), nil)
	require.NoError(t, err)

	k, err := KeyFromRecoveryKey("id", desc, EncodeRecoveryKey(rawKey(3)))
	require.NoError(t, err)

	s, err := k.Encrypt("m.megolm_backup.v1", []byte("backup-secret"))
	require.NoError(t, err)

	out, err := k.Decrypt("m.megolm_backup.v1", s)
	require.NoError(t, err)
	assert.Equal(t, "backup-secret", string(out))

	_, err = k.Decrypt("other.name", s)
	assert.ErrorIs(t, err, ErrBadMAC)
}

type accountData map[string]json.RawMessage

func (a accountData) AccountData(_ context.Context, _, eventType string) (json.RawMessage, error) {
	raw, ok := a[eventType]
	if !ok {
		return nil, fmt.Errorf("no account data %s", eventType)
	}

	return raw, nil
}

func TestSecretStorage_UnlockAndRead(t *testing.T) {
	raw := rawKey(9)

	desc, err := NewKeyDescription(raw, nil)
	require.NoError(t, err)

	k := &Key{ID: "KEYID", Description: desc, raw: raw}

	secret, err := k.Encrypt("m.megolm_backup.v1", []byte("c2VjcmV0"))
	require.NoError(t, err)

	descJSON, err := json.Marshal(desc)
	require.NoError(t, err)

	secretJSON, err := json.Marshal(map[string]any{"encrypted": map[string]any{"KEYID": secret}})
	require.NoError(t, err)

	data := accountData{
		"m.secret_storage.default_key": json.RawMessage(`{"key":"KEYID"}`),
		"m.secret_storage.key.KEYID":   descJSON,
		"m.megolm_backup.v1":           secretJSON,
		"m.cross_signing.master":       json.RawMessage(`{"encrypted":{"OTHER":{}}}`),
	}

	s := New(data, "@me:example.org")

	unlocked, err := s.Unlock(t.Context(), EncodeRecoveryKey(raw), RecoveryKey)
	require.NoError(t, err)
	assert.Equal(t, "KEYID", unlocked.ID)

	out, err := s.ReadSecret(t.Context(), unlocked, "m.megolm_backup.v1")
	require.NoError(t, err)
	assert.Equal(t, "c2VjcmV0", string(out))

	_, err = s.ReadSecret(t.Context(), unlocked, "m.cross_signing.master")
	assert.ErrorIs(t, err, ErrSecretNotEncrypted)
}
