// Package ssss reads secrets from Matrix secret storage: account data
// encrypted with a key derived from a passphrase or a recovery key.
package ssss

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/matrix-sync/internal/olm"
)

const (
	AlgorithmAESHMAC = "m.secret_storage.v1.aes-hmac-sha2"
	AlgorithmPBKDF2  = "m.pbkdf2"

	keyLength = 32
	ivLength  = 16
)

// recoveryKeyPrefix starts every decoded recovery key.
var recoveryKeyPrefix = []byte{0x8B, 0x01}

var (
	ErrBadRecoveryKey       = errors.New("ssss: invalid recovery key")
	ErrNoPassphrase         = errors.New("ssss: key has no passphrase")
	ErrUnsupportedAlgorithm = errors.New("ssss: unsupported algorithm")
	ErrWrongKey             = errors.New("ssss: key does not match description")
	ErrBadMAC               = errors.New("ssss: bad secret MAC")
	ErrSecretNotEncrypted   = errors.New("ssss: secret not encrypted for key")
)

// PassphraseInfo describes how a key is derived from a passphrase.
type PassphraseInfo struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// KeyDescription is the m.secret_storage.key.<id> account data content.
type KeyDescription struct {
	Algorithm  string          `json:"algorithm"`
	Passphrase *PassphraseInfo `json:"passphrase,omitempty"`
	IV         string          `json:"iv,omitempty"`
	MAC        string          `json:"mac,omitempty"`
}

// Key is an unlocked secret storage key.
type Key struct {
	ID          string
	Description KeyDescription
	raw         []byte
}

// EncryptedSecret is one key's entry of a secret's "encrypted" map.
type EncryptedSecret struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// KeyFromPassphrase derives the key of desc from a passphrase.
func KeyFromPassphrase(id string, desc KeyDescription, passphrase string) (*Key, error) {
	p := desc.Passphrase
	if p == nil {
		return nil, ErrNoPassphrase
	}

	if p.Algorithm != AlgorithmPBKDF2 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, p.Algorithm)
	}

	bits := p.Bits
	if bits == 0 {
		bits = keyLength * 8
	}

	passphrase = norm.NFKC.String(passphrase)
	raw := pbkdf2.Key([]byte(passphrase), []byte(p.Salt), p.Iterations, bits/8, sha512.New)

	return newKey(id, desc, raw)
}

// KeyFromRecoveryKey decodes a base58 recovery key for desc. Spaces in
// the recovery key are ignored.
func KeyFromRecoveryKey(id string, desc KeyDescription, recoveryKey string) (*Key, error) {
	decoded, err := decodeBase58(strings.Join(strings.Fields(recoveryKey), ""))
	if err != nil {
		return nil, err
	}

	if len(decoded) != len(recoveryKeyPrefix)+keyLength+1 {
		return nil, fmt.Errorf("%w: length %d", ErrBadRecoveryKey, len(decoded))
	}

	var parity byte
	for _, b := range decoded {
		parity ^= b
	}

	if parity != 0 || decoded[0] != recoveryKeyPrefix[0] || decoded[1] != recoveryKeyPrefix[1] {
		return nil, fmt.Errorf("%w: bad prefix or parity", ErrBadRecoveryKey)
	}

	return newKey(id, desc, decoded[len(recoveryKeyPrefix):len(recoveryKeyPrefix)+keyLength])
}

// EncodeRecoveryKey renders a raw key as a recovery key in groups of
// four characters.
func EncodeRecoveryKey(raw []byte) string {
	buf := append([]byte{}, recoveryKeyPrefix...)
	buf = append(buf, raw...)

	var parity byte
	for _, b := range buf {
		parity ^= b
	}

	encoded := encodeBase58(append(buf, parity))

	var groups []string
	for len(encoded) > 4 {
		groups = append(groups, encoded[:4])
		encoded = encoded[4:]
	}

	return strings.Join(append(groups, encoded), " ")
}

func newKey(id string, desc KeyDescription, raw []byte) (*Key, error) {
	if desc.Algorithm != AlgorithmAESHMAC {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, desc.Algorithm)
	}

	k := &Key{ID: id, Description: desc, raw: raw}
	if err := k.check(); err != nil {
		return nil, err
	}

	return k, nil
}

// check verifies the key against the MAC of the description, which is
// the encryption of 32 zero bytes under the empty name.
func (k *Key) check() error {
	if k.Description.MAC == "" {
		return nil
	}

	iv, err := olm.Decode(k.Description.IV)
	if err != nil {
		return err
	}

	s, err := k.encrypt("", make([]byte, keyLength), iv)
	if err != nil {
		return err
	}

	if !macEqual(s.MAC, k.Description.MAC) {
		return ErrWrongKey
	}

	return nil
}

// NewKeyDescription creates a description carrying the check MAC for a
// raw key.
func NewKeyDescription(raw []byte, passphrase *PassphraseInfo) (KeyDescription, error) {
	k := &Key{raw: raw}

	s, err := k.Encrypt("", make([]byte, keyLength))
	if err != nil {
		return KeyDescription{}, err
	}

	return KeyDescription{Algorithm: AlgorithmAESHMAC, Passphrase: passphrase, IV: s.IV, MAC: s.MAC}, nil
}

// Encrypt encrypts a secret for storage under name.
func (k *Key) Encrypt(name string, plaintext []byte) (EncryptedSecret, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedSecret{}, fmt.Errorf("generating iv: %w", err)
	}

	// Clear bit 63 so the counter cannot wrap.
	iv[8] &= 0x7f

	return k.encrypt(name, plaintext, iv)
}

func (k *Key) encrypt(name string, plaintext, iv []byte) (EncryptedSecret, error) {
	aesKey, macKey, err := deriveKeys(k.raw, name)
	if err != nil {
		return EncryptedSecret{}, err
	}

	ciphertext, err := ctr(aesKey, iv, plaintext)
	if err != nil {
		return EncryptedSecret{}, err
	}

	m := hmac.New(sha256.New, macKey)
	m.Write(ciphertext)

	return EncryptedSecret{IV: olm.Encode(iv), Ciphertext: olm.Encode(ciphertext), MAC: olm.Encode(m.Sum(nil))}, nil
}

// Decrypt decrypts the secret stored under name.
func (k *Key) Decrypt(name string, s EncryptedSecret) ([]byte, error) {
	aesKey, macKey, err := deriveKeys(k.raw, name)
	if err != nil {
		return nil, err
	}

	ciphertext, err := olm.Decode(s.Ciphertext)
	if err != nil {
		return nil, err
	}

	m := hmac.New(sha256.New, macKey)
	m.Write(ciphertext)

	if !macEqual(olm.Encode(m.Sum(nil)), s.MAC) {
		return nil, ErrBadMAC
	}

	iv, err := olm.Decode(s.IV)
	if err != nil {
		return nil, err
	}

	return ctr(aesKey, iv, ciphertext)
}

func deriveKeys(raw []byte, name string) (aesKey, macKey []byte, err error) {
	out := make([]byte, 2*keyLength)
	r := hkdf.New(sha256.New, raw, make([]byte, keyLength), []byte(name))

	if _, err := r.Read(out); err != nil {
		return nil, nil, fmt.Errorf("deriving secret keys: %w", err)
	}

	return out[:keyLength], out[keyLength:], nil
}

func ctr(key, iv, data []byte) ([]byte, error) {
	if len(iv) != ivLength {
		return nil, fmt.Errorf("ssss: iv length %d", len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)

	return out, nil
}

// macEqual compares base64 MACs, tolerating padding.
func macEqual(a, b string) bool {
	return hmac.Equal([]byte(strings.TrimRight(a, "=")), []byte(strings.TrimRight(b, "=")))
}
