package olm

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
	goolmcrypto "maunium.net/go/mautrix/crypto/goolm/crypto"
	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/id"
)

// PkDecryption decrypts messages encrypted to a curve25519 public key,
// as used by the key backup.
type PkDecryption struct {
	d *pk.Decryption
}

// NewPkDecryption creates a decryption object with a random key.
func NewPkDecryption() (*PkDecryption, error) {
	d, err := pk.NewDecryption()
	if err != nil {
		return nil, fmt.Errorf("creating pk decryption: %w", err)
	}

	return &PkDecryption{d: d}, nil
}

// NewPkDecryptionFromPrivateKey creates a decryption object from a raw
// 32-byte private key.
func NewPkDecryptionFromPrivateKey(private []byte) (*PkDecryption, error) {
	if len(private) != curve25519KeyLength {
		return nil, fmt.Errorf("%w: private key length %d", ErrBadMessageFormat, len(private))
	}

	d, err := pk.NewDecryptionFromPrivate(goolmcrypto.Curve25519PrivateKey(private))
	if err != nil {
		return nil, fmt.Errorf("creating pk decryption: %w", err)
	}

	return &PkDecryption{d: d}, nil
}

// PublicKey returns the base64 public key messages are encrypted to.
func (d *PkDecryption) PublicKey() string {
	return string(d.d.PublicKey())
}

// PrivateKey returns the raw private key.
func (d *PkDecryption) PrivateKey() []byte {
	return append([]byte(nil), d.d.PrivateKey()...)
}

// Decrypt decrypts a message given its base64 ephemeral key, MAC and
// ciphertext.
func (d *PkDecryption) Decrypt(ephemeral, mac, ciphertext string) ([]byte, error) {
	raw, err := Decode(ciphertext)
	if err != nil {
		return nil, err
	}

	plaintext, err := d.d.Decrypt([]byte(ephemeral), []byte(mac), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessageMAC, err)
	}

	return plaintext, nil
}

// PkEncryption encrypts messages to a curve25519 public key.
type PkEncryption struct {
	e *pk.Encryption
}

// NewPkEncryption creates an encryption object for the base64 public key.
func NewPkEncryption(publicKey string) (*PkEncryption, error) {
	if b, err := Decode(publicKey); err != nil || len(b) != curve25519KeyLength {
		return nil, fmt.Errorf("%w: bad public key", ErrBadMessageFormat)
	}

	e, err := pk.NewEncryption(id.Curve25519(publicKey))
	if err != nil {
		return nil, fmt.Errorf("creating pk encryption: %w", err)
	}

	return &PkEncryption{e: e}, nil
}

// Encrypt encrypts plaintext with a fresh ephemeral key and returns the
// base64 ciphertext, MAC and ephemeral public key.
func (e *PkEncryption) Encrypt(plaintext []byte) (ciphertext, mac, ephemeral string, err error) {
	private, err := RandomBytes(curve25519KeyLength)
	if err != nil {
		return "", "", "", err
	}

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return "", "", "", fmt.Errorf("deriving ephemeral key: %w", err)
	}

	raw, macB64, err := e.e.Encrypt(plaintext, goolmcrypto.Curve25519PrivateKey(private))
	if err != nil {
		return "", "", "", fmt.Errorf("pk encrypting: %w", err)
	}

	return Encode(raw), string(macB64), Encode(public), nil
}
