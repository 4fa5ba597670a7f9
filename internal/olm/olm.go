// Package olm adapts the goolm implementation of the Olm and Megolm
// ratchets to the string-keyed API the engine uses. Olm protects
// one-to-one device sessions; Megolm protects room messages.
//
// Keys and ciphertexts are exchanged as unpadded standard base64, the
// encoding used on the Matrix wire. Pickles are the goolm encrypted
// pickle format.
package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// messageVersion is the version byte of Olm and Megolm messages.
	messageVersion = 3

	// macLength is the length of the truncated HMAC-SHA256 message MAC.
	macLength = 8

	signatureLength = 64

	curve25519KeyLength = 32
)

var (
	ErrBadMessageFormat    = errors.New("olm: bad message format")
	ErrBadMessageVersion   = errors.New("olm: bad message version")
	ErrBadMessageMAC       = errors.New("olm: bad message MAC")
	ErrBadSignature        = errors.New("olm: bad signature")
	ErrUnknownMessageIndex = errors.New("olm: unknown message index")
	ErrNoOneTimeKey        = errors.New("olm: no matching one-time key")
	ErrBadSessionKey       = errors.New("olm: bad session key")
	ErrBadPickle           = errors.New("olm: bad pickle")
	ErrBadBase64           = errors.New("olm: bad base64")
	ErrDecrypt             = errors.New("olm: decryption failed")
)

// Encode renders b as unpadded standard base64.
func Encode(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// Decode parses unpadded (or padded) standard base64.
func Decode(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBase64, err)
	}

	return b, nil
}

// VerifySignature checks an ed25519 signature made by the base64 public
// key over message.
func VerifySignature(publicKey string, message []byte, signature string) error {
	pub, err := Decode(publicKey)
	if err != nil {
		return err
	}

	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key length %d", ErrBadSignature, len(pub))
	}

	sig, err := Decode(signature)
	if err != nil {
		return err
	}

	if !ed25519.Verify(pub, message, sig) {
		return ErrBadSignature
	}

	return nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}

	return b, nil
}
