package olm

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm/session"
)

// OutboundGroupSession encrypts a sender's messages to a room.
type OutboundGroupSession struct {
	s *session.MegolmOutboundSession
}

// NewOutboundGroupSession creates a session with a random ratchet.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	s, err := session.NewMegolmOutboundSession()
	if err != nil {
		return nil, fmt.Errorf("creating group session: %w", err)
	}

	return &OutboundGroupSession{s: s}, nil
}

// ID is the base64 ed25519 public key of the session.
func (s *OutboundGroupSession) ID() string {
	return string(s.s.ID())
}

// MessageIndex is the index the next message will be encrypted with.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return uint32(s.s.MessageIndex())
}

// SessionKey returns the signed key shared with room members in
// m.room_key events, starting at the current index.
func (s *OutboundGroupSession) SessionKey() string {
	return s.s.Key()
}

// Encrypt returns the base64 Megolm message for plaintext and advances
// the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	body, err := s.s.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypting group message: %w", err)
	}

	return string(body), nil
}

// Pickle encrypts the session with pickleKey.
func (s *OutboundGroupSession) Pickle(pickleKey []byte) (string, error) {
	pickled, err := s.s.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("pickling group session: %w", err)
	}

	return string(pickled), nil
}

// UnpickleOutboundGroupSession restores a session written by Pickle.
func UnpickleOutboundGroupSession(pickled string, pickleKey []byte) (*OutboundGroupSession, error) {
	s, err := session.MegolmOutboundSessionFromPickled([]byte(pickled), pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}

	return &OutboundGroupSession{s: s}, nil
}

// InboundGroupSession decrypts one sender's messages to a room from the
// first known index on.
type InboundGroupSession struct {
	s *session.MegolmInboundSession
}

// NewInboundGroupSession creates a session from a signed session key as
// sent in m.room_key.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	s, err := session.NewMegolmInboundSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}

	return &InboundGroupSession{s: s}, nil
}

// ImportInboundGroupSession creates a session from the unsigned export
// format used by key backups and forwarded keys.
func ImportInboundGroupSession(exported string) (*InboundGroupSession, error) {
	s, err := session.NewMegolmInboundSessionFromExport([]byte(exported))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}

	return &InboundGroupSession{s: s}, nil
}

// ID is the base64 ed25519 public key of the session.
func (s *InboundGroupSession) ID() string {
	return string(s.s.ID())
}

// FirstKnownIndex is the lowest message index the session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.s.FirstKnownIndex()
}

// Export renders the session at index in the unsigned export format.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.FirstKnownIndex() {
		return "", ErrUnknownMessageIndex
	}

	exported, err := s.s.Export(index)
	if err != nil {
		return "", fmt.Errorf("exporting group session: %w", err)
	}

	return string(exported), nil
}

// Decrypt decrypts a base64 Megolm message and returns the plaintext
// and its message index.
func (s *InboundGroupSession) Decrypt(body string) ([]byte, uint32, error) {
	index, err := GroupMessageIndex(body)
	if err != nil {
		return nil, 0, err
	}

	if index < s.FirstKnownIndex() {
		return nil, 0, ErrUnknownMessageIndex
	}

	plaintext, decrypted, err := s.s.Decrypt([]byte(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, uint32(decrypted), nil
}

// Pickle encrypts the session with pickleKey.
func (s *InboundGroupSession) Pickle(pickleKey []byte) (string, error) {
	pickled, err := s.s.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("pickling group session: %w", err)
	}

	return string(pickled), nil
}

// UnpickleInboundGroupSession restores a session written by Pickle.
func UnpickleInboundGroupSession(pickled string, pickleKey []byte) (*InboundGroupSession, error) {
	s, err := session.MegolmInboundSessionFromPickled([]byte(pickled), pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}

	return &InboundGroupSession{s: s}, nil
}
