package olm

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm/session"
	mautrixolm "maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// Olm message types.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

// Session is an Olm session with one peer device.
type Session struct {
	s mautrixolm.Session
}

// ID returns the session id.
func (s *Session) ID() string {
	return string(s.s.ID())
}

// HasReceivedMessage reports whether the peer has replied on this
// session. Until then outbound messages are pre-key messages.
func (s *Session) HasReceivedMessage() bool {
	return s.s.HasReceivedMessage()
}

// Encrypt returns the message type and base64 body of plaintext.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	msgType, body, err := s.s.Encrypt(plaintext)
	if err != nil {
		return 0, "", fmt.Errorf("encrypting: %w", err)
	}

	return int(msgType), string(body), nil
}

// Decrypt decrypts a base64 message of msgType.
func (s *Session) Decrypt(msgType int, body string) ([]byte, error) {
	plaintext, err := s.s.Decrypt(body, id.OlmMsgType(msgType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}

// MatchesInbound reports whether a pre-key message belongs to this
// session. An empty theirIdentityKey skips the sender check.
func (s *Session) MatchesInbound(theirIdentityKey, body string) bool {
	var (
		ok  bool
		err error
	)

	if theirIdentityKey == "" {
		ok, err = s.s.MatchesInboundSession(body)
	} else {
		ok, err = s.s.MatchesInboundSessionFrom(theirIdentityKey, body)
	}

	return ok && err == nil
}

// Pickle encrypts the session with pickleKey.
func (s *Session) Pickle(pickleKey []byte) (string, error) {
	pickled, err := s.s.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("pickling session: %w", err)
	}

	return string(pickled), nil
}

// UnpickleSession restores a session written by Pickle.
func UnpickleSession(pickled string, pickleKey []byte) (*Session, error) {
	s, err := session.OlmSessionFromPickled([]byte(pickled), pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}

	return &Session{s: s}, nil
}
