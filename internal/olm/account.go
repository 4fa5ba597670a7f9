package olm

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm/account"
	"maunium.net/go/mautrix/id"
)

// cloneKey pickles the working copies made by Clone. They never leave
// memory.
var cloneKey = []byte("clone")

// IdentityKeys are an account's public identity keys.
type IdentityKeys struct {
	Ed25519    string `json:"ed25519"`
	Curve25519 string `json:"curve25519"`
}

// Account is a device's Olm account: its identity keys plus the
// one-time and fallback keys peers start sessions with. It is not safe
// for concurrent use.
type Account struct {
	acct *account.Account
}

// NewAccount generates an account with fresh identity keys.
func NewAccount() (*Account, error) {
	acct, err := account.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("creating olm account: %w", err)
	}

	return &Account{acct: acct}, nil
}

// IdentityKeys returns the base64 public identity keys.
func (a *Account) IdentityKeys() IdentityKeys {
	ed, curve, err := a.acct.IdentityKeys()
	if err != nil {
		return IdentityKeys{}
	}

	return IdentityKeys{Ed25519: string(ed), Curve25519: string(curve)}
}

// Sign returns the base64 ed25519 signature of message.
func (a *Account) Sign(message []byte) string {
	sig, err := a.acct.Sign(message)
	if err != nil {
		return ""
	}

	return string(sig)
}

// MaxNumberOfOneTimeKeys is how many one-time keys the account keeps.
func (a *Account) MaxNumberOfOneTimeKeys() int {
	return int(a.acct.MaxNumberOfOneTimeKeys())
}

// GenerateOneTimeKeys adds n unpublished one-time keys, dropping the
// oldest beyond the maximum.
func (a *Account) GenerateOneTimeKeys(n int) error {
	if n <= 0 {
		return nil
	}

	return a.acct.GenOneTimeKeys(uint(n))
}

// UnpublishedOneTimeKeys returns the one-time keys not yet uploaded,
// by key id.
func (a *Account) UnpublishedOneTimeKeys() map[string]string {
	keys, err := a.acct.OneTimeKeys()
	if err != nil {
		return nil
	}

	return curveKeys(keys)
}

// GenerateFallbackKey replaces the fallback key, keeping the previous
// one to accept messages already in flight.
func (a *Account) GenerateFallbackKey() error {
	return a.acct.GenFallbackKey()
}

// UnpublishedFallbackKey returns the fallback key if it has not been
// uploaded yet.
func (a *Account) UnpublishedFallbackKey() map[string]string {
	return curveKeys(a.acct.FallbackKeyUnpublished())
}

func curveKeys(in map[string]id.Curve25519) map[string]string {
	out := make(map[string]string, len(in))
	for keyID, pub := range in {
		out[keyID] = string(pub)
	}

	return out
}

// MarkKeysAsPublished marks every one-time key and the fallback key as
// uploaded.
func (a *Account) MarkKeysAsPublished() {
	a.acct.MarkKeysAsPublished()
}

// NewOutboundSession starts a session towards a device from its identity
// key and one claimed one-time key.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	s, err := a.acct.NewOutboundSession(id.Curve25519(theirIdentityKey), id.Curve25519(theirOneTimeKey))
	if err != nil {
		return nil, fmt.Errorf("creating outbound session: %w", err)
	}

	return &Session{s: s}, nil
}

// NewInboundSession creates a session from a pre-key message. An empty
// theirIdentityKey skips the sender check. The one-time key is not
// removed; see RemoveOneTimeKeys.
func (a *Account) NewInboundSession(theirIdentityKey, body string) (*Session, error) {
	otk, err := preKeyOneTimeKey(body)
	if err != nil {
		return nil, err
	}

	if !a.HasOneTimeKey(otk) && !a.isFallbackKey(otk) {
		return nil, ErrNoOneTimeKey
	}

	var from *id.Curve25519
	if theirIdentityKey != "" {
		key := id.Curve25519(theirIdentityKey)
		from = &key
	}

	s, err := a.acct.NewInboundSessionFrom(from, body)
	if err != nil {
		return nil, fmt.Errorf("creating inbound session: %w", err)
	}

	return &Session{s: s}, nil
}

func (a *Account) isFallbackKey(publicKey string) bool {
	for _, k := range []id.Curve25519{
		a.acct.CurrentFallbackKey.Key.PublicKey.B64Encoded(),
		a.acct.PrevFallbackKey.Key.PublicKey.B64Encoded(),
	} {
		if k != "" && string(k) == publicKey {
			return true
		}
	}

	return false
}

// RemoveOneTimeKeys drops the one-time key an inbound session was
// created with. It reports whether a key was removed; fallback keys are
// never removed.
func (a *Account) RemoveOneTimeKeys(s *Session) bool {
	before := len(a.acct.OTKeys)

	if err := a.acct.RemoveOneTimeKeys(s.s); err != nil {
		return false
	}

	return len(a.acct.OTKeys) < before
}

// HasOneTimeKey reports whether the base64 public key is a one-time key
// of the account.
func (a *Account) HasOneTimeKey(publicKey string) bool {
	for _, k := range a.acct.OTKeys {
		if string(k.Key.PublicKey.B64Encoded()) == publicKey {
			return true
		}
	}

	return false
}

// Clone returns an independent copy of the account.
func (a *Account) Clone() (*Account, error) {
	pickled, err := a.Pickle(cloneKey)
	if err != nil {
		return nil, err
	}

	return UnpickleAccount(pickled, cloneKey)
}

// Pickle encrypts the account with pickleKey.
func (a *Account) Pickle(pickleKey []byte) (string, error) {
	pickled, err := a.acct.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("pickling account: %w", err)
	}

	return string(pickled), nil
}

// UnpickleAccount restores an account written by Pickle.
func UnpickleAccount(pickled string, pickleKey []byte) (*Account, error) {
	acct, err := account.AccountFromPickled([]byte(pickled), pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}

	return &Account{acct: acct}, nil
}
