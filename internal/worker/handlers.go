package worker

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/matrix-sync/internal/codec"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
)

// Request types served by every pool.
const (
	TypeOlmCreateAccount = "olm_create_account"
	TypeMegolmDecrypt    = "megolm_decrypt"
)

// CreateAccountRequest asks for a new Olm account pickled with
// PickleKey.
type CreateAccountRequest struct {
	PickleKey []byte `cbor:"pickleKey"`
}

// CreateAccountReply holds the pickled account.
type CreateAccountReply struct {
	Pickle string `cbor:"pickle"`
}

func handleCreateAccount(_ context.Context, payload codec.RawMessage) (any, error) {
	var req CreateAccountRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	acct, err := olm.NewAccount()
	if err != nil {
		return nil, err
	}

	pickled, err := acct.Pickle(req.PickleKey)
	if err != nil {
		return nil, err
	}

	return CreateAccountReply{Pickle: pickled}, nil
}

// MegolmDecryptRequest carries a session exported at its first known
// index and one ciphertext.
type MegolmDecryptRequest struct {
	SessionKey string `cbor:"sessionKey"`
	Ciphertext string `cbor:"ciphertext"`
}

// MegolmDecryptReply is the plaintext and its message index.
type MegolmDecryptReply struct {
	Plaintext    []byte `cbor:"plaintext"`
	MessageIndex uint32 `cbor:"messageIndex"`
}

func handleMegolmDecrypt(_ context.Context, payload codec.RawMessage) (any, error) {
	var req MegolmDecryptRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	session, err := olm.ImportInboundGroupSession(req.SessionKey)
	if err != nil {
		return nil, err
	}

	plaintext, index, err := session.Decrypt(req.Ciphertext)
	if err != nil {
		return nil, err
	}

	return MegolmDecryptReply{Plaintext: plaintext, MessageIndex: index}, nil
}
