// Package common holds the algorithm names, signature checks and error
// types shared by the Olm, Megolm and backup layers.
package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/alexjbarnes/matrix-sync/internal/olm"
)

// Encryption algorithms.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
	AlgorithmBackup = "m.megolm_backup.v1.curve25519-aes-sha2"
)

// SupportedAlgorithms are advertised in our device keys.
var SupportedAlgorithms = []string{AlgorithmOlm, AlgorithmMegolm}

// ErrNoSignature is returned when an object is not signed by the
// expected key.
var ErrNoSignature = errors.New("object has no signature for key")

// CanonicalJSON renders a signed Matrix object for signing: the
// signatures and unsigned fields are dropped and the remainder is
// serialised with sorted keys and no insignificant whitespace.
func CanonicalJSON(obj json.RawMessage) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return nil, fmt.Errorf("decoding signed object: %w", err)
	}

	delete(m, "signatures")
	delete(m, "unsigned")

	stripped, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding signed object: %w", err)
	}

	return jcs.Transform(stripped)
}

// VerifyEd25519Signature checks the signature made by userID's
// ed25519:keyID key over obj.
func VerifyEd25519Signature(obj json.RawMessage, userID, keyID, ed25519Key string) error {
	var signed struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}

	if err := json.Unmarshal(obj, &signed); err != nil {
		return fmt.Errorf("decoding signatures: %w", err)
	}

	sig, ok := signed.Signatures[userID]["ed25519:"+keyID]
	if !ok {
		return fmt.Errorf("%w ed25519:%s of %s", ErrNoSignature, keyID, userID)
	}

	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return err
	}

	return olm.VerifySignature(ed25519Key, canonical, sig)
}

// Signer signs canonical JSON with a device's ed25519 key.
type Signer interface {
	Sign(message []byte) string
	IdentityKeys() olm.IdentityKeys
}

// SignObject adds the signer's signature to a JSON object under
// signatures[userID]["ed25519:deviceID"] and returns the signed object.
func SignObject(s Signer, userID, deviceID string, obj any) (map[string]any, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding object to sign: %w", err)
	}

	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding object to sign: %w", err)
	}

	sigs, _ := out["signatures"].(map[string]any)
	if sigs == nil {
		sigs = make(map[string]any)
	}

	userSigs, _ := sigs[userID].(map[string]any)
	if userSigs == nil {
		userSigs = make(map[string]any)
	}

	userSigs["ed25519:"+deviceID] = s.Sign(canonical)
	sigs[userID] = userSigs
	out["signatures"] = sigs

	return out, nil
}
