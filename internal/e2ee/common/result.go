package common

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// DecryptionResult is a successfully decrypted Olm or Megolm payload.
type DecryptionResult struct {
	// Payload is the decrypted JSON: {type, content, ...}.
	Payload json.RawMessage

	// SenderCurve25519Key is the key the message was encrypted with.
	SenderCurve25519Key string

	// ClaimedEd25519Key is the signing key the sender claims to own.
	// It is only trustworthy once matched against Device.
	ClaimedEd25519Key string

	// Device is the sender's device when known.
	Device *storage.DeviceIdentity

	// EventID is set for room events.
	EventID string
}

// Type returns the decrypted event type.
func (r *DecryptionResult) Type() string {
	return gjson.GetBytes(r.Payload, "type").String()
}

// Content returns the decrypted event content.
func (r *DecryptionResult) Content() json.RawMessage {
	c := gjson.GetBytes(r.Payload, "content")
	if !c.Exists() {
		return nil
	}

	return json.RawMessage(c.Raw)
}

// Field reads a payload field by gjson path.
func (r *DecryptionResult) Field(path string) gjson.Result {
	return gjson.GetBytes(r.Payload, path)
}

// SetDevice attaches the sender device once it is resolved.
func (r *DecryptionResult) SetDevice(d *storage.DeviceIdentity) {
	r.Device = d
}

// IsVerified reports whether the claimed signing key belongs to the
// resolved sender device.
func (r *DecryptionResult) IsVerified() bool {
	return r.Device != nil && r.Device.Ed25519Key == r.ClaimedEd25519Key
}
