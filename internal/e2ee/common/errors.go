package common

import (
	"errors"
	"fmt"
)

// DecryptionCode classifies why an event or to-device message could not
// be decrypted. Decryption errors are recorded per event and never abort
// the enclosing transaction.
type DecryptionCode string

const (
	CodeMegolmNoSession         DecryptionCode = "MEGOLM_NO_SESSION"
	CodeMegolmWrongRoom         DecryptionCode = "MEGOLM_WRONG_ROOM"
	CodeMegolmKeyReplayed       DecryptionCode = "MEGOLM_KEY_REPLAYED"
	CodeMegolmBadMessage        DecryptionCode = "MEGOLM_BAD_ENCRYPTED_MESSAGE"
	CodeOlmNoMatchingSession    DecryptionCode = "OLM_NO_MATCHING_SESSION"
	CodeOlmBadEncryptedMessage  DecryptionCode = "OLM_BAD_ENCRYPTED_MESSAGE"
	CodeOlmForgedSender         DecryptionCode = "OLM_FORGED_SENDER"
	CodeOlmBadRecipient         DecryptionCode = "OLM_BAD_RECIPIENT"
	CodeOlmBadRecipientKey      DecryptionCode = "OLM_BAD_RECIPIENT_KEY"
	CodeBadSignature            DecryptionCode = "BAD_SIGNATURE"
	CodePlaintextNotJSON        DecryptionCode = "PLAINTEXT_NOT_JSON"
	CodeUnsupportedAlgorithm    DecryptionCode = "UNSUPPORTED_ALGORITHM"
	CodeMissingSenderDeviceKeys DecryptionCode = "MISSING_SENDER_DEVICE_KEYS"
)

// DecryptionError is the failure of one decryption.
type DecryptionError struct {
	Code    DecryptionCode
	EventID string
	Detail  string
	Err     error
}

func (e *DecryptionError) Error() string {
	msg := string(e.Code)
	if e.EventID != "" {
		msg += " (" + e.EventID + ")"
	}

	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// NewDecryptionError builds a DecryptionError with a formatted detail.
func NewDecryptionError(code DecryptionCode, format string, args ...any) *DecryptionError {
	return &DecryptionError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// WrapDecryptionError builds a DecryptionError around a lower-level
// cause.
func WrapDecryptionError(code DecryptionCode, err error) *DecryptionError {
	return &DecryptionError{Code: code, Err: err}
}

// DecryptionCodeOf returns the code of a DecryptionError in err's chain,
// or "".
func DecryptionCodeOf(err error) DecryptionCode {
	var de *DecryptionError
	if errors.As(err, &de) {
		return de.Code
	}

	return ""
}

// IsDecryptionError reports whether err carries code.
func IsDecryptionError(err error, code DecryptionCode) bool {
	return DecryptionCodeOf(err) == code
}
