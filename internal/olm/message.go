package olm

import (
	"encoding/binary"
	"fmt"
)

// Message field tags, protobuf style: field number << 3 | wire type.
const (
	wireVarint = 0
	wireBytes  = 2

	tagOneTimeKey = 1<<3 | wireBytes
	tagGroupIndex = 1<<3 | wireVarint
)

// field is one decoded message field.
type field struct {
	varint uint64
	bytes  []byte
}

// parseFields decodes the fields following the version byte. Unknown
// fields are kept; later occurrences of a tag win.
func parseFields(body []byte) (map[byte]field, error) {
	fields := make(map[byte]field)

	for pos := 0; pos < len(body); {
		tag := body[pos]
		pos++

		switch tag & 0x7 {
		case wireVarint:
			v, n := binary.Uvarint(body[pos:])
			if n <= 0 {
				return nil, fmt.Errorf("%w: truncated varint", ErrBadMessageFormat)
			}

			pos += n
			fields[tag] = field{varint: v}
		case wireBytes:
			l, n := binary.Uvarint(body[pos:])
			if n <= 0 || uint64(len(body)-pos-n) < l {
				return nil, fmt.Errorf("%w: truncated field", ErrBadMessageFormat)
			}

			pos += n
			fields[tag] = field{bytes: body[pos : pos+int(l)]}
			pos += int(l)
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d", ErrBadMessageFormat, tag&0x7)
		}
	}

	return fields, nil
}

func checkVersion(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty message", ErrBadMessageFormat)
	}

	if b[0] != messageVersion {
		return fmt.Errorf("%w: %d", ErrBadMessageVersion, b[0])
	}

	return nil
}

// preKeyOneTimeKey returns the base64 one-time key a pre-key message
// was built against.
func preKeyOneTimeKey(body string) (string, error) {
	b, err := Decode(body)
	if err != nil {
		return "", err
	}

	if err := checkVersion(b); err != nil {
		return "", err
	}

	fields, err := parseFields(b[1:])
	if err != nil {
		return "", err
	}

	f, ok := fields[tagOneTimeKey]
	if !ok || len(f.bytes) != curve25519KeyLength {
		return "", fmt.Errorf("%w: missing one-time key", ErrBadMessageFormat)
	}

	return Encode(f.bytes), nil
}

// GroupMessageIndex returns the ratchet index a Megolm message was
// encrypted at, without decrypting it.
func GroupMessageIndex(body string) (uint32, error) {
	b, err := Decode(body)
	if err != nil {
		return 0, err
	}

	if err := checkVersion(b); err != nil {
		return 0, err
	}

	if len(b) < 1+macLength+signatureLength {
		return 0, fmt.Errorf("%w: message too short", ErrBadMessageFormat)
	}

	fields, err := parseFields(b[1 : len(b)-macLength-signatureLength])
	if err != nil {
		return 0, err
	}

	index, ok := fields[tagGroupIndex]
	if !ok || index.varint > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: missing message index", ErrBadMessageFormat)
	}

	return uint32(index.varint), nil
}
