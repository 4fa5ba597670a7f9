package storage

import (
	"fmt"
	"strings"
)

// keySeparator joins the segments of composite keys.
const keySeparator = "|"

// Bounds of uint32 key segments.
const (
	MinUint32 uint32 = 0
	MaxUint32 uint32 = 0xFFFFFFFF
)

// encodeUint32 renders n as 8 zero-padded hex digits so keys sort
// numerically.
func encodeUint32(n uint32) string {
	return fmt.Sprintf("%08x", n)
}

// joinKey builds a composite key.
func joinKey(segments ...string) string {
	return strings.Join(segments, keySeparator)
}

// prefixKey builds a key prefix that matches every key starting with
// the given segments.
func prefixKey(segments ...string) string {
	return joinKey(segments...) + keySeparator
}
