package storage

import (
	"bytes"
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// prefixEnd sorts after every key that has the prefix. Keys are hex
// segments and UTF-8 ids, neither of which contains 0xff.
const prefixEnd = "\xff"

// store is the untyped access layer shared by all typed stores. Values
// are JSON encoded.
type store struct {
	name   StoreName
	bucket *bolt.Bucket
	err    error
}

func (s store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	return &StorageError{Store: s.name, Op: op, Err: err}
}

// get decodes the value at key into v. It reports false when the key is
// absent.
func (s store) get(key string, v any) (bool, error) {
	if s.err != nil {
		return false, s.err
	}

	data := s.bucket.Get([]byte(key))
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, s.wrap("decode", err)
	}

	return true, nil
}

func (s store) has(key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}

	return s.bucket.Get([]byte(key)) != nil, nil
}

// getRaw returns a copy of the raw value at key, or nil.
func (s store) getRaw(key string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	data := s.bucket.Get([]byte(key))
	if data == nil {
		return nil, nil
	}

	return bytes.Clone(data), nil
}

func (s store) put(key string, v any) error {
	if s.err != nil {
		return s.err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return s.wrap("encode", err)
	}

	return s.wrap("put", s.bucket.Put([]byte(key), data))
}

func (s store) putRaw(key string, data []byte) error {
	if s.err != nil {
		return s.err
	}

	return s.wrap("put", s.bucket.Put([]byte(key), data))
}

func (s store) delete(key string) error {
	if s.err != nil {
		return s.err
	}

	return s.wrap("delete", s.bucket.Delete([]byte(key)))
}

// deletePrefix removes every key with the given prefix.
func (s store) deletePrefix(prefix string) error {
	if s.err != nil {
		return s.err
	}

	var keys [][]byte

	c := s.bucket.Cursor()
	for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}

	for _, k := range keys {
		if err := s.bucket.Delete(k); err != nil {
			return s.wrap("delete", err)
		}
	}

	return nil
}

// visitFunc receives each key/value pair of a scan. Returning false
// stops the scan. The slices are only valid during the call.
type visitFunc func(key, value []byte) (bool, error)

// scanFrom walks keys with prefix in ascending order, starting at the
// first key >= from (or the first key of the prefix when from is "").
// With exclusive set, a key equal to from is skipped.
func (s store) scanFrom(prefix, from string, exclusive bool, fn visitFunc) error {
	if s.err != nil {
		return s.err
	}

	if from == "" {
		from = prefix
	}

	p := []byte(prefix)
	c := s.bucket.Cursor()

	for k, v := c.Seek([]byte(from)); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if exclusive && string(k) == from {
			continue
		}

		more, err := fn(k, v)
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}

	return nil
}

// scanBackFrom walks keys with prefix in descending order, starting at
// the last key < before (or the last key of the prefix when before is
// "").
func (s store) scanBackFrom(prefix, before string, fn visitFunc) error {
	if s.err != nil {
		return s.err
	}

	if before == "" {
		before = prefix + prefixEnd
	}

	p := []byte(prefix)
	c := s.bucket.Cursor()

	k, v := c.Seek([]byte(before))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}

	for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Prev() {
		more, err := fn(k, v)
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}

	return nil
}

// collect decodes up to limit values (0 means all) of a scan.
func collect[T any](s store, limit int, scan func(fn visitFunc) error) ([]T, error) {
	var out []T

	err := scan(func(_, value []byte) (bool, error) {
		var item T
		if err := json.Unmarshal(value, &item); err != nil {
			return false, s.wrap("decode", err)
		}

		out = append(out, item)

		return limit == 0 || len(out) < limit, nil
	})

	return out, err
}

// all decodes every value with the given prefix in key order.
func all[T any](s store, prefix string) ([]T, error) {
	return collect[T](s, 0, func(fn visitFunc) error {
		return s.scanFrom(prefix, "", false, fn)
	})
}
