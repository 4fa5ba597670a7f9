// Package lockmap provides mutual exclusion per key. The encryption
// code locks on sender curve25519 keys so two decryption paths never
// advance the same session concurrently.
package lockmap

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type entry struct {
	token chan struct{}
	refs  int
}

// LockMap holds one lock per key. Locks are created on first use and
// dropped once nobody holds or waits for them. The zero value is ready
// to use.
type LockMap[K cmp.Ordered] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

// New creates an empty LockMap.
func New[K cmp.Ordered]() *LockMap[K] {
	return &LockMap[K]{}
}

func (m *LockMap[K]) ref(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[K]*entry)
	}

	e, ok := m.locks[key]
	if !ok {
		e = &entry{token: make(chan struct{}, 1)}
		m.locks[key] = e
	}

	e.refs++

	return e
}

func (m *LockMap[K]) unref(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is free or ctx ends. The returned func releases
// the lock and must be called exactly once.
func (m *LockMap[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := m.ref(key)

	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			<-e.token
			m.unref(key, e)
		})
	}, nil
}

// LockAll takes the locks of every key, in sorted order so concurrent
// callers with overlapping key sets cannot deadlock. Duplicate keys are
// locked once.
func (m *LockMap[K]) LockAll(ctx context.Context, keys []K) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	releases := make([]func(), 0, len(sorted))

	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range sorted {
		release, err := m.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}

		releases = append(releases, release)
	}

	return releaseAll, nil
}

// IsLocked reports whether key is currently held or waited for.
func (m *LockMap[K]) IsLocked(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.locks[key]

	return ok
}
