package group

import (
	"context"
	"slices"
	"sync"

	"github.com/alexjbarnes/matrix-sync/internal/olm"
)

// DefaultKeyCacheSize is the default number of loaded sessions.
const DefaultKeyCacheSize = 20

// KeyLoader keeps at most capacity inbound group sessions loaded. Each
// use holds a reference on its slot; when every slot is referenced, Use
// blocks until one is released.
type KeyLoader struct {
	pickleKey []byte
	capacity  int

	mu       sync.Mutex
	slots    []*slot
	released chan struct{}
	tick     uint64
}

type slot struct {
	key      *RoomKey
	session  *olm.InboundGroupSession
	refs     int
	lastUsed uint64

	// mu serialises users of the session; decryption mutates it.
	mu sync.Mutex
}

// NewKeyLoader creates a loader holding up to capacity sessions.
func NewKeyLoader(capacity int, pickleKey []byte) *KeyLoader {
	if capacity < 1 {
		capacity = DefaultKeyCacheSize
	}

	return &KeyLoader{pickleKey: pickleKey, capacity: capacity, released: make(chan struct{})}
}

// Use runs fn with the loaded session of key.
func (l *KeyLoader) Use(ctx context.Context, key *RoomKey, fn func(*olm.InboundGroupSession) error) error {
	s, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(s.session)
}

func (l *KeyLoader) acquire(ctx context.Context, key *RoomKey) (*slot, error) {
	for {
		l.mu.Lock()

		s, ok, err := l.allocate(key)
		wait := l.released

		l.mu.Unlock()

		if ok {
			return s, err
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// allocate finds or fills a slot for key. It reports false when every
// slot is in use. Callers hold l.mu.
func (l *KeyLoader) allocate(key *RoomKey) (*slot, bool, error) {
	for _, s := range l.slots {
		if s.key.isSameKey(key) {
			l.ref(s)
			return s, true, nil
		}
	}

	if len(l.slots) < l.capacity {
		session, err := key.load(l.pickleKey)
		if err != nil {
			return nil, true, err
		}

		s := &slot{key: key, session: session}
		l.slots = append(l.slots, s)
		l.ref(s)

		return s, true, nil
	}

	victim := l.findIdleSlot(key)
	if victim == nil {
		return nil, false, nil
	}

	session, err := key.load(l.pickleKey)
	if err != nil {
		return nil, true, err
	}

	victim.key = key
	victim.session = session
	l.ref(victim)

	return victim, true, nil
}

// findIdleSlot prefers an unused slot of the same session, then the
// least recently used unused slot.
func (l *KeyLoader) findIdleSlot(key *RoomKey) *slot {
	var lru *slot

	for _, s := range l.slots {
		if s.refs > 0 {
			continue
		}

		if s.key.isForSameSession(key) {
			return s
		}

		if lru == nil || s.lastUsed < lru.lastUsed {
			lru = s
		}
	}

	return lru
}

func (l *KeyLoader) ref(s *slot) {
	l.tick++
	s.refs++
	s.lastUsed = l.tick
}

func (l *KeyLoader) release(s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tick++
	s.refs--
	s.lastUsed = l.tick

	if s.refs == 0 {
		close(l.released)
		l.released = make(chan struct{})
	}
}

// Loaded returns the number of loaded sessions.
func (l *KeyLoader) Loaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.slots)
}

// InUse returns the number of referenced sessions.
func (l *KeyLoader) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0

	for _, s := range l.slots {
		if s.refs > 0 {
			n++
		}
	}

	return n
}

// Clear drops every unreferenced session.
func (l *KeyLoader) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = slices.DeleteFunc(l.slots, func(s *slot) bool { return s.refs == 0 })
}
