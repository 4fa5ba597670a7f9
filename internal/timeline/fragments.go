package timeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// ErrFragmentOrder is matched by FragmentOrderError. It is expected
// while a fragment's neighbour is not registered yet.
var ErrFragmentOrder = errors.New("fragments are not linked")

// FragmentOrderError reports two fragments without a known order.
type FragmentOrderError struct {
	A, B uint32
}

func (e *FragmentOrderError) Error() string {
	return fmt.Sprintf("fragments %d and %d are not in the same island", e.A, e.B)
}

func (e *FragmentOrderError) Unwrap() error {
	return ErrFragmentOrder
}

type fragmentLinks struct {
	previous *uint32
	next     *uint32
}

type islandPosition struct {
	island int
	index  int
}

// FragmentIDComparer orders fragments of one room. Fragments linked
// through previous/next ids form an island, and only fragments of
// the same island can be compared. It is safe for concurrent use.
type FragmentIDComparer struct {
	mu        sync.RWMutex
	fragments map[uint32]fragmentLinks
	positions map[uint32]islandPosition
}

// NewFragmentIDComparer creates a comparer for the given fragments.
func NewFragmentIDComparer(fragments []storage.Fragment) *FragmentIDComparer {
	c := &FragmentIDComparer{fragments: make(map[uint32]fragmentLinks)}

	for i := range fragments {
		c.fragments[fragments[i].ID] = links(&fragments[i])
	}

	c.rebuild()

	return c
}

func links(f *storage.Fragment) fragmentLinks {
	return fragmentLinks{previous: f.PreviousID, next: f.NextID}
}

// Add registers a new fragment or the new links of a known one.
func (c *FragmentIDComparer) Add(f storage.Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fragments[f.ID] = links(&f)
	c.rebuild()
}

// rebuild walks every island from its first member. A fragment is the
// first of its island when its previous fragment is not registered.
// Links that would revisit a fragment are ignored.
func (c *FragmentIDComparer) rebuild() {
	c.positions = make(map[uint32]islandPosition, len(c.fragments))

	island := 0

	walk := func(id uint32) {
		index := 0

		for {
			if _, seen := c.positions[id]; seen {
				return
			}

			c.positions[id] = islandPosition{island: island, index: index}
			index++

			l := c.fragments[id]
			if l.next == nil {
				return
			}

			next, ok := c.fragments[*l.next]
			if !ok || next.previous == nil || *next.previous != id {
				return
			}

			id = *l.next
		}
	}

	for _, id := range c.sortedIDs() {
		l := c.fragments[id]
		if l.previous != nil {
			if prev, ok := c.fragments[*l.previous]; ok && prev.next != nil && *prev.next == id {
				continue
			}
		}

		walk(id)
		island++
	}

	// Whatever is left only sits on cycles; give each its own island.
	for _, id := range c.sortedIDs() {
		if _, ok := c.positions[id]; !ok {
			walk(id)
			island++
		}
	}
}

func (c *FragmentIDComparer) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(c.fragments))
	for id := range c.fragments {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Compare returns -1, 0 or 1 as fragment a comes before, is, or comes
// after fragment b. Fragments of different islands, or unknown ones,
// fail with a *FragmentOrderError.
func (c *FragmentIDComparer) Compare(a, b uint32) (int, error) {
	if a == b {
		return 0, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	pa, okA := c.positions[a]
	pb, okB := c.positions[b]

	if !okA || !okB || pa.island != pb.island {
		return 0, &FragmentOrderError{A: a, B: b}
	}

	if pa.index < pb.index {
		return -1, nil
	}

	return 1, nil
}

// SameIsland reports whether a and b can be compared.
func (c *FragmentIDComparer) SameIsland(a, b uint32) bool {
	_, err := c.Compare(a, b)
	return err == nil
}
