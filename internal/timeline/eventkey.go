package timeline

import (
	"fmt"
	"math"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// Event indices start in the middle of the uint32 range so a fragment
// can grow in both directions.
const (
	MinEventIndex     uint32 = 0
	MaxEventIndex     uint32 = math.MaxUint32
	DefaultLiveIndex  uint32 = math.MaxUint32 / 2
	defaultFragmentID uint32 = 0
)

// EventKey orders an event within its room: by fragment, then by index
// within the fragment. Keys of different fragments only compare through
// a FragmentIDComparer.
type EventKey struct {
	FragmentID uint32
	EventIndex uint32
}

// DefaultLiveKey is the key before the first event of a room's first
// live fragment.
func DefaultLiveKey() EventKey {
	return EventKey{FragmentID: defaultFragmentID, EventIndex: DefaultLiveIndex}
}

// NextFragmentKey is the starting key of the fragment after k's.
func (k EventKey) NextFragmentKey() EventKey {
	return EventKey{FragmentID: k.FragmentID + 1, EventIndex: DefaultLiveIndex}
}

// NextKey is the key after k in the same fragment.
func (k EventKey) NextKey() EventKey {
	return EventKey{FragmentID: k.FragmentID, EventIndex: k.EventIndex + 1}
}

// PreviousKey is the key before k in the same fragment.
func (k EventKey) PreviousKey() EventKey {
	return EventKey{FragmentID: k.FragmentID, EventIndex: k.EventIndex - 1}
}

// NextKeyForDirection steps forward or backward.
func (k EventKey) NextKeyForDirection(dir matrix.Direction) EventKey {
	if dir == matrix.Backward {
		return k.PreviousKey()
	}

	return k.NextKey()
}

// Compare orders k and o. Keys in the same fragment compare by index;
// otherwise the fragments are compared with c.
func (k EventKey) Compare(o EventKey, c *FragmentIDComparer) (int, error) {
	if k.FragmentID == o.FragmentID {
		switch {
		case k.EventIndex < o.EventIndex:
			return -1, nil
		case k.EventIndex > o.EventIndex:
			return 1, nil
		default:
			return 0, nil
		}
	}

	return c.Compare(k.FragmentID, o.FragmentID)
}

func (k EventKey) String() string {
	return fmt.Sprintf("[%d/%d]", k.FragmentID, k.EventIndex)
}
