package timeline

import (
	"fmt"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// ReadStores are the stores Reader needs.
var ReadStores = []storage.StoreName{
	storage.StoreTimelineFragments,
	storage.StoreTimelineEvents,
	storage.StoreTimelineEventIDs,
}

// Reader reads stored entries of a room in timeline order. It follows
// fragment links that have no gap between them and stops at the first
// gap or edge.
type Reader struct {
	roomID   string
	comparer *FragmentIDComparer
}

// NewReader creates a Reader.
func NewReader(roomID string, comparer *FragmentIDComparer) *Reader {
	return &Reader{roomID: roomID, comparer: comparer}
}

// ReadFromEnd returns up to amount entries ending at the live edge,
// followed by the end boundary of the live fragment. txn needs
// ReadStores.
func (r *Reader) ReadFromEnd(amount int, txn *storage.Txn) ([]Entry, error) {
	live, err := txn.TimelineFragments().LiveFragment(r.roomID)
	if err != nil || live == nil {
		return nil, err
	}

	r.comparer.Add(*live)

	end := EndBoundary(*live)

	entries, err := r.ReadFrom(end.Key(), matrix.Backward, amount, txn)
	if err != nil {
		return nil, err
	}

	return append(entries, end), nil
}

// ReadFrom returns up to amount entries strictly before (Backward) or
// after (Forward) key, in timeline order. txn needs ReadStores.
func (r *Reader) ReadFrom(key EventKey, dir matrix.Direction, amount int, txn *storage.Txn) ([]Entry, error) {
	var entries []Entry

	for len(entries) < amount {
		events, err := r.readWithinFragment(key, dir, amount-len(entries), txn)
		if err != nil {
			return nil, err
		}

		if dir == matrix.Backward {
			for i := len(events) - 1; i >= 0; i-- {
				entries = directionalAppend(entries, NewEventEntry(&events[i]), dir)
			}
		} else {
			for i := range events {
				entries = directionalAppend(entries, NewEventEntry(&events[i]), dir)
			}
		}

		if len(entries) >= amount {
			break
		}

		f, err := txn.TimelineFragments().Get(r.roomID, key.FragmentID)
		if err != nil {
			return nil, err
		}

		if f == nil {
			return nil, fmt.Errorf("fragment %d of %s does not exist", key.FragmentID, r.roomID)
		}

		boundary := &FragmentBoundaryEntry{Fragment: *f, IsStart: dir == matrix.Backward}
		entries = directionalAppend(entries, boundary, dir)

		linked := boundary.LinkedFragmentID()
		if boundary.HasGap() || linked == nil {
			break
		}

		next, err := txn.TimelineFragments().Get(r.roomID, *linked)
		if err != nil {
			return nil, err
		}

		if next == nil {
			return nil, fmt.Errorf("fragment %d of %s links to missing fragment %d", f.ID, r.roomID, *linked)
		}

		r.comparer.Add(*next)

		across := &FragmentBoundaryEntry{Fragment: *next, IsStart: dir == matrix.Forward}
		entries = directionalAppend(entries, across, dir)
		key = across.Key()
	}

	return entries, nil
}

func (r *Reader) readWithinFragment(key EventKey, dir matrix.Direction, n int, txn *storage.Txn) ([]storage.TimelineEvent, error) {
	if dir == matrix.Backward {
		return txn.TimelineEvents().EventsBefore(r.roomID, key.FragmentID, key.EventIndex, n)
	}

	return txn.TimelineEvents().EventsAfter(r.roomID, key.FragmentID, key.EventIndex, n)
}
