package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// GapStores are the stores GapWriter.WriteFragmentFill needs.
var GapStores = []storage.StoreName{
	storage.StoreTimelineFragments,
	storage.StoreTimelineEvents,
	storage.StoreTimelineEventIDs,
	storage.StoreTimelineRelations,
	storage.StoreRoomMembers,
}

// ErrStaleGapToken is returned when a /messages response was requested
// with a token the fragment no longer carries.
var ErrStaleGapToken = errors.New("gap token changed since the request was made")

// FillResult is what WriteFragmentFill stored. Call GapWriter.AfterFill
// with it once the transaction is committed.
type FillResult struct {
	// Entries are the backfilled events and the changed boundaries, in
	// timeline order.
	Entries []Entry

	UpdatedEntries []*EventEntry

	// Fragments were relinked to a neighbour.
	Fragments []storage.Fragment
}

// Events returns the event entries of the result.
func (r *FillResult) Events() []*EventEntry {
	var out []*EventEntry

	for _, e := range r.Entries {
		if ev, ok := e.(*EventEntry); ok {
			out = append(out, ev)
		}
	}

	return out
}

// GapWriter stores the events of a /messages response fetched at a
// fragment boundary.
type GapWriter struct {
	roomID    string
	relations *RelationWriter
	comparer  *FragmentIDComparer
	logger    *slog.Logger
}

// NewGapWriter creates a GapWriter.
func NewGapWriter(roomID string, relations *RelationWriter, comparer *FragmentIDComparer, logger *slog.Logger) *GapWriter {
	if logger == nil {
		logger = slog.Default()
	}

	return &GapWriter{roomID: roomID, relations: relations, comparer: comparer, logger: logger}
}

// WriteFragmentFill stores resp, fetched from the gap of boundary.
// Events already stored are dropped; when they belong to the fragment
// on the other side of the gap the two fragments are joined. An empty
// chunk marks the edge of history. txn needs GapStores.
func (w *GapWriter) WriteFragmentFill(boundary *FragmentBoundaryEntry, resp *matrix.MessagesResponse, txn *storage.Txn) (*FillResult, error) {
	fragments := txn.TimelineFragments()

	f, err := fragments.Get(w.roomID, boundary.Fragment.ID)
	if err != nil {
		return nil, err
	}

	if f == nil {
		return nil, fmt.Errorf("fragment %d of %s does not exist", boundary.Fragment.ID, w.roomID)
	}

	entry := &FragmentBoundaryEntry{Fragment: *f, IsStart: boundary.IsStart}
	dir := entry.Direction()

	if token := entry.Token(); token == nil || *token != resp.Start {
		return nil, ErrStaleGapToken
	}

	res := &FillResult{}

	if len(resp.Chunk) == 0 {
		entry.setToken(nil)

		if err := fragments.Update(&entry.Fragment); err != nil {
			return nil, err
		}

		res.Entries = []Entry{entry}

		return res, nil
	}

	key, err := w.edgeKey(entry, txn)
	if err != nil {
		return nil, err
	}

	events, neighbour, err := w.findOverlap(entry, dedupeEvents(resp.Chunk), txn)
	if err != nil {
		return nil, err
	}

	profiles := profilesFromState(w.roomID, resp.State)

	for _, ev := range events {
		key = key.NextKeyForDirection(dir)

		te := &storage.TimelineEvent{
			RoomID:     w.roomID,
			FragmentID: key.FragmentID,
			EventIndex: key.EventIndex,
			Event:      ev,
		}

		if err := w.annotateSender(te, profiles, txn); err != nil {
			return nil, err
		}

		if err := txn.TimelineEvents().Insert(te); err != nil {
			return nil, err
		}

		e := NewEventEntry(te)

		changed, err := w.relations.ApplyStoredRelations(e, txn)
		if err != nil {
			return nil, err
		}

		if changed {
			if err := txn.TimelineEvents().Update(e.Storage(w.roomID)); err != nil {
				return nil, err
			}
		}

		updated, err := w.relations.WriteRelation(e, txn)
		if err != nil {
			return nil, err
		}

		res.Entries = directionalAppend(res.Entries, e, dir)
		res.UpdatedEntries = append(res.UpdatedEntries, updated...)
	}

	if err := w.updateFragments(res, entry, neighbour, resp.End, txn); err != nil {
		return nil, err
	}

	return res, nil
}

// AfterFill registers relinked fragments once the fill is committed.
func (w *GapWriter) AfterFill(res *FillResult) {
	for _, f := range res.Fragments {
		w.comparer.Add(f)
	}
}

// edgeKey returns the key of the outermost event on the boundary's side
// of the fragment.
func (w *GapWriter) edgeKey(b *FragmentBoundaryEntry, txn *storage.Txn) (EventKey, error) {
	var (
		events []storage.TimelineEvent
		err    error
	)

	if b.IsStart {
		events, err = txn.TimelineEvents().FirstEvents(w.roomID, b.Fragment.ID, 1)
	} else {
		events, err = txn.TimelineEvents().LastEvents(w.roomID, b.Fragment.ID, 1)
	}

	if err != nil {
		return EventKey{}, err
	}

	if len(events) == 0 {
		return EventKey{FragmentID: b.Fragment.ID, EventIndex: DefaultLiveIndex}, nil
	}

	return EventKey{FragmentID: b.Fragment.ID, EventIndex: events[0].EventIndex}, nil
}

// findOverlap filters out stored events and returns the boundary of the
// fragment across the gap when the chunk reached into it. Events past
// the first one of that fragment are already covered by it and dropped.
func (w *GapWriter) findOverlap(b *FragmentBoundaryEntry, events []matrix.Event, txn *storage.Txn) ([]matrix.Event, *FragmentBoundaryEntry, error) {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}

	existing, err := txn.TimelineEvents().FindExistingEventIDs(w.roomID, ids)
	if err != nil {
		return nil, nil, err
	}

	if len(existing) == 0 {
		return events, nil, nil
	}

	var neighbour *FragmentBoundaryEntry

	cut := len(events)

	for i, id := range ids {
		if !existing[id] {
			continue
		}

		other, err := w.neighbourOf(b, id, txn)
		if err != nil {
			return nil, nil, err
		}

		if other != nil {
			neighbour, cut = other, i
			break
		}
	}

	fresh := slices.DeleteFunc(slices.Clone(events[:cut]), func(ev matrix.Event) bool { return existing[ev.EventID] })

	return fresh, neighbour, nil
}

// neighbourOf returns the facing boundary of the fragment holding the
// stored event id when that fragment can be joined to b.
func (w *GapWriter) neighbourOf(b *FragmentBoundaryEntry, eventID string, txn *storage.Txn) (*FragmentBoundaryEntry, error) {
	stored, err := txn.TimelineEvents().ByEventID(w.roomID, eventID)
	if err != nil || stored == nil || stored.FragmentID == b.Fragment.ID {
		return nil, err
	}

	if linked := b.LinkedFragmentID(); linked != nil && *linked != stored.FragmentID {
		w.logger.Warn("backfill overlaps an unrelated fragment",
			slog.String("room", w.roomID),
			slog.Uint64("fragment", uint64(b.Fragment.ID)),
			slog.Uint64("other", uint64(stored.FragmentID)))

		return nil, nil
	}

	f, err := txn.TimelineFragments().Get(w.roomID, stored.FragmentID)
	if err != nil || f == nil {
		return nil, err
	}

	other := &FragmentBoundaryEntry{Fragment: *f, IsStart: !b.IsStart}
	if linked := other.LinkedFragmentID(); linked != nil && *linked != b.Fragment.ID {
		return nil, nil
	}

	return other, nil
}

// updateFragments stores the new gap token, or joins the fragment with
// its neighbour when the gap is closed.
func (w *GapWriter) updateFragments(res *FillResult, b, neighbour *FragmentBoundaryEntry, end string, txn *storage.Txn) error {
	dir := b.Direction()
	res.Entries = directionalAppend(res.Entries, b, dir)

	if neighbour == nil {
		b.setToken(tokenPtr(end))

		return txn.TimelineFragments().Update(&b.Fragment)
	}

	b.setLinkedFragmentID(&neighbour.Fragment.ID)
	neighbour.setLinkedFragmentID(&b.Fragment.ID)
	b.setToken(nil)
	neighbour.setToken(nil)

	if err := txn.TimelineFragments().Update(&neighbour.Fragment); err != nil {
		return err
	}

	if err := txn.TimelineFragments().Update(&b.Fragment); err != nil {
		return err
	}

	res.Entries = directionalAppend(res.Entries, neighbour, dir)
	res.Fragments = append(res.Fragments, b.Fragment, neighbour.Fragment)

	w.logger.Debug("closed gap",
		slog.String("room", w.roomID),
		slog.Uint64("fragment", uint64(b.Fragment.ID)),
		slog.Uint64("neighbour", uint64(neighbour.Fragment.ID)))

	return nil
}

func (w *GapWriter) annotateSender(te *storage.TimelineEvent, profiles map[string]*storage.Member, txn *storage.Txn) error {
	m, ok := profiles[te.Event.Sender]
	if !ok {
		var err error

		m, err = txn.RoomMembers().Get(w.roomID, te.Event.Sender)
		if err != nil {
			return err
		}
	}

	if m != nil {
		te.DisplayName, te.AvatarURL = m.DisplayName, m.AvatarURL
	}

	return nil
}

// profilesFromState indexes the member events sent along with a
// /messages response. They describe senders at the time of the chunk
// and are not written as current room state.
func profilesFromState(roomID string, state []matrix.Event) map[string]*storage.Member {
	profiles := make(map[string]*storage.Member)

	for i := range state {
		if m := MemberFromEvent(roomID, &state[i]); m != nil {
			profiles[m.UserID] = m
		}
	}

	return profiles
}

// directionalAppend appends for forward fills and prepends for
// backward ones, keeping entries in timeline order.
func directionalAppend(entries []Entry, e Entry, dir matrix.Direction) []Entry {
	if dir == matrix.Backward {
		return slices.Insert(entries, 0, e)
	}

	return append(entries, e)
}
