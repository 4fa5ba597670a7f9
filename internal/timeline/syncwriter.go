// Package timeline stores room timelines as linked fragments of events
// and reads them back in order.
package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// SyncStores are the stores SyncWriter.WriteSync needs.
var SyncStores = []storage.StoreName{
	storage.StoreTimelineFragments,
	storage.StoreTimelineEvents,
	storage.StoreTimelineEventIDs,
	storage.StoreTimelineRelations,
	storage.StoreRoomState,
	storage.StoreRoomMembers,
}

// SyncWriteResult is what WriteSync stored. Call SyncWriter.AfterSync
// with it once the transaction is committed.
type SyncWriteResult struct {
	// Entries are the new fragment boundaries and events, in order.
	Entries []Entry

	// UpdatedEntries are previously stored events changed by relations
	// in this sync.
	UpdatedEntries []*EventEntry

	// Fragments were created or relinked.
	Fragments []storage.Fragment

	MemberChanges []MemberChange
	NewLiveKey    *EventKey
}

// Events returns the event entries of the result.
func (r *SyncWriteResult) Events() []*EventEntry {
	var out []*EventEntry

	for _, e := range r.Entries {
		if ev, ok := e.(*EventEntry); ok {
			out = append(out, ev)
		}
	}

	return out
}

// SyncWriter appends the live events of a room from /sync.
type SyncWriter struct {
	roomID    string
	relations *RelationWriter
	comparer  *FragmentIDComparer
	logger    *slog.Logger

	lastLiveKey *EventKey
}

// NewSyncWriter creates a SyncWriter. Call Load before the first
// WriteSync of a room that has stored events.
func NewSyncWriter(roomID string, relations *RelationWriter, comparer *FragmentIDComparer, logger *slog.Logger) *SyncWriter {
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncWriter{roomID: roomID, relations: relations, comparer: comparer, logger: logger}
}

// Load restores the live key from storage. txn needs SyncStores.
func (w *SyncWriter) Load(txn *storage.Txn) error {
	live, err := txn.TimelineFragments().LiveFragment(w.roomID)
	if err != nil || live == nil {
		return err
	}

	last, err := txn.TimelineEvents().LastEvents(w.roomID, live.ID, 1)
	if err != nil {
		return err
	}

	key := EventKey{FragmentID: live.ID, EventIndex: DefaultLiveIndex}
	if len(last) > 0 {
		key.EventIndex = last[0].EventIndex
	}

	w.lastLiveKey = &key

	return nil
}

// LastLiveKey returns the key of the last live event, or nil when the
// room has no live fragment yet.
func (w *SyncWriter) LastLiveKey() *EventKey {
	if w.lastLiveKey == nil {
		return nil
	}

	k := *w.lastLiveKey

	return &k
}

// WriteSync stores the state and timeline sections of one room in a
// sync response. isRejoin is set when the room is joined again after
// being left. txn needs SyncStores.
func (w *SyncWriter) WriteSync(tl matrix.TimelineSection, state []matrix.Event, isRejoin bool, members *MemberWriter, txn *storage.Txn) (*SyncWriteResult, error) {
	res := &SyncWriteResult{}
	changes := newMemberChanges()

	for i := range state {
		if err := w.writeState(&state[i], members, changes, txn); err != nil {
			return nil, err
		}
	}

	if isRejoin {
		var err error

		tl, err = w.handleRejoinOverlap(tl, txn)
		if err != nil {
			return nil, err
		}
	}

	key, err := w.ensureLiveFragment(tl, res, txn)
	if err != nil {
		return nil, err
	}

	for _, ev := range dedupeEvents(tl.Events) {
		next := key.NextKey()

		te := &storage.TimelineEvent{
			RoomID:     w.roomID,
			FragmentID: next.FragmentID,
			EventIndex: next.EventIndex,
			Event:      ev,
		}

		if ev.IsState() {
			if err := w.writeState(&te.Event, members, changes, txn); err != nil {
				return nil, err
			}
		}

		if m, err := members.Lookup(ev.Sender, txn); err != nil {
			return nil, err
		} else if m != nil {
			te.DisplayName, te.AvatarURL = m.DisplayName, m.AvatarURL
		}

		err := txn.TimelineEvents().Insert(te)
		if errors.Is(err, storage.ErrDuplicate) {
			w.logger.Debug("skipping duplicate event", slog.String("room", w.roomID), slog.String("event", ev.EventID))
			continue
		}

		if err != nil {
			return nil, err
		}

		key = next
		entry := NewEventEntry(te)
		res.Entries = append(res.Entries, entry)

		updated, err := w.relations.WriteRelation(entry, txn)
		if err != nil {
			return nil, err
		}

		res.mergeUpdated(updated)
	}

	res.NewLiveKey = &key
	res.MemberChanges = changes.list()

	return res, nil
}

func (w *SyncWriter) writeState(ev *matrix.Event, members *MemberWriter, changes *memberChanges, txn *storage.Txn) error {
	if err := txn.RoomState().Set(w.roomID, *ev); err != nil {
		return err
	}

	change, err := members.WriteMemberEvent(ev, txn)
	if err != nil {
		return err
	}

	changes.add(change)

	return nil
}

// handleRejoinOverlap drops the events of a rejoin sync that are
// already stored. Without an overlap the sync is treated as limited so
// the missed history shows up as a gap.
func (w *SyncWriter) handleRejoinOverlap(tl matrix.TimelineSection, txn *storage.Txn) (matrix.TimelineSection, error) {
	if w.lastLiveKey != nil {
		last, err := txn.TimelineEvents().LastEvents(w.roomID, w.lastLiveKey.FragmentID, 1)
		if err != nil {
			return tl, err
		}

		if len(last) > 0 {
			id := last[0].Event.EventID

			if i := slices.IndexFunc(tl.Events, func(ev matrix.Event) bool { return ev.EventID == id }); i >= 0 {
				w.logger.Debug("rejoin overlaps stored timeline", slog.String("room", w.roomID), slog.String("event", id))
				return matrix.TimelineSection{Events: tl.Events[i+1:]}, nil
			}
		}
	}

	if !tl.Limited {
		w.logger.Debug("rejoin without overlap, forcing gap", slog.String("room", w.roomID))
		tl.Limited = true
	}

	return tl, nil
}

// ensureLiveFragment returns the key to append after, creating the
// first live fragment or replacing the live fragment after a limited
// sync.
func (w *SyncWriter) ensureLiveFragment(tl matrix.TimelineSection, res *SyncWriteResult, txn *storage.Txn) (EventKey, error) {
	if w.lastLiveKey == nil {
		key := DefaultLiveKey()

		f := storage.Fragment{RoomID: w.roomID, ID: key.FragmentID, PreviousToken: tokenPtr(tl.PrevBatch)}
		if err := txn.TimelineFragments().Add(&f); err != nil {
			return key, err
		}

		res.Entries = append(res.Entries, StartBoundary(f))
		res.Fragments = append(res.Fragments, f)

		return key, nil
	}

	key := *w.lastLiveKey
	if !tl.Limited {
		return key, nil
	}

	stored, err := w.allStored(tl.Events, txn)
	if err != nil {
		return key, err
	}

	if stored {
		// A replayed limited sync: its fragment was created the first time.
		return key, nil
	}

	next := key.NextFragmentKey()

	old, err := txn.TimelineFragments().Get(w.roomID, key.FragmentID)
	if err != nil {
		return key, err
	}

	if old == nil {
		return key, fmt.Errorf("live fragment %d of %s is missing", key.FragmentID, w.roomID)
	}

	old.NextID = &next.FragmentID
	if err := txn.TimelineFragments().Update(old); err != nil {
		return key, err
	}

	f := storage.Fragment{
		RoomID:        w.roomID,
		ID:            next.FragmentID,
		PreviousID:    &old.ID,
		PreviousToken: tokenPtr(tl.PrevBatch),
	}
	if err := txn.TimelineFragments().Add(&f); err != nil {
		return key, err
	}

	res.Entries = append(res.Entries, EndBoundary(*old), StartBoundary(f))
	res.Fragments = append(res.Fragments, *old, f)

	return next, nil
}

// allStored reports whether every event of a non-empty timeline is
// already stored for the room.
func (w *SyncWriter) allStored(events []matrix.Event, txn *storage.Txn) (bool, error) {
	if len(events) == 0 {
		return false, nil
	}

	ids := make([]string, 0, len(events))
	for i := range events {
		ids = append(ids, events[i].EventID)
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)

	existing, err := txn.TimelineEvents().FindExistingEventIDs(w.roomID, ids)
	if err != nil {
		return false, err
	}

	return len(existing) == len(ids), nil
}

// AfterSync makes a committed result current.
func (w *SyncWriter) AfterSync(res *SyncWriteResult) {
	if res.NewLiveKey != nil {
		k := *res.NewLiveKey
		w.lastLiveKey = &k
	}

	for _, f := range res.Fragments {
		w.comparer.Add(f)
	}
}

// mergeUpdated folds relation updates into the result. Updates of
// events written in this sync replace those entries in place.
func (r *SyncWriteResult) mergeUpdated(updated []*EventEntry) {
	for _, u := range updated {
		replaced := false

		for i, e := range r.Entries {
			if ev, ok := e.(*EventEntry); ok && ev.ID() == u.ID() {
				r.Entries[i] = u
				replaced = true

				break
			}
		}

		if replaced {
			continue
		}

		i := slices.IndexFunc(r.UpdatedEntries, func(e *EventEntry) bool { return e.ID() == u.ID() })
		if i >= 0 {
			r.UpdatedEntries[i] = u
		} else {
			r.UpdatedEntries = append(r.UpdatedEntries, u)
		}
	}
}

// dedupeEvents drops repeated event ids within one response, keeping
// the first.
func dedupeEvents(events []matrix.Event) []matrix.Event {
	seen := make(map[string]bool, len(events))
	out := make([]matrix.Event, 0, len(events))

	for _, ev := range events {
		if ev.EventID != "" {
			if seen[ev.EventID] {
				continue
			}

			seen[ev.EventID] = true
		}

		out = append(out, ev)
	}

	return out
}

func tokenPtr(token string) *string {
	if token == "" {
		return nil
	}

	return &token
}

// memberChanges folds the membership changes of one sync per user: the
// first previous membership and the last new one.
type memberChanges struct {
	order []string
	byID  map[string]*MemberChange
}

func newMemberChanges() *memberChanges {
	return &memberChanges{byID: make(map[string]*MemberChange)}
}

func (c *memberChanges) add(change *MemberChange) {
	if change == nil {
		return
	}

	if existing, ok := c.byID[change.UserID()]; ok {
		existing.Member = change.Member
		return
	}

	cp := *change
	c.byID[change.UserID()] = &cp
	c.order = append(c.order, change.UserID())
}

func (c *memberChanges) list() []MemberChange {
	var out []MemberChange

	for _, id := range c.order {
		ch := c.byID[id]
		if ch.PreviousMembership != ch.Member.Membership {
			out = append(out, *ch)
		}
	}

	return out
}
