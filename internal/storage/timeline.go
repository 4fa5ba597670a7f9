package storage

import (
	"fmt"
	"slices"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

// Fragment is a contiguous run of a room's timeline. A nil link means
// no neighbour is known; a nil token next to a nil link means that edge
// of history has been reached.
type Fragment struct {
	RoomID        string  `json:"roomId"`
	ID            uint32  `json:"id"`
	PreviousID    *uint32 `json:"previousId,omitempty"`
	NextID        *uint32 `json:"nextId,omitempty"`
	PreviousToken *string `json:"previousToken,omitempty"`
	NextToken     *string `json:"nextToken,omitempty"`
}

// StartReached reports whether the beginning of the room is known to
// precede this fragment.
func (f *Fragment) StartReached() bool {
	return f.PreviousID == nil && f.PreviousToken == nil
}

// EndReached reports whether nothing is known to follow this fragment.
func (f *Fragment) EndReached() bool {
	return f.NextID == nil && f.NextToken == nil
}

// FragmentStore holds fragments keyed by room id and fragment id.
type FragmentStore struct{ s store }

// TimelineFragments returns the fragment store of the transaction.
func (t *Txn) TimelineFragments() FragmentStore {
	return FragmentStore{t.store(StoreTimelineFragments)}
}

func fragmentKey(roomID string, id uint32) string {
	return joinKey(roomID, encodeUint32(id))
}

func (st FragmentStore) Get(roomID string, id uint32) (*Fragment, error) {
	var f Fragment

	ok, err := st.s.get(fragmentKey(roomID, id), &f)
	if err != nil || !ok {
		return nil, err
	}

	return &f, nil
}

// Add stores a new fragment.
func (st FragmentStore) Add(f *Fragment) error {
	return st.s.put(fragmentKey(f.RoomID, f.ID), f)
}

// Update overwrites an existing fragment.
func (st FragmentStore) Update(f *Fragment) error {
	return st.s.put(fragmentKey(f.RoomID, f.ID), f)
}

// All returns every fragment of a room in id order.
func (st FragmentStore) All(roomID string) ([]Fragment, error) {
	return all[Fragment](st.s, prefixKey(roomID))
}

// LiveFragment returns the fragment that live events are appended to:
// the highest-id fragment without a successor. It returns nil when the
// room has no fragments yet.
func (st FragmentStore) LiveFragment(roomID string) (*Fragment, error) {
	fragments, err := collect[Fragment](st.s, 1, func(fn visitFunc) error {
		return st.s.scanBackFrom(prefixKey(roomID), "", fn)
	})
	if err != nil || len(fragments) == 0 {
		return nil, err
	}

	f := fragments[0]
	if f.NextID != nil {
		return nil, nil
	}

	return &f, nil
}

// Annotation aggregates relations of one key (e.g. a reaction emoji)
// on a target event.
type Annotation struct {
	Count          int   `json:"count"`
	Me             bool  `json:"me,omitempty"`
	FirstTimestamp int64 `json:"firstTimestamp,omitempty"`
}

// TimelineEvent is a stored room event at (FragmentID, EventIndex).
// Encrypted events are stored as received and decrypted on read.
type TimelineEvent struct {
	RoomID      string                 `json:"roomId"`
	FragmentID  uint32                 `json:"fragmentId"`
	EventIndex  uint32                 `json:"eventIndex"`
	Event       matrix.Event           `json:"event"`
	DisplayName string                 `json:"displayName,omitempty"`
	AvatarURL   string                 `json:"avatarUrl,omitempty"`
	Annotations map[string]*Annotation `json:"annotations,omitempty"`
}

// TimelineEventStore holds events keyed by room, fragment id and event
// index, with a unique index on event id.
type TimelineEventStore struct {
	events store
	ids    store
}

// TimelineEvents returns the timeline event store of the transaction.
// Both StoreTimelineEvents and StoreTimelineEventIDs must be declared.
func (t *Txn) TimelineEvents() TimelineEventStore {
	return TimelineEventStore{
		events: t.store(StoreTimelineEvents),
		ids:    t.store(StoreTimelineEventIDs),
	}
}

func eventKey(roomID string, fragmentID, eventIndex uint32) string {
	return joinKey(roomID, encodeUint32(fragmentID), encodeUint32(eventIndex))
}

func eventFragmentPrefix(roomID string, fragmentID uint32) string {
	return prefixKey(roomID, encodeUint32(fragmentID))
}

func eventIDKey(roomID, eventID string) string {
	return joinKey(roomID, eventID)
}

// Insert adds a new event. It fails with ErrDuplicate when the room
// already has an event with this id.
func (st TimelineEventStore) Insert(entry *TimelineEvent) error {
	if entry.Event.EventID != "" {
		exists, err := st.ids.has(eventIDKey(entry.RoomID, entry.Event.EventID))
		if err != nil {
			return err
		}

		if exists {
			return fmt.Errorf("inserting %s: %w", entry.Event.EventID, ErrDuplicate)
		}
	}

	key := eventKey(entry.RoomID, entry.FragmentID, entry.EventIndex)

	if exists, err := st.events.has(key); err != nil {
		return err
	} else if exists {
		return &StorageError{Store: StoreTimelineEvents, Op: "insert", Err: fmt.Errorf("key %s already taken", key)}
	}

	if err := st.events.put(key, entry); err != nil {
		return err
	}

	if entry.Event.EventID == "" {
		return nil
	}

	return st.ids.putRaw(eventIDKey(entry.RoomID, entry.Event.EventID), []byte(key))
}

// Update overwrites an existing event at its key.
func (st TimelineEventStore) Update(entry *TimelineEvent) error {
	return st.events.put(eventKey(entry.RoomID, entry.FragmentID, entry.EventIndex), entry)
}

func (st TimelineEventStore) Get(roomID string, fragmentID, eventIndex uint32) (*TimelineEvent, error) {
	var entry TimelineEvent

	ok, err := st.events.get(eventKey(roomID, fragmentID, eventIndex), &entry)
	if err != nil || !ok {
		return nil, err
	}

	return &entry, nil
}

// ByEventID looks an event up through the event id index.
func (st TimelineEventStore) ByEventID(roomID, eventID string) (*TimelineEvent, error) {
	key, err := st.ids.getRaw(eventIDKey(roomID, eventID))
	if err != nil || key == nil {
		return nil, err
	}

	var entry TimelineEvent

	ok, err := st.events.get(string(key), &entry)
	if err != nil || !ok {
		return nil, err
	}

	return &entry, nil
}

// LastEvents returns the last n events of a fragment in ascending order.
func (st TimelineEventStore) LastEvents(roomID string, fragmentID uint32, n int) ([]TimelineEvent, error) {
	events, err := collect[TimelineEvent](st.events, n, func(fn visitFunc) error {
		return st.events.scanBackFrom(eventFragmentPrefix(roomID, fragmentID), "", fn)
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(events)

	return events, nil
}

// FirstEvents returns the first n events of a fragment.
func (st TimelineEventStore) FirstEvents(roomID string, fragmentID uint32, n int) ([]TimelineEvent, error) {
	return collect[TimelineEvent](st.events, n, func(fn visitFunc) error {
		return st.events.scanFrom(eventFragmentPrefix(roomID, fragmentID), "", false, fn)
	})
}

// EventsAfter returns up to n events of the fragment following
// eventIndex, in ascending order.
func (st TimelineEventStore) EventsAfter(roomID string, fragmentID, eventIndex uint32, n int) ([]TimelineEvent, error) {
	from := eventKey(roomID, fragmentID, eventIndex)

	return collect[TimelineEvent](st.events, n, func(fn visitFunc) error {
		return st.events.scanFrom(eventFragmentPrefix(roomID, fragmentID), from, true, fn)
	})
}

// EventsBefore returns up to n events of the fragment preceding
// eventIndex, in ascending order.
func (st TimelineEventStore) EventsBefore(roomID string, fragmentID, eventIndex uint32, n int) ([]TimelineEvent, error) {
	before := eventKey(roomID, fragmentID, eventIndex)

	events, err := collect[TimelineEvent](st.events, n, func(fn visitFunc) error {
		return st.events.scanBackFrom(eventFragmentPrefix(roomID, fragmentID), before, fn)
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(events)

	return events, nil
}

// FindExistingEventIDs returns the subset of eventIDs already stored for
// the room.
func (st TimelineEventStore) FindExistingEventIDs(roomID string, eventIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)

	for _, id := range eventIDs {
		ok, err := st.ids.has(eventIDKey(roomID, id))
		if err != nil {
			return nil, err
		}

		if ok {
			existing[id] = true
		}
	}

	return existing, nil
}

// FindFirstOccurringEventID returns the first id of eventIDs that is
// stored for the room, or "".
func (st TimelineEventStore) FindFirstOccurringEventID(roomID string, eventIDs []string) (string, error) {
	for _, id := range eventIDs {
		ok, err := st.ids.has(eventIDKey(roomID, id))
		if err != nil {
			return "", err
		}

		if ok {
			return id, nil
		}
	}

	return "", nil
}

// RemoveAllForRoom deletes every event of a room and its index entries.
func (st TimelineEventStore) RemoveAllForRoom(roomID string) error {
	if err := st.events.deletePrefix(prefixKey(roomID)); err != nil {
		return err
	}

	return st.ids.deletePrefix(prefixKey(roomID))
}

// Relation links a source event (reaction, redaction) to its target.
type Relation struct {
	SourceEventID string `json:"sourceEventId"`
	TargetEventID string `json:"targetEventId"`
	RelType       string `json:"relType"`
}

// RelationStore indexes relations by room, target, type and source.
type RelationStore struct{ s store }

// TimelineRelations returns the relation store of the transaction.
func (t *Txn) TimelineRelations() RelationStore {
	return RelationStore{t.store(StoreTimelineRelations)}
}

func (st RelationStore) Add(roomID string, rel Relation) error {
	return st.s.put(joinKey(roomID, rel.TargetEventID, rel.RelType, rel.SourceEventID), rel)
}

func (st RelationStore) Remove(roomID string, rel Relation) error {
	return st.s.delete(joinKey(roomID, rel.TargetEventID, rel.RelType, rel.SourceEventID))
}

// GetForTargetAndType returns relations of one type on a target event.
func (st RelationStore) GetForTargetAndType(roomID, targetEventID, relType string) ([]Relation, error) {
	return all[Relation](st.s, prefixKey(roomID, targetEventID, relType))
}

// GetAllForTarget returns every relation on a target event.
func (st RelationStore) GetAllForTarget(roomID, targetEventID string) ([]Relation, error) {
	return all[Relation](st.s, prefixKey(roomID, targetEventID))
}

// RemoveAllForTarget deletes every relation on a target event.
func (st RelationStore) RemoveAllForTarget(roomID, targetEventID string) error {
	return st.s.deletePrefix(prefixKey(roomID, targetEventID))
}
