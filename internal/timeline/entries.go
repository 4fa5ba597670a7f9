package timeline

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// Entry is one item of a timeline: an *EventEntry, a *PendingEventEntry
// or a *FragmentBoundaryEntry.
type Entry interface {
	entry()
}

// EventEntry is a stored room event. Encrypted events carry their
// decryption outcome once decryption was attempted.
type EventEntry struct {
	Key         EventKey
	Event       matrix.Event
	DisplayName string
	AvatarURL   string
	Annotations map[string]*storage.Annotation

	Decryption      *common.DecryptionResult
	DecryptionError error

	// Local overlays from the send queue that the server has not
	// confirmed yet.
	PendingRedaction   bool
	PendingAnnotations map[string]int
}

func (*EventEntry) entry() {}

// NewEventEntry wraps a stored event.
func NewEventEntry(te *storage.TimelineEvent) *EventEntry {
	return &EventEntry{
		Key:         EventKey{FragmentID: te.FragmentID, EventIndex: te.EventIndex},
		Event:       te.Event,
		DisplayName: te.DisplayName,
		AvatarURL:   te.AvatarURL,
		Annotations: te.Annotations,
	}
}

// Storage returns the stored form of the entry.
func (e *EventEntry) Storage(roomID string) *storage.TimelineEvent {
	return &storage.TimelineEvent{
		RoomID:      roomID,
		FragmentID:  e.Key.FragmentID,
		EventIndex:  e.Key.EventIndex,
		Event:       e.Event,
		DisplayName: e.DisplayName,
		AvatarURL:   e.AvatarURL,
		Annotations: e.Annotations,
	}
}

func (e *EventEntry) ID() string     { return e.Event.EventID }
func (e *EventEntry) Sender() string { return e.Event.Sender }

// Type returns the decrypted type of an encrypted event, or the event
// type.
func (e *EventEntry) Type() string {
	if e.Decryption != nil {
		return e.Decryption.Type()
	}

	return e.Event.Type
}

// Content returns the decrypted content of an encrypted event, or the
// event content.
func (e *EventEntry) Content() json.RawMessage {
	if e.Decryption != nil {
		return e.Decryption.Content()
	}

	return e.Event.Content
}

// ContentField reads a field of Content by gjson path.
func (e *EventEntry) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.Content(), path)
}

func (e *EventEntry) IsEncrypted() bool { return e.Event.Type == matrix.EventTypeEncrypted }
func (e *EventEntry) IsRedacted() bool  { return e.Event.IsRedacted() }

// IsDecrypted reports whether an encrypted event was decrypted.
func (e *EventEntry) IsDecrypted() bool { return e.Decryption != nil }

// SetDecryptionResult attaches a successful decryption.
func (e *EventEntry) SetDecryptionResult(r *common.DecryptionResult) {
	e.Decryption = r
	e.DecryptionError = nil
}

// SetDecryptionError attaches a failed decryption.
func (e *EventEntry) SetDecryptionError(err error) {
	e.Decryption = nil
	e.DecryptionError = err
}

// Relation returns the m.relates_to type and target of the event. The
// relation of an encrypted event is readable without its key.
func (e *EventEntry) Relation() (relType, targetID string) {
	rel := gjson.GetBytes(e.Event.Content, `m\.relates_to`)
	return rel.Get("rel_type").String(), rel.Get("event_id").String()
}

// PendingEventEntry is a locally queued event not acknowledged yet.
type PendingEventEntry struct {
	Pending storage.PendingEvent
	Sender  string
}

func (*PendingEventEntry) entry() {}

func (e *PendingEventEntry) Type() string              { return e.Pending.EventType }
func (e *PendingEventEntry) Content() json.RawMessage { return e.Pending.Content }
func (e *PendingEventEntry) TxnID() string            { return e.Pending.TxnID }

// IsSent reports whether the server returned an event id for it.
func (e *PendingEventEntry) IsSent() bool { return e.Pending.RemoteID != "" }

// FragmentBoundaryEntry marks the start or end of a fragment and
// carries the gap token beyond it.
type FragmentBoundaryEntry struct {
	Fragment storage.Fragment
	IsStart  bool
}

func (*FragmentBoundaryEntry) entry() {}

// StartBoundary and EndBoundary create the boundary entries of f.
func StartBoundary(f storage.Fragment) *FragmentBoundaryEntry {
	return &FragmentBoundaryEntry{Fragment: f, IsStart: true}
}

func EndBoundary(f storage.Fragment) *FragmentBoundaryEntry {
	return &FragmentBoundaryEntry{Fragment: f}
}

// Key sorts the boundary before or after every event of its fragment.
func (b *FragmentBoundaryEntry) Key() EventKey {
	if b.IsStart {
		return EventKey{FragmentID: b.Fragment.ID, EventIndex: MinEventIndex}
	}

	return EventKey{FragmentID: b.Fragment.ID, EventIndex: MaxEventIndex}
}

// Direction is the direction to paginate in to fill the gap.
func (b *FragmentBoundaryEntry) Direction() matrix.Direction {
	if b.IsStart {
		return matrix.Backward
	}

	return matrix.Forward
}

// Token returns the pagination token of the gap, or nil.
func (b *FragmentBoundaryEntry) Token() *string {
	if b.IsStart {
		return b.Fragment.PreviousToken
	}

	return b.Fragment.NextToken
}

func (b *FragmentBoundaryEntry) setToken(token *string) {
	if b.IsStart {
		b.Fragment.PreviousToken = token
	} else {
		b.Fragment.NextToken = token
	}
}

// LinkedFragmentID returns the neighbouring fragment, or nil.
func (b *FragmentBoundaryEntry) LinkedFragmentID() *uint32 {
	if b.IsStart {
		return b.Fragment.PreviousID
	}

	return b.Fragment.NextID
}

func (b *FragmentBoundaryEntry) setLinkedFragmentID(id *uint32) {
	if b.IsStart {
		b.Fragment.PreviousID = id
	} else {
		b.Fragment.NextID = id
	}
}

// HasGap reports whether events beyond the boundary can be fetched.
func (b *FragmentBoundaryEntry) HasGap() bool {
	return b.Token() != nil
}

// EdgeReached reports whether the boundary is the start or end of the
// room's history.
func (b *FragmentBoundaryEntry) EdgeReached() bool {
	if b.IsStart {
		return b.Fragment.StartReached()
	}

	return b.Fragment.EndReached()
}

// CompareEntries orders timeline entries. Pending events sort after
// every stored entry, in queue order.
func CompareEntries(a, b Entry, c *FragmentIDComparer) (int, error) {
	pa, aPending := a.(*PendingEventEntry)
	pb, bPending := b.(*PendingEventEntry)

	switch {
	case aPending && bPending:
		switch {
		case pa.Pending.QueueIndex < pb.Pending.QueueIndex:
			return -1, nil
		case pa.Pending.QueueIndex > pb.Pending.QueueIndex:
			return 1, nil
		default:
			return 0, nil
		}
	case aPending:
		return 1, nil
	case bPending:
		return -1, nil
	}

	return entryKey(a).Compare(entryKey(b), c)
}

func entryKey(e Entry) EventKey {
	switch e := e.(type) {
	case *EventEntry:
		return e.Key
	case *FragmentBoundaryEntry:
		return e.Key()
	default:
		return EventKey{}
	}
}
