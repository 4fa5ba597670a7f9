package timeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/storage/storagetest"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const (
	testRoom = "!room:example.org"
	alice    = "@alice:example.org"
	bob      = "@bob:example.org"
)

func content(t testing.TB, v any) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return raw
}

func message(t testing.TB, id, sender, body string) matrix.Event {
	return matrix.Event{
		EventID:        id,
		Type:           matrix.EventTypeMessage,
		Sender:         sender,
		OriginServerTS: 1000,
		Content:        content(t, map[string]any{"msgtype": "m.text", "body": body}),
	}
}

func memberEvent(t testing.TB, id, userID, membership, name string) matrix.Event {
	key := userID

	return matrix.Event{
		EventID:  id,
		Type:     matrix.EventTypeMember,
		Sender:   userID,
		StateKey: &key,
		Content:  content(t, map[string]any{"membership": membership, "displayname": name}),
	}
}

func reaction(t testing.TB, id, sender, target, key string, ts int64) matrix.Event {
	return matrix.Event{
		EventID:        id,
		Type:           matrix.EventTypeReaction,
		Sender:         sender,
		OriginServerTS: ts,
		Content: content(t, map[string]any{
			"m.relates_to": map[string]any{"rel_type": matrix.RelTypeAnnotation, "event_id": target, "key": key},
		}),
	}
}

func redaction(t testing.TB, id, sender, target string) matrix.Event {
	return matrix.Event{
		EventID: id,
		Type:    matrix.EventTypeRedaction,
		Sender:  sender,
		Redacts: target,
		Content: content(t, map[string]any{}),
	}
}

type writers struct {
	st       *storage.Storage
	comparer *FragmentIDComparer
	sync     *SyncWriter
	gap      *GapWriter
	reader   *Reader
}

func newWriters(t testing.TB) *writers {
	t.Helper()

	st := storagetest.Open(t)

	return attachWriters(t, st)
}

// attachWriters builds writers over existing storage, the way a room is
// restored after a restart.
func attachWriters(t testing.TB, st *storage.Storage) *writers {
	t.Helper()

	var fragments []storage.Fragment

	require.NoError(t, st.View(func(txn *storage.Txn) error {
		var err error
		fragments, err = txn.TimelineFragments().All(testRoom)
		return err
	}, storage.StoreTimelineFragments))

	comparer := NewFragmentIDComparer(fragments)
	relations := NewRelationWriter(testRoom, alice)

	w := &writers{
		st:       st,
		comparer: comparer,
		sync:     NewSyncWriter(testRoom, relations, comparer, nil),
		gap:      NewGapWriter(testRoom, relations, comparer, nil),
		reader:   NewReader(testRoom, comparer),
	}

	require.NoError(t, st.View(w.sync.Load, SyncStores...))

	return w
}

func (w *writers) writeSync(t testing.TB, tl matrix.TimelineSection, state []matrix.Event, rejoin bool) *SyncWriteResult {
	t.Helper()

	var res *SyncWriteResult

	require.NoError(t, w.st.Update(func(txn *storage.Txn) error {
		var err error
		res, err = w.sync.WriteSync(tl, state, rejoin, NewMemberWriter(testRoom), txn)
		return err
	}, SyncStores...))

	w.sync.AfterSync(res)

	return res
}

func (w *writers) fill(t testing.TB, boundary *FragmentBoundaryEntry, resp *matrix.MessagesResponse) (*FillResult, error) {
	t.Helper()

	var res *FillResult

	err := w.st.Update(func(txn *storage.Txn) error {
		var err error
		res, err = w.gap.WriteFragmentFill(boundary, resp, txn)
		return err
	}, GapStores...)
	if err != nil {
		return nil, err
	}

	w.gap.AfterFill(res)

	return res, nil
}

func (w *writers) readFromEnd(t testing.TB, n int) []Entry {
	t.Helper()

	var entries []Entry

	require.NoError(t, w.st.View(func(txn *storage.Txn) error {
		var err error
		entries, err = w.reader.ReadFromEnd(n, txn)
		return err
	}, ReadStores...))

	return entries
}

func (w *writers) fragment(t testing.TB, id uint32) *storage.Fragment {
	t.Helper()

	var f *storage.Fragment

	require.NoError(t, w.st.View(func(txn *storage.Txn) error {
		var err error
		f, err = txn.TimelineFragments().Get(testRoom, id)
		return err
	}, storage.StoreTimelineFragments))

	require.NotNil(t, f, "fragment %d", id)

	return f
}

func (w *writers) fragments(t testing.TB) []storage.Fragment {
	t.Helper()

	var fragments []storage.Fragment

	require.NoError(t, w.st.View(func(txn *storage.Txn) error {
		var err error
		fragments, err = txn.TimelineFragments().All(testRoom)
		return err
	}, storage.StoreTimelineFragments))

	return fragments
}

func (w *writers) stored(t testing.TB, eventID string) *storage.TimelineEvent {
	t.Helper()

	var ev *storage.TimelineEvent

	require.NoError(t, w.st.View(func(txn *storage.Txn) error {
		var err error
		ev, err = txn.TimelineEvents().ByEventID(testRoom, eventID)
		return err
	}, storage.StoreTimelineEvents, storage.StoreTimelineEventIDs))

	return ev
}

func eventIDs(entries []Entry) []string {
	var ids []string

	for _, e := range entries {
		if ev, ok := e.(*EventEntry); ok {
			ids = append(ids, ev.ID())
		}
	}

	return ids
}

func boundaries(entries []Entry) []*FragmentBoundaryEntry {
	var out []*FragmentBoundaryEntry

	for _, e := range entries {
		if b, ok := e.(*FragmentBoundaryEntry); ok {
			out = append(out, b)
		}
	}

	return out
}

func ptr[T any](v T) *T { return &v }
