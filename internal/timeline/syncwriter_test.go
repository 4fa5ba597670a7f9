package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/matrix-sync/matrix"
)

func TestWriteSync_FirstSyncCreatesLiveFragment(t *testing.T) {
	w := newWriters(t)

	res := w.writeSync(t, matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$1", bob, "one"), message(t, "$2", bob, "two")},
		PrevBatch: "p0",
	}, nil, false)

	require.Len(t, res.Entries, 3)

	start, ok := res.Entries[0].(*FragmentBoundaryEntry)
	require.True(t, ok)
	assert.True(t, start.IsStart)
	assert.Equal(t, ptr("p0"), start.Token())

	events := res.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventKey{FragmentID: 0, EventIndex: DefaultLiveIndex + 1}, events[0].Key)
	assert.Equal(t, EventKey{FragmentID: 0, EventIndex: DefaultLiveIndex + 2}, events[1].Key)
	assert.Equal(t, &events[1].Key, res.NewLiveKey)
	assert.Equal(t, res.NewLiveKey, w.sync.LastLiveKey())

	f := w.fragment(t, 0)
	assert.Equal(t, ptr("p0"), f.PreviousToken)
	assert.Nil(t, f.NextID)
	assert.Nil(t, f.NextToken)
}

func TestWriteSync_AppendsToLiveFragment(t *testing.T) {
	w := newWriters(t)

	w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$1", bob, "one")}, PrevBatch: "p0"}, nil, false)
	res := w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$2", bob, "two")}}, nil, false)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, EventKey{FragmentID: 0, EventIndex: DefaultLiveIndex + 2}, res.Events()[0].Key)
	assert.Empty(t, res.Fragments)
	assert.Len(t, w.fragments(t), 1)
}

func TestWriteSync_LimitedStartsNewFragment(t *testing.T) {
	w := newWriters(t)

	w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$1", bob, "one")}, PrevBatch: "p0"}, nil, false)

	res := w.writeSync(t, matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$9", bob, "nine")},
		Limited:   true,
		PrevBatch: "tok1",
	}, nil, false)

	require.Len(t, res.Entries, 3)

	end, ok := res.Entries[0].(*FragmentBoundaryEntry)
	require.True(t, ok)
	assert.False(t, end.IsStart)
	assert.Equal(t, uint32(0), end.Fragment.ID)

	old := w.fragment(t, 0)
	assert.Equal(t, ptr(uint32(1)), old.NextID)
	assert.Nil(t, old.NextToken)

	live := w.fragment(t, 1)
	assert.Equal(t, ptr(uint32(0)), live.PreviousID)
	assert.Equal(t, ptr("tok1"), live.PreviousToken)
	assert.Nil(t, live.NextID)

	assert.Equal(t, EventKey{FragmentID: 1, EventIndex: DefaultLiveIndex + 1}, res.Events()[0].Key)

	cmp, err := w.comparer.Compare(0, 1)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	entries := w.readFromEnd(t, 10)
	assert.Equal(t, []string{"$9"}, eventIDs(entries))

	first, ok := entries[0].(*FragmentBoundaryEntry)
	require.True(t, ok)
	assert.True(t, first.HasGap())
}

func TestWriteSync_ReplayIsIdempotent(t *testing.T) {
	w := newWriters(t)

	tl := matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$1", bob, "one"), message(t, "$2", bob, "two")},
		PrevBatch: "p0",
	}

	first := w.writeSync(t, tl, nil, false)
	tl.PrevBatch = ""
	again := w.writeSync(t, tl, nil, false)

	assert.Empty(t, again.Events())
	assert.Equal(t, first.NewLiveKey, again.NewLiveKey)
	assert.Equal(t, []string{"$1", "$2"}, eventIDs(w.readFromEnd(t, 10)))
}

func TestWriteSync_LimitedReplayKeepsLiveFragment(t *testing.T) {
	w := newWriters(t)

	w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$1", bob, "one")}, PrevBatch: "p0"}, nil, false)

	tl := matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$9", bob, "nine")},
		Limited:   true,
		PrevBatch: "tok1",
	}

	first := w.writeSync(t, tl, nil, false)
	require.Len(t, w.fragments(t), 2)

	again := w.writeSync(t, tl, nil, false)

	assert.Empty(t, again.Entries)
	assert.Empty(t, again.Fragments)
	assert.Equal(t, first.NewLiveKey, again.NewLiveKey)
	assert.Len(t, w.fragments(t), 2)
	assert.Equal(t, []string{"$9"}, eventIDs(w.readFromEnd(t, 10)))
}

func TestWriteSync_DropsRepeatedEventsWithinResponse(t *testing.T) {
	w := newWriters(t)

	res := w.writeSync(t, matrix.TimelineSection{
		Events: []matrix.Event{message(t, "$1", bob, "one"), message(t, "$1", bob, "one"), message(t, "$2", bob, "two")},
	}, nil, false)

	assert.Equal(t, []string{"$1", "$2"}, eventIDs(res.Entries))
	assert.Equal(t, DefaultLiveIndex+2, res.NewLiveKey.EventIndex)
}

func TestWriteSync_RejoinSkipsOverlap(t *testing.T) {
	w := newWriters(t)

	w.writeSync(t, matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$1", bob, "one"), message(t, "$2", bob, "two")},
		PrevBatch: "p0",
	}, nil, false)

	res := w.writeSync(t, matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$1", bob, "one"), message(t, "$2", bob, "two"), message(t, "$3", bob, "three")},
		Limited:   true,
		PrevBatch: "p-1",
	}, nil, true)

	assert.Equal(t, []string{"$3"}, eventIDs(res.Entries))
	assert.Empty(t, res.Fragments)
	assert.Equal(t, EventKey{FragmentID: 0, EventIndex: DefaultLiveIndex + 3}, *res.NewLiveKey)
}

func TestWriteSync_RejoinWithoutOverlapLeavesGap(t *testing.T) {
	w := newWriters(t)

	w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$1", bob, "one")}, PrevBatch: "p0"}, nil, false)

	res := w.writeSync(t, matrix.TimelineSection{
		Events:    []matrix.Event{message(t, "$7", bob, "seven")},
		PrevBatch: "p6",
	}, nil, true)

	require.Len(t, res.Fragments, 2)
	assert.Equal(t, ptr(uint32(1)), w.fragment(t, 0).NextID)
	assert.Equal(t, ptr("p6"), w.fragment(t, 1).PreviousToken)
	assert.Equal(t, uint32(1), res.NewLiveKey.FragmentID)
}

func TestWriteSync_MembersAndSenderProfiles(t *testing.T) {
	w := newWriters(t)

	res := w.writeSync(t, matrix.TimelineSection{
		Events: []matrix.Event{
			memberEvent(t, "$m2", bob, matrix.MembershipJoin, "Bob"),
			message(t, "$1", alice, "hi"),
			message(t, "$2", bob, "hello"),
		},
	}, []matrix.Event{memberEvent(t, "$m1", alice, matrix.MembershipJoin, "Alice")}, false)

	events := res.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "Alice", events[1].DisplayName)
	assert.Equal(t, "Bob", events[2].DisplayName)

	require.Len(t, res.MemberChanges, 2)
	assert.Equal(t, alice, res.MemberChanges[0].UserID())
	assert.True(t, res.MemberChanges[0].HasJoined())
	assert.Equal(t, bob, res.MemberChanges[1].UserID())
	assert.True(t, res.MemberChanges[1].HasJoined())
}

func TestWriteSync_JoinAndLeaveFoldIntoOneChange(t *testing.T) {
	w := newWriters(t)

	res := w.writeSync(t, matrix.TimelineSection{
		Events: []matrix.Event{
			memberEvent(t, "$m1", bob, matrix.MembershipJoin, "Bob"),
			memberEvent(t, "$m2", bob, matrix.MembershipLeave, "Bob"),
		},
	}, nil, false)

	require.Len(t, res.MemberChanges, 1)
	assert.Equal(t, matrix.MembershipLeave, res.MemberChanges[0].Membership())
	assert.False(t, res.MemberChanges[0].HasLeft())
}

func TestWriteSync_ReactionsAggregate(t *testing.T) {
	w := newWriters(t)

	res := w.writeSync(t, matrix.TimelineSection{
		Events: []matrix.Event{
			message(t, "$1", bob, "hi"),
			reaction(t, "$r1", alice, "$1", "👍", 2000),
		},
	}, nil, false)

	assert.Empty(t, res.UpdatedEntries)

	target := res.Events()[0]
	require.Contains(t, target.Annotations, "👍")
	assert.Equal(t, 1, target.Annotations["👍"].Count)
	assert.True(t, target.Annotations["👍"].Me)

	res = w.writeSync(t, matrix.TimelineSection{
		Events: []matrix.Event{reaction(t, "$r2", bob, "$1", "👍", 1500)},
	}, nil, false)

	require.Len(t, res.UpdatedEntries, 1)

	a := res.UpdatedEntries[0].Annotations["👍"]
	assert.Equal(t, 2, a.Count)
	assert.True(t, a.Me)
	assert.Equal(t, int64(1500), a.FirstTimestamp)
	assert.Equal(t, 2, w.stored(t, "$1").Annotations["👍"].Count)
}

func TestSyncWriter_LoadRestoresLiveKey(t *testing.T) {
	w := newWriters(t)

	w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$1", bob, "one")}, PrevBatch: "p0"}, nil, false)
	w.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$2", bob, "two")}, Limited: true, PrevBatch: "p1"}, nil, false)

	restored := attachWriters(t, w.st)
	assert.Equal(t, w.sync.LastLiveKey(), restored.sync.LastLiveKey())

	res := restored.writeSync(t, matrix.TimelineSection{Events: []matrix.Event{message(t, "$3", bob, "three")}}, nil, false)
	assert.Equal(t, EventKey{FragmentID: 1, EventIndex: DefaultLiveIndex + 2}, res.Events()[0].Key)

	cmp, err := restored.comparer.Compare(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)
}
