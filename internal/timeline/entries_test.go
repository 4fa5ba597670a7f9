package timeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

func TestCompareEntries_PendingSortLast(t *testing.T) {
	c := NewFragmentIDComparer(chain(0))

	stored := &EventEntry{Key: EventKey{FragmentID: 0, EventIndex: DefaultLiveIndex + 5}}
	end := EndBoundary(storage.Fragment{ID: 0})
	p1 := &PendingEventEntry{Pending: storage.PendingEvent{QueueIndex: 1}}
	p2 := &PendingEventEntry{Pending: storage.PendingEvent{QueueIndex: 2}}

	tests := []struct {
		name string
		a, b Entry
		want int
	}{
		{"stored before end boundary", stored, end, -1},
		{"stored before pending", stored, p1, -1},
		{"boundary before pending", end, p1, -1},
		{"pending in queue order", p2, p1, 1},
		{"same pending", p1, p1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareEntries(tt.a, tt.b, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventEntry_DecryptionOverridesContent(t *testing.T) {
	e := NewEventEntry(&storage.TimelineEvent{
		RoomID: testRoom,
		Event: matrix.Event{
			EventID: "$e",
			Type:    matrix.EventTypeEncrypted,
			Sender:  bob,
			Content: content(t, map[string]any{
				"algorithm":    common.AlgorithmMegolm,
				"m.relates_to": map[string]any{"rel_type": matrix.RelTypeAnnotation, "event_id": "$t", "key": "x"},
			}),
		},
	})

	assert.Equal(t, ShapeEncrypted, ShapeOf(e))

	relType, target := e.Relation()
	assert.Equal(t, matrix.RelTypeAnnotation, relType)
	assert.Equal(t, "$t", target)

	e.SetDecryptionError(errors.New("no session"))
	assert.Equal(t, ShapeDecryptionFailed, ShapeOf(e))
	assert.Equal(t, "@bob:example.org: [unable to decrypt]", Describe(e))

	e.SetDecryptionResult(&common.DecryptionResult{
		Payload: content(t, map[string]any{
			"type":    matrix.EventTypeMessage,
			"content": map[string]any{"msgtype": "m.emote", "body": "waves"},
		}),
	})

	assert.Nil(t, e.DecryptionError)
	assert.True(t, e.IsDecrypted())
	assert.Equal(t, matrix.EventTypeMessage, e.Type())
	assert.Equal(t, ShapeEmote, ShapeOf(e))

	e.DisplayName = "Bob"
	assert.Equal(t, "* Bob waves", Describe(e))
}

func TestDescribe(t *testing.T) {
	name := "Project"

	tests := []struct {
		name  string
		event matrix.Event
		want  string
	}{
		{"text", message(t, "$1", bob, "hello"), "@bob:example.org: hello"},
		{"join", memberEvent(t, "$2", bob, matrix.MembershipJoin, "Bob"), "Bob joined"},
		{"leave", memberEvent(t, "$3", bob, matrix.MembershipLeave, ""), "@bob:example.org left"},
		{"reaction", reaction(t, "$4", bob, "$1", "👍", 0), "@bob:example.org reacted 👍"},
		{"room name", matrix.Event{
			Type:     matrix.EventTypeName,
			Sender:   bob,
			StateKey: new(string),
			Content:  content(t, map[string]string{"name": name}),
		}, "@bob:example.org named the room Project"},
		{"unknown", matrix.Event{Type: "org.example.custom", Sender: bob}, "@bob:example.org: [org.example.custom]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEventEntry(&storage.TimelineEvent{Event: tt.event})
			assert.Equal(t, tt.want, Describe(e))
		})
	}
}

func TestShapeOf_Redacted(t *testing.T) {
	ev := message(t, "$1", bob, "gone")
	ev.Unsigned = &matrix.Unsigned{RedactedBecause: &matrix.Event{EventID: "$x"}}

	e := NewEventEntry(&storage.TimelineEvent{Event: ev})
	assert.Equal(t, ShapeRedacted, ShapeOf(e))
	assert.Equal(t, "redacted", ShapeOf(e).String())
}
