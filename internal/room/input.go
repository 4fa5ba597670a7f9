package room

import (
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// SyncInput is the part of a sync response that concerns one joined or
// left room.
type SyncInput struct {
	RoomID      string
	Membership  string
	State       []matrix.Event
	Timeline    matrix.TimelineSection
	Summary     *matrix.RoomSummarySection
	Unread      *matrix.UnreadNotifications
	AccountData []matrix.Event
}

// JoinedInput returns the input of a room in rooms.join.
func JoinedInput(roomID string, j *matrix.JoinedRoom) *SyncInput {
	return &SyncInput{
		RoomID:      roomID,
		Membership:  matrix.MembershipJoin,
		State:       j.State.Events,
		Timeline:    j.Timeline,
		Summary:     j.Summary,
		Unread:      j.UnreadNotifications,
		AccountData: j.AccountData.Events,
	}
}

// LeftInput returns the input of a room in rooms.leave.
func LeftInput(roomID string, l *matrix.LeftRoom) *SyncInput {
	return &SyncInput{
		RoomID:     roomID,
		Membership: matrix.MembershipLeave,
		State:      l.State.Events,
		Timeline:   l.Timeline,
	}
}

// stateEvents returns the state section followed by the state events of
// the timeline, in order.
func (in *SyncInput) stateEvents() []*matrix.Event {
	var out []*matrix.Event

	for i := range in.State {
		out = append(out, &in.State[i])
	}

	for i := range in.Timeline.Events {
		if in.Timeline.Events[i].IsState() {
			out = append(out, &in.Timeline.Events[i])
		}
	}

	return out
}

// encryptionEvent returns the last m.room.encryption state event of the
// input, or nil.
func (in *SyncInput) encryptionEvent() *matrix.Event {
	var found *matrix.Event

	for _, ev := range in.stateEvents() {
		if ev.Type == matrix.EventTypeEncryption && *ev.StateKey == "" {
			found = ev
		}
	}

	return found
}

// encryptedEvents returns the Megolm events of the timeline.
func (in *SyncInput) encryptedEvents() []*matrix.Event {
	var out []*matrix.Event

	for i := range in.Timeline.Events {
		if in.Timeline.Events[i].Type == matrix.EventTypeEncrypted {
			out = append(out, &in.Timeline.Events[i])
		}
	}

	return out
}
