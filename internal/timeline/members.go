package timeline

import (
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// MemberStores are the stores MemberWriter needs.
var MemberStores = []storage.StoreName{storage.StoreRoomMembers}

// MemberChange is a membership transition written during a sync.
type MemberChange struct {
	RoomID             string
	Member             storage.Member
	PreviousMembership string
}

func (c MemberChange) UserID() string     { return c.Member.UserID }
func (c MemberChange) Membership() string { return c.Member.Membership }

// HasJoined reports a transition into the room.
func (c MemberChange) HasJoined() bool {
	return c.PreviousMembership != matrix.MembershipJoin && c.Member.Membership == matrix.MembershipJoin
}

// HasLeft reports a transition out of the room, including bans.
func (c MemberChange) HasLeft() bool {
	return c.PreviousMembership == matrix.MembershipJoin && c.Member.Membership != matrix.MembershipJoin
}

// MemberFromEvent reads an m.room.member event. It returns nil for
// other events.
func MemberFromEvent(roomID string, ev *matrix.Event) *storage.Member {
	if ev.Type != matrix.EventTypeMember || ev.StateKey == nil || *ev.StateKey == "" {
		return nil
	}

	c := gjson.ParseBytes(ev.Content)

	return &storage.Member{
		RoomID:      roomID,
		UserID:      *ev.StateKey,
		Membership:  c.Get("membership").String(),
		DisplayName: c.Get("displayname").String(),
		AvatarURL:   c.Get("avatar_url").String(),
	}
}

// MemberWriter persists membership events of one room and remembers the
// members seen in the current sync, so events can be annotated with
// their sender's profile before the state is committed.
type MemberWriter struct {
	roomID string
	seen   map[string]*storage.Member
}

// NewMemberWriter creates a MemberWriter for a room.
func NewMemberWriter(roomID string) *MemberWriter {
	return &MemberWriter{roomID: roomID, seen: make(map[string]*storage.Member)}
}

// WriteMemberEvent stores the membership of ev and returns the change it
// represents, or nil when ev is not a membership event or changes
// nothing.
func (w *MemberWriter) WriteMemberEvent(ev *matrix.Event, txn *storage.Txn) (*MemberChange, error) {
	member := MemberFromEvent(w.roomID, ev)
	if member == nil {
		return nil, nil
	}

	st := txn.RoomMembers()

	previous := ""
	if prev, ok := w.seen[member.UserID]; ok {
		previous = prev.Membership
	} else {
		stored, err := st.Get(w.roomID, member.UserID)
		if err != nil {
			return nil, err
		}

		if stored != nil {
			previous = stored.Membership
		} else if ev.Unsigned != nil {
			previous = gjson.GetBytes(ev.Unsigned.PrevContent, "membership").String()
		}
	}

	if err := st.Set(member); err != nil {
		return nil, err
	}

	w.seen[member.UserID] = member

	if previous == member.Membership {
		return nil, nil
	}

	return &MemberChange{RoomID: w.roomID, Member: *member, PreviousMembership: previous}, nil
}

// Lookup returns the member userID as of the current sync.
func (w *MemberWriter) Lookup(userID string, txn *storage.Txn) (*storage.Member, error) {
	if m, ok := w.seen[userID]; ok {
		return m, nil
	}

	return txn.RoomMembers().Get(w.roomID, userID)
}
