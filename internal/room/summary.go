package room

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

const eventTypeCanonicalAlias = "m.room.canonical_alias"

// applySync folds one sync of a room into its summary. entries are the
// event entries written for it, with decryption applied.
func applySync(s storage.RoomSummary, in *SyncInput, entries []*timeline.EventEntry, ownUserID string) storage.RoomSummary {
	s.RoomID = in.RoomID
	s.Membership = in.Membership

	for _, ev := range in.stateEvents() {
		applyStateEvent(&s, ev, ownUserID)
	}

	if in.Summary != nil {
		if in.Summary.Heroes != nil {
			s.Heroes = in.Summary.Heroes
		}

		if in.Summary.JoinedMemberCount != nil {
			s.JoinedMemberCount = *in.Summary.JoinedMemberCount
		}

		if in.Summary.InvitedMemberCount != nil {
			s.InvitedMemberCount = *in.Summary.InvitedMemberCount
		}
	}

	if in.Unread != nil {
		s.NotificationCount = in.Unread.NotificationCount
		s.HighlightCount = in.Unread.HighlightCount
	}

	for _, e := range entries {
		applyLastMessage(&s, e)
	}

	return s
}

func applyStateEvent(s *storage.RoomSummary, ev *matrix.Event, ownUserID string) {
	c := gjson.ParseBytes(ev.Content)

	switch ev.Type {
	case matrix.EventTypeName:
		s.Name = c.Get("name").String()
	case eventTypeCanonicalAlias:
		s.CanonicalAlias = c.Get("alias").String()
	case matrix.EventTypeEncryption:
		// Encryption cannot be turned off or changed once enabled.
		if s.EncryptionAlgorithm == "" {
			s.EncryptionAlgorithm = c.Get("algorithm").String()
			s.RotationPeriodMs = c.Get("rotation_period_ms").Int()
			s.RotationPeriodMessages = int(c.Get("rotation_period_msgs").Int())
		}
	case matrix.EventTypeMember:
		if ev.StateKey != nil && *ev.StateKey == ownUserID {
			s.Membership = c.Get("membership").String()
		}
	}
}

func applyLastMessage(s *storage.RoomSummary, e *timeline.EventEntry) {
	switch timeline.ShapeOf(e) {
	case timeline.ShapeText, timeline.ShapeEmote, timeline.ShapeNotice,
		timeline.ShapeImage, timeline.ShapeFile, timeline.ShapeEncrypted,
		timeline.ShapeDecryptionFailed:
	default:
		return
	}

	if e.Event.OriginServerTS < s.LastMessageTimestamp {
		return
	}

	s.LastMessageTimestamp = e.Event.OriginServerTS
	s.LastMessageBody = timeline.Describe(e)
}

// DisplayName names a room: its name, canonical alias, heroes or id.
func DisplayName(s *storage.RoomSummary) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.CanonicalAlias != "":
		return s.CanonicalAlias
	case len(s.Heroes) > 0:
		return strings.Join(s.Heroes, ", ")
	default:
		return s.RoomID
	}
}
