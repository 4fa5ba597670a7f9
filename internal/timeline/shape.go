package timeline

import "github.com/alexjbarnes/matrix-sync/matrix"

// EventShape classifies an event entry for presentation.
type EventShape int

const (
	ShapeUnknown EventShape = iota
	ShapeText
	ShapeEmote
	ShapeNotice
	ShapeImage
	ShapeFile
	ShapeEncrypted
	ShapeDecryptionFailed
	ShapeRedacted
	ShapeMembership
	ShapeRoomName
	ShapeEncryptionEnabled
	ShapeReaction
)

var shapeNames = map[EventShape]string{
	ShapeUnknown:           "unknown",
	ShapeText:              "text",
	ShapeEmote:             "emote",
	ShapeNotice:            "notice",
	ShapeImage:             "image",
	ShapeFile:              "file",
	ShapeEncrypted:         "encrypted",
	ShapeDecryptionFailed:  "decryption_failed",
	ShapeRedacted:          "redacted",
	ShapeMembership:        "membership",
	ShapeRoomName:          "room_name",
	ShapeEncryptionEnabled: "encryption_enabled",
	ShapeReaction:          "reaction",
}

func (s EventShape) String() string {
	return shapeNames[s]
}

// ShapeOf classifies an event entry.
func ShapeOf(e *EventEntry) EventShape {
	if e.IsRedacted() {
		return ShapeRedacted
	}

	if e.IsEncrypted() && !e.IsDecrypted() {
		if e.DecryptionError != nil {
			return ShapeDecryptionFailed
		}

		return ShapeEncrypted
	}

	switch e.Type() {
	case matrix.EventTypeMessage:
		return messageShape(e.ContentField("msgtype").String())
	case matrix.EventTypeMember:
		return ShapeMembership
	case matrix.EventTypeName:
		return ShapeRoomName
	case matrix.EventTypeEncryption:
		return ShapeEncryptionEnabled
	case matrix.EventTypeReaction:
		return ShapeReaction
	default:
		return ShapeUnknown
	}
}

func messageShape(msgtype string) EventShape {
	switch msgtype {
	case "m.text":
		return ShapeText
	case "m.emote":
		return ShapeEmote
	case "m.notice":
		return ShapeNotice
	case "m.image":
		return ShapeImage
	case "m.file", "m.video", "m.audio":
		return ShapeFile
	default:
		return ShapeUnknown
	}
}

// Describe renders an entry as a single line of plain text.
func Describe(e *EventEntry) string {
	name := e.DisplayName
	if name == "" {
		name = e.Sender()
	}

	switch ShapeOf(e) {
	case ShapeText, ShapeNotice:
		return name + ": " + e.ContentField("body").String()
	case ShapeEmote:
		return "* " + name + " " + e.ContentField("body").String()
	case ShapeImage, ShapeFile:
		return name + " sent " + e.ContentField("body").String()
	case ShapeEncrypted:
		return name + ": [encrypted]"
	case ShapeDecryptionFailed:
		return name + ": [unable to decrypt]"
	case ShapeRedacted:
		return name + ": [deleted]"
	case ShapeMembership:
		return describeMembership(e, name)
	case ShapeRoomName:
		return name + " named the room " + e.ContentField("name").String()
	case ShapeEncryptionEnabled:
		return name + " enabled encryption"
	case ShapeReaction:
		return name + " reacted " + e.ContentField(`m\.relates_to.key`).String()
	default:
		return name + ": [" + e.Type() + "]"
	}
}

func describeMembership(e *EventEntry, name string) string {
	target := e.ContentField("displayname").String()
	if target == "" && e.Event.StateKey != nil {
		target = *e.Event.StateKey
	}

	switch e.ContentField("membership").String() {
	case matrix.MembershipJoin:
		return target + " joined"
	case matrix.MembershipInvite:
		return name + " invited " + target
	case matrix.MembershipLeave:
		if e.Event.StateKey != nil && *e.Event.StateKey == e.Sender() {
			return target + " left"
		}

		return name + " removed " + target
	case matrix.MembershipBan:
		return name + " banned " + target
	default:
		return target + " changed membership"
	}
}
