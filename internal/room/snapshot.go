package room

import (
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/timeline"
)

// Entry kinds of an EntryView.
const (
	KindEvent    = "event"
	KindPending  = "pending"
	KindBoundary = "boundary"
)

// EntryView is the JSON shape of a timeline entry shown to external
// views.
type EntryView struct {
	Kind string `json:"kind"`

	EventID         string         `json:"event_id,omitempty"`
	TxnID           string         `json:"txn_id,omitempty"`
	Sender          string         `json:"sender,omitempty"`
	Type            string         `json:"type,omitempty"`
	Body            string         `json:"body,omitempty"`
	Timestamp       int64          `json:"timestamp,omitempty"`
	Encrypted       bool           `json:"encrypted,omitempty"`
	DecryptionError string         `json:"decryption_error,omitempty"`
	Redacted        bool           `json:"redacted,omitempty"`
	Annotations     map[string]int `json:"annotations,omitempty"`
	Sent            bool           `json:"sent,omitempty"`

	FragmentID uint32 `json:"fragment_id,omitempty"`
	Start      bool   `json:"start,omitempty"`
	HasGap     bool   `json:"has_gap,omitempty"`
}

// ViewOf returns the view of e.
func ViewOf(e timeline.Entry) EntryView {
	switch e := e.(type) {
	case *timeline.EventEntry:
		v := EntryView{
			Kind:      KindEvent,
			EventID:   e.ID(),
			Sender:    e.Sender(),
			Type:      e.Type(),
			Body:      e.ContentField("body").String(),
			Timestamp: e.Event.OriginServerTS,
			Encrypted: e.IsEncrypted(),
			Redacted:  e.IsRedacted() || e.PendingRedaction,
		}

		if e.DecryptionError != nil {
			v.DecryptionError = e.DecryptionError.Error()
		}

		for key, a := range e.Annotations {
			if v.Annotations == nil {
				v.Annotations = make(map[string]int)
			}

			v.Annotations[key] = a.Count
		}

		for key, n := range e.PendingAnnotations {
			if v.Annotations == nil {
				v.Annotations = make(map[string]int)
			}

			v.Annotations[key] += n
		}

		return v
	case *timeline.PendingEventEntry:
		return EntryView{
			Kind:      KindPending,
			EventID:   e.Pending.RemoteID,
			TxnID:     e.TxnID(),
			Sender:    e.Sender,
			Type:      e.Type(),
			Body:      gjson.GetBytes(e.Content(), "body").String(),
			Timestamp: e.Pending.Timestamp,
			Sent:      e.IsSent(),
		}
	case *timeline.FragmentBoundaryEntry:
		return EntryView{
			Kind:       KindBoundary,
			FragmentID: e.Fragment.ID,
			Start:      e.IsStart,
			HasGap:     e.HasGap(),
		}
	default:
		return EntryView{}
	}
}

// Snapshot returns the views of the current entries.
func (tl *Timeline) Snapshot() []EntryView {
	entries := tl.Entries()
	out := make([]EntryView, 0, len(entries))

	for _, e := range entries {
		out = append(out, ViewOf(e))
	}

	return out
}
