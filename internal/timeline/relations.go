package timeline

import (
	"encoding/json"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// RelationStores are the stores RelationWriter needs.
var RelationStores = []storage.StoreName{
	storage.StoreTimelineEvents,
	storage.StoreTimelineEventIDs,
	storage.StoreTimelineRelations,
}

// relTypeRedaction records a redaction whose target is not stored yet.
const relTypeRedaction = "m.redaction"

// preservedContentKeys are the content keys kept when an event of the
// type is redacted.
var preservedContentKeys = map[string][]string{
	matrix.EventTypeMember:      {"membership"},
	"m.room.create":             {"creator"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.power_levels":       {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	"m.room.aliases":            {"aliases"},
	"m.room.history_visibility": {"history_visibility"},
}

// RelationWriter applies relations between timeline events: reactions
// aggregate onto their target and redactions strip their target.
type RelationWriter struct {
	roomID    string
	ownUserID string
}

// NewRelationWriter creates a RelationWriter for a room.
func NewRelationWriter(roomID, ownUserID string) *RelationWriter {
	return &RelationWriter{roomID: roomID, ownUserID: ownUserID}
}

// WriteRelation applies the relation of a newly stored entry and
// returns the stored entries it changed. txn needs RelationStores.
func (w *RelationWriter) WriteRelation(source *EventEntry, txn *storage.Txn) ([]*EventEntry, error) {
	if source.Event.Type == matrix.EventTypeRedaction {
		return w.writeRedaction(source, txn)
	}

	relType, targetID := source.Relation()
	if relType != matrix.RelTypeAnnotation || targetID == "" || source.IsRedacted() {
		return nil, nil
	}

	rel := storage.Relation{SourceEventID: source.ID(), TargetEventID: targetID, RelType: relType}
	if err := txn.TimelineRelations().Add(w.roomID, rel); err != nil {
		return nil, err
	}

	target, err := txn.TimelineEvents().ByEventID(w.roomID, targetID)
	if err != nil || target == nil {
		return nil, err
	}

	key := gjson.GetBytes(source.Event.Content, `m\.relates_to.key`).String()

	return w.reaggregate(target, []string{key}, txn)
}

// ApplyStoredRelations aggregates relations that were stored before
// their target, as happens when older history is backfilled. txn needs
// RelationStores.
func (w *RelationWriter) ApplyStoredRelations(target *EventEntry, txn *storage.Txn) (bool, error) {
	redacted, err := w.applyStoredRedaction(target, txn)
	if err != nil || redacted {
		return redacted, err
	}

	rels, err := txn.TimelineRelations().GetForTargetAndType(w.roomID, target.ID(), matrix.RelTypeAnnotation)
	if err != nil || len(rels) == 0 {
		return false, err
	}

	annotations, err := w.aggregate(rels, nil, txn)
	if err != nil {
		return false, err
	}

	if len(annotations) == 0 {
		return false, nil
	}

	target.Annotations = annotations

	return true, nil
}

func (w *RelationWriter) writeRedaction(redaction *EventEntry, txn *storage.Txn) ([]*EventEntry, error) {
	targetID := redaction.Event.Redacts
	if targetID == "" {
		targetID = redaction.ContentField("redacts").String()
	}

	if targetID == "" {
		return nil, nil
	}

	stored, err := txn.TimelineEvents().ByEventID(w.roomID, targetID)
	if err != nil {
		return nil, err
	}

	if stored == nil {
		rel := storage.Relation{SourceEventID: redaction.ID(), TargetEventID: targetID, RelType: relTypeRedaction}
		return nil, txn.TimelineRelations().Add(w.roomID, rel)
	}

	target := NewEventEntry(stored)
	if target.IsRedacted() {
		return nil, nil
	}

	relType, relTargetID := target.Relation()
	relKey := gjson.GetBytes(target.Event.Content, `m\.relates_to.key`).String()

	redactEvent(&target.Event, &redaction.Event)
	target.Annotations = nil

	if err := txn.TimelineEvents().Update(target.Storage(w.roomID)); err != nil {
		return nil, err
	}

	rels, err := txn.TimelineRelations().GetAllForTarget(w.roomID, targetID)
	if err != nil {
		return nil, err
	}

	if len(rels) > 0 {
		if err := txn.TimelineRelations().RemoveAllForTarget(w.roomID, targetID); err != nil {
			return nil, err
		}
	}

	updated := []*EventEntry{target}

	if relType != matrix.RelTypeAnnotation || relTargetID == "" {
		return updated, nil
	}

	rel := storage.Relation{SourceEventID: targetID, TargetEventID: relTargetID, RelType: relType}
	if err := txn.TimelineRelations().Remove(w.roomID, rel); err != nil {
		return nil, err
	}

	relTarget, err := txn.TimelineEvents().ByEventID(w.roomID, relTargetID)
	if err != nil || relTarget == nil {
		return updated, err
	}

	more, err := w.reaggregate(relTarget, []string{relKey}, txn)
	if err != nil {
		return nil, err
	}

	return append(updated, more...), nil
}

func (w *RelationWriter) applyStoredRedaction(target *EventEntry, txn *storage.Txn) (bool, error) {
	if target.IsRedacted() {
		return false, nil
	}

	rels, err := txn.TimelineRelations().GetForTargetAndType(w.roomID, target.ID(), relTypeRedaction)
	if err != nil || len(rels) == 0 {
		return false, err
	}

	redaction, err := txn.TimelineEvents().ByEventID(w.roomID, rels[0].SourceEventID)
	if err != nil || redaction == nil {
		return false, err
	}

	redactEvent(&target.Event, &redaction.Event)
	target.Annotations = nil

	return true, txn.TimelineRelations().RemoveAllForTarget(w.roomID, target.ID())
}

// reaggregate recomputes the annotations of keys on a stored target.
func (w *RelationWriter) reaggregate(stored *storage.TimelineEvent, keys []string, txn *storage.Txn) ([]*EventEntry, error) {
	target := NewEventEntry(stored)
	if target.IsRedacted() {
		return nil, nil
	}

	rels, err := txn.TimelineRelations().GetForTargetAndType(w.roomID, target.ID(), matrix.RelTypeAnnotation)
	if err != nil {
		return nil, err
	}

	fresh, err := w.aggregate(rels, keys, txn)
	if err != nil {
		return nil, err
	}

	if target.Annotations == nil {
		target.Annotations = make(map[string]*storage.Annotation)
	}

	for _, key := range keys {
		if a, ok := fresh[key]; ok {
			target.Annotations[key] = a
		} else {
			delete(target.Annotations, key)
		}
	}

	if len(target.Annotations) == 0 {
		target.Annotations = nil
	}

	if err := txn.TimelineEvents().Update(target.Storage(w.roomID)); err != nil {
		return nil, err
	}

	return []*EventEntry{target}, nil
}

// aggregate counts the stored, unredacted annotation events of rels.
// When keys is non-nil only those keys are counted.
func (w *RelationWriter) aggregate(rels []storage.Relation, keys []string, txn *storage.Txn) (map[string]*storage.Annotation, error) {
	out := make(map[string]*storage.Annotation)

	for _, rel := range rels {
		source, err := txn.TimelineEvents().ByEventID(w.roomID, rel.SourceEventID)
		if err != nil {
			return nil, err
		}

		if source == nil || source.Event.IsRedacted() {
			continue
		}

		key := gjson.GetBytes(source.Event.Content, `m\.relates_to.key`).String()
		if key == "" || (keys != nil && !slices.Contains(keys, key)) {
			continue
		}

		a, ok := out[key]
		if !ok {
			a = &storage.Annotation{FirstTimestamp: source.Event.OriginServerTS}
			out[key] = a
		}

		a.Count++
		a.Me = a.Me || source.Event.Sender == w.ownUserID
		a.FirstTimestamp = min(a.FirstTimestamp, source.Event.OriginServerTS)
	}

	return out, nil
}

// redactEvent strips ev down to what survives a redaction and records
// the redaction in its unsigned data.
func redactEvent(ev, redaction *matrix.Event) {
	kept := make(map[string]json.RawMessage)

	content := gjson.ParseBytes(ev.Content)
	for _, key := range preservedContentKeys[ev.Type] {
		if v := content.Get(gjson.Escape(key)); v.Exists() {
			kept[key] = json.RawMessage(v.Raw)
		}
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		raw = []byte("{}")
	}

	ev.Content = raw

	because := *redaction
	because.Unsigned = nil

	if ev.Unsigned == nil {
		ev.Unsigned = &matrix.Unsigned{}
	}

	ev.Unsigned.RedactedBecause = &because
	ev.Unsigned.PrevContent = nil
}
