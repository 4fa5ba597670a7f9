package room

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

var openStores = append(slices.Clone(timeline.ReadStores), storage.StorePendingEvents)

// Timeline is an open, ordered window onto a room's timeline that
// follows syncs, backfills and the send queue until closed.
type Timeline struct {
	room   *Room
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	entries     []timeline.Entry
	pending     []*timeline.PendingEventEntry
	onChange    func()
	unsubscribe func()
}

// OpenTimeline opens the timeline with the last amount stored events.
// onChange, if set, is called after every change.
func (r *Room) OpenTimeline(ctx context.Context, amount int, onChange func()) (*Timeline, error) {
	ctx, cancel := context.WithCancel(ctx)

	tl := &Timeline{room: r, ctx: ctx, cancel: cancel, onChange: onChange}
	tl.unsubscribe = r.Subscribe(tl.apply)

	var (
		entries []timeline.Entry
		pending []storage.PendingEvent
	)

	err := r.storage.View(func(txn *storage.Txn) error {
		var err error

		entries, err = r.reader.ReadFromEnd(amount, txn)
		if err != nil {
			return err
		}

		pending, err = txn.PendingEvents().GetAllForRoom(r.id)

		return err
	}, openStores...)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("reading timeline: %w", err)
	}

	if err := r.decryptEntries(ctx, eventEntries(entries)); err != nil {
		r.logger.Warn("decrypting timeline", slog.Any("error", err))
	}

	tl.mu.Lock()
	tl.merge(entries)

	for _, p := range pending {
		tl.upsertPending(&timeline.PendingEventEntry{Pending: p, Sender: r.ownUserID})
	}
	tl.mu.Unlock()

	return tl, nil
}

// Close stops following the room. It is safe to call more than once.
func (tl *Timeline) Close() {
	tl.cancel()
	tl.unsubscribe()
}

// Entries returns the stored entries in order followed by the pending
// ones. Pending reactions and redactions show on their targets.
func (tl *Timeline) Entries() []timeline.Entry {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	out := make([]timeline.Entry, 0, len(tl.entries)+len(tl.pending))
	index := make(map[string]int)

	for _, e := range tl.entries {
		if ee, ok := e.(*timeline.EventEntry); ok {
			cp := *ee
			cp.PendingRedaction = false
			cp.PendingAnnotations = nil
			index[cp.ID()] = len(out)
			out = append(out, &cp)

			continue
		}

		out = append(out, e)
	}

	for _, p := range tl.pending {
		tl.overlay(out, index, p)
		out = append(out, p)
	}

	return out
}

func (tl *Timeline) overlay(out []timeline.Entry, index map[string]int, p *timeline.PendingEventEntry) {
	c := gjson.ParseBytes(p.Content())

	var target string

	switch p.Type() {
	case matrix.EventTypeRedaction:
		target = c.Get("redacts").String()
	case matrix.EventTypeReaction:
		target = c.Get(`m\.relates_to.event_id`).String()
	default:
		return
	}

	i, ok := index[target]
	if !ok {
		return
	}

	e := out[i].(*timeline.EventEntry)

	if p.Type() == matrix.EventTypeRedaction {
		e.PendingRedaction = true
		return
	}

	if e.PendingAnnotations == nil {
		e.PendingAnnotations = make(map[string]int)
	}

	e.PendingAnnotations[c.Get(`m\.relates_to.key`).String()]++
}

// Backfill extends the timeline at its top: it reads further stored
// events, or fills the gap there from the homeserver.
func (tl *Timeline) Backfill(amount int) error {
	tl.mu.Lock()
	var first timeline.Entry
	if len(tl.entries) > 0 {
		first = tl.entries[0]
	}
	tl.mu.Unlock()

	if first == nil {
		return nil
	}

	if b, ok := first.(*timeline.FragmentBoundaryEntry); ok && b.IsStart {
		if b.EdgeReached() {
			return nil
		}

		if b.HasGap() {
			boundary := *b
			_, err := tl.room.FillGap(tl.ctx, &boundary, amount)
			return err
		}
	}

	var entries []timeline.Entry

	err := tl.room.storage.View(func(txn *storage.Txn) error {
		var err error
		entries, err = tl.room.reader.ReadFrom(keyOf(first), matrix.Backward, amount, txn)

		return err
	}, timeline.ReadStores...)
	if err != nil {
		return fmt.Errorf("reading timeline: %w", err)
	}

	if err := tl.room.decryptEntries(tl.ctx, eventEntries(entries)); err != nil {
		tl.room.logger.Warn("decrypting timeline", slog.Any("error", err))
	}

	tl.apply(Update{Entries: entries})

	return nil
}

// HasMoreAtTop reports whether Backfill can extend the timeline.
func (tl *Timeline) HasMoreAtTop() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if len(tl.entries) == 0 {
		return false
	}

	b, ok := tl.entries[0].(*timeline.FragmentBoundaryEntry)

	return !ok || !b.EdgeReached()
}

func keyOf(e timeline.Entry) timeline.EventKey {
	switch e := e.(type) {
	case *timeline.EventEntry:
		return e.Key
	case *timeline.FragmentBoundaryEntry:
		return e.Key()
	default:
		return timeline.EventKey{}
	}
}

func (tl *Timeline) apply(u Update) {
	tl.mu.Lock()

	tl.merge(u.Entries)

	for _, e := range u.Updated {
		tl.replace(e)
	}

	for _, p := range u.Pending {
		tl.upsertPending(p)
	}

	for _, id := range u.Acknowledged {
		tl.pending = slices.DeleteFunc(tl.pending, func(p *timeline.PendingEventEntry) bool {
			return p.TxnID() == id
		})
	}

	onChange := tl.onChange
	tl.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// merge inserts entries in order. Entries of fragments not linked to
// what the timeline already shows are dropped.
func (tl *Timeline) merge(entries []timeline.Entry) {
	for _, e := range entries {
		if i := tl.indexOf(e); i >= 0 {
			tl.entries[i] = carryDecryption(tl.entries[i], e)
			continue
		}

		pos, ok := tl.position(e)
		if !ok {
			continue
		}

		tl.entries = slices.Insert(tl.entries, pos, e)
	}
}

func (tl *Timeline) position(e timeline.Entry) (int, bool) {
	ok := true

	pos, _ := slices.BinarySearchFunc(tl.entries, e, func(a, b timeline.Entry) int {
		cmp, err := timeline.CompareEntries(a, b, tl.room.comparer)
		if err != nil {
			ok = false
		}

		return cmp
	})

	return pos, ok
}

func (tl *Timeline) indexOf(e timeline.Entry) int {
	return slices.IndexFunc(tl.entries, func(x timeline.Entry) bool {
		switch e := e.(type) {
		case *timeline.EventEntry:
			xe, ok := x.(*timeline.EventEntry)
			return ok && xe.ID() == e.ID()
		case *timeline.FragmentBoundaryEntry:
			xb, ok := x.(*timeline.FragmentBoundaryEntry)
			return ok && xb.Fragment.ID == e.Fragment.ID && xb.IsStart == e.IsStart
		default:
			return false
		}
	})
}

func (tl *Timeline) replace(e *timeline.EventEntry) {
	if i := tl.indexOf(e); i >= 0 {
		tl.entries[i] = carryDecryption(tl.entries[i], e)
	}
}

// carryDecryption keeps the decryption of old on an update of the same
// event that was written without one.
func carryDecryption(old, updated timeline.Entry) timeline.Entry {
	o, ok1 := old.(*timeline.EventEntry)
	u, ok2 := updated.(*timeline.EventEntry)

	if !ok1 || !ok2 || u.IsRedacted() || u.Decryption != nil || u.DecryptionError != nil {
		return updated
	}

	u.Decryption = o.Decryption
	u.DecryptionError = o.DecryptionError

	return u
}

func (tl *Timeline) upsertPending(p *timeline.PendingEventEntry) {
	i := slices.IndexFunc(tl.pending, func(x *timeline.PendingEventEntry) bool {
		return x.TxnID() == p.TxnID()
	})
	if i >= 0 {
		tl.pending[i] = p
		return
	}

	tl.pending = append(tl.pending, p)
	slices.SortFunc(tl.pending, func(a, b *timeline.PendingEventEntry) int {
		return int(a.Pending.QueueIndex) - int(b.Pending.QueueIndex)
	})
}
