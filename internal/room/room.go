// Package room keeps one room's summary, timeline, send queue and
// encryption in step with the sync stream.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/group"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

var (
	// LoadStores are read by Load.
	LoadStores = []storage.StoreName{
		storage.StoreTimelineFragments,
		storage.StoreTimelineEvents,
		storage.StoreTimelineEventIDs,
	}

	// SyncStores are written by WriteSync.
	SyncStores = concatStores(
		timeline.SyncStores,
		group.WriteStores,
		e2ee.MemberStores,
		[]storage.StoreName{
			storage.StoreRoomSummary,
			storage.StoreInvites,
			storage.StorePendingEvents,
		},
	)

	fillStores = concatStores(timeline.GapStores, group.WriteStores)
)

// ErrNoGap is returned by FillGap for a boundary without a token.
var ErrNoGap = errors.New("fragment boundary has no gap to fill")

func concatStores(sets ...[]storage.StoreName) []storage.StoreName {
	var out []storage.StoreName

	for _, set := range sets {
		for _, name := range set {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}

	return out
}

// EncryptionFactory builds the encryption of an encrypted room. retry
// is the room's RetryDecryption.
type EncryptionFactory func(roomID string, rotation group.RotationSettings, retry e2ee.RetryFunc) *e2ee.RoomEncryption

// Options configures a Room.
type Options struct {
	RoomID    string
	OwnUserID string
	API       matrix.HomeServerAPI
	Storage   *storage.Storage

	// NewEncryption is called once the room is known to be encrypted.
	// Without it encrypted events stay undecrypted and sending to an
	// encrypted room fails.
	NewEncryption EncryptionFactory

	// DefaultRotation applies where m.room.encryption sets no rotation.
	// Zero means group.DefaultRotation.
	DefaultRotation group.RotationSettings
	Logger          *slog.Logger
}

// Update describes a change to the room's timeline.
type Update struct {
	Entries []timeline.Entry
	Updated []*timeline.EventEntry
	Pending []*timeline.PendingEventEntry

	// Acknowledged holds the transaction ids of pending events whose
	// remote echo was stored.
	Acknowledged []string
}

func (u *Update) empty() bool {
	return len(u.Entries) == 0 && len(u.Updated) == 0 && len(u.Pending) == 0 && len(u.Acknowledged) == 0
}

// Room is a joined, left or archived room.
type Room struct {
	id            string
	ownUserID     string
	api           matrix.HomeServerAPI
	storage       *storage.Storage
	newEncryption EncryptionFactory
	rotation      group.RotationSettings
	logger        *slog.Logger
	now           func() time.Time

	comparer   *timeline.FragmentIDComparer
	syncWriter *timeline.SyncWriter
	gapWriter  *timeline.GapWriter
	reader     *timeline.Reader

	mu         sync.RWMutex
	summary    storage.RoomSummary
	encryption *e2ee.RoomEncryption

	subMu   sync.Mutex
	subs    map[int]func(Update)
	nextSub int

	sendMu sync.Mutex
}

// New creates a room with an empty timeline. Load restores a stored one.
func New(opts Options) *Room {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("room", opts.RoomID))

	rotation := opts.DefaultRotation
	if rotation == (group.RotationSettings{}) {
		rotation = group.DefaultRotation
	}

	comparer := timeline.NewFragmentIDComparer(nil)
	relations := timeline.NewRelationWriter(opts.RoomID, opts.OwnUserID)

	return &Room{
		id:            opts.RoomID,
		ownUserID:     opts.OwnUserID,
		api:           opts.API,
		storage:       opts.Storage,
		newEncryption: opts.NewEncryption,
		rotation:      rotation,
		logger:        logger,
		now:           time.Now,
		comparer:      comparer,
		syncWriter:    timeline.NewSyncWriter(opts.RoomID, relations, comparer, logger),
		gapWriter:     timeline.NewGapWriter(opts.RoomID, relations, comparer, logger),
		reader:        timeline.NewReader(opts.RoomID, comparer),
		summary:       storage.RoomSummary{RoomID: opts.RoomID},
		subs:          make(map[int]func(Update)),
	}
}

// Load restores the room from its stored summary and timeline.
func (r *Room) Load(summary storage.RoomSummary, txn *storage.Txn) error {
	fragments, err := txn.TimelineFragments().All(r.id)
	if err != nil {
		return fmt.Errorf("loading fragments: %w", err)
	}

	for _, f := range fragments {
		r.comparer.Add(f)
	}

	if err := r.syncWriter.Load(txn); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary = summary

	if summary.IsEncrypted() && r.encryption == nil && r.newEncryption != nil {
		r.encryption = r.newEncryption(r.id, rotationOf(&summary, r.rotation), r.RetryDecryption)
	}

	return nil
}

// Close stops the room's background work.
func (r *Room) Close() {
	r.mu.Lock()
	enc := r.encryption
	r.encryption = nil
	r.mu.Unlock()

	if enc != nil {
		enc.Close()
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Summary returns a copy of the room summary.
func (r *Room) Summary() storage.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.summary
	s.Heroes = slices.Clone(s.Heroes)

	return s
}

// IsEncrypted reports whether the room has encryption enabled.
func (r *Room) IsEncrypted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.summary.IsEncrypted()
}

// Encryption returns the room's encryption, or nil.
func (r *Room) Encryption() *e2ee.RoomEncryption {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.encryption
}

// Subscribe registers fn for timeline updates. Updates are delivered
// synchronously from the goroutine that caused them.
func (r *Room) Subscribe(fn func(Update)) (unsubscribe func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()

		delete(r.subs, id)
	}
}

func (r *Room) notify(u Update) {
	if u.empty() {
		return
	}

	r.subMu.Lock()
	subs := make([]func(Update), 0, len(r.subs))

	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.Unlock()

	for _, fn := range subs {
		fn(u)
	}
}

func rotationOf(s *storage.RoomSummary, def group.RotationSettings) group.RotationSettings {
	rotation := def

	if s.RotationPeriodMs > 0 {
		rotation.Period = time.Duration(s.RotationPeriodMs) * time.Millisecond
	}

	if s.RotationPeriodMessages > 0 {
		rotation.Messages = uint32(s.RotationPeriodMessages)
	}

	return rotation
}

// SyncPreparation is the work done for a room before the write
// transaction of a sync.
type SyncPreparation struct {
	Input *SyncInput

	created    *e2ee.RoomEncryption
	decryption *group.DecryptionChanges
}

// Discard releases what PrepareSync set up when the sync is abandoned.
func (p *SyncPreparation) Discard() {
	if p.created != nil {
		p.created.Close()
		p.created = nil
	}
}

func (r *Room) encryptionFor(prep *SyncPreparation) *e2ee.RoomEncryption {
	if prep.created != nil {
		return prep.created
	}

	return r.Encryption()
}

// PrepareSync decrypts the room's timeline events of a sync. newKeys
// are room keys received in the same sync.
func (r *Room) PrepareSync(ctx context.Context, in *SyncInput, newKeys []*group.RoomKey) (*SyncPreparation, error) {
	prep := &SyncPreparation{Input: in}

	enc := r.Encryption()
	if enc == nil && r.newEncryption != nil {
		if ev := in.encryptionEvent(); ev != nil {
			enc = r.newEncryption(r.id, group.RotationFromContent(ev.Content, r.rotation), r.RetryDecryption)
			prep.created = enc
		}
	}

	if enc == nil {
		return prep, nil
	}

	events := in.encryptedEvents()
	if len(events) == 0 {
		return prep, nil
	}

	changes, err := enc.PrepareDecryptAll(ctx, events, newKeys)
	if err != nil {
		prep.Discard()
		return nil, fmt.Errorf("decrypting timeline: %w", err)
	}

	prep.decryption = changes

	return prep, nil
}

// SyncChanges is what WriteSync stored for a room.
type SyncChanges struct {
	prep         *SyncPreparation
	write        *timeline.SyncWriteResult
	summary      storage.RoomSummary
	acknowledged []string
	hasShares    bool
	unsent       int
}

// Summary is the summary written by the sync.
func (c *SyncChanges) Summary() storage.RoomSummary { return c.summary }

// WriteSync stores the room's part of a sync inside the sync transaction.
func (r *Room) WriteSync(prep *SyncPreparation, txn *storage.Txn) (*SyncChanges, error) {
	in := prep.Input

	summary := storage.RoomSummary{RoomID: r.id}

	stored, err := txn.RoomSummary().Get(r.id)
	if err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}

	if stored != nil {
		summary = *stored
	}

	isRejoin := summary.Membership == matrix.MembershipLeave && in.Membership == matrix.MembershipJoin

	res, err := r.syncWriter.WriteSync(in.Timeline, in.State, isRejoin, timeline.NewMemberWriter(r.id), txn)
	if err != nil {
		return nil, fmt.Errorf("writing timeline: %w", err)
	}

	events := res.Events()
	enc := r.encryptionFor(prep)

	if prep.decryption != nil {
		if err := enc.WriteDecryption(prep.decryption, txn); err != nil {
			return nil, fmt.Errorf("writing decryption: %w", err)
		}

		applyDecryption(events, prep.decryption)
	}

	changes := &SyncChanges{prep: prep, write: res}

	if enc != nil && summary.IsTrackingMembers {
		changes.hasShares, err = enc.WriteMemberChanges(res.MemberChanges, txn)
		if err != nil {
			return nil, fmt.Errorf("tracking member changes: %w", err)
		}
	}

	changes.summary = applySync(summary, in, events, r.ownUserID)

	if err := txn.RoomSummary().Set(&changes.summary); err != nil {
		return nil, fmt.Errorf("writing summary: %w", err)
	}

	if err := r.removeEchoes(events, changes, txn); err != nil {
		return nil, err
	}

	if err := txn.Invites().Remove(r.id); err != nil {
		return nil, fmt.Errorf("removing invite: %w", err)
	}

	return changes, nil
}

// removeEchoes drops pending events whose remote echo arrived.
func (r *Room) removeEchoes(events []*timeline.EventEntry, changes *SyncChanges, txn *storage.Txn) error {
	pending, err := txn.PendingEvents().GetAllForRoom(r.id)
	if err != nil {
		return fmt.Errorf("reading send queue: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	echoes := make(map[string]bool, len(events))

	for _, e := range events {
		if id := e.Event.TransactionID(); id != "" {
			echoes[id] = true
		}

		echoes[e.ID()] = true
	}

	for _, p := range pending {
		if !echoes[p.TxnID] && (p.RemoteID == "" || !echoes[p.RemoteID]) {
			if p.RemoteID == "" {
				changes.unsent++
			}

			continue
		}

		if err := txn.PendingEvents().Remove(r.id, p.QueueIndex); err != nil {
			return fmt.Errorf("removing pending event: %w", err)
		}

		changes.acknowledged = append(changes.acknowledged, p.TxnID)
	}

	return nil
}

// AfterSync applies a committed sync to the room's memory state.
func (r *Room) AfterSync(changes *SyncChanges) {
	r.syncWriter.AfterSync(changes.write)

	prep := changes.prep
	enc := r.encryptionFor(prep)

	r.mu.Lock()

	changes.summary.IsTrackingMembers = changes.summary.IsTrackingMembers || r.summary.IsTrackingMembers
	r.summary = changes.summary

	if prep.created != nil {
		if changes.summary.IsEncrypted() && r.encryption == nil {
			r.encryption = prep.created
		} else {
			prep.created.Close()
			enc = r.encryption
		}

		prep.created = nil
	}

	r.mu.Unlock()

	if prep.decryption != nil && enc != nil {
		enc.AfterDecryption(prep.decryption)
	}

	r.notify(Update{
		Entries:      changes.write.Entries,
		Updated:      changes.write.UpdatedEntries,
		Acknowledged: changes.acknowledged,
	})
}

// AfterSyncCompleted does the network work a committed sync made
// necessary: sharing room keys and resuming the send queue.
func (r *Room) AfterSyncCompleted(ctx context.Context, changes *SyncChanges) error {
	if enc := r.Encryption(); enc != nil && changes.hasShares {
		if err := enc.FlushPendingRoomKeyShares(ctx); err != nil {
			return fmt.Errorf("sharing room keys: %w", err)
		}
	}

	if changes.unsent > 0 && changes.summary.Membership == matrix.MembershipJoin {
		return r.FlushSendQueue(ctx)
	}

	return nil
}

func applyDecryption(entries []*timeline.EventEntry, changes *group.DecryptionChanges) {
	for _, e := range entries {
		if res, ok := changes.Results[e.ID()]; ok {
			e.SetDecryptionResult(res)
		} else if err, ok := changes.Errors[e.ID()]; ok {
			e.SetDecryptionError(err)
		}
	}
}

func encryptedEntries(entries []*timeline.EventEntry) []*timeline.EventEntry {
	var out []*timeline.EventEntry

	for _, e := range entries {
		if e.IsEncrypted() && !e.IsRedacted() {
			out = append(out, e)
		}
	}

	return out
}

func eventEntries(entries []timeline.Entry) []*timeline.EventEntry {
	var out []*timeline.EventEntry

	for _, e := range entries {
		if ee, ok := e.(*timeline.EventEntry); ok {
			out = append(out, ee)
		}
	}

	return out
}

// decryptEntries decrypts stored entries outside of a sync.
func (r *Room) decryptEntries(ctx context.Context, entries []*timeline.EventEntry) error {
	entries = encryptedEntries(entries)

	enc := r.Encryption()
	if enc == nil || len(entries) == 0 {
		return nil
	}

	events := make([]*matrix.Event, len(entries))
	for i, e := range entries {
		events[i] = &e.Event
	}

	changes, err := enc.PrepareDecryptAll(ctx, events, nil)
	if err != nil {
		return fmt.Errorf("decrypting entries: %w", err)
	}

	err = r.storage.Update(func(txn *storage.Txn) error {
		return enc.WriteDecryption(changes, txn)
	}, group.WriteStores...)
	if err != nil {
		return fmt.Errorf("writing decryption: %w", err)
	}

	applyDecryption(entries, changes)
	enc.AfterDecryption(changes)

	return nil
}

// RetryDecryption decrypts stored events again after their key arrived.
func (r *Room) RetryDecryption(ctx context.Context, eventIDs []string) error {
	var entries []*timeline.EventEntry

	err := r.storage.View(func(txn *storage.Txn) error {
		for _, id := range eventIDs {
			te, err := txn.TimelineEvents().ByEventID(r.id, id)
			if err != nil {
				return err
			}

			if te != nil {
				entries = append(entries, timeline.NewEventEntry(te))
			}
		}

		return nil
	}, timeline.ReadStores...)
	if err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	if err := r.decryptEntries(ctx, entries); err != nil {
		return err
	}

	r.notify(Update{Updated: entries})

	return nil
}

// FillGap requests up to limit events beyond boundary and stores them.
func (r *Room) FillGap(ctx context.Context, boundary *timeline.FragmentBoundaryEntry, limit int) (*timeline.FillResult, error) {
	token := boundary.Token()
	if token == nil {
		return nil, ErrNoGap
	}

	resp, err := r.api.Messages(ctx, r.id, matrix.MessagesOptions{
		From:  *token,
		Dir:   boundary.Direction(),
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	var res *timeline.FillResult

	err = r.storage.Update(func(txn *storage.Txn) error {
		var err error
		res, err = r.gapWriter.WriteFragmentFill(boundary, resp, txn)

		return err
	}, fillStores...)
	if err != nil {
		return nil, fmt.Errorf("writing fill: %w", err)
	}

	r.gapWriter.AfterFill(res)

	if err := r.decryptEntries(ctx, res.Events()); err != nil {
		r.logger.Warn("decrypting backfilled events", slog.Any("error", err))
	}

	r.notify(Update{Entries: res.Entries, Updated: res.UpdatedEntries})

	return res, nil
}

// ensureMembersLoaded fetches the full member list once so that
// encryption can track every member's devices.
func (r *Room) ensureMembersLoaded(ctx context.Context, enc *e2ee.RoomEncryption) error {
	if r.Summary().IsTrackingMembers {
		return nil
	}

	resp, err := r.api.Members(ctx, r.id)
	if err != nil {
		return fmt.Errorf("fetching members: %w", err)
	}

	stores := concatStores(timeline.MemberStores, e2ee.MemberStores, []storage.StoreName{storage.StoreRoomSummary})

	err = r.storage.Update(func(txn *storage.Txn) error {
		members := timeline.NewMemberWriter(r.id)

		for i := range resp.Chunk {
			if _, err := members.WriteMemberEvent(&resp.Chunk[i], txn); err != nil {
				return err
			}
		}

		all, err := txn.RoomMembers().GetAll(r.id)
		if err != nil {
			return err
		}

		var tracked []string

		for _, m := range all {
			if m.Membership == matrix.MembershipJoin || m.Membership == matrix.MembershipInvite {
				tracked = append(tracked, m.UserID)
			}
		}

		if err := enc.TrackMembers(tracked, txn); err != nil {
			return err
		}

		summary, err := txn.RoomSummary().Get(r.id)
		if err != nil {
			return err
		}

		if summary == nil {
			summary = &storage.RoomSummary{RoomID: r.id}
		}

		summary.IsTrackingMembers = true

		return txn.RoomSummary().Set(summary)
	}, stores...)
	if err != nil {
		return fmt.Errorf("storing members: %w", err)
	}

	r.mu.Lock()
	r.summary.IsTrackingMembers = true
	r.mu.Unlock()

	r.logger.Debug("loaded members", slog.Int("count", len(resp.Chunk)))

	return nil
}
