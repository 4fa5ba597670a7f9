package group

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// Stores read by DecryptAll and written by DecryptionChanges.Write.
var (
	DecryptStores = []storage.StoreName{storage.StoreInboundGroupSessions}
	WriteStores   = []storage.StoreName{storage.StoreInboundGroupSessions, storage.StoreGroupSessionDecryptions}
)

// Decryption decrypts Megolm room events.
type Decryption struct {
	loader    *KeyLoader
	decryptor SessionDecryptor
	logger    *slog.Logger
}

// NewDecryption creates a Decryption. A nil decryptor decrypts inline.
func NewDecryption(loader *KeyLoader, decryptor SessionDecryptor, logger *slog.Logger) *Decryption {
	if decryptor == nil {
		decryptor = InlineDecryptor{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Decryption{loader: loader, decryptor: decryptor, logger: logger}
}

// KeyLoader returns the loader sessions are used through.
func (d *Decryption) KeyLoader() *KeyLoader {
	return d.loader
}

// SessionRef identifies an inbound group session of a room.
type SessionRef struct {
	SenderKey string
	SessionID string
}

type replayEntry struct {
	sessionID string
	index     uint32
	eventID   string
	timestamp int64
}

// DecryptionChanges are the results of DecryptAll and the bookkeeping
// to write for them.
type DecryptionChanges struct {
	RoomID  string
	Results map[string]*common.DecryptionResult
	Errors  map[string]error

	replay  []replayEntry
	missing map[SessionRef][]string
}

// MissingSessions returns the sessions no key was found for, with the
// events that need them.
func (c *DecryptionChanges) MissingSessions() map[SessionRef][]string {
	return c.missing
}

func (c *DecryptionChanges) fail(eventID string, err error) {
	var de *common.DecryptionError
	if errors.As(err, &de) && de.EventID == "" {
		de.EventID = eventID
	}

	c.Errors[eventID] = err
}

func (c *DecryptionChanges) addMissing(ref SessionRef, eventID string) {
	if !slices.Contains(c.missing[ref], eventID) {
		c.missing[ref] = append(c.missing[ref], eventID)
	}
}

// DecryptAll decrypts the Megolm events of a room. Keys received in the
// same sync are passed as newKeys since they are not stored yet. txn
// needs DecryptStores. Per-event failures land in the changes.
func (d *Decryption) DecryptAll(ctx context.Context, roomID string, events []*matrix.Event, newKeys []*RoomKey, txn *storage.Txn) (*DecryptionChanges, error) {
	changes := &DecryptionChanges{
		RoomID:  roomID,
		Results: make(map[string]*common.DecryptionResult),
		Errors:  make(map[string]error),
		missing: make(map[SessionRef][]string),
	}

	bySession := make(map[SessionRef][]*matrix.Event)

	var order []SessionRef

	for _, ev := range events {
		if alg := ev.ContentField("algorithm").String(); alg != common.AlgorithmMegolm {
			changes.fail(ev.EventID, common.NewDecryptionError(common.CodeUnsupportedAlgorithm, "%s", alg))
			continue
		}

		ref := SessionRef{
			SenderKey: ev.ContentField("sender_key").String(),
			SessionID: ev.ContentField("session_id").String(),
		}

		if _, ok := bySession[ref]; !ok {
			order = append(order, ref)
		}

		bySession[ref] = append(bySession[ref], ev)
	}

	for _, ref := range order {
		key, err := d.findKey(ctx, roomID, ref, newKeys, txn)
		if err != nil {
			return nil, err
		}

		if key == nil {
			for _, ev := range bySession[ref] {
				changes.fail(ev.EventID, common.NewDecryptionError(common.CodeMegolmNoSession, "session %s", ref.SessionID))
				changes.addMissing(ref, ev.EventID)
			}

			continue
		}

		err = d.loader.Use(ctx, key, func(s *olm.InboundGroupSession) error {
			for _, ev := range bySession[ref] {
				if err := ctx.Err(); err != nil {
					return err
				}

				d.decryptEvent(ctx, changes, key, s, ref, ev)
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return changes, nil
}

// findKey picks the key able to decrypt from the earliest index among
// the new keys and the stored one.
func (d *Decryption) findKey(ctx context.Context, roomID string, ref SessionRef, newKeys []*RoomKey, txn *storage.Txn) (*RoomKey, error) {
	stored, err := txn.InboundGroupSessions().Get(roomID, ref.SenderKey, ref.SessionID)
	if err != nil {
		return nil, err
	}

	best := RoomKeyFromStorage(stored)

	var bestIndex uint32
	if best != nil {
		bestIndex = stored.FirstKnownIndex
	}

	for _, k := range newKeys {
		if !k.IsForSession(roomID, ref.SenderKey, ref.SessionID) {
			continue
		}

		var index uint32

		err := d.loader.Use(ctx, k, func(s *olm.InboundGroupSession) error {
			index = s.FirstKnownIndex()
			return nil
		})
		if err != nil {
			d.logger.Warn("ignoring unusable room key", slog.String("session_id", k.SessionID), slog.String("error", err.Error()))
			continue
		}

		if best == nil || index < bestIndex {
			best, bestIndex = k, index
		}
	}

	return best, nil
}

func (d *Decryption) decryptEvent(ctx context.Context, changes *DecryptionChanges, key *RoomKey, s *olm.InboundGroupSession, ref SessionRef, ev *matrix.Event) {
	ciphertext := ev.ContentField("ciphertext").String()

	index, err := olm.GroupMessageIndex(ciphertext)
	if err != nil {
		changes.fail(ev.EventID, common.WrapDecryptionError(common.CodeMegolmBadMessage, err))
		return
	}

	if index < s.FirstKnownIndex() {
		// A better key may still arrive for this index.
		changes.fail(ev.EventID, common.NewDecryptionError(common.CodeMegolmNoSession,
			"message index %d before first known index %d", index, s.FirstKnownIndex()))
		changes.addMissing(ref, ev.EventID)

		return
	}

	plaintext, index, err := d.decryptor.DecryptSession(ctx, s, ciphertext)
	if err != nil {
		changes.fail(ev.EventID, common.WrapDecryptionError(common.CodeMegolmBadMessage, err))
		return
	}

	payload := gjson.ParseBytes(plaintext)
	if !gjson.ValidBytes(plaintext) || !payload.IsObject() {
		changes.fail(ev.EventID, common.NewDecryptionError(common.CodePlaintextNotJSON, "session %s", ref.SessionID))
		return
	}

	if room := payload.Get("room_id").String(); room != changes.RoomID {
		changes.fail(ev.EventID, common.NewDecryptionError(common.CodeMegolmWrongRoom, "payload for room %q", room))
		return
	}

	changes.replay = append(changes.replay, replayEntry{
		sessionID: ref.SessionID,
		index:     index,
		eventID:   ev.EventID,
		timestamp: ev.OriginServerTS,
	})

	changes.Results[ev.EventID] = &common.DecryptionResult{
		Payload:             json.RawMessage(plaintext),
		SenderCurve25519Key: ref.SenderKey,
		ClaimedEd25519Key:   key.ClaimedEd25519Key,
		EventID:             ev.EventID,
	}
}

// Write records every decrypted message index and the events waiting
// for missing sessions. A message index already used by a different
// event turns that result into a replay error, whatever the timestamps.
// txn needs WriteStores.
func (c *DecryptionChanges) Write(txn *storage.Txn) error {
	for _, e := range c.replay {
		if err := c.checkReplay(txn, e); err != nil {
			return err
		}
	}

	for ref, eventIDs := range c.missing {
		if err := writeMissing(txn, c.RoomID, ref, eventIDs); err != nil {
			return err
		}
	}

	return nil
}

func (c *DecryptionChanges) checkReplay(txn *storage.Txn, e replayEntry) error {
	st := txn.GroupSessionDecryptions()

	existing, err := st.Get(c.RoomID, e.sessionID, e.index)
	if err != nil {
		return err
	}

	if existing != nil && existing.EventID == e.eventID {
		return nil
	}

	if existing != nil {
		delete(c.Results, e.eventID)
		c.fail(e.eventID, &common.DecryptionError{
			Code:    common.CodeMegolmKeyReplayed,
			EventID: e.eventID,
			Detail:  "message index already used by " + existing.EventID,
		})

		return nil
	}

	return st.Set(c.RoomID, e.sessionID, e.index, &storage.GroupSessionDecryption{EventID: e.eventID, Timestamp: e.timestamp})
}

func writeMissing(txn *storage.Txn, roomID string, ref SessionRef, eventIDs []string) error {
	st := txn.InboundGroupSessions()

	igs, err := st.Get(roomID, ref.SenderKey, ref.SessionID)
	if err != nil {
		return err
	}

	if igs == nil {
		igs = &storage.InboundGroupSession{RoomID: roomID, SenderKey: ref.SenderKey, SessionID: ref.SessionID}
	}

	for _, id := range eventIDs {
		if !slices.Contains(igs.EventIDs, id) {
			igs.EventIDs = append(igs.EventIDs, id)
		}
	}

	return st.Set(igs)
}
