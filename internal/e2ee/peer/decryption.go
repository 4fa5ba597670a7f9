// Package peer implements Olm encryption and decryption of to-device
// messages between our device and individual peer devices.
package peer

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/matrix-sync/internal/e2ee/account"
	"github.com/alexjbarnes/matrix-sync/internal/e2ee/common"
	"github.com/alexjbarnes/matrix-sync/internal/lockmap"
	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

// Stores read by DecryptAll and written by DecryptionChanges.Write.
var (
	DecryptStores = []storage.StoreName{storage.StoreOlmSessions}
	WriteStores   = []storage.StoreName{storage.StoreOlmSessions, storage.StoreSession}
)

// Decryption decrypts Olm-encrypted to-device messages.
type Decryption struct {
	account *account.Account
	locks   *lockmap.LockMap[string]
	now     func() time.Time
	logger  *slog.Logger
}

// NewDecryption creates a Decryption. locks is shared with Encryption
// so both serialise on the peer's curve25519 key.
func NewDecryption(acct *account.Account, locks *lockmap.LockMap[string], logger *slog.Logger) *Decryption {
	if logger == nil {
		logger = slog.Default()
	}

	return &Decryption{account: acct, locks: locks, now: time.Now, logger: logger}
}

// SenderKeys returns the distinct curve25519 keys the Olm events were
// sent with, sorted.
func SenderKeys(events []matrix.ToDeviceEvent) []string {
	var keys []string

	for i := range events {
		if events[i].Type != matrix.EventTypeEncrypted {
			continue
		}

		if key := events[i].ContentField("sender_key").String(); key != "" {
			keys = append(keys, key)
		}
	}

	slices.Sort(keys)

	return slices.Compact(keys)
}

// ObtainDecryptionLock locks every sender key of events. The lock must be
// held from DecryptAll until the changes are committed.
func (d *Decryption) ObtainDecryptionLock(ctx context.Context, events []matrix.ToDeviceEvent) (func(), error) {
	return d.locks.LockAll(ctx, SenderKeys(events))
}

// sessionEntry is a loaded session and its stored record.
type sessionEntry struct {
	record  storage.OlmSession
	session *olm.Session
	changed bool
	created bool
}

// senderSessions are the sessions of one sender key, most recently used
// first.
type senderSessions struct {
	senderKey string
	entries   []*sessionEntry
}

// DecryptionChanges are the results of DecryptAll and the session state
// to write.
type DecryptionChanges struct {
	Results []*common.DecryptionResult
	Errors  []error

	account   *account.Update
	pickleKey []byte
	senders   []*senderSessions
}

// Account returns the staged account changes. Further account writes of
// the same transaction go through it so the stored account stays
// consistent.
func (c *DecryptionChanges) Account() *account.Update {
	return c.account
}

// Apply makes consumed one-time keys visible in the account once the
// written changes have committed.
func (c *DecryptionChanges) Apply() {
	c.account.Apply()
}

// DecryptAll decrypts every Olm event. txn needs DecryptStores. Failures
// are collected per event in the changes; the returned error is only
// set for storage failures.
func (d *Decryption) DecryptAll(events []matrix.ToDeviceEvent, txn *storage.Txn) (*DecryptionChanges, error) {
	changes := &DecryptionChanges{account: d.account.NewUpdate(), pickleKey: d.account.PickleKey()}
	bySender := make(map[string]*senderSessions)

	for i := range events {
		ev := &events[i]
		if ev.Type != matrix.EventTypeEncrypted {
			continue
		}

		senderKey := ev.ContentField("sender_key").String()

		ss, ok := bySender[senderKey]
		if !ok {
			var err error

			ss, err = d.loadSessions(senderKey, txn)
			if err != nil {
				return nil, err
			}

			bySender[senderKey] = ss
			changes.senders = append(changes.senders, ss)
		}

		result, err := d.decrypt(ev, ss)
		if err != nil {
			d.logger.Warn("olm decryption failed",
				slog.String("sender", ev.Sender),
				slog.String("error", err.Error()))
			changes.Errors = append(changes.Errors, err)

			continue
		}

		changes.Results = append(changes.Results, result)
	}

	return changes, nil
}

func (d *Decryption) loadSessions(senderKey string, txn *storage.Txn) (*senderSessions, error) {
	records, err := txn.OlmSessions().GetAll(senderKey)
	if err != nil {
		return nil, err
	}

	ss := &senderSessions{senderKey: senderKey}

	for _, r := range records {
		s, err := olm.UnpickleSession(string(r.Session), d.account.PickleKey())
		if err != nil {
			d.logger.Warn("dropping unreadable olm session",
				slog.String("session_id", r.SessionID),
				slog.String("error", err.Error()))

			continue
		}

		ss.entries = append(ss.entries, &sessionEntry{record: r, session: s})
	}

	slices.SortStableFunc(ss.entries, func(a, b *sessionEntry) int {
		return cmp.Compare(b.record.LastUsed, a.record.LastUsed)
	})

	return ss, nil
}

func (d *Decryption) decrypt(ev *matrix.ToDeviceEvent, ss *senderSessions) (*common.DecryptionResult, error) {
	if alg := ev.ContentField("algorithm").String(); alg != common.AlgorithmOlm {
		return nil, common.NewDecryptionError(common.CodeUnsupportedAlgorithm, "%s", alg)
	}

	ourKey := d.account.IdentityKeys().Curve25519

	msg := ev.ContentField("ciphertext." + gjson.Escape(ourKey))
	if !msg.Exists() {
		return nil, common.NewDecryptionError(common.CodeOlmBadRecipientKey, "message not encrypted for our key")
	}

	msgType := int(msg.Get("type").Int())
	body := msg.Get("body").String()

	plaintext, entry, err := d.decryptWithExisting(ss, msgType, body)
	if err != nil {
		return nil, err
	}

	if plaintext == nil {
		if msgType != olm.MessageTypePreKey {
			return nil, common.NewDecryptionError(common.CodeOlmNoMatchingSession, "sender key %s", ss.senderKey)
		}

		plaintext, entry, err = d.createInbound(ss, body)
		if err != nil {
			return nil, err
		}
	}

	entry.record.LastUsed = d.now().UnixMilli()
	entry.changed = true
	moveToFront(ss, entry)

	return d.checkPayload(ev, ss.senderKey, plaintext)
}

// decryptWithExisting tries the sender's sessions, most recently used
// first. It returns a nil plaintext when none fits.
func (d *Decryption) decryptWithExisting(ss *senderSessions, msgType int, body string) ([]byte, *sessionEntry, error) {
	for _, e := range ss.entries {
		if msgType == olm.MessageTypePreKey {
			if !e.session.MatchesInbound(ss.senderKey, body) {
				continue
			}

			// A matching pre-key message that fails to decrypt is
			// corrupt; another session will not help.
			plaintext, err := e.session.Decrypt(msgType, body)
			if err != nil {
				return nil, nil, common.WrapDecryptionError(common.CodeOlmBadEncryptedMessage, err)
			}

			return plaintext, e, nil
		}

		plaintext, err := e.session.Decrypt(msgType, body)
		if err == nil {
			return plaintext, e, nil
		}
	}

	return nil, nil, nil
}

func (d *Decryption) createInbound(ss *senderSessions, body string) ([]byte, *sessionEntry, error) {
	s, err := d.account.CreateInboundOlmSession(ss.senderKey, body)
	if err != nil {
		return nil, nil, common.WrapDecryptionError(common.CodeOlmBadEncryptedMessage, err)
	}

	plaintext, err := s.Decrypt(olm.MessageTypePreKey, body)
	if err != nil {
		return nil, nil, common.WrapDecryptionError(common.CodeOlmBadEncryptedMessage, err)
	}

	e := &sessionEntry{
		record:  storage.OlmSession{SenderKey: ss.senderKey, SessionID: s.ID()},
		session: s,
		created: true,
	}
	ss.entries = append(ss.entries, e)

	d.logger.Debug("created inbound olm session", slog.String("sender_key", ss.senderKey))

	return plaintext, e, nil
}

func (d *Decryption) checkPayload(ev *matrix.ToDeviceEvent, senderKey string, plaintext []byte) (*common.DecryptionResult, error) {
	if !gjson.ValidBytes(plaintext) || !gjson.ParseBytes(plaintext).IsObject() {
		return nil, common.NewDecryptionError(common.CodePlaintextNotJSON, "from %s", ev.Sender)
	}

	payload := gjson.ParseBytes(plaintext)

	if sender := payload.Get("sender").String(); sender != ev.Sender {
		return nil, common.NewDecryptionError(common.CodeOlmForgedSender, "payload sender %q, event sender %q", sender, ev.Sender)
	}

	if recipient := payload.Get("recipient").String(); recipient != d.account.UserID() {
		return nil, common.NewDecryptionError(common.CodeOlmBadRecipient, "recipient %q", recipient)
	}

	if key := payload.Get("recipient_keys.ed25519").String(); key != d.account.IdentityKeys().Ed25519 {
		return nil, common.NewDecryptionError(common.CodeOlmBadRecipientKey, "recipient key %q", key)
	}

	return &common.DecryptionResult{
		Payload:             json.RawMessage(plaintext),
		SenderCurve25519Key: senderKey,
		ClaimedEd25519Key:   payload.Get("keys.ed25519").String(),
	}, nil
}

func moveToFront(ss *senderSessions, e *sessionEntry) {
	i := slices.Index(ss.entries, e)
	if i <= 0 {
		return
	}

	copy(ss.entries[1:i+1], ss.entries[:i])
	ss.entries[0] = e
}

// Write stores every used or created session and the account without
// the one-time keys of created sessions. txn needs WriteStores. The
// in-memory account is only changed by Apply.
func (c *DecryptionChanges) Write(txn *storage.Txn) error {
	for _, ss := range c.senders {
		for _, e := range ss.entries {
			if !e.changed {
				continue
			}

			pickled, err := e.session.Pickle(c.pickleKey)
			if err != nil {
				return err
			}

			e.record.Session = []byte(pickled)

			if err := txn.OlmSessions().Set(&e.record); err != nil {
				return err
			}

			if e.created {
				if err := c.account.WriteRemoveOneTimeKey(e.session, txn); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
