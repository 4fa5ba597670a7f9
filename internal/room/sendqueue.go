package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/matrix-sync/internal/errors"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/timeline"
	"github.com/alexjbarnes/matrix-sync/matrix"
)

var sendStores = []storage.StoreName{storage.StorePendingEvents}

// SendEvent queues an event and flushes the send queue. The returned
// entry is queued even when sending fails; the queue resumes after the
// next sync.
func (r *Room) SendEvent(ctx context.Context, eventType string, content any) (*timeline.PendingEventEntry, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}

	pe := storage.PendingEvent{
		RoomID:          r.id,
		EventType:       eventType,
		Content:         raw,
		TxnID:           uuid.NewString(),
		NeedsEncryption: r.IsEncrypted() && eventType != matrix.EventTypeRedaction,
		Timestamp:       r.now().UnixMilli(),
	}

	err = r.storage.Update(func(txn *storage.Txn) error {
		last, err := txn.PendingEvents().MaxQueueIndex(r.id)
		if err != nil {
			return err
		}

		pe.QueueIndex = last + 1

		return txn.PendingEvents().Add(&pe)
	}, sendStores...)
	if err != nil {
		return nil, fmt.Errorf("queueing event: %w", err)
	}

	entry := &timeline.PendingEventEntry{Pending: pe, Sender: r.ownUserID}
	r.notify(Update{Pending: []*timeline.PendingEventEntry{entry}})

	return entry, r.FlushSendQueue(ctx)
}

// SendMessage queues an m.text message.
func (r *Room) SendMessage(ctx context.Context, body string) (*timeline.PendingEventEntry, error) {
	return r.SendEvent(ctx, matrix.EventTypeMessage, map[string]string{"msgtype": "m.text", "body": body})
}

// SendReaction queues an annotation of targetID with key.
func (r *Room) SendReaction(ctx context.Context, targetID, key string) (*timeline.PendingEventEntry, error) {
	return r.SendEvent(ctx, matrix.EventTypeReaction, map[string]any{
		"m.relates_to": map[string]string{
			"rel_type": matrix.RelTypeAnnotation,
			"event_id": targetID,
			"key":      key,
		},
	})
}

// SendRedaction queues the redaction of targetID.
func (r *Room) SendRedaction(ctx context.Context, targetID, reason string) (*timeline.PendingEventEntry, error) {
	content := map[string]string{"redacts": targetID}
	if reason != "" {
		content["reason"] = reason
	}

	return r.SendEvent(ctx, matrix.EventTypeRedaction, content)
}

// FlushSendQueue sends queued events in order. It stops at the first
// failure so that later events never overtake earlier ones.
func (r *Room) FlushSendQueue(ctx context.Context) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	var pending []storage.PendingEvent

	err := r.storage.View(func(txn *storage.Txn) error {
		var err error
		pending, err = txn.PendingEvents().GetAllForRoom(r.id)

		return err
	}, sendStores...)
	if err != nil {
		return fmt.Errorf("reading send queue: %w", err)
	}

	for i := range pending {
		if pending[i].RemoteID != "" {
			continue
		}

		if err := r.sendPending(ctx, &pending[i]); err != nil {
			r.logger.Warn("sending queued event",
				slog.String("txn_id", pending[i].TxnID),
				slog.Any("error", err),
			)

			return err
		}
	}

	return nil
}

func (r *Room) sendPending(ctx context.Context, p *storage.PendingEvent) error {
	if p.NeedsEncryption && p.EncryptedContent == nil {
		if err := r.encryptPending(ctx, p); err != nil {
			return err
		}
	}

	var (
		resp *matrix.SendResponse
		err  error
	)

	switch {
	case p.EventType == matrix.EventTypeRedaction:
		c := gjson.ParseBytes(p.Content)
		resp, err = r.api.Redact(ctx, r.id, c.Get("redacts").String(), p.TxnID, c.Get("reason").String())
	case p.EncryptedContent != nil:
		resp, err = r.api.Send(ctx, r.id, p.EncryptedType, p.TxnID, p.EncryptedContent)
	default:
		resp, err = r.api.Send(ctx, r.id, p.EventType, p.TxnID, p.Content)
	}

	if err != nil {
		return fmt.Errorf("sending %s: %w", p.EventType, err)
	}

	p.RemoteID = resp.EventID

	stillQueued, err := r.updatePending(p)
	if err != nil {
		return err
	}

	if stillQueued {
		r.notify(Update{Pending: []*timeline.PendingEventEntry{{Pending: *p, Sender: r.ownUserID}}})
	}

	return nil
}

func (r *Room) encryptPending(ctx context.Context, p *storage.PendingEvent) error {
	enc := r.Encryption()
	if enc == nil {
		return apperrors.ErrEncryptionSetup
	}

	if err := r.ensureMembersLoaded(ctx, enc); err != nil {
		return err
	}

	content, err := enc.Encrypt(ctx, p.EventType, json.RawMessage(p.Content))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", p.EventType, err)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encoding encrypted content: %w", err)
	}

	p.EncryptedType = matrix.EventTypeEncrypted
	p.EncryptedContent = raw

	_, err = r.updatePending(p)

	return err
}

// updatePending stores p unless its remote echo already removed it.
func (r *Room) updatePending(p *storage.PendingEvent) (bool, error) {
	var stillQueued bool

	err := r.storage.Update(func(txn *storage.Txn) error {
		existing, err := txn.PendingEvents().Get(r.id, p.QueueIndex)
		if err != nil || existing == nil {
			return err
		}

		stillQueued = true

		return txn.PendingEvents().Update(p)
	}, sendStores...)
	if err != nil {
		return false, fmt.Errorf("updating pending event: %w", err)
	}

	return stillQueued, nil
}
