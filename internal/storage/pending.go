package storage

import "encoding/json"

// PendingEvent is a locally queued event not yet acknowledged by the
// server. The queue index orders the send queue of a room.
type PendingEvent struct {
	RoomID           string          `json:"roomId"`
	QueueIndex       uint32          `json:"queueIndex"`
	EventType        string          `json:"eventType"`
	Content          json.RawMessage `json:"content"`
	TxnID            string          `json:"txnId"`
	NeedsEncryption  bool            `json:"needsEncryption,omitempty"`
	EncryptedType    string          `json:"encryptedEventType,omitempty"`
	EncryptedContent json.RawMessage `json:"encryptedContent,omitempty"`
	RemoteID         string          `json:"remoteId,omitempty"`
	Timestamp        int64           `json:"timestamp,omitempty"`
}

// PendingEventStore holds the send queues of all rooms.
type PendingEventStore struct{ s store }

// PendingEvents returns the pending event store of the transaction.
func (t *Txn) PendingEvents() PendingEventStore { return PendingEventStore{t.store(StorePendingEvents)} }

func pendingKey(roomID string, queueIndex uint32) string {
	return joinKey(roomID, encodeUint32(queueIndex))
}

// GetAllForRoom returns the send queue of a room in queue order.
func (st PendingEventStore) GetAllForRoom(roomID string) ([]PendingEvent, error) {
	return all[PendingEvent](st.s, prefixKey(roomID))
}

// MaxQueueIndex returns the highest queue index used in a room, or 0.
func (st PendingEventStore) MaxQueueIndex(roomID string) (uint32, error) {
	last, err := collect[PendingEvent](st.s, 1, func(fn visitFunc) error {
		return st.s.scanBackFrom(prefixKey(roomID), "", fn)
	})
	if err != nil || len(last) == 0 {
		return 0, err
	}

	return last[0].QueueIndex, nil
}

func (st PendingEventStore) Get(roomID string, queueIndex uint32) (*PendingEvent, error) {
	var pe PendingEvent

	ok, err := st.s.get(pendingKey(roomID, queueIndex), &pe)
	if err != nil || !ok {
		return nil, err
	}

	return &pe, nil
}

func (st PendingEventStore) Add(pe *PendingEvent) error {
	return st.s.put(pendingKey(pe.RoomID, pe.QueueIndex), pe)
}

func (st PendingEventStore) Update(pe *PendingEvent) error {
	return st.s.put(pendingKey(pe.RoomID, pe.QueueIndex), pe)
}

func (st PendingEventStore) Remove(roomID string, queueIndex uint32) error {
	return st.s.delete(pendingKey(roomID, queueIndex))
}
