package storage

// Operation types.
const OperationShareRoomKey = "share_room_key"

// Operation is a durable record of multi-step work that must survive a
// restart, such as fanning a room key out to every member device.
type Operation struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Scope       string         `json:"scope"`
	UserIDs     []string       `json:"userIds,omitempty"`
	RoomKey     map[string]any `json:"roomKeyMessage,omitempty"`
	DoneDevices []string       `json:"doneDevices,omitempty"`
	Withheld    []string       `json:"withheldDevices,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// OperationStore maps operation id to Operation.
type OperationStore struct{ s store }

// Operations returns the operation store of the transaction.
func (t *Txn) Operations() OperationStore { return OperationStore{t.store(StoreOperations)} }

func (st OperationStore) Add(op *Operation) error {
	return st.s.put(op.ID, op)
}

func (st OperationStore) Update(op *Operation) error {
	return st.s.put(op.ID, op)
}

func (st OperationStore) Remove(id string) error {
	return st.s.delete(id)
}

func (st OperationStore) GetAll() ([]Operation, error) {
	return all[Operation](st.s, "")
}

// GetAllByTypeAndScope returns the operations of one type and scope.
func (st OperationStore) GetAllByTypeAndScope(opType, scope string) ([]Operation, error) {
	ops, err := st.GetAll()
	if err != nil {
		return nil, err
	}

	var out []Operation

	for _, op := range ops {
		if op.Type == opType && op.Scope == scope {
			out = append(out, op)
		}
	}

	return out, nil
}
