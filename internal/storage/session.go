package storage

import "encoding/json"

// Well-known keys of the session store.
const (
	SessionKeySync          = "sync"
	SessionKeyOlmAccount    = "olmAccount"
	SessionKeyBackupVersion = "backupVersion"
	SessionKeyBackupKey     = "backupPrivateKey"
	SessionKeyLogin         = "login"
)

// SyncInfo is the persisted sync position.
type SyncInfo struct {
	Token    string `json:"token"`
	FilterID string `json:"filterId,omitempty"`
}

// SessionStore holds singleton values of the logged-in session.
type SessionStore struct{ s store }

// Session returns the session store of the transaction.
func (t *Txn) Session() SessionStore { return SessionStore{t.store(StoreSession)} }

// Get decodes the value at key into v and reports whether it existed.
func (st SessionStore) Get(key string, v any) (bool, error) {
	return st.s.get(key, v)
}

// GetRaw returns the raw JSON value at key, or nil.
func (st SessionStore) GetRaw(key string) (json.RawMessage, error) {
	return st.s.getRaw(key)
}

// Set stores v at key.
func (st SessionStore) Set(key string, v any) error {
	return st.s.put(key, v)
}

// Remove deletes key.
func (st SessionStore) Remove(key string) error {
	return st.s.delete(key)
}
