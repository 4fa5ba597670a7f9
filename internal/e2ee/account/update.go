package account

import (
	"fmt"
	"slices"

	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// Update stages account changes written inside one storage transaction.
// The account keeps its committed state until Apply, so an aborted
// transaction leaves it untouched.
type Update struct {
	a *Account

	started        bool
	olm            *olm.Account
	removed        []*olm.Session
	serverOTKCount int
	fallbackNeeded bool
	countsChanged  bool
}

// NewUpdate starts staging changes to a.
func (a *Account) NewUpdate() *Update {
	return &Update{a: a}
}

// start snapshots the committed counters. Callers hold u.a.mu.
func (u *Update) start() {
	if u.started {
		return
	}

	u.started = true
	u.serverOTKCount = u.a.serverOTKCount
	u.fallbackNeeded = u.a.fallbackNeeded
}

// WriteSync records the one-time key count and fallback key state from
// a sync response.
func (u *Update) WriteSync(otkCounts map[string]int, unusedFallbackTypes []string, txn *storage.Txn) error {
	u.a.mu.Lock()
	defer u.a.mu.Unlock()

	u.start()

	changed := false

	if count, ok := otkCounts[KeyAlgorithm]; ok && count != u.serverOTKCount {
		u.serverOTKCount = count
		changed = true
	}

	// Servers that support fallback keys always send the field.
	if unusedFallbackTypes != nil && !slices.Contains(unusedFallbackTypes, KeyAlgorithm) && !u.fallbackNeeded {
		u.fallbackNeeded = true
		changed = true
	}

	if !changed {
		return nil
	}

	u.countsChanged = true

	return u.persist(txn)
}

// WriteRemoveOneTimeKey stores the account without the one-time key
// session was created with.
func (u *Update) WriteRemoveOneTimeKey(session *olm.Session, txn *storage.Txn) error {
	u.a.mu.Lock()
	defer u.a.mu.Unlock()

	u.start()

	if u.olm == nil {
		working, err := u.a.olm.Clone()
		if err != nil {
			return fmt.Errorf("copying olm account: %w", err)
		}

		u.olm = working
	}

	if !u.olm.RemoveOneTimeKeys(session) {
		return nil
	}

	u.removed = append(u.removed, session)

	return u.persist(txn)
}

func (u *Update) persist(txn *storage.Txn) error {
	acct := u.olm
	if acct == nil {
		acct = u.a.olm
	}

	return u.a.persistState(txn, acct, u.serverOTKCount, u.fallbackNeeded)
}

// Apply makes the staged changes visible once their transaction has
// committed.
func (u *Update) Apply() {
	if u == nil || !u.started {
		return
	}

	a := u.a

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range u.removed {
		a.olm.RemoveOneTimeKeys(s)
	}

	if u.countsChanged {
		a.serverOTKCount = u.serverOTKCount
		a.fallbackNeeded = u.fallbackNeeded
	}

	*u = Update{a: a}
}
