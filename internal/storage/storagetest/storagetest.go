// Package storagetest opens throwaway databases for tests.
package storagetest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/matrix-sync/internal/storage"
)

// Open returns a database in t.TempDir with every store created. It is
// closed when the test ends.
func Open(t testing.TB) *storage.Storage {
	t.Helper()

	st, err := storage.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return st
}
