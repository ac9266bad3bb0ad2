// Package storetest opens throwaway SQLite-backed stores for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/store"
)

// New returns a migrated store on a fresh database file under t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payflow.db")
	s, err := store.Open(context.Background(), "sqlite", path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)
	return s
}
