package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()

	_, ok := store.Get("missing")
	assert.False(t, ok)

	store.Set("k", "v")
	v, ok := store.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	store.Delete("k")
	_, ok = store.Get("k")
	assert.False(t, ok)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store := NewSQLiteStore(path, zap.NewNop())
	store.Set(KeyAnonID, "anon-123")
	require.NoError(t, store.Close())

	reopened := NewSQLiteStore(path, zap.NewNop())
	defer reopened.Close()

	v, ok := reopened.Get(KeyAnonID)
	assert.True(t, ok)
	assert.Equal(t, "anon-123", v)
}

func TestSQLiteStore_DegradesSilentlyWhenUnopenable(t *testing.T) {
	// A directory path cannot be opened as a database file.
	store := NewSQLiteStore(t.TempDir(), zap.NewNop())
	defer store.Close()

	// Every operation must be a silent no-op.
	store.Set("k", "v")
	_, ok := store.Get("k")
	assert.False(t, ok)
	store.Delete("k")
}

func TestIdentity_MintsAndPersistsAnonymousID(t *testing.T) {
	store := NewMemoryStore()

	id := NewIdentity(store, zap.NewNop())
	anon := id.AnonymousID()
	assert.NotEmpty(t, anon)

	persisted, ok := store.Get(KeyAnonID)
	assert.True(t, ok)
	assert.Equal(t, anon, persisted)

	// A second identity over the same store reuses the id.
	again := NewIdentity(store, zap.NewNop())
	assert.Equal(t, anon, again.AnonymousID())
}

func TestIdentity_SessionIDNeverPersisted(t *testing.T) {
	store := NewMemoryStore()

	id := NewIdentity(store, zap.NewNop())
	assert.NotEmpty(t, id.SessionID())

	_, ok := store.Get("session-id")
	assert.False(t, ok)

	// A new identity gets a fresh session.
	again := NewIdentity(store, zap.NewNop())
	assert.NotEqual(t, id.SessionID(), again.SessionID())
}

func TestIdentity_DistinctIDPrefersUserID(t *testing.T) {
	id := NewIdentity(NewMemoryStore(), zap.NewNop())

	assert.Equal(t, id.AnonymousID(), id.DistinctID())

	id.SetUserID("user-42")
	assert.Equal(t, "user-42", id.DistinctID())
}

func TestIdentity_OptOutPersists(t *testing.T) {
	store := NewMemoryStore()

	id := NewIdentity(store, zap.NewNop())
	assert.False(t, id.OptedOut())

	id.OptOut()
	assert.True(t, id.OptedOut())
	assert.True(t, NewIdentity(store, zap.NewNop()).OptedOut())

	id.OptIn()
	assert.False(t, id.OptedOut())
	assert.False(t, NewIdentity(store, zap.NewNop()).OptedOut())
}
