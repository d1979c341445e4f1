package creds

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLookupMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Lookup("nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutAndLookup(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("user@example.com", `[{"name":"sid","value":"abc"}]`, `{"token":"xyz"}`))

	set, err := store.Lookup("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", set.Identity)
	assert.Equal(t, `[{"name":"sid","value":"abc"}]`, set.CookiesJSON)
	assert.Equal(t, `{"token":"xyz"}`, set.LocalStorage)
	assert.False(t, set.UpdatedAt.IsZero())
}

func TestPutUpserts(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("user@example.com", `[{"name":"old"}]`, `{}`))
	require.NoError(t, store.Put("user@example.com", `[{"name":"new"}]`, `{"k":"v"}`))

	set, err := store.Lookup("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"new"}]`, set.CookiesJSON)
	assert.Equal(t, `{"k":"v"}`, set.LocalStorage)
}

func TestPutDefaultsEmptyPayloads(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("user@example.com", "", ""))

	set, err := store.Lookup("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "[]", set.CookiesJSON)
	assert.Equal(t, "{}", set.LocalStorage)
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("user@example.com", `[]`, `{}`))
	require.NoError(t, store.Delete("user@example.com"))

	_, err := store.Lookup("user@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent identity is a no-op.
	require.NoError(t, store.Delete("user@example.com"))
}

func TestIdentitiesAreIndependent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("a@example.com", `[{"name":"a"}]`, `{}`))
	require.NoError(t, store.Put("b@example.com", `[{"name":"b"}]`, `{}`))
	require.NoError(t, store.Delete("a@example.com"))

	set, err := store.Lookup("b@example.com")
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"b"}]`, set.CookiesJSON)
}
