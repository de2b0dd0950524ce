package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulkyn.app/character-chat/internal/store"
)

func newSQLiteTier(t *testing.T) (*store.SQLiteTier, string, *atomic.Int32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	opens := &atomic.Int32{}
	open := store.SQLiteOpener(path)
	tier := store.NewSQLiteTier(func(ctx context.Context) (*sql.DB, error) {
		opens.Add(1)
		return open(ctx)
	})
	t.Cleanup(func() { tier.Close() })
	return tier, path, opens
}

func TestSQLiteTierGetSetDelete(t *testing.T) {
	ctx := context.Background()
	tier, _, opens := newSQLiteTier(t)

	_, err := tier.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(1), opens.Load(), "handle is opened lazily once")

	require.NoError(t, tier.Set(ctx, "k", []byte("one")))
	require.NoError(t, tier.Set(ctx, "k", []byte("two")))
	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	require.NoError(t, tier.Delete(ctx, "k"))
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(1), opens.Load())
}

func TestSQLiteTierReopensAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	tier, _, opens := newSQLiteTier(t)

	require.NoError(t, tier.Set(ctx, "k", []byte("kept")))
	tier.Invalidate()

	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
	assert.Equal(t, int32(2), opens.Load())
}

func TestSQLiteTierInvalidatesOnForeignVersion(t *testing.T) {
	ctx := context.Background()
	tier, path, opens := newSQLiteTier(t)
	require.NoError(t, tier.Set(ctx, "k", []byte("v")))

	other, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = other.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	_, err = tier.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrVersionChanged)

	// The stale handle was dropped; reopening sees the foreign version again.
	_, err = tier.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrVersionChanged)
	assert.Equal(t, int32(2), opens.Load())
}

func TestSQLiteTierClosed(t *testing.T) {
	tier, _, _ := newSQLiteTier(t)
	require.NoError(t, tier.Close())
	_, err := tier.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestBadgerTierGetSetDelete(t *testing.T) {
	ctx := context.Background()
	tier, err := store.NewBadgerTier(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { tier.Close() })

	_, err = tier.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, tier.Set(ctx, "k", []byte("hello")))
	got, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, tier.Delete(ctx, "k"))
	require.NoError(t, tier.Delete(ctx, "never-set"))
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBadgerTierRequiresDir(t *testing.T) {
	_, err := store.NewBadgerTier(store.BadgerOptions{})
	assert.Error(t, err)
}

func TestDualTierWithRealBackends(t *testing.T) {
	ctx := context.Background()
	primary, _, _ := newSQLiteTier(t)
	mirror, err := store.NewBadgerTier(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	ps := store.NewPersistenceStore(primary, mirror)
	t.Cleanup(func() { ps.Close() })

	chars := []store.Character{{ID: "c1", Name: "Alice", Height: 1650}}
	require.NoError(t, ps.Set(ctx, store.CharactersKey, chars))

	// Primary goes away for good; the mirror still answers.
	require.NoError(t, primary.Close())

	var got []store.Character
	found, err := ps.Load(ctx, store.CharactersKey, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, chars, got)
}
