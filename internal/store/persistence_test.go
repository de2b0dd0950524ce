package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"soulkyn.app/character-chat/internal/store"
)

// memTier is an in-memory Tier whose operations can be forced to fail.
type memTier struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
	failSet bool
	failDel bool
	sets    int
}

func newMemTier() *memTier {
	return &memTier{data: make(map[string][]byte)}
}

func (m *memTier) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("get unavailable")
	}
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memTier) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("set unavailable")
	}
	m.sets++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDel {
		return errors.New("delete unavailable")
	}
	delete(m.data, key)
	return nil
}

func (m *memTier) Close() error { return nil }

type countingFailures struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingFailures) PersistenceFailure(tier, op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, tier+"/"+op)
}

type record struct {
	Name  string   `json:"name"`
	Tags  []string `json:"tags"`
	Count int      `json:"count"`
}

func TestPersistenceSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMemTier(), newMemTier()
	ps := store.NewPersistenceStore(primary, secondary, store.WithLogger(zaptest.NewLogger(t)))

	want := []record{{Name: "a", Tags: []string{"x", "y"}, Count: 2}, {Name: "b"}}
	require.NoError(t, ps.Set(ctx, "k", want))

	var got []record
	found, err := ps.Load(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, secondary.sets)
}

func TestPersistenceSkipsMirrorAboveCeiling(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMemTier(), newMemTier()
	ps := store.NewPersistenceStore(primary, secondary, store.WithMirrorLimit(64))

	big := record{Name: strings.Repeat("z", 200)}
	require.NoError(t, ps.Set(ctx, "big", big))

	_, err := secondary.Get(ctx, "big")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var got record
	found, err := ps.Load(ctx, "big", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, big, got)
}

func TestPersistenceFallsBackToSecondaryOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMemTier(), newMemTier()
	failures := &countingFailures{}
	ps := store.NewPersistenceStore(primary, secondary, store.WithFailureCounter(failures))

	require.NoError(t, ps.Set(ctx, "k", record{Name: "first"}))
	primary.failSet = true
	require.NoError(t, ps.Set(ctx, "k", record{Name: "second"}), "primary failure must not surface")
	primary.failGet = true

	var got record
	found, err := ps.Load(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", got.Name)
	assert.Contains(t, failures.calls, "primary/set")
	assert.Contains(t, failures.calls, "primary/get")
}

func TestPersistenceFallsBackToSecondaryOnPrimaryMiss(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMemTier(), newMemTier()
	ps := store.NewPersistenceStore(primary, secondary)

	require.NoError(t, secondary.Set(ctx, "k", []byte(`{"name":"mirror"}`)))

	var got record
	found, err := ps.Load(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "mirror", got.Name)
}

func TestPersistenceMissInBothTiersIsAbsent(t *testing.T) {
	ctx := context.Background()
	primary := newMemTier()
	primary.failGet = true
	ps := store.NewPersistenceStore(primary, newMemTier())

	_, found := ps.Get(ctx, "missing")
	assert.False(t, found)
}

func TestPersistenceSwallowsSecondaryFailure(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMemTier(), newMemTier()
	secondary.failSet = true
	failures := &countingFailures{}
	ps := store.NewPersistenceStore(primary, secondary, store.WithFailureCounter(failures))

	require.NoError(t, ps.Set(ctx, "k", record{Name: "ok"}))
	_, found := ps.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, []string{"secondary/set"}, failures.calls)
}

func TestPersistenceDeleteRemovesBothTiersIndependently(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMemTier(), newMemTier()
	ps := store.NewPersistenceStore(primary, secondary)
	require.NoError(t, ps.Set(ctx, "k", record{Name: "x"}))

	secondary.failDel = true
	ps.Delete(ctx, "k")

	_, err := primary.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)

	secondary.failDel = false
	ps.Delete(ctx, "k")
	_, found := ps.Get(ctx, "k")
	assert.False(t, found)
}

func TestPersistenceSetRejectsUnencodableValue(t *testing.T) {
	ps := store.NewPersistenceStore(newMemTier(), nil)
	err := ps.Set(context.Background(), "k", make(chan int))
	assert.Error(t, err)
}
