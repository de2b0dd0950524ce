package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"soulkyn.app/character-chat/internal/core"
	"soulkyn.app/character-chat/internal/store"
)

func TestStateStoreRejectsMutationsBeforeLoad(t *testing.T) {
	s := core.NewStateStore(newMemPersister(), zaptest.NewLogger(t))
	t.Cleanup(s.Close)

	assert.False(t, s.Loaded())
	assert.ErrorIs(t, s.PutCharacter(store.Character{ID: "c"}), core.ErrNotLoaded)
	assert.ErrorIs(t, s.CreateChat(store.ChatSession{ID: "x"}), core.ErrNotLoaded)
	assert.ErrorIs(t, s.AddGalleryItem(store.GalleryItem{ID: "g"}), core.ErrNotLoaded)

	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Loaded())
	assert.NoError(t, s.PutCharacter(store.Character{ID: "c"}))
}

func TestStateStoreLoadsPersistedCollectionsInOrder(t *testing.T) {
	p := newMemPersister()
	p.seed(t, store.CharactersKey, []store.Character{{ID: "new", Name: "New"}, {ID: "old", Name: "Old"}})
	p.seed(t, store.ChatsKey, []store.ChatSession{{ID: "chat", Participants: []string{"new"}, Messages: []store.Message{{ID: "m1", Content: "hi"}}}})
	p.seed(t, store.GalleryKey, []store.GalleryItem{{ID: "g", Type: store.GalleryImage, URL: "u"}})

	s := core.NewStateStore(p, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	require.NoError(t, s.Load(context.Background()))

	chars := s.Characters()
	require.Len(t, chars, 2)
	assert.Equal(t, "new", chars[0].ID)
	assert.Equal(t, "old", chars[1].ID)

	chat, ok := s.Chat("chat")
	require.True(t, ok)
	assert.Equal(t, "hi", chat.Messages[0].Content)
	assert.Len(t, s.Gallery(), 1)

	// Newly created items go to the front.
	require.NoError(t, s.PutCharacter(store.Character{ID: "newest"}))
	assert.Equal(t, "newest", s.Characters()[0].ID)
}

func TestStateStoreLoadingMessagesAreNotPersisted(t *testing.T) {
	p := newMemPersister()
	s := core.NewStateStore(p, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.CreateChat(store.ChatSession{ID: "c", Participants: []string{"a"}}))
	require.NoError(t, s.Sync(context.Background()))
	before := p.setCount(store.ChatsKey)

	require.NoError(t, s.AppendMessage("c", store.Message{ID: "p", Content: "...", IsLoading: true}))
	_, err := s.UpdateMessage("c", "p", func(m *store.Message) { m.Content = "typing" })
	require.NoError(t, err)
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, before, p.setCount(store.ChatsKey), "streaming a placeholder does not flush")

	_, err = s.UpdateMessage("c", "p", func(m *store.Message) {
		m.Content = "done"
		m.IsLoading = false
	})
	require.NoError(t, err)
	require.NoError(t, s.Sync(context.Background()))

	chats := p.chats(t)
	require.Len(t, chats, 1)
	require.Len(t, chats[0].Messages, 1)
	assert.Equal(t, "done", chats[0].Messages[0].Content)
	assert.False(t, chats[0].Messages[0].IsLoading)
}

func TestStateStoreFlushFiltersPlaceholders(t *testing.T) {
	p := newMemPersister()
	s := core.NewStateStore(p, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.CreateChat(store.ChatSession{ID: "c"}))
	require.NoError(t, s.AppendMessage("c", store.Message{ID: "p", IsLoading: true}))
	require.NoError(t, s.AppendMessage("c", store.Message{ID: "u", Content: "committed"}))
	require.NoError(t, s.Sync(context.Background()))

	chats := p.chats(t)
	require.Len(t, chats[0].Messages, 1)
	assert.Equal(t, "u", chats[0].Messages[0].ID)

	live, _ := s.Chat("c")
	assert.Len(t, live.Messages, 2)
}

func TestStateStorePublishesEvents(t *testing.T) {
	s := core.NewStateStore(newMemPersister(), zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	require.NoError(t, s.Load(context.Background()))
	events, cancel := s.Subscribe(16)
	defer cancel()

	require.NoError(t, s.CreateChat(store.ChatSession{ID: "c"}))
	require.NoError(t, s.AppendMessage("c", store.Message{ID: "m", IsLoading: true}))
	require.NoError(t, s.RemoveMessage("c", "m"))
	require.NoError(t, s.DeleteChat("c"))

	var kinds []core.EventKind
	for range 4 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []core.EventKind{
		core.EventChatPut, core.EventMessagePut, core.EventMessageRemoved, core.EventChatDeleted,
	}, kinds)
}

func TestStateStoreUpdateChatKeepsParticipants(t *testing.T) {
	s := core.NewStateStore(newMemPersister(), zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.CreateChat(store.ChatSession{ID: "c", Participants: []string{"a", "b"}}))

	updated, err := s.UpdateChat("c", func(c *store.ChatSession) {
		c.Name = "renamed"
		c.Participants = nil
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, []string{"a", "b"}, updated.Participants)

	_, err = s.UpdateChat("missing", func(*store.ChatSession) {})
	assert.ErrorIs(t, err, core.ErrChatNotFound)
}

func TestStateStoreCloseFlushesPendingWrites(t *testing.T) {
	p := newMemPersister()
	s := core.NewStateStore(p, zaptest.NewLogger(t))
	require.NoError(t, s.Load(context.Background()))
	for i := range 20 {
		require.NoError(t, s.AddGalleryItem(store.GalleryItem{ID: string(rune('a' + i)), Type: store.GalleryImage, URL: "u"}))
	}
	s.Close()

	var items []store.GalleryItem
	found, err := p.Load(context.Background(), store.GalleryKey, &items)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, items, 20)
	assert.LessOrEqual(t, p.setCount(store.GalleryKey), 20, "writes are coalesced")
}
