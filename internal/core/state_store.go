package core

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/store"
)

// Persister is the durable side of the state store.
type Persister interface {
	Load(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type EventKind string

const (
	EventCharacterPut     EventKind = "character.put"
	EventCharacterDeleted EventKind = "character.deleted"
	EventChatPut          EventKind = "chat.put"
	EventChatDeleted      EventKind = "chat.deleted"
	EventMessagePut       EventKind = "message.put"
	EventMessageRemoved   EventKind = "message.removed"
	EventGalleryPut       EventKind = "gallery.put"
	EventGalleryDeleted   EventKind = "gallery.deleted"
)

// Event describes one state mutation. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind          `json:"kind"`
	ID          string             `json:"id"`
	ChatID      string             `json:"chatId,omitempty"`
	Character   *store.Character   `json:"character,omitempty"`
	Chat        *store.ChatSession `json:"chat,omitempty"`
	Message     *store.Message     `json:"message,omitempty"`
	GalleryItem *store.GalleryItem `json:"galleryItem,omitempty"`
}

// arena keeps items addressable by id while preserving newest-first order.
type arena[T any] struct {
	items map[string]T
	order []string
}

func newArena[T any]() *arena[T] {
	return &arena[T]{items: make(map[string]T)}
}

func (a *arena[T]) get(id string) (T, bool) {
	v, ok := a.items[id]
	return v, ok
}

// put replaces an existing item in place or inserts a new one at the front.
func (a *arena[T]) put(id string, v T) {
	if _, ok := a.items[id]; !ok {
		a.order = slices.Insert(a.order, 0, id)
	}
	a.items[id] = v
}

// appendLoaded adds an item at the back, used while decoding persisted order.
func (a *arena[T]) appendLoaded(id string, v T) {
	if _, ok := a.items[id]; ok {
		return
	}
	a.order = append(a.order, id)
	a.items[id] = v
}

func (a *arena[T]) remove(id string) bool {
	if _, ok := a.items[id]; !ok {
		return false
	}
	delete(a.items, id)
	a.order = slices.DeleteFunc(a.order, func(s string) bool { return s == id })
	return true
}

func (a *arena[T]) list(clone func(T) T) []T {
	out := make([]T, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, clone(a.items[id]))
	}
	return out
}

func same[T any](v T) T { return v }

type flushReq struct {
	key  string        // Empty for a barrier
	done chan struct{} // Closed once everything queued before it is written
}

// StateStore holds the authoritative in-memory collections. Reads are
// synchronous; every committed mutation publishes an Event and schedules an
// asynchronous, ordered flush of the affected collection.
type StateStore struct {
	persist Persister
	logger  *zap.Logger

	mu         sync.RWMutex
	loaded     bool
	characters *arena[store.Character]
	chats      *arena[store.ChatSession]
	gallery    *arena[store.GalleryItem]

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	flushCh   chan flushReq
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStateStore(persist Persister, logger *zap.Logger) *StateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StateStore{
		persist:    persist,
		logger:     logger,
		characters: newArena[store.Character](),
		chats:      newArena[store.ChatSession](),
		gallery:    newArena[store.GalleryItem](),
		subs:       make(map[int]chan Event),
		flushCh:    make(chan flushReq, 64),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Load reads the three persisted collections. It runs once; later calls are
// no-ops. A collection that fails to decode starts empty.
func (s *StateStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	var chars []store.Character
	if _, err := s.persist.Load(ctx, store.CharactersKey, &chars); err != nil {
		s.logger.Error("Failed to load characters, starting empty", zap.Error(err))
		chars = nil
	}
	var chats []store.ChatSession
	if _, err := s.persist.Load(ctx, store.ChatsKey, &chats); err != nil {
		s.logger.Error("Failed to load chats, starting empty", zap.Error(err))
		chats = nil
	}
	var items []store.GalleryItem
	if _, err := s.persist.Load(ctx, store.GalleryKey, &items); err != nil {
		s.logger.Error("Failed to load gallery, starting empty", zap.Error(err))
		items = nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	for _, c := range chars {
		s.characters.appendLoaded(c.ID, c)
	}
	for _, c := range chats {
		// Loading placeholders never survive a restart.
		c.Messages = slices.DeleteFunc(c.Messages, func(m store.Message) bool { return m.IsLoading })
		s.chats.appendLoaded(c.ID, c)
	}
	for _, g := range items {
		s.gallery.appendLoaded(g.ID, g)
	}
	s.loaded = true
	s.logger.Info("State loaded",
		zap.Int("characters", len(chars)), zap.Int("chats", len(chats)), zap.Int("gallery", len(items)))
	return nil
}

func (s *StateStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Subscribe returns a channel of future events and a cancel func. Events are
// dropped for a subscriber whose buffer is full.
func (s *StateStore) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with s.mu held so events keep mutation order.
func (s *StateStore) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("Dropping event for slow subscriber", zap.String("kind", string(ev.Kind)))
		}
	}
}

// --- characters ---

func (s *StateStore) Characters() []store.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.characters.list(same[store.Character])
}

func (s *StateStore) Character(id string) (store.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.characters.get(id)
}

// PutCharacter inserts c or replaces the character with the same id wholesale.
func (s *StateStore) PutCharacter(c store.Character) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	s.characters.put(c.ID, c)
	s.publish(Event{Kind: EventCharacterPut, ID: c.ID, Character: &c})
	s.mu.Unlock()

	s.schedule(store.CharactersKey)
	return nil
}

// UpdateCharacter applies fn to the stored character. fn reports whether it
// changed anything; unchanged characters are neither published nor flushed.
func (s *StateStore) UpdateCharacter(id string, fn func(*store.Character) bool) (store.Character, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return store.Character{}, ErrNotLoaded
	}
	c, ok := s.characters.get(id)
	if !ok {
		s.mu.Unlock()
		return store.Character{}, ErrCharacterNotFound
	}
	if !fn(&c) {
		s.mu.Unlock()
		return c, nil
	}
	c.ID = id
	s.characters.put(id, c)
	s.publish(Event{Kind: EventCharacterPut, ID: id, Character: &c})
	s.mu.Unlock()

	s.schedule(store.CharactersKey)
	return c, nil
}

// DeleteCharacter removes the character. Chat history keeps its messages.
func (s *StateStore) DeleteCharacter(id string) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if !s.characters.remove(id) {
		s.mu.Unlock()
		return ErrCharacterNotFound
	}
	s.publish(Event{Kind: EventCharacterDeleted, ID: id})
	s.mu.Unlock()

	s.schedule(store.CharactersKey)
	return nil
}

// --- chats ---

func (s *StateStore) Chats() []store.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chats.list(cloneChat)
}

func (s *StateStore) Chat(id string) (store.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats.get(id)
	if !ok {
		return store.ChatSession{}, false
	}
	return c.Clone(), true
}

func cloneChat(c store.ChatSession) store.ChatSession { return c.Clone() }

// CreateChat inserts a new session at the front of the list.
func (s *StateStore) CreateChat(c store.ChatSession) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if _, exists := s.chats.get(c.ID); exists {
		s.mu.Unlock()
		return fmt.Errorf("chat %s already exists", c.ID)
	}
	c = c.Clone()
	s.chats.put(c.ID, c)
	view := c.Clone()
	s.publish(Event{Kind: EventChatPut, ID: c.ID, Chat: &view})
	s.mu.Unlock()

	s.schedule(store.ChatsKey)
	return nil
}

// UpdateChat applies fn to the stored session. Participants and messages are
// restored after fn runs; use the message operations to change messages.
func (s *StateStore) UpdateChat(id string, fn func(*store.ChatSession)) (store.ChatSession, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return store.ChatSession{}, ErrNotLoaded
	}
	c, ok := s.chats.get(id)
	if !ok {
		s.mu.Unlock()
		return store.ChatSession{}, ErrChatNotFound
	}
	participants, messages := c.Participants, c.Messages
	fn(&c)
	c.ID, c.Participants, c.Messages = id, participants, messages
	s.chats.put(id, c)
	view := c.Clone()
	s.publish(Event{Kind: EventChatPut, ID: id, Chat: &view})
	s.mu.Unlock()

	s.schedule(store.ChatsKey)
	return view, nil
}

func (s *StateStore) DeleteChat(id string) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if !s.chats.remove(id) {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	s.publish(Event{Kind: EventChatDeleted, ID: id})
	s.mu.Unlock()

	s.schedule(store.ChatsKey)
	return nil
}

// --- messages ---

// AppendMessage adds m to the end of the chat. A committed (non-loading)
// message also touches lastUpdated and is flushed.
func (s *StateStore) AppendMessage(chatID string, m store.Message) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	c, ok := s.chats.get(chatID)
	if !ok {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	c.Messages = append(slices.Clip(c.Messages), m)
	if !m.IsLoading {
		c.LastUpdated = store.NowMillis()
	}
	s.chats.put(chatID, c)
	s.publish(Event{Kind: EventMessagePut, ID: m.ID, ChatID: chatID, Message: &m})
	s.mu.Unlock()

	if !m.IsLoading {
		s.schedule(store.ChatsKey)
	}
	return nil
}

// UpdateMessage applies fn to one message in place. The change is flushed when
// the message was or becomes committed; streaming updates to a loading
// placeholder stay in memory.
func (s *StateStore) UpdateMessage(chatID, messageID string, fn func(*store.Message)) (store.Message, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return store.Message{}, ErrNotLoaded
	}
	c, ok := s.chats.get(chatID)
	if !ok {
		s.mu.Unlock()
		return store.Message{}, ErrChatNotFound
	}
	idx := slices.IndexFunc(c.Messages, func(m store.Message) bool { return m.ID == messageID })
	if idx < 0 {
		s.mu.Unlock()
		return store.Message{}, ErrMessageNotFound
	}
	msgs := slices.Clone(c.Messages)
	m := msgs[idx]
	wasLoading := m.IsLoading
	fn(&m)
	m.ID = messageID
	msgs[idx] = m
	c.Messages = msgs
	committed := !wasLoading || !m.IsLoading
	if committed {
		c.LastUpdated = store.NowMillis()
	}
	s.chats.put(chatID, c)
	s.publish(Event{Kind: EventMessagePut, ID: messageID, ChatID: chatID, Message: &m})
	s.mu.Unlock()

	if committed {
		s.schedule(store.ChatsKey)
	}
	return m, nil
}

// RemoveMessage deletes one message. Removing a loading placeholder is not
// flushed since it never reached disk.
func (s *StateStore) RemoveMessage(chatID, messageID string) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	c, ok := s.chats.get(chatID)
	if !ok {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	idx := slices.IndexFunc(c.Messages, func(m store.Message) bool { return m.ID == messageID })
	if idx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	wasLoading := c.Messages[idx].IsLoading
	c.Messages = slices.Delete(slices.Clone(c.Messages), idx, idx+1)
	s.chats.put(chatID, c)
	s.publish(Event{Kind: EventMessageRemoved, ID: messageID, ChatID: chatID})
	s.mu.Unlock()

	if !wasLoading {
		s.schedule(store.ChatsKey)
	}
	return nil
}

// --- gallery ---

func (s *StateStore) Gallery() []store.GalleryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gallery.list(same[store.GalleryItem])
}

func (s *StateStore) AddGalleryItem(item store.GalleryItem) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	s.gallery.put(item.ID, item)
	s.publish(Event{Kind: EventGalleryPut, ID: item.ID, GalleryItem: &item})
	s.mu.Unlock()

	s.schedule(store.GalleryKey)
	return nil
}

func (s *StateStore) DeleteGalleryItem(id string) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if !s.gallery.remove(id) {
		s.mu.Unlock()
		return ErrGalleryItemNotFound
	}
	s.publish(Event{Kind: EventGalleryDeleted, ID: id})
	s.mu.Unlock()

	s.schedule(store.GalleryKey)
	return nil
}

// --- flushing ---

func (s *StateStore) schedule(key string) {
	select {
	case s.flushCh <- flushReq{key: key}:
	case <-s.quit:
		s.logger.Warn("Flush requested after close", zap.String("key", key))
	}
}

// Sync blocks until every flush scheduled before the call has been written.
func (s *StateStore) Sync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushCh <- flushReq{done: done}:
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes pending flushes and stops the flush worker.
func (s *StateStore) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *StateStore) flushLoop() {
	defer s.wg.Done()
	defer close(s.stopped)
	dirty := make(map[string]bool)
	var waiters []chan struct{}

	collect := func(req flushReq) {
		if req.key != "" {
			dirty[req.key] = true
		}
		if req.done != nil {
			waiters = append(waiters, req.done)
		}
	}
	drain := func() {
		for {
			select {
			case req := <-s.flushCh:
				collect(req)
			default:
				return
			}
		}
	}
	write := func() {
		// Fixed key order keeps writes deterministic across coalesced batches.
		for _, key := range []string{store.CharactersKey, store.ChatsKey, store.GalleryKey} {
			if dirty[key] {
				delete(dirty, key)
				s.flush(key)
			}
		}
		for _, w := range waiters {
			close(w)
		}
		waiters = waiters[:0]
	}

	for {
		select {
		case req := <-s.flushCh:
			collect(req)
			drain()
			write()
		case <-s.quit:
			drain()
			write()
			return
		}
	}
}

func (s *StateStore) flush(key string) {
	var value any
	s.mu.RLock()
	switch key {
	case store.CharactersKey:
		value = s.characters.list(same[store.Character])
	case store.ChatsKey:
		value = s.chats.list(committedChat)
	case store.GalleryKey:
		value = s.gallery.list(same[store.GalleryItem])
	}
	s.mu.RUnlock()

	if err := s.persist.Set(context.Background(), key, value); err != nil {
		s.logger.Error("Failed to flush collection", zap.String("key", key), zap.Error(err))
	}
}

// committedChat drops loading placeholders, which are never persisted.
func committedChat(c store.ChatSession) store.ChatSession {
	out := c.Clone()
	out.Messages = slices.DeleteFunc(out.Messages, func(m store.Message) bool { return m.IsLoading })
	return out
}
