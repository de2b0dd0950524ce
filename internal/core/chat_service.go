package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/store"
	"soulkyn.app/character-chat/internal/utils"
)

const (
	defaultCharacterColor = "#6366f1"
	removedSenderName     = "Removed participant"
	galleryCaptionLength  = 30
)

// ChatService is the entry point used by the HTTP layer and the CLI.
type ChatService struct {
	state      *StateStore
	turns      *TurnScheduler
	media      *MediaJob
	evolution  *EvolutionUpdater
	images     ImageGenerator
	speech     SpeechSynthesizer
	compressor ImageCompressor
	logger     *zap.Logger

	userName     string
	defaultVoice string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type ChatServiceConfig struct {
	State        *StateStore
	Turns        *TurnScheduler
	Media        *MediaJob
	Evolution    *EvolutionUpdater
	Images       ImageGenerator
	Speech       SpeechSynthesizer
	Compressor   ImageCompressor
	Logger       *zap.Logger
	UserName     string
	DefaultVoice string
}

func NewChatService(cfg ChatServiceConfig) *ChatService {
	s := &ChatService{
		state:        cfg.State,
		turns:        cfg.Turns,
		media:        cfg.Media,
		evolution:    cfg.Evolution,
		images:       cfg.Images,
		speech:       cfg.Speech,
		compressor:   cfg.Compressor,
		logger:       cfg.Logger,
		userName:     cfg.UserName,
		defaultVoice: cfg.DefaultVoice,
		locks:        make(map[string]*sync.Mutex),
	}
	if s.compressor == nil {
		s.compressor = passthroughCompressor{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.userName == "" {
		s.userName = "You"
	}
	if s.defaultVoice == "" {
		s.defaultVoice = "Kore"
	}
	return s
}

func (s *ChatService) Loaded() bool {
	return s.state.Loaded()
}

func (s *ChatService) State() *StateStore {
	return s.state
}

// chatLock serializes turns within one chat.
func (s *ChatService) chatLock(chatID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// --- characters ---

func (s *ChatService) Characters() []store.Character {
	return s.state.Characters()
}

func (s *ChatService) CreateCharacter(c store.Character) (store.Character, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return store.Character{}, ErrInvalidCharacter
	}
	c.ID = uuid.NewString()
	c.CreatedAt = store.NowMillis()
	if c.Color == "" {
		c.Color = defaultCharacterColor
	}
	if err := s.state.PutCharacter(c); err != nil {
		return store.Character{}, fmt.Errorf("failed to create character: %w", err)
	}
	return c, nil
}

// UpdateCharacter replaces the character wholesale, keeping its id and
// creation time.
func (s *ChatService) UpdateCharacter(id string, c store.Character) (store.Character, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return store.Character{}, ErrInvalidCharacter
	}
	return s.state.UpdateCharacter(id, func(existing *store.Character) bool {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		*existing = c
		return true
	})
}

func (s *ChatService) DeleteCharacter(id string) error {
	return s.state.DeleteCharacter(id)
}

// GenerateAvatar renders a square portrait from a free-form description.
func (s *ChatService) GenerateAvatar(ctx context.Context, name, description string) (string, error) {
	if s.images == nil {
		return "", ErrMediaGenerationFailed
	}
	prompt := fmt.Sprintf("Portrait of %s, %s", strings.TrimSpace(name), strings.TrimSpace(description))
	url, err := s.images.GenerateImage(ctx, ImageRequest{Prompt: prompt, AspectRatio: "1:1"})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMediaGenerationFailed, err)
	}
	return s.compressor.CompressImage(ctx, url), nil
}

// ImportCharacters stores characters read from a seed file. Characters with
// an id replace existing ones; the rest get a fresh id.
func (s *ChatService) ImportCharacters(chars []store.Character) (int, error) {
	n := 0
	for _, c := range chars {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			s.logger.Warn("Skipping unnamed character in import")
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = store.NowMillis()
		}
		if c.Color == "" {
			c.Color = defaultCharacterColor
		}
		if err := s.state.PutCharacter(c); err != nil {
			return n, fmt.Errorf("failed to import character %s: %w", c.Name, err)
		}
		n++
	}
	return n, nil
}

// --- chats ---

func (s *ChatService) Chats() []store.ChatSession {
	return s.state.Chats()
}

func (s *ChatService) Chat(id string) (store.ChatSession, error) {
	c, ok := s.state.Chat(id)
	if !ok {
		return store.ChatSession{}, ErrChatNotFound
	}
	return c, nil
}

// CreateChat starts a session with the given characters. An empty name
// becomes the participant names joined by ", ".
func (s *ChatService) CreateChat(name string, participantIDs []string, nsfw bool) (store.ChatSession, error) {
	if len(participantIDs) == 0 {
		return store.ChatSession{}, ErrNoParticipants
	}
	seen := make(map[string]bool, len(participantIDs))
	var ids, names []string
	for _, id := range participantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := s.state.Character(id)
		if !ok {
			return store.ChatSession{}, fmt.Errorf("%w: %s", ErrCharacterNotFound, id)
		}
		ids = append(ids, id)
		names = append(names, c.Name)
	}
	if name = strings.TrimSpace(name); name == "" {
		name = strings.Join(names, ", ")
	}

	chat := store.ChatSession{
		ID:           uuid.NewString(),
		Name:         name,
		Participants: ids,
		Messages:     []store.Message{},
		LastUpdated:  store.NowMillis(),
		IsNSFW:       nsfw,
	}
	if err := s.state.CreateChat(chat); err != nil {
		return store.ChatSession{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// StartDirectChat returns the existing one-to-one chat with the character, or
// creates it.
func (s *ChatService) StartDirectChat(characterID string) (store.ChatSession, bool, error) {
	for _, c := range s.state.Chats() {
		if len(c.Participants) == 1 && c.Participants[0] == characterID {
			return c, false, nil
		}
	}
	chat, err := s.CreateChat("", []string{characterID}, false)
	if err != nil {
		return store.ChatSession{}, false, err
	}
	return chat, true, nil
}

// ChatSettings is a partial update; nil fields are left alone.
type ChatSettings struct {
	Name   *string `json:"name"`
	IsNSFW *bool   `json:"isNSFW"`
}

func (s *ChatService) UpdateChatSettings(id string, settings ChatSettings) (store.ChatSession, error) {
	return s.state.UpdateChat(id, func(c *store.ChatSession) {
		if settings.Name != nil {
			if name := strings.TrimSpace(*settings.Name); name != "" {
				c.Name = name
			}
		}
		if settings.IsNSFW != nil {
			c.IsNSFW = *settings.IsNSFW
		}
	})
}

func (s *ChatService) DeleteChat(id string) error {
	return s.state.DeleteChat(id)
}

// SendMessage runs a full user turn. Generation continues even if ctx is
// cancelled by the caller; turns in the same chat are serialized.
func (s *ChatService) SendMessage(ctx context.Context, chatID, text, image string) (store.Message, error) {
	if image != "" {
		image = s.compressor.CompressImage(ctx, image)
	}
	l := s.chatLock(chatID)
	l.Lock()
	defer l.Unlock()
	return s.turns.Run(context.WithoutCancel(ctx), TurnInput{ChatID: chatID, Text: text, Image: image})
}

func (s *ChatService) GenerateMedia(ctx context.Context, chatID string, kind MediaKind) (store.Message, error) {
	return s.media.Run(context.WithoutCancel(ctx), chatID, kind)
}

func (s *ChatService) GenerateBackground(ctx context.Context, chatID string) (store.ChatSession, error) {
	return s.media.Background(context.WithoutCancel(ctx), chatID)
}

// SenderView is how a message author is displayed.
type SenderView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Avatar  string `json:"avatar,omitempty"`
	Color   string `json:"color,omitempty"`
	IsUser  bool   `json:"isUser,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

// ResolveSender maps a message author to its current character. Authors that
// were deleted render as a removed participant.
func (s *ChatService) ResolveSender(m store.Message) SenderView {
	if m.SenderID == store.UserSenderID {
		return SenderView{ID: m.SenderID, Name: s.userName, IsUser: true}
	}
	if c, ok := s.state.Character(m.SenderID); ok {
		return SenderView{ID: c.ID, Name: c.Name, Avatar: c.Avatar, Color: c.Color}
	}
	if m.SenderID == systemSenderID {
		return SenderView{ID: m.SenderID, Name: systemSenderName}
	}
	return SenderView{ID: m.SenderID, Name: removedSenderName, Removed: true}
}

// Speech is synthesized audio for one message plus the playback settings of
// its speaker.
type Speech struct {
	Audio []byte
	Voice string
	Pitch float64
	Speed float64
}

// Speech synthesizes a message. Audio is nil when there is nothing to say or
// the synthesizer produced nothing.
func (s *ChatService) Speech(ctx context.Context, chatID, messageID string) (Speech, error) {
	chat, ok := s.state.Chat(chatID)
	if !ok {
		return Speech{}, ErrChatNotFound
	}
	var msg *store.Message
	for i := range chat.Messages {
		if chat.Messages[i].ID == messageID {
			msg = &chat.Messages[i]
			break
		}
	}
	if msg == nil {
		return Speech{}, ErrMessageNotFound
	}

	out := Speech{Voice: s.defaultVoice, Speed: 1}
	if c, ok := s.state.Character(msg.SenderID); ok {
		if c.Voice != "" {
			out.Voice = c.Voice
		}
		out.Pitch = c.VoicePitch
		if c.VoiceSpeed > 0 {
			out.Speed = c.VoiceSpeed
		}
	}
	text := utils.SpeakableText(msg.Content)
	if text == "" || s.speech == nil {
		return out, nil
	}
	out.Audio = s.speech.SynthesizeSpeech(ctx, text, out.Voice)
	return out, nil
}

// --- gallery ---

func (s *ChatService) Gallery() []store.GalleryItem {
	return s.state.Gallery()
}

// GalleryRequest saves either a message's media, a chat background, or a raw
// URL.
type GalleryRequest struct {
	ChatID    string            `json:"chatId"`
	MessageID string            `json:"messageId"`
	Type      store.GalleryKind `json:"type"`
	URL       string            `json:"url"`
	Caption   string            `json:"caption"`
}

func (s *ChatService) SaveToGallery(req GalleryRequest) (store.GalleryItem, error) {
	item := store.GalleryItem{Type: req.Type, URL: req.URL, Caption: req.Caption}

	switch {
	case req.MessageID != "":
		chat, ok := s.state.Chat(req.ChatID)
		if !ok {
			return store.GalleryItem{}, ErrChatNotFound
		}
		var found bool
		for _, m := range chat.Messages {
			if m.ID != req.MessageID {
				continue
			}
			found = true
			switch {
			case m.VideoURL != "":
				item.Type, item.URL = store.GalleryVideo, m.VideoURL
			case m.ImageURL != "":
				item.Type, item.URL = store.GalleryImage, m.ImageURL
			}
			if item.Caption == "" {
				item.Caption = truncateCaption(m.Content)
			}
		}
		if !found {
			return store.GalleryItem{}, ErrMessageNotFound
		}
	case req.Type == store.GalleryBackground && req.ChatID != "":
		chat, ok := s.state.Chat(req.ChatID)
		if !ok {
			return store.GalleryItem{}, ErrChatNotFound
		}
		item.URL = chat.BackgroundURL
		if item.Caption == "" {
			item.Caption = chat.Name
		}
	}

	if !item.Type.Valid() || item.URL == "" {
		return store.GalleryItem{}, ErrInvalidGalleryItem
	}
	item.ID = uuid.NewString()
	item.Timestamp = store.NowMillis()
	if err := s.state.AddGalleryItem(item); err != nil {
		return store.GalleryItem{}, fmt.Errorf("failed to save gallery item: %w", err)
	}
	return item, nil
}

func (s *ChatService) DeleteGalleryItem(id string) error {
	return s.state.DeleteGalleryItem(id)
}

// Close waits for detached memory revisions and pending flushes.
func (s *ChatService) Close(ctx context.Context) error {
	if s.evolution != nil {
		s.evolution.Wait()
	}
	return s.state.Sync(ctx)
}

func truncateCaption(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= galleryCaptionLength {
		return string(r)
	}
	return string(r[:galleryCaptionLength]) + "..."
}
