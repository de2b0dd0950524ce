package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/metrics"
	"soulkyn.app/character-chat/internal/store"
)

const (
	placeholderContent = "..."
	userContextSender  = "user"
)

type turnPhase int

const (
	phaseIdle turnPhase = iota
	phaseUserAppended
	phaseGenerating
	phaseComplete
)

type participantOutcome string

const (
	outcomeFinalized participantOutcome = "finalized"
	outcomeSilent    participantOutcome = "silent"
	outcomeFailed    participantOutcome = "failed"
	outcomeSkipped   participantOutcome = "skipped"
)

// TurnInput is one user message.
type TurnInput struct {
	ChatID string
	Text   string
	Image  string // Optional data URI
}

// turn is the state of one user turn. queue is bounded by the session's
// participant list and drained front to back.
type turn struct {
	chatID  string
	phase   turnPhase
	queue   []string
	total   int
	index   int
	nsfw    bool
	image   string
	context []ContextLine

	quotaErr error
	genErr   error
}

func (t *turn) next() (string, bool) {
	if len(t.queue) == 0 {
		return "", false
	}
	id := t.queue[0]
	t.queue = t.queue[1:]
	t.index++
	return id, true
}

// TurnScheduler drives the participants of a chat through one user turn,
// strictly one after another.
type TurnScheduler struct {
	state      *StateStore
	acc        *StreamAccumulator
	gen        TurnGenerator
	images     ImageGenerator
	compressor ImageCompressor
	evolution  *EvolutionUpdater
	metrics    *metrics.Metrics
	logger     *zap.Logger
	userName   string
}

type TurnSchedulerConfig struct {
	State      *StateStore
	Generator  TurnGenerator
	Images     ImageGenerator
	Compressor ImageCompressor
	Evolution  *EvolutionUpdater
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	UserName   string
}

func NewTurnScheduler(cfg TurnSchedulerConfig) *TurnScheduler {
	s := &TurnScheduler{
		state:      cfg.State,
		acc:        NewStreamAccumulator(cfg.State),
		gen:        cfg.Generator,
		images:     cfg.Images,
		compressor: cfg.Compressor,
		evolution:  cfg.Evolution,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		userName:   cfg.UserName,
	}
	if s.compressor == nil {
		s.compressor = passthroughCompressor{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.userName == "" {
		s.userName = "You"
	}
	return s
}

// Run appends the user message and lets every participant respond in session
// order. The returned error is nil unless a quota error occurred anywhere in
// the turn, or the only participant failed to generate. Callers serialize
// turns per chat.
func (s *TurnScheduler) Run(ctx context.Context, in TurnInput) (store.Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == "" {
		return store.Message{}, ErrEmptyMessage
	}
	chat, ok := s.state.Chat(in.ChatID)
	if !ok {
		return store.Message{}, ErrChatNotFound
	}
	if len(chat.Participants) == 0 {
		return store.Message{}, ErrNoParticipants
	}

	t := &turn{
		chatID: chat.ID,
		phase:  phaseIdle,
		queue:  append([]string(nil), chat.Participants...),
		total:  len(chat.Participants),
		nsfw:   chat.IsNSFW,
		image:  in.Image,
	}

	userMsg := store.Message{
		ID:         uuid.NewString(),
		SenderID:   store.UserSenderID,
		SenderName: s.userName,
		Content:    text,
		ImageURL:   in.Image,
		Timestamp:  store.NowMillis(),
	}
	if err := s.state.AppendMessage(chat.ID, userMsg); err != nil {
		return store.Message{}, fmt.Errorf("failed to append user message: %w", err)
	}
	t.phase = phaseUserAppended
	s.metrics.Turns.Inc()

	for _, m := range chat.Messages {
		if !m.IsLoading {
			t.context = append(t.context, contextLineFor(m))
		}
	}
	t.context = append(t.context, contextLineFor(userMsg))

	for {
		charID, ok := t.next()
		if !ok {
			break
		}
		t.phase = phaseGenerating
		outcome, stop := s.runParticipant(ctx, t, chat.Participants, charID)
		s.metrics.ParticipantOutcomes.WithLabelValues(string(outcome)).Inc()
		if stop {
			s.logger.Info("Chat removed mid-turn, stopping", zap.String("chat_id", t.chatID))
			break
		}
	}
	t.phase = phaseComplete

	if t.quotaErr != nil {
		return userMsg, t.quotaErr
	}
	if t.genErr != nil && t.total == 1 {
		return userMsg, t.genErr
	}
	return userMsg, nil
}

// runParticipant handles one queue entry. stop is true when the chat vanished.
func (s *TurnScheduler) runParticipant(ctx context.Context, t *turn, participants []string, charID string) (participantOutcome, bool) {
	log := s.logger.With(zap.String("chat_id", t.chatID), zap.String("character_id", charID),
		zap.Int("position", t.index), zap.Int("of", t.total))

	char, ok := s.state.Character(charID)
	if !ok {
		log.Info("Skipping participant without a character")
		return outcomeSkipped, false
	}

	placeholder := store.Message{
		ID:         uuid.NewString(),
		SenderID:   char.ID,
		SenderName: char.Name,
		Content:    placeholderContent,
		Timestamp:  store.NowMillis(),
		IsLoading:  true,
	}
	if err := s.state.AppendMessage(t.chatID, placeholder); err != nil {
		return outcomeSkipped, errors.Is(err, ErrChatNotFound)
	}

	req := TurnRequest{
		CharacterName:  char.Name,
		Persona:        char.Description,
		Bio:            fmt.Sprintf("Height: %dmm. %s", char.HeightOrDefault(), char.Bio),
		Memory:         char.EvolutionContext,
		Context:        append([]ContextLine(nil), t.context...),
		CoParticipants: s.coParticipants(participants, charID),
		NSFW:           t.nsfw,
		Image:          t.image,
	}

	reply, err := s.acc.Drive(t.chatID, placeholder.ID, s.gen.GenerateTurn(ctx, req))
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			return outcomeFailed, true
		}
		s.dropPlaceholder(t.chatID, placeholder.ID)
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			t.quotaErr = err
		default:
			if !errors.Is(err, ErrGenerationFailed) {
				err = fmt.Errorf("%w: %w", ErrGenerationFailed, err)
			}
			t.genErr = err
		}
		log.Warn("Participant generation failed", zap.Error(err))
		return outcomeFailed, false
	}

	var content, imageURL string
	switch d := ParseDirectives(reply).(type) {
	case SilenceDirective:
		s.dropPlaceholder(t.chatID, placeholder.ID)
		return outcomeSilent, false
	case PlainText:
		content = d.Text
	case ImageDirective:
		content = d.Text
		imageURL = s.directiveImage(ctx, t, char, d.Prompt, log)
		if content == "" && imageURL == "" {
			s.dropPlaceholder(t.chatID, placeholder.ID)
			return outcomeSilent, false
		}
	}

	final, err := s.state.UpdateMessage(t.chatID, placeholder.ID, func(m *store.Message) {
		m.Content = content
		m.ImageURL = imageURL
		m.IsLoading = false
		m.Timestamp = store.NowMillis()
	})
	if err != nil {
		return outcomeFailed, errors.Is(err, ErrChatNotFound)
	}
	t.context = append(t.context, contextLineFor(final))

	if s.evolution != nil {
		s.evolution.Schedule(char.ID, t.context)
	}
	return outcomeFinalized, false
}

// directiveImage renders an inline image request. Failures leave the text
// reply intact; a quota failure is still surfaced for the turn.
func (s *TurnScheduler) directiveImage(ctx context.Context, t *turn, char store.Character, prompt string, log *zap.Logger) string {
	if s.images == nil {
		return ""
	}
	var refs []string
	if char.Avatar != "" {
		refs = []string{char.Avatar}
	}
	url, err := s.images.GenerateImage(ctx, ImageRequest{Prompt: prompt, References: refs, AspectRatio: "1:1"})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			t.quotaErr = err
		}
		log.Warn("Inline image generation failed", zap.Error(err))
		return ""
	}
	return s.compressor.CompressImage(ctx, url)
}

func (s *TurnScheduler) dropPlaceholder(chatID, messageID string) {
	if err := s.state.RemoveMessage(chatID, messageID); err != nil && !errors.Is(err, ErrChatNotFound) {
		s.logger.Warn("Failed to remove placeholder", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (s *TurnScheduler) coParticipants(participants []string, self string) []string {
	var names []string
	for _, id := range participants {
		if id == self {
			continue
		}
		if c, ok := s.state.Character(id); ok {
			names = append(names, c.Name)
		}
	}
	return names
}

func contextLineFor(m store.Message) ContextLine {
	if m.SenderID == store.UserSenderID {
		return ContextLine{Sender: userContextSender, Text: m.Content}
	}
	return ContextLine{Sender: m.SenderName, Text: m.Content}
}
