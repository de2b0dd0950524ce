package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/metrics"
	"soulkyn.app/character-chat/internal/store"
)

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaPhoto || k == MediaVideo
}

const (
	statusSummarizing  = "Summarizing the scene..."
	statusRenderImage  = "Rendering image..."
	statusRenderVideo  = "Rendering video..."
	finalPhotoContent  = "Photo from the scene:"
	finalVideoContent  = "Video clip:"
	mediaContextWindow = 15
	systemSenderID     = "sys"
	systemSenderName   = "System"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MediaJob turns the current scene of a chat into a photo or a video clip,
// shown through a placeholder message that is finalized or rolled back.
type MediaJob struct {
	state        *StateStore
	summarizer   SceneSummarizer
	images       ImageGenerator
	videos       VideoGenerator
	credentials  CredentialSelector
	compressor   ImageCompressor
	metrics      *metrics.Metrics
	logger       *zap.Logger
	pollInterval time.Duration
	maxWait      time.Duration
	sleep        SleepFunc
}

type MediaJobConfig struct {
	State        *StateStore
	Summarizer   SceneSummarizer
	Images       ImageGenerator
	Videos       VideoGenerator
	Credentials  CredentialSelector // Optional
	Compressor   ImageCompressor
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	PollInterval time.Duration
	MaxWait      time.Duration // Zero polls until done or ctx ends
	Sleep        SleepFunc
}

func NewMediaJob(cfg MediaJobConfig) *MediaJob {
	j := &MediaJob{
		state:        cfg.State,
		summarizer:   cfg.Summarizer,
		images:       cfg.Images,
		videos:       cfg.Videos,
		credentials:  cfg.Credentials,
		compressor:   cfg.Compressor,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		sleep:        cfg.Sleep,
	}
	if j.compressor == nil {
		j.compressor = passthroughCompressor{}
	}
	if j.metrics == nil {
		j.metrics = metrics.NewNop()
	}
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	if j.pollInterval <= 0 {
		j.pollInterval = 5 * time.Second
	}
	if j.sleep == nil {
		j.sleep = sleepContext
	}
	return j
}

// Run generates one media message in chatID. On any failure the placeholder
// is removed, nothing is persisted and the error wraps
// ErrMediaGenerationFailed (and ErrQuotaExceeded when that was the cause).
func (j *MediaJob) Run(ctx context.Context, chatID string, kind MediaKind) (store.Message, error) {
	if !kind.Valid() {
		return store.Message{}, fmt.Errorf("%w: unknown media kind %q", ErrMediaGenerationFailed, kind)
	}
	chat, ok := j.state.Chat(chatID)
	if !ok {
		return store.Message{}, ErrChatNotFound
	}
	log := j.logger.With(zap.String("chat_id", chatID), zap.String("kind", string(kind)))

	senderID, senderName := systemSenderID, systemSenderName
	if len(chat.Participants) > 0 {
		if c, ok := j.state.Character(chat.Participants[0]); ok {
			senderID, senderName = c.ID, c.Name
		}
	}
	placeholder := store.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Content:    statusSummarizing,
		Timestamp:  store.NowMillis(),
		IsLoading:  true,
	}
	if err := j.state.AppendMessage(chatID, placeholder); err != nil {
		return store.Message{}, fmt.Errorf("failed to add media placeholder: %w", err)
	}

	url, err := j.render(ctx, chat, placeholder.ID, kind)
	if err != nil {
		j.rollback(chatID, placeholder.ID)
		j.metrics.MediaJobs.WithLabelValues(string(kind), "failed").Inc()
		log.Warn("Media generation failed", zap.Error(err))
		if errors.Is(err, ErrQuotaExceeded) {
			return store.Message{}, fmt.Errorf("%w: %w", ErrMediaGenerationFailed, err)
		}
		return store.Message{}, fmt.Errorf("%w: %v", ErrMediaGenerationFailed, err)
	}

	final, err := j.state.UpdateMessage(chatID, placeholder.ID, func(m *store.Message) {
		m.IsLoading = false
		m.Timestamp = store.NowMillis()
		if kind == MediaPhoto {
			m.Content = finalPhotoContent
			m.ImageURL = url
		} else {
			m.Content = finalVideoContent
			m.VideoURL = url
		}
	})
	if err != nil {
		j.metrics.MediaJobs.WithLabelValues(string(kind), "failed").Inc()
		return store.Message{}, fmt.Errorf("%w: %v", ErrMediaGenerationFailed, err)
	}
	j.metrics.MediaJobs.WithLabelValues(string(kind), "succeeded").Inc()
	return final, nil
}

func (j *MediaJob) render(ctx context.Context, chat store.ChatSession, placeholderID string, kind MediaKind) (string, error) {
	participants := j.participants(chat)
	prompt := j.summarize(ctx, chat, participants)

	status := statusRenderImage
	if kind == MediaVideo {
		status = statusRenderVideo
	}
	if _, err := j.state.UpdateMessage(chat.ID, placeholderID, func(m *store.Message) { m.Content = status }); err != nil {
		return "", err
	}

	if kind == MediaPhoto {
		if j.images == nil {
			return "", errors.New("no image generator configured")
		}
		url, err := j.images.GenerateImage(ctx, ImageRequest{Prompt: prompt, References: avatars(participants), AspectRatio: "1:1"})
		if err != nil {
			return "", err
		}
		if url == "" {
			return "", errors.New("empty image returned")
		}
		return j.compressor.CompressImage(ctx, url), nil
	}

	url, err := j.generateVideo(ctx, prompt)
	if errors.Is(err, ErrCredentialSelectionRequired) && j.credentials != nil {
		j.logger.Info("Video credentials rejected, re-selecting and retrying once")
		if selErr := j.credentials.SelectCredentials(ctx); selErr != nil {
			return "", fmt.Errorf("credential re-selection failed: %w", selErr)
		}
		url, err = j.generateVideo(ctx, prompt)
	}
	return url, err
}

// generateVideo submits a clip and polls at a fixed interval until it is done.
func (j *MediaJob) generateVideo(ctx context.Context, prompt string) (string, error) {
	if j.videos == nil {
		return "", errors.New("no video generator configured")
	}
	job, err := j.videos.SubmitVideo(ctx, prompt)
	if err != nil {
		return "", err
	}
	var waited time.Duration
	for {
		if j.maxWait > 0 && waited >= j.maxWait {
			return "", fmt.Errorf("video %s not ready after %s", job.Name, j.maxWait)
		}
		if err := j.sleep(ctx, j.pollInterval); err != nil {
			return "", err
		}
		waited += j.pollInterval

		status, err := j.videos.PollVideo(ctx, job)
		if err != nil {
			return "", err
		}
		if status.Done {
			if status.URI == "" {
				return "", errors.New("no video reference returned")
			}
			return status.URI, nil
		}
	}
}

// Background renders a wide first-person scene and stores it as the chat
// background. Failures leave the chat untouched and are only logged.
func (j *MediaJob) Background(ctx context.Context, chatID string) (store.ChatSession, error) {
	chat, ok := j.state.Chat(chatID)
	if !ok {
		return store.ChatSession{}, ErrChatNotFound
	}
	if j.images == nil {
		return chat, nil
	}
	participants := j.participants(chat)
	prompt := j.summarize(ctx, chat, participants)

	url, err := j.images.GenerateImage(ctx, ImageRequest{Prompt: prompt, References: avatars(participants), AspectRatio: "16:9"})
	if err != nil || url == "" {
		j.metrics.MediaJobs.WithLabelValues("background", "failed").Inc()
		j.logger.Warn("Background generation failed", zap.String("chat_id", chatID), zap.Error(err))
		return chat, nil
	}
	url = j.compressor.CompressImage(ctx, url)

	updated, err := j.state.UpdateChat(chatID, func(c *store.ChatSession) { c.BackgroundURL = url })
	if err != nil {
		return store.ChatSession{}, err
	}
	j.metrics.MediaJobs.WithLabelValues("background", "succeeded").Inc()
	return updated, nil
}

func (j *MediaJob) participants(chat store.ChatSession) []store.Character {
	var out []store.Character
	for _, id := range chat.Participants {
		if c, ok := j.state.Character(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (j *MediaJob) summarize(ctx context.Context, chat store.ChatSession, participants []store.Character) string {
	var recent []ContextLine
	for _, m := range chat.Messages {
		if !m.IsLoading {
			recent = append(recent, ContextLine{Sender: m.SenderName, Text: m.Content})
		}
	}
	if len(recent) > mediaContextWindow {
		recent = recent[len(recent)-mediaContextWindow:]
	}
	descriptions := make([]string, 0, len(participants))
	for _, c := range participants {
		descriptions = append(descriptions, CharacterDescription(c))
	}
	if j.summarizer == nil {
		return defaultSceneSummary
	}
	return j.summarizer.SummarizeScene(ctx, recent, descriptions)
}

func (j *MediaJob) rollback(chatID, messageID string) {
	if err := j.state.RemoveMessage(chatID, messageID); err != nil && !errors.Is(err, ErrChatNotFound) {
		j.logger.Warn("Failed to roll back media placeholder", zap.String("message_id", messageID), zap.Error(err))
	}
}

const defaultSceneSummary = "A cinematic scene"

// CharacterDescription is the visual line a scene summary is built from.
func CharacterDescription(c store.Character) string {
	return fmt.Sprintf("Name: %s, Height: %dmm, Appearance: %s", c.Name, c.HeightOrDefault(), c.Description)
}

func avatars(chars []store.Character) []string {
	var out []string
	for _, c := range chars {
		if c.Avatar != "" {
			out = append(out, c.Avatar)
		}
	}
	return out
}
