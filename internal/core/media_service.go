package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	gemini "google.golang.org/genai"

	"soulkyn.app/character-chat/internal/config"
	"soulkyn.app/character-chat/internal/utils"
)

const (
	speechSampleRate = 24000
	videoMIME        = "video/mp4"
	videoPromptStyle = "Cinematic video, high quality: "

	imagePromptTemplate = `Generate a high-quality, detailed image.

DESCRIPTION: %s

VISUAL RULES:
1. STYLE: Cinematic, high resolution, consistent with the provided character references (if any).
2. CHARACTERS: Ensure characters physically resemble the provided reference images.
3. SCALE & RATIO: Respect the relative heights of characters if specified (mm). Tall characters must look taller than short ones.
4. COMPOSITION: Artistic and focused on the described action or scene. Square frame (1:1).`

	backgroundPromptTemplate = `Generate a high-resolution, cinematic, photorealistic background image.

SCENE DESCRIPTION: %s

CRITICAL VISUAL RULES:
1. PERSPECTIVE: FIRST-PERSON POV. The camera IS the user's eyes. Do NOT show the user in the shot.
2. CHARACTERS: If characters are described in the scene, they must physically resemble the reference images provided.
3. SCALE: Respect the defined heights of characters relative to the environment (doors, furniture) and each other.
4. STYLE: 8k resolution, highly detailed, atmospheric lighting, movie still quality.
5. COMPOSITION: Wide shot (16:9).`
)

// MediaService renders images, video clips and speech through the Gemini API.
// Video uses its own credentials, which the user can re-select at runtime.
type MediaService struct {
	mu          sync.RWMutex
	client      *gemini.Client
	videoClient *gemini.Client
	videoKey    string

	httpClient *http.Client
	logger     *zap.Logger
}

func NewMediaService(ctx context.Context, logger *zap.Logger) (*MediaService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MediaService{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MediaService) connect(ctx context.Context) error {
	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  config.AppConfig.GeminiAPIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create media client: %w", err)
	}
	videoClient, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  config.AppConfig.VideoAPIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create video client: %w", err)
	}

	s.mu.Lock()
	s.client, s.videoClient, s.videoKey = client, videoClient, config.AppConfig.VideoAPIKey
	s.mu.Unlock()
	return nil
}

func (s *MediaService) clients() (*gemini.Client, *gemini.Client, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.videoClient, s.videoKey
}

// SelectCredentials re-reads the environment file and rebuilds the clients,
// picking up a key the user has just changed.
func (s *MediaService) SelectCredentials(ctx context.Context) error {
	if err := config.Reload(); err != nil {
		return fmt.Errorf("failed to reload credentials: %w", err)
	}
	s.logger.Info("Provider credentials reloaded")
	return s.connect(ctx)
}

func mediaSafetySettings() []*gemini.SafetySetting {
	return []*gemini.SafetySetting{
		{Category: gemini.HarmCategoryHarassment, Threshold: gemini.HarmBlockThresholdBlockNone},
		{Category: gemini.HarmCategoryHateSpeech, Threshold: gemini.HarmBlockThresholdBlockNone},
		{Category: gemini.HarmCategorySexuallyExplicit, Threshold: gemini.HarmBlockThresholdBlockNone},
		{Category: gemini.HarmCategoryDangerousContent, Threshold: gemini.HarmBlockThresholdBlockNone},
	}
}

// GenerateImage returns a PNG (or whatever the model produced) as a data URI.
func (s *MediaService) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	client, _, _ := s.clients()

	var parts []*gemini.Part
	for _, ref := range req.References {
		mime, data, err := utils.ParseDataURI(ref)
		if err != nil || !utils.IsSupportedImage(mime) {
			continue
		}
		parts = append(parts, gemini.NewPartFromBytes(data, mime))
	}
	tmpl := imagePromptTemplate
	if req.AspectRatio == "16:9" {
		tmpl = backgroundPromptTemplate
	}
	parts = append(parts, gemini.NewPartFromText(fmt.Sprintf(tmpl, req.Prompt)))

	resp, err := client.Models.GenerateContent(ctx, config.AppConfig.ImageModel,
		[]*gemini.Content{gemini.NewContentFromParts(parts, gemini.RoleUser)},
		&gemini.GenerateContentConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
			SafetySettings:     mediaSafetySettings(),
		})
	if err != nil {
		return "", classifyMediaError(err)
	}

	var note string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				return utils.DataURI(mime, p.InlineData.Data), nil
			}
			if p.Text != "" {
				note = p.Text
			}
		}
	}
	if note != "" {
		s.logger.Warn("Image generation returned text instead of an image", zap.String("text", note))
	}
	return "", fmt.Errorf("%w: no image data returned", ErrGenerationFailed)
}

// SubmitVideo starts a clip render and returns the operation to poll.
func (s *MediaService) SubmitVideo(ctx context.Context, prompt string) (VideoJob, error) {
	_, client, _ := s.clients()
	op, err := client.Models.GenerateVideos(ctx, config.AppConfig.VideoModel, videoPromptStyle+prompt, nil,
		&gemini.GenerateVideosConfig{NumberOfVideos: 1, AspectRatio: "16:9"})
	if err != nil {
		return VideoJob{}, classifyMediaError(err)
	}
	return VideoJob{Name: op.Name}, nil
}

// PollVideo checks the operation once. When it is done the clip is downloaded
// and returned as a data URI.
func (s *MediaService) PollVideo(ctx context.Context, job VideoJob) (VideoStatus, error) {
	_, client, key := s.clients()
	op, err := client.Operations.GetVideosOperation(ctx, &gemini.GenerateVideosOperation{Name: job.Name}, nil)
	if err != nil {
		return VideoStatus{}, classifyMediaError(err)
	}
	if !op.Done {
		return VideoStatus{}, nil
	}
	if len(op.Error) > 0 {
		return VideoStatus{}, fmt.Errorf("%w: video operation failed: %v", ErrGenerationFailed, op.Error)
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return VideoStatus{}, fmt.Errorf("%w: no video returned", ErrGenerationFailed)
	}
	video := op.Response.GeneratedVideos[0].Video
	if len(video.VideoBytes) > 0 {
		return VideoStatus{Done: true, URI: utils.DataURI(videoMIME, video.VideoBytes)}, nil
	}
	if video.URI == "" {
		return VideoStatus{}, fmt.Errorf("%w: no video URI returned", ErrGenerationFailed)
	}

	data, err := s.download(ctx, video.URI, key)
	if err != nil {
		return VideoStatus{}, err
	}
	return VideoStatus{Done: true, URI: utils.DataURI(videoMIME, data)}, nil
}

func (s *MediaService) download(ctx context.Context, uri, key string) ([]byte, error) {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri+sep+"key="+key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build video download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download video: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read video body: %w", err)
	}
	return data, nil
}

// SynthesizeSpeech returns WAV audio or nil. Failures are logged only.
func (s *MediaService) SynthesizeSpeech(ctx context.Context, text, voice string) []byte {
	client, _, _ := s.clients()
	resp, err := client.Models.GenerateContent(ctx, config.AppConfig.SpeechModel, gemini.Text(text),
		&gemini.GenerateContentConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &gemini.SpeechConfig{
				VoiceConfig: &gemini.VoiceConfig{
					PrebuiltVoiceConfig: &gemini.PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		})
	if err != nil {
		s.logger.Warn("Speech generation failed", zap.Error(err))
		return nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData != nil && len(p.InlineData.Data) > 0 {
			return utils.PCMToWAV(p.InlineData.Data, speechSampleRate, 1)
		}
	}
	return nil
}

// classifyMediaError maps genai API errors onto the core sentinels.
func classifyMediaError(err error) error {
	code, status := 0, ""
	var apiErr gemini.APIError
	var apiErrPtr *gemini.APIError
	switch {
	case errors.As(err, &apiErr):
		code, status = apiErr.Code, apiErr.Status
	case errors.As(err, &apiErrPtr):
		code, status = apiErrPtr.Code, apiErrPtr.Status
	}
	switch {
	case code == http.StatusNotFound || status == "NOT_FOUND" ||
		strings.Contains(err.Error(), "Requested entity was not found"):
		return fmt.Errorf("%w: %w", ErrCredentialSelectionRequired, err)
	case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED" || isQuotaError(err):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}
