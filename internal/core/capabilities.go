package core

import (
	"context"
	"iter"
)

// ContextLine is one line of conversation as the models see it.
type ContextLine struct {
	Sender string
	Text   string
}

type TurnRequest struct {
	CharacterName  string
	Persona        string
	Bio            string // Height already interpolated
	Memory         string
	Context        []ContextLine
	CoParticipants []string
	NSFW           bool
	Image          string // Optional data URI attached by the user this turn
}

// TurnGenerator streams one character reply. Each yielded string is the full
// text so far, not a delta. Errors wrap ErrQuotaExceeded or ErrGenerationFailed.
type TurnGenerator interface {
	GenerateTurn(ctx context.Context, req TurnRequest) iter.Seq2[string, error]
}

// SceneSummarizer never fails; it falls back to a generic description.
type SceneSummarizer interface {
	SummarizeScene(ctx context.Context, recent []ContextLine, descriptions []string) string
}

type ImageRequest struct {
	Prompt      string
	References  []string // Avatar data URIs
	AspectRatio string   // "1:1" or "16:9"
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)
}

type VideoJob struct {
	Name string
}

type VideoStatus struct {
	Done bool
	URI  string // Playable reference once Done
}

type VideoGenerator interface {
	SubmitVideo(ctx context.Context, prompt string) (VideoJob, error)
	PollVideo(ctx context.Context, job VideoJob) (VideoStatus, error)
}

// CredentialSelector lets the user pick different provider credentials after
// the video backend rejected the current ones.
type CredentialSelector interface {
	SelectCredentials(ctx context.Context) error
}

// SpeechSynthesizer returns WAV audio, or nil when nothing could be produced.
type SpeechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, text, voice string) []byte
}

// MemoryReviser returns the updated memory text. On failure it returns memory
// unchanged.
type MemoryReviser interface {
	ReviseMemory(ctx context.Context, name, persona, memory string, recent []ContextLine) string
}

// ImageCompressor downsizes a generated or uploaded image data URI.
type ImageCompressor interface {
	CompressImage(ctx context.Context, dataURI string) string
}

type passthroughCompressor struct{}

func (passthroughCompressor) CompressImage(_ context.Context, dataURI string) string { return dataURI }
