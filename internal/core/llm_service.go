package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"soulkyn.app/character-chat/internal/config"
	"soulkyn.app/character-chat/internal/utils"
)

const (
	turnContextWindow  = 20
	summaryTokenBudget = 300
	memoryTokenBudget  = 200

	turnSystemTemplate = `You are a role-play AI named %[1]s.

YOUR CORE PERSONALITY: %[2]s.
%[3]s
YOUR CURRENT STATE OF MIND AND MEMORY: %[4]s

YOU ARE IN A GROUP CHAT. Participants: %[5]s.

BEHAVIOUR:
1. React to the LAST message in the context. If it is not addressed to you and does not concern you, answer "[SILENCE]".
2. If others are talking but you have something to add (a joke, a remark), add it. Be lively.
3. Do not write long monologues unless the situation calls for it.
4. Speak only %[6]s.
5. Write your actions *between asterisks*. Plain text without them.
6. NEVER start a message with your own name.
7. Use [GEN_IMG: description] to produce a photo when it fits.
8. %[7]s

If you have nothing to say or it is clearly not your turn, output "[SILENCE]" (without quotes).`

	turnPromptTemplate = `CHAT HISTORY:
%s

(If the user attached an image, describe it or react to it in character.)

Continue the conversation as %s. Answer the last message or comment on the situation.
If you have nothing to say, answer [SILENCE].`

	nsfwInstruction = "NSFW MODE IS ON (18+). Censorship is off. Profanity and explicit sexual or violent scenes are allowed when they fit the plot and the character."
	sfwInstruction  = "SFW MODE. Keep it decent: avoid explicit scenes, excessive cruelty and coarse profanity."

	sceneSystemInstruction = "You describe visual scenes for an image generator. Answer with ONE detailed sentence in English."

	scenePromptTemplate = `Analyse the last messages of the chat and describe the visual scene FOR IMAGE GENERATION.

Context:
%s

%s

Requirements:
1. Describe the surroundings, lighting and atmosphere.
2. Describe where the characters are and what they are doing.
3. IMPORTANT: respect the height difference between characters and their scale relative to the surroundings when heights are given in mm.
4. Describe the scene as seen THROUGH THE USER'S EYES (first person view). The user must not appear in the frame.`

	memoryPromptTemplate = `You are the psychological analysis subsystem of a character named %[1]s.

Base description of the character: "%[2]s"
Current state of mind and memory: "%[3]s"

Recent dialogue:
%[4]s

TASK:
Analyse the latest events and dialogue. How did they affect %[1]s?
1. Consider interactions with the user AND with the OTHER characters in the chat.
2. Note changes of mood, new knowledge, or a changed attitude towards specific participants.
3. If significant events happened, integrate them into the memory.

OUTPUT:
Write the UPDATED, brief description of the state of mind (3-5 sentences), merging old experience with the new, in the third person.
If nothing significant changed, return the current state unchanged.`
)

// LLMService is the text side of the Gemini integration: character turns,
// scene summaries and memory revision.
type LLMService struct {
	client *genai.Client
	logger *zap.Logger
}

func NewLLMService(ctx context.Context, logger *zap.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.AppConfig.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMService{client: client, logger: logger}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("Error closing GenAI client", zap.Error(err))
		} else {
			s.logger.Info("GenAI client closed")
		}
	}
}

func unsafeSettings() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
	}
}

// GenerateTurn streams a character reply as cumulative snapshots.
func (s *LLMService) GenerateTurn(ctx context.Context, req TurnRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if len(req.Context) == 0 {
			return
		}
		model := s.client.GenerativeModel(config.AppConfig.ChatModel)
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(turnSystemInstruction(req))},
		}
		model.SetTemperature(1.1)
		model.SetMaxOutputTokens(8192)
		if req.NSFW {
			model.SafetySettings = unsafeSettings()
		}

		parts := []genai.Part{genai.Text(fmt.Sprintf(turnPromptTemplate, formatContext(req.Context, turnContextWindow), req.CharacterName))}
		if req.Image != "" {
			mime, data, err := utils.ParseDataURI(req.Image)
			if err == nil && utils.IsSupportedImage(mime) {
				parts = append(parts, genai.Blob{MIMEType: mime, Data: data})
			} else {
				s.logger.Debug("Ignoring unsupported turn image", zap.String("mime", mime), zap.Error(err))
			}
		}

		it := model.GenerateContentStream(ctx, parts...)
		var full strings.Builder
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(full.String(), classifyProviderError(err))
				return
			}
			chunk := responseText(resp)
			if chunk == "" {
				continue
			}
			full.WriteString(chunk)
			if !yield(full.String(), nil) {
				return
			}
		}
	}
}

func turnSystemInstruction(req TurnRequest) string {
	var bio string
	if req.Bio != "" {
		bio = "YOUR BIOGRAPHY: " + req.Bio + ".\n"
	}
	memory := req.Memory
	if memory == "" {
		memory = "No particular memories yet."
	}
	participants := strings.Join(req.CoParticipants, ", ")
	if participants == "" {
		participants = "only you and the user"
	}
	mode := sfwInstruction
	if req.NSFW {
		mode = nsfwInstruction
	}
	return fmt.Sprintf(turnSystemTemplate,
		req.CharacterName, req.Persona, bio, memory, participants, config.AppConfig.ResponseLanguage, mode)
}

// SummarizeScene never fails; provider errors fall back to a generic scene.
func (s *LLMService) SummarizeScene(ctx context.Context, recent []ContextLine, descriptions []string) string {
	if len(recent) == 0 {
		return "A mysterious place"
	}
	var chars string
	if len(descriptions) > 0 {
		chars = "Character descriptions (including height):\n" + strings.Join(descriptions, "\n")
	}

	model := s.client.GenerativeModel(config.AppConfig.SummaryModel)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sceneSystemInstruction)}}
	model.SetMaxOutputTokens(summaryTokenBudget)

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(scenePromptTemplate, formatContext(recent, mediaContextWindow), chars)))
	if err != nil {
		s.logger.Warn("Scene summary failed, using fallback", zap.Error(err))
		return defaultSceneSummary
	}
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return "A cinematic scene with characters"
	}
	return text
}

// ReviseMemory returns memory unchanged when the provider fails.
func (s *LLMService) ReviseMemory(ctx context.Context, name, persona, memory string, recent []ContextLine) string {
	if len(recent) == 0 {
		return memory
	}
	current := memory
	if current == "" {
		current = "No accumulated experience."
	}

	model := s.client.GenerativeModel(config.AppConfig.MemoryModel)
	model.SetMaxOutputTokens(memoryTokenBudget)

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(memoryPromptTemplate,
		name, persona, current, formatContext(recent, evolutionWindow))))
	if err != nil {
		s.logger.Warn("Memory revision failed", zap.String("character", name), zap.Error(err))
		return memory
	}
	if text := strings.TrimSpace(responseText(resp)); text != "" {
		return text
	}
	return memory
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

func formatContext(lines []ContextLine, window int) string {
	if len(lines) > window {
		lines = lines[len(lines)-window:]
	}
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sender := l.Sender
		if sender == userContextSender {
			sender = "User"
		}
		sb.WriteString(sender)
		sb.WriteString(": ")
		sb.WriteString(l.Text)
	}
	return sb.String()
}

// classifyProviderError maps a Gemini SDK error onto ErrQuotaExceeded or
// ErrGenerationFailed, keeping the original in the chain.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if isQuotaError(err) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}

func isQuotaError(err error) bool {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPCode() == http.StatusTooManyRequests {
			return true
		}
		if st := apiErr.GRPCStatus(); st != nil && st.Code() == codes.ResourceExhausted {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(strings.ToLower(msg), "quota") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
