package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/core"
	"soulkyn.app/character-chat/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
	logger      *zap.Logger
}

func NewAPIHandler(cs *core.ChatService, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{chatService: cs, logger: logger}
}

// RequireLoaded answers 503 until the state store has finished loading.
func (h *APIHandler) RequireLoaded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.chatService.Loaded() {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: core.ErrNotLoaded.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Banner bool   `json:"banner,omitempty"` // Show as a dismissable banner
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors to HTTP statuses.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, banner := http.StatusInternalServerError, false
	msg := err.Error()
	switch {
	case errors.Is(err, core.ErrNotLoaded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrQuotaExceeded):
		status, banner, msg = http.StatusTooManyRequests, true, core.ErrQuotaExceeded.Error()
	case errors.Is(err, core.ErrMediaGenerationFailed):
		status, banner, msg = http.StatusBadGateway, true, core.ErrMediaGenerationFailed.Error()
	case errors.Is(err, core.ErrGenerationFailed):
		status, banner = http.StatusBadGateway, true
	case errors.Is(err, core.ErrChatNotFound),
		errors.Is(err, core.ErrCharacterNotFound),
		errors.Is(err, core.ErrMessageNotFound),
		errors.Is(err, core.ErrGalleryItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrEmptyMessage),
		errors.Is(err, core.ErrNoParticipants),
		errors.Is(err, core.ErrInvalidCharacter),
		errors.Is(err, core.ErrInvalidGalleryItem):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: msg, Banner: banner})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

// --- views ---

type messageView struct {
	store.Message
	Sender core.SenderView `json:"sender"`
}

type chatView struct {
	store.ChatSession
	Messages []messageView `json:"messages"`
}

func (h *APIHandler) chatView(c store.ChatSession) chatView {
	msgs := make([]messageView, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(msgs, h.messageView(m))
	}
	return chatView{ChatSession: c, Messages: msgs}
}

func (h *APIHandler) messageView(m store.Message) messageView {
	return messageView{Message: m, Sender: h.chatService.ResolveSender(m)}
}

// chatSummary is a list entry without the message history.
type chatSummary struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Participants  []string `json:"participants"`
	BackgroundURL string   `json:"backgroundUrl,omitempty"`
	LastUpdated   int64    `json:"lastUpdated"`
	IsNSFW        bool     `json:"isNSFW,omitempty"`
	MessageCount  int      `json:"messageCount"`
	LastMessage   string   `json:"lastMessage,omitempty"`
}

// --- characters ---

func (h *APIHandler) ListCharactersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatService.Characters())
}

func (h *APIHandler) CreateCharacterHandler(w http.ResponseWriter, r *http.Request) {
	var req store.Character
	if !decode(w, r, &req) {
		return
	}
	c, err := h.chatService.CreateCharacter(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *APIHandler) UpdateCharacterHandler(w http.ResponseWriter, r *http.Request) {
	var req store.Character
	if !decode(w, r, &req) {
		return
	}
	c, err := h.chatService.UpdateCharacter(chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *APIHandler) DeleteCharacterHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteCharacter(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AvatarRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *APIHandler) GenerateAvatarHandler(w http.ResponseWriter, r *http.Request) {
	var req AvatarRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Description == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Description is required"})
		return
	}
	url, err := h.chatService.GenerateAvatar(r.Context(), req.Name, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"avatar": url})
}

// --- chats ---

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats := h.chatService.Chats()
	out := make([]chatSummary, 0, len(chats))
	for _, c := range chats {
		s := chatSummary{
			ID:            c.ID,
			Name:          c.Name,
			Participants:  c.Participants,
			BackgroundURL: c.BackgroundURL,
			LastUpdated:   c.LastUpdated,
			IsNSFW:        c.IsNSFW,
			MessageCount:  len(c.Messages),
		}
		if n := len(c.Messages); n > 0 {
			s.LastMessage = c.Messages[n-1].Content
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

type CreateChatRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	IsNSFW       bool     `json:"isNSFW"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if !decode(w, r, &req) {
		return
	}
	chat, err := h.chatService.CreateChat(req.Name, req.Participants, req.IsNSFW)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.chatView(chat))
}

func (h *APIHandler) StartDirectChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, created, err := h.chatService.StartDirectChat(chi.URLParam(r, "characterID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.chatView(chat))
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatService.Chat(chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.chatView(chat))
}

func (h *APIHandler) UpdateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ChatSettings
	if !decode(w, r, &req) {
		return
	}
	chat, err := h.chatService.UpdateChatSettings(chi.URLParam(r, "chatID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.chatView(chat))
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteChat(chi.URLParam(r, "chatID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostMessageRequest struct {
	Content string `json:"content"`
	Image   string `json:"image"` // Optional data URI
}

// PostMessageHandler runs a whole turn and answers with the updated chat.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if !decode(w, r, &req) {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	if _, err := h.chatService.SendMessage(r.Context(), chatID, req.Content, req.Image); err != nil {
		h.writeError(w, r, err)
		return
	}
	chat, err := h.chatService.Chat(chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.chatView(chat))
}

type MediaRequest struct {
	Type core.MediaKind `json:"type"`
}

func (h *APIHandler) GenerateMediaHandler(w http.ResponseWriter, r *http.Request) {
	var req MediaRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Type must be photo or video"})
		return
	}
	msg, err := h.chatService.GenerateMedia(r.Context(), chi.URLParam(r, "chatID"), req.Type)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.messageView(msg))
}

func (h *APIHandler) GenerateBackgroundHandler(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatService.GenerateBackground(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.chatView(chat))
}

// SpeechHandler streams WAV audio. Voice pitch and speed are client-side
// playback settings and travel as headers.
func (h *APIHandler) SpeechHandler(w http.ResponseWriter, r *http.Request) {
	sp, err := h.chatService.Speech(r.Context(), chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Voice", sp.Voice)
	w.Header().Set("X-Voice-Pitch", strconv.FormatFloat(sp.Pitch, 'f', -1, 64))
	w.Header().Set("X-Voice-Speed", strconv.FormatFloat(sp.Speed, 'f', -1, 64))
	if len(sp.Audio) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(sp.Audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(sp.Audio)
}

// --- gallery ---

func (h *APIHandler) ListGalleryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatService.Gallery())
}

func (h *APIHandler) SaveToGalleryHandler(w http.ResponseWriter, r *http.Request) {
	var req core.GalleryRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.chatService.SaveToGallery(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *APIHandler) DeleteGalleryItemHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteGalleryItem(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
