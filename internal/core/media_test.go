package core_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulkyn.app/character-chat/internal/core"
	"soulkyn.app/character-chat/internal/store"
)

func mediaChat(t *testing.T, h *harness) store.ChatSession {
	t.Helper()
	alice := h.character(t, "Alice")
	chat, _, err := h.svc.StartDirectChat(alice.ID)
	require.NoError(t, err)
	require.NoError(t, h.state.AppendMessage(chat.ID, store.Message{ID: "u1", SenderID: store.UserSenderID, SenderName: "You", Content: "let's go to the cafe"}))
	chat, _ = h.state.Chat(chat.ID)
	return chat
}

func TestMediaVideoPollsUntilDone(t *testing.T) {
	h := newHarness(t)
	h.videos.pending = 3
	chat := mediaChat(t, h)

	msg, err := h.svc.GenerateMedia(context.Background(), chat.ID, core.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, "data:video/mp4;base64,BBBB", msg.VideoURL)
	assert.Equal(t, "Video clip:", msg.Content)
	assert.False(t, msg.IsLoading)
	assert.Equal(t, 4, h.videos.polls)
	assert.Equal(t, 4, h.sleeps)

	got, _ := h.svc.Chat(chat.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, msg.ID, got.Messages[1].ID)
	assert.NotEqual(t, "Rendering video...", got.Messages[1].Content)
}

func TestMediaPhotoUsesParticipantAvatarsAndHeights(t *testing.T) {
	h := newHarness(t)
	chat := mediaChat(t, h)

	msg, err := h.svc.GenerateMedia(context.Background(), chat.ID, core.MediaPhoto)
	require.NoError(t, err)
	assert.Equal(t, "Photo from the scene:", msg.Content)
	assert.Equal(t, "data:image/png;base64,AAAA", msg.ImageURL)
	assert.Equal(t, "Alice", msg.SenderName)

	require.Len(t, h.images.requests, 1)
	req := h.images.requests[0]
	assert.Equal(t, "two friends at a cafe", req.Prompt)
	assert.Equal(t, []string{"data:image/png;base64,QUJD"}, req.References)
	assert.Equal(t, []string{"Name: Alice, Height: 1700mm, Appearance: Alice persona"}, h.scenes.descriptions)

	h.sync(t)
	persisted := h.persist.chats(t)
	require.Len(t, persisted[0].Messages, 2)
	assert.Equal(t, "Photo from the scene:", persisted[0].Messages[1].Content)
}

func TestMediaFailureRollsBackPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.images.err = errBoom
	chat := mediaChat(t, h)
	before := len(chat.Messages)

	_, err := h.svc.GenerateMedia(context.Background(), chat.ID, core.MediaPhoto)
	require.ErrorIs(t, err, core.ErrMediaGenerationFailed)

	got, _ := h.svc.Chat(chat.ID)
	assert.Len(t, got.Messages, before)
}

func TestMediaQuotaIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.images.err = fmt.Errorf("%w: 429", core.ErrQuotaExceeded)
	chat := mediaChat(t, h)

	_, err := h.svc.GenerateMedia(context.Background(), chat.ID, core.MediaPhoto)
	assert.ErrorIs(t, err, core.ErrMediaGenerationFailed)
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)
}

func TestMediaVideoRetriesOnceAfterCredentialSelection(t *testing.T) {
	h := newHarness(t)
	h.videos.submitErr = []error{core.ErrCredentialSelectionRequired}
	chat := mediaChat(t, h)

	msg, err := h.svc.GenerateMedia(context.Background(), chat.ID, core.MediaVideo)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.VideoURL)
	assert.Equal(t, 1, h.creds.calls)
	assert.Equal(t, 2, h.videos.submits)
}

func TestMediaVideoGivesUpAfterSecondCredentialFailure(t *testing.T) {
	h := newHarness(t)
	h.videos.submitErr = []error{core.ErrCredentialSelectionRequired, core.ErrCredentialSelectionRequired}
	chat := mediaChat(t, h)
	before := len(chat.Messages)

	_, err := h.svc.GenerateMedia(context.Background(), chat.ID, core.MediaVideo)
	require.ErrorIs(t, err, core.ErrMediaGenerationFailed)
	assert.Equal(t, 1, h.creds.calls)

	got, _ := h.svc.Chat(chat.ID)
	assert.Len(t, got.Messages, before)
}

func TestMediaVideoStopsWhenContextEnds(t *testing.T) {
	h := newHarness(t)
	h.videos.pending = 1000
	chat := mediaChat(t, h)

	job := core.NewMediaJob(core.MediaJobConfig{
		State:  h.state,
		Videos: h.videos,
		Sleep: func(context.Context, time.Duration) error {
			return context.Canceled
		},
	})
	_, err := job.Run(context.Background(), chat.ID, core.MediaVideo)
	assert.ErrorIs(t, err, core.ErrMediaGenerationFailed)

	got, _ := h.svc.Chat(chat.ID)
	assert.Len(t, got.Messages, len(chat.Messages))
}

func TestBackgroundFailureLeavesChatUnchanged(t *testing.T) {
	h := newHarness(t)
	chat := mediaChat(t, h)

	updated, err := h.svc.GenerateBackground(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", updated.BackgroundURL)
	assert.Equal(t, "16:9", h.images.requests[0].AspectRatio)

	h.images.err = errBoom
	h.images.url = ""
	again, err := h.svc.GenerateBackground(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", again.BackgroundURL)
}

func TestCharacterDescription(t *testing.T) {
	assert.Equal(t, "Name: Bo, Height: 1700mm, Appearance: tall hat",
		core.CharacterDescription(store.Character{Name: "Bo", Description: "tall hat"}))
}
