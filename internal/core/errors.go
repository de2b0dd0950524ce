package core

import "errors"

var (
	// ErrQuotaExceeded means the provider rate limit was hit. Surfaced as a banner.
	ErrQuotaExceeded = errors.New("request quota exceeded, please wait a minute before the next message")
	// ErrGenerationFailed covers every other provider failure.
	ErrGenerationFailed            = errors.New("generation failed")
	ErrCredentialSelectionRequired = errors.New("credential selection required")
	ErrMediaGenerationFailed       = errors.New("media generation failed")

	ErrNotLoaded           = errors.New("state is not loaded yet")
	ErrChatNotFound        = errors.New("chat not found")
	ErrCharacterNotFound   = errors.New("character not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrGalleryItemNotFound = errors.New("gallery item not found")
	ErrEmptyMessage        = errors.New("message has neither text nor image")
	ErrNoParticipants      = errors.New("chat needs at least one participant")
	ErrInvalidGalleryItem  = errors.New("gallery item needs a known type and a url")
	ErrInvalidCharacter    = errors.New("character needs a name")
)
