package store

import "time"

// Keys of the three persisted collections.
const (
	CharactersKey = "ai_rpg_chars"
	ChatsKey      = "ai_rpg_chats"
	GalleryKey    = "ai_rpg_gallery"
)

// UserSenderID marks messages written by the human user.
const UserSenderID = "user"

// DefaultHeightMM is used whenever a character has no height set.
const DefaultHeightMM = 1700

type Character struct {
	ID               string  `json:"id" yaml:"id"`
	Name             string  `json:"name" yaml:"name"`
	Description      string  `json:"description" yaml:"description"` // Persona, drives behaviour
	Bio              string  `json:"bio,omitempty" yaml:"bio"`
	Avatar           string  `json:"avatar" yaml:"avatar"`          // Data URI or URL
	Height           int     `json:"height,omitempty" yaml:"height"` // Millimetres
	Voice            string  `json:"voice,omitempty" yaml:"voice"`
	VoicePitch       float64 `json:"voicePitch,omitempty" yaml:"voicePitch"` // Detune in cents
	VoiceSpeed       float64 `json:"voiceSpeed,omitempty" yaml:"voiceSpeed"` // Playback rate
	Color            string  `json:"color" yaml:"color"`
	CreatedAt        int64   `json:"created_at" yaml:"-"`
	EvolutionContext string  `json:"evolutionContext,omitempty" yaml:"evolutionContext"`
}

// HeightOrDefault returns the character height in millimetres.
func (c Character) HeightOrDefault() int {
	if c.Height <= 0 {
		return DefaultHeightMM
	}
	return c.Height
}

type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"` // UserSenderID or a character ID
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	ImageURL   string `json:"imageUrl,omitempty"`
	VideoURL   string `json:"videoUrl,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	IsLoading  bool   `json:"isLoading,omitempty"` // Never persisted as true
}

type ChatSession struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Participants  []string  `json:"participants"` // Character IDs, fixed at creation
	Messages      []Message `json:"messages"`
	BackgroundURL string    `json:"backgroundUrl,omitempty"`
	LastUpdated   int64     `json:"lastUpdated"`
	IsNSFW        bool      `json:"isNSFW,omitempty"`
}

// Clone returns a deep copy safe to hand out to readers.
func (c *ChatSession) Clone() ChatSession {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

type GalleryKind string

const (
	GalleryImage      GalleryKind = "image"
	GalleryVideo      GalleryKind = "video"
	GalleryBackground GalleryKind = "background"
)

// Valid reports whether k is a known gallery kind.
func (k GalleryKind) Valid() bool {
	switch k {
	case GalleryImage, GalleryVideo, GalleryBackground:
		return true
	}
	return false
}

type GalleryItem struct {
	ID        string      `json:"id"`
	Type      GalleryKind `json:"type"`
	URL       string      `json:"url"`
	Caption   string      `json:"caption,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NowMillis returns the current time as Unix milliseconds, the unit of every
// persisted timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
