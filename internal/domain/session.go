// Package domain contains core domain types for the assessment engine.
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Language is the active assessment language.
type Language string

const (
	LanguageEnglish    Language = "en"
	LanguageThai       Language = "th"
	LanguageVietnamese Language = "vi"
)

// ParseLanguage normalizes a language code. Unknown codes fall back to English.
func ParseLanguage(code string) Language {
	switch Language(strings.ToLower(strings.TrimSpace(code))) {
	case LanguageThai:
		return LanguageThai
	case LanguageVietnamese:
		return LanguageVietnamese
	default:
		return LanguageEnglish
	}
}

// FontSizes is the fixed set of display scales a session can select from.
var FontSizes = []string{"14px", "16px", "18px", "20px", "22px"}

// DefaultFontSizeIndex is the display scale used for new sessions.
const DefaultFontSizeIndex = 1

// ClampFontSizeIndex keeps idx inside FontSizes.
func ClampFontSizeIndex(idx int) int {
	if idx < 0 {
		return 0
	}
	if idx >= len(FontSizes) {
		return len(FontSizes) - 1
	}
	return idx
}

// Message is one turn of dialogue.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Streaming bool   `json:"streaming,omitempty"`
}

// NewMessage creates a message with a time-ordered identifier.
func NewMessage(role Role, text string) Message {
	return Message{
		ID:   NewMessageID(),
		Role: role,
		Text: text,
	}
}

// NewMessageID returns a UUIDv7 string. UUIDv7 sorts by creation time.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Handle identifies a remote assessment record. Zero means no record yet.
type Handle int64

// IsZero reports whether the handle has not been assigned.
func (h Handle) IsZero() bool {
	return h == 0
}

// SessionState is the full durable snapshot of a participant session.
type SessionState struct {
	Messages      []Message `json:"messages"`
	Score         int       `json:"score"`
	Language      Language  `json:"language"`
	FontSizeIndex int       `json:"font_size_index"`
	HeaderVisible bool      `json:"header_visible"`
	Handle        Handle    `json:"handle,omitempty"`
	Participant   string    `json:"participant,omitempty"`
	LastFeedback  string    `json:"last_feedback,omitempty"`
}

// NewSessionState returns the initial state shown at login.
func NewSessionState(lang Language) SessionState {
	return SessionState{
		Messages:      []Message{},
		Language:      lang,
		FontSizeIndex: DefaultFontSizeIndex,
		HeaderVisible: true,
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s SessionState) Clone() SessionState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// IsEmpty reports whether the snapshot holds no conversation.
func (s SessionState) IsEmpty() bool {
	return len(s.Messages) == 0
}
