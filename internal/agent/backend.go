// Package agent drives model exchanges for the assessment dialogue.
package agent

import (
	"context"
	"iter"
	"strings"

	"github.com/ashureev/evalstream/internal/domain"
)

// Turn is one prior message passed to the backend as history.
type Turn struct {
	Role domain.Role
	Text string
}

// Request is the input of a single exchange.
type Request struct {
	Text              string
	Language          domain.Language
	History           []Turn
	SystemInstruction string
}

// Fragment is one incremental piece of streamed model output.
type Fragment struct {
	Text string
}

// Generator streams model output for a request.
// Implemented by GeminiGenerator and GrpcGenerator.
type Generator interface {
	// Stream opens one exchange. The sequence ends when the backend closes
	// the stream; an error element terminates it.
	Stream(ctx context.Context, req Request) iter.Seq2[*Fragment, error]

	// Close releases resources.
	Close() error
}

// BuildHistory converts conversation messages into backend history.
// Messages still streaming and messages with blank text are skipped.
func BuildHistory(messages []domain.Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		if m.Streaming || strings.TrimSpace(m.Text) == "" {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Text: m.Text})
	}
	return turns
}

// LanguageInstruction returns the directive pinning the reply language.
func LanguageInstruction(lang domain.Language) string {
	switch lang {
	case domain.LanguageThai:
		return "CRITICAL: YOU MUST SPEAK THAI ONLY. Respond in natural, professional Thai."
	case domain.LanguageVietnamese:
		return "CRITICAL: YOU MUST SPEAK VIETNAMESE ONLY. Respond in natural, professional Vietnamese."
	default:
		return "CRITICAL: SPEAK ENGLISH ONLY. Professional and energetic tone."
	}
}

// composeInstruction wraps the base prompt with the language directive on both sides.
func composeInstruction(lang domain.Language, base string) string {
	li := LanguageInstruction(lang)
	var b strings.Builder
	b.WriteString(li)
	if base != "" {
		b.WriteString("\n\n")
		b.WriteString(base)
	}
	b.WriteString("\n\nIMPORTANT REMINDER: ")
	b.WriteString(li)
	return b.String()
}
