package core

import "strings"

const (
	silenceToken     = "[SILENCE]"
	imageTokenPrefix = "[GEN_IMG:"
)

// Directive is the outcome of parsing a finalized reply.
type Directive interface {
	directive()
}

// PlainText is an ordinary reply.
type PlainText struct {
	Text string
}

// SilenceDirective means the character chose not to speak.
type SilenceDirective struct{}

// ImageDirective asks for an image of Prompt. Text is the reply with the
// directive removed.
type ImageDirective struct {
	Text   string
	Prompt string
}

func (PlainText) directive()        {}
func (SilenceDirective) directive() {}
func (ImageDirective) directive()   {}

// ParseDirectives classifies a finalized reply. Only the first image directive
// is honoured; action markup such as *smiles* is left alone.
func ParseDirectives(text string) Directive {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.Contains(trimmed, silenceToken) {
		return SilenceDirective{}
	}

	prompt, rest, ok := cutImageDirective(trimmed)
	if !ok {
		return PlainText{Text: trimmed}
	}
	if prompt == "" {
		if rest == "" {
			return SilenceDirective{}
		}
		return PlainText{Text: rest}
	}
	return ImageDirective{Text: rest, Prompt: prompt}
}

// cutImageDirective removes the first single-line [GEN_IMG: ...] token.
func cutImageDirective(text string) (prompt, rest string, ok bool) {
	offset := 0
	for {
		start := strings.Index(text[offset:], imageTokenPrefix)
		if start < 0 {
			return "", "", false
		}
		start += offset
		body := text[start+len(imageTokenPrefix):]
		end := strings.IndexAny(body, "]\n")
		if end >= 0 && body[end] == ']' {
			prompt = strings.TrimSpace(body[:end])
			rest = strings.TrimSpace(text[:start] + body[end+1:])
			return prompt, rest, true
		}
		// Unterminated on this line; look for a later token.
		offset = start + len(imageTokenPrefix)
	}
}
