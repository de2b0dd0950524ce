package utils

import "strings"

// SpeakableText drops *action* spans and [bracketed] tags so only spoken
// words reach the speech synthesizer.
func SpeakableText(text string) string {
	text = stripDelimited(text, '*', '*')
	text = stripDelimited(text, '[', ']')
	return strings.Join(strings.Fields(text), " ")
}

// stripDelimited removes every open...close span. An unmatched opener is kept.
func stripDelimited(text string, open, close byte) string {
	var b strings.Builder
	b.Grow(len(text))
	for {
		start := strings.IndexByte(text, open)
		if start < 0 {
			break
		}
		end := strings.IndexByte(text[start+1:], close)
		if end < 0 {
			break
		}
		b.WriteString(text[:start])
		text = text[start+1+end+1:]
	}
	b.WriteString(text)
	return b.String()
}
