package telegram

import (
	"fmt"
	"strings"
)

// DefaultMessageLimit is the per-message character budget used when the
// configured limit is zero. Telegram caps messages at 4096 characters;
// the margin leaves room for continuation prefixes and HTML entities.
const DefaultMessageLimit = 3500

// Chunk splits text into messages that fit the limit, preferring to cut
// at paragraph, then line, then word boundaries. Continuation chunks are
// prefixed so a reader can reassemble the order.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := splitPoint(runes, limit)
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}

	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) <= 1 {
		return out
	}
	for i := 1; i < len(out); i++ {
		out[i] = fmt.Sprintf("(продолжение %d/%d)\n%s", i+1, len(out), out[i])
	}
	return out
}

// splitPoint finds the best cut index at or before limit. Boundary
// preference: blank line, newline, space; a hard cut only when the text
// has no break at all.
func splitPoint(runes []rune, limit int) int {
	window := string(runes[:limit])
	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return len([]rune(window[:idx+len(sep)]))
		}
	}
	return limit
}

// EscapeHTML escapes the characters Telegram's HTML parse mode treats
// specially.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
