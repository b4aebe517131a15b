// Package textnorm converts helpdesk-supplied rich text into comparable
// plain text. All functions are pure and total: unparseable input degrades
// to best-effort plain text or the empty string, never an error.
package textnorm

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var (
	reBreakTag    = regexp.MustCompile(`(?i)<br\s*/?>`)
	reVendorTag   = regexp.MustCompile(`</?intradesk[-\w:]+[^>]*>`)
	reAnyTag      = regexp.MustCompile(`<[^>]+>`)
	reCRLF        = regexp.MustCompile(`\r\n?`)
	reHorizSpace  = regexp.MustCompile(`[ \t]+`)
	reBlankRuns   = regexp.MustCompile(`\n{3,}`)
	reInvisible   = regexp.MustCompile("[​‌‍︎️]")
	reAnyWhite    = regexp.MustCompile(`\s+`)
)

// Clean strips helpdesk markup from raw text: a surrounding quote wrapper,
// <br> line breaks, vendor pseudo-tags, then any remaining tags. Entities
// are decoded, line endings unified, blank-line runs collapsed to one and
// horizontal whitespace runs to a single space.
func Clean(raw string) string {
	if raw == "" {
		return ""
	}
	t := raw
	if len(t) >= 2 && t[0] == '"' && t[len(t)-1] == '"' {
		t = t[1 : len(t)-1]
	}
	t = reBreakTag.ReplaceAllString(t, "\n")
	t = reVendorTag.ReplaceAllString(t, "")
	t = reAnyTag.ReplaceAllString(t, "")
	t = html.UnescapeString(t)
	t = reCRLF.ReplaceAllString(t, "\n")
	t = reHorizSpace.ReplaceAllString(t, " ")
	t = reBlankRuns.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}

// Soft is the comparison form: invisible formatting marks (zero-width
// joiners, variation selectors) removed, all whitespace collapsed to a
// single space, lower-cased. Used as the stored fingerprint form.
func Soft(s string) string {
	if s == "" {
		return ""
	}
	t := reInvisible.ReplaceAllString(s, "")
	t = reCRLF.ReplaceAllString(t, "\n")
	t = reAnyWhite.ReplaceAllString(t, " ")
	return strings.ToLower(strings.TrimSpace(t))
}

// Strict reduces a string to its alphanumeric runes only, via Soft first.
// Used for substring containment checks where punctuation and spacing
// differences must not matter.
func Strict(s string) string {
	soft := Soft(s)
	var b strings.Builder
	b.Grow(len(soft))
	for _, r := range soft {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
