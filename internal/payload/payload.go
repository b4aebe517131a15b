// Package payload parses heterogeneous helpdesk event bodies. The same
// logical event arrives in several shapes: inline field-change event
// lists, a nested lifetime history, or flat top-level fields — any of
// which may itself be a JSON-encoded string, sometimes HTML-entity or
// backslash escaped. Extraction never fails: a shape that does not parse
// contributes nothing.
package payload

import (
	"encoding/json"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/helptp-io/relay/internal/textnorm"
)

// Candidate is one possible engineer comment with its provenance.
type Candidate struct {
	Text   string
	Source string // "events", "lifetime", or "field:<name>"
}

// fallbackFields are flat top-level keys probed when no structured shape
// yields a comment.
var fallbackFields = []string{"comment", "message", "engineer_text", "text"}

// Candidates extracts every plausible engineer comment from a decoded
// event body, de-duplicated by soft-normalized text with discovery order
// preserved (first seen wins). Texts are markup-cleaned.
func Candidates(body map[string]any) []Candidate {
	var out []Candidate
	seen := make(map[string]struct{})

	add := func(text, source string) {
		cleaned := textnorm.Clean(text)
		key := textnorm.Soft(cleaned)
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{Text: cleaned, Source: source})
	}

	for _, t := range fromEvents(body) {
		add(t, "events")
	}
	for _, t := range fromLifetime(body) {
		add(t, "lifetime")
	}
	for _, k := range fallbackFields {
		if s, ok := body[k].(string); ok && strings.TrimSpace(s) != "" {
			add(s, "field:"+k)
		}
	}
	return out
}

// Longest returns the candidate with the longest text, or false when the
// list is empty. Shorter duplicates are usually partial renderings of the
// same event.
func Longest(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if len(c.Text) > len(best.Text) {
			best = c
		}
	}
	return best, true
}

// Pick chooses the single comment a body acts on. A lifetime history
// carries every comment the ticket ever had, so its newest engineer entry
// wins there; inline change events describe only the triggering change,
// where the longest rendering wins.
func Pick(body map[string]any) (Candidate, bool) {
	if texts := fromLifetime(body); len(texts) > 0 {
		cleaned := textnorm.Clean(texts[0])
		if textnorm.Soft(cleaned) != "" {
			return Candidate{Text: cleaned, Source: "lifetime"}, true
		}
	}
	return Longest(Candidates(body))
}

// Status locates the event's ticket status. The field may be a bare
// number, a numeric string, an object with an id under one of several key
// spellings, or a string-encoded JSON object. Absence or garbage yields
// ok=false, never an error.
func Status(body map[string]any) (int, bool) {
	block := probe(fields(body), "status", "Status")
	if block == nil {
		return 0, false
	}

	switch v := block.(type) {
	case float64:
		return int(v), true
	case map[string]any:
		return statusFromObject(v)
	case string:
		if decoded := decodeLoose(v); decoded != nil {
			if obj, ok := decoded.(map[string]any); ok {
				if id, ok := statusFromObject(obj); ok {
					return id, true
				}
			}
			if f, ok := decoded.(float64); ok {
				return int(f), true
			}
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func statusFromObject(obj map[string]any) (int, bool) {
	for _, k := range []string{"Id", "id", "Value", "value"} {
		switch v := obj[k].(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// fromEvents probes the inline field-change list: Fields.Events entries
// tagged Block="comment", taking the new value.
func fromEvents(body map[string]any) []string {
	var out []string
	evs := probe(fields(body), "Events", "events")
	if evs == nil {
		return out
	}
	list, ok := decodeLoose(evs).([]any)
	if !ok {
		return out
	}
	for _, raw := range list {
		ev, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		block, _ := probe(ev, "Block", "block").(string)
		if !strings.EqualFold(strings.TrimSpace(block), "comment") {
			continue
		}
		if text, ok := probe(ev, "NewValue", "newValue", "New").(string); ok && strings.TrimSpace(text) != "" {
			out = append(out, text)
		}
	}
	return out
}

// fromLifetime probes the nested history shape: Fields.lifetime.Data is a
// list of dated entries, each holding its own events.Data list. Entries
// come back newest-first: the history accumulates over the ticket's whole
// life, and callers care about the most recent engineer comment.
func fromLifetime(body map[string]any) []string {
	var out []string
	lf := probe(fields(body), "lifetime", "Lifetime")
	if lf == nil {
		return out
	}
	obj, ok := decodeLoose(lf).(map[string]any)
	if !ok {
		return out
	}
	entries, ok := probe(obj, "Data", "data").([]any)
	if !ok {
		return out
	}
	// ISO timestamps order lexically.
	sort.SliceStable(entries, func(i, j int) bool {
		return entryTime(entries[i]) > entryTime(entries[j])
	})
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		evBlock, ok := probe(entry, "events", "Events").(map[string]any)
		if !ok {
			continue
		}
		evList, ok := probe(evBlock, "Data", "data").([]any)
		if !ok {
			continue
		}
		for _, er := range evList {
			ev, ok := er.(map[string]any)
			if !ok {
				continue
			}
			block, _ := probe(ev, "blockname", "Block", "block").(string)
			if !strings.EqualFold(strings.TrimSpace(block), "comment") {
				continue
			}
			// The history marks the author; client-authored entries are
			// the user's own words and never an engineer comment.
			if by, ok := probe(ev, "changedby", "changedBy").(string); ok && strings.Contains(by, "customer_") {
				continue
			}
			if text, ok := probe(ev, "stringvalue", "stringValue", "NewValue").(string); ok && strings.TrimSpace(text) != "" {
				out = append(out, text)
			}
		}
	}
	return out
}

func entryTime(raw any) string {
	entry, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	at, _ := probe(entry, "eventat", "EventAt", "eventAt").(string)
	return at
}

// decodeLoose resolves a value that may be a JSON-encoded string. Decode
// strategies are tried in order: as-is (non-string passes through),
// direct JSON, HTML-entity-unescaped JSON, backslash-unescaped JSON.
// All failures yield nil.
func decodeLoose(v any) any {
	s, isStr := v.(string)
	if !isStr {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return parsed
	}
	if err := json.Unmarshal([]byte(html.UnescapeString(s)), &parsed); err == nil {
		return parsed
	}
	// Backslash-escaped JSON: `[{\"Block\":\"comment\"}]`. Unquote fails
	// on anything that is not a valid escaped string, which is the point.
	if unq, err := strconv.Unquote(`"` + s + `"`); err == nil {
		if err := json.Unmarshal([]byte(unq), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

func fields(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	if f, ok := probe(body, "Fields", "fields").(map[string]any); ok {
		return f
	}
	// Polled snapshots are flat: status and lifetime sit at top level.
	return body
}

// probe returns the first present key's value.
func probe(m map[string]any, keys ...string) any {
	if m == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
