package config

import (
	"fmt"
	"strconv"
)

// Role is the semantic category a backend status code maps to. Status IDs
// vary per helpdesk deployment, so the mapping is configuration, not code.
type Role int

const (
	RoleOther Role = iota
	RoleOpen
	RoleReopen // parked states a user comment should pull back to work
	RoleNotify // needs clarification from the user
	RoleFinal  // terminal
)

func (r Role) String() string {
	switch r {
	case RoleOpen:
		return "open"
	case RoleReopen:
		return "reopen"
	case RoleNotify:
		return "needs-clarification"
	case RoleFinal:
		return "final"
	default:
		return "other"
	}
}

// StatusConfig is the configured status taxonomy. ReopenOnComment maps a
// status id (JSON object keys are strings) to the status a user comment
// should move the ticket to.
type StatusConfig struct {
	Open            int            `json:"open"`
	Reopen          []int          `json:"reopen,omitempty"`
	Notify          []int          `json:"notify,omitempty"`
	Final           []int          `json:"final,omitempty"`
	RatingFinal     []int          `json:"rating_final,omitempty"`
	ReopenOnComment map[string]int `json:"reopen_on_comment,omitempty"`
}

func (s *StatusConfig) validate() error {
	if s.Open == 0 {
		return fmt.Errorf("statuses.open is required")
	}
	finals := toSet(s.Final)
	for _, id := range s.Notify {
		if _, clash := finals[id]; clash {
			// Notify and final must be disjoint so a single transition
			// never fires both prompts.
			return fmt.Errorf("statuses: %d is in both notify and final", id)
		}
	}
	for _, id := range s.RatingFinal {
		if _, ok := finals[id]; !ok {
			return fmt.Errorf("statuses: rating_final %d is not in final", id)
		}
	}
	for k := range s.ReopenOnComment {
		if _, err := strconv.Atoi(k); err != nil {
			return fmt.Errorf("statuses: reopen_on_comment key %q is not a status id", k)
		}
	}
	return nil
}

// Taxonomy answers role questions about status codes. Built once from a
// validated StatusConfig; read-only afterwards.
type Taxonomy struct {
	open        int
	reopen      map[int]struct{}
	notify      map[int]struct{}
	final       map[int]struct{}
	ratingFinal map[int]struct{}
	reopenMap   map[int]int
}

// NewTaxonomy builds a Taxonomy from configuration.
func NewTaxonomy(s StatusConfig) *Taxonomy {
	t := &Taxonomy{
		open:        s.Open,
		reopen:      toSet(s.Reopen),
		notify:      toSet(s.Notify),
		final:       toSet(s.Final),
		ratingFinal: toSet(s.RatingFinal),
		reopenMap:   make(map[int]int, len(s.ReopenOnComment)),
	}
	for k, v := range s.ReopenOnComment {
		if id, err := strconv.Atoi(k); err == nil {
			t.reopenMap[id] = v
		}
	}
	return t
}

// RoleOf maps a status code to its semantic role. Final wins over the
// other sets; validation keeps notify out of final entirely.
func (t *Taxonomy) RoleOf(status int) Role {
	switch {
	case t.contains(t.final, status):
		return RoleFinal
	case t.contains(t.notify, status):
		return RoleNotify
	case t.contains(t.reopen, status):
		return RoleReopen
	case status == t.open:
		return RoleOpen
	default:
		return RoleOther
	}
}

// IsFinal reports whether status is terminal.
func (t *Taxonomy) IsFinal(status int) bool { return t.contains(t.final, status) }

// RatingEligible reports whether a final status should trigger the
// rating prompt (cancellations are final but not rated).
func (t *Taxonomy) RatingEligible(status int) bool { return t.contains(t.ratingFinal, status) }

// OpenStatus returns the configured open status id.
func (t *Taxonomy) OpenStatus() int { return t.open }

// FinalStatuses returns the terminal status ids. Order is unspecified.
func (t *Taxonomy) FinalStatuses() []int {
	out := make([]int, 0, len(t.final))
	for id := range t.final {
		out = append(out, id)
	}
	return out
}

// ReopenTarget returns the status a user comment should transition the
// ticket to. The explicit map takes precedence; any reopen-role status
// falls back to open.
func (t *Taxonomy) ReopenTarget(current int) (int, bool) {
	if to, ok := t.reopenMap[current]; ok {
		return to, true
	}
	if t.contains(t.reopen, current) {
		return t.open, true
	}
	return 0, false
}

func (t *Taxonomy) contains(set map[int]struct{}, status int) bool {
	_, ok := set[status]
	return ok
}

func toSet(ids []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
