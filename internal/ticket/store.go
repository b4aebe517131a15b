package ticket

import (
	"errors"
	"time"

	"github.com/helptp-io/relay/pkg/protocol"
)

// ErrNotFound is returned when no ticket row exists for an id. Events for
// unmanaged tickets are a normal outcome, so callers match on this rather
// than treating every miss as a failure.
var ErrNotFound = errors.New("ticket not found")

// Store is the persistence interface for mirrored tickets and their
// user-comment fingerprint sets.
type Store interface {
	// Save creates or updates a ticket row.
	Save(t *protocol.Ticket) error
	// Get retrieves a ticket by id. Wraps ErrNotFound on a miss.
	Get(id string) (*protocol.Ticket, error)
	// ListExcluding returns tickets whose status is not in statuses.
	ListExcluding(statuses []int) ([]*protocol.Ticket, error)
	// OpenFor returns the id of a non-terminal ticket owned by the
	// (chat, user) pair, or "" when there is none.
	OpenFor(chatID, userID int64, finalStatuses []int) (string, error)

	// UpdateStatus records a new backend status and its transition time.
	UpdateStatus(id string, status int, changedAt time.Time) error
	// SetNotifiedStatus records that the needs-input prompt was sent for
	// this status.
	SetNotifiedStatus(id string, status int) error
	// SetEngineerComment records the last forwarded engineer text.
	SetEngineerComment(id, text string) error
	// SetPromptMessageID records (or clears, with 0) the chat message id
	// of an outstanding rating prompt.
	SetPromptMessageID(id string, messageID int) error
	// SetReminder records when the last reminder nudge was sent.
	SetReminder(id string, at time.Time) error
	// SetReplyAnchor records the user's latest chat message id.
	SetReplyAnchor(id string, messageID int) error
	// SetLastUpdated records the backend's opaque change stamp.
	SetLastUpdated(id, stamp string) error

	// AddFingerprint records a user-authored comment (stored in
	// soft-normalized form) for echo detection.
	AddFingerprint(ticketID, text string) error
	// Fingerprints returns the stored fingerprint set for a ticket.
	Fingerprints(ticketID string) ([]string, error)
	// ClearFingerprints empties a ticket's fingerprint set.
	ClearFingerprints(ticketID string) error
}
