// Package protocol defines the data types shared across the relay:
// the locally mirrored ticket and its chat binding.
package protocol

import "time"

// ChatBinding says where chat messages for a ticket are delivered.
type ChatBinding struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int64 `json:"thread_id,omitempty"` // forum topic, 0 = none
	ReplyTo  int   `json:"reply_to,omitempty"`  // user's last message id, 0 = none
}

// Ticket is the local mirror of a helpdesk ticket: just enough state to
// reconcile backend events into chat messages. The backend owns the full
// ticket; rows here are never hard-deleted, status moves to a terminal
// value instead.
type Ticket struct {
	ID         string      `json:"id"`          // opaque backend identifier
	TaskNumber string      `json:"task_number"` // human-facing number ("#287")
	Binding    ChatBinding `json:"binding"`
	UserID     int64       `json:"user_id"` // chat user who opened the ticket

	Status          int       `json:"status"`
	StatusChangedAt time.Time `json:"status_changed_at"`

	// NotifiedStatus is the status a "needs your input" prompt was already
	// sent for; nil means none. Guards against re-notifying.
	NotifiedStatus *int `json:"notified_status,omitempty"`

	// LastEngineerComment is the most recently forwarded engineer text,
	// kept for change detection during polling.
	LastEngineerComment string `json:"last_engineer_comment,omitempty"`

	// LastNotifiedReminder is when the last reminder nudge went out.
	LastNotifiedReminder *time.Time `json:"last_notified_reminder,omitempty"`

	// PromptMessageID is the chat message id of an outstanding rating
	// prompt, recorded after delivery so it can be edited or removed.
	PromptMessageID int `json:"prompt_message_id,omitempty"`

	// LastUpdated is the backend's update watermark, stored opaquely.
	LastUpdated string `json:"last_updated,omitempty"`
}
