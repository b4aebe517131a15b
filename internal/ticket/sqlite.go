package ticket

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helptp-io/relay/internal/textnorm"
	"github.com/helptp-io/relay/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// WAL lets the webhook and poller read concurrently with writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			ticket_id             TEXT PRIMARY KEY,
			task_number           TEXT NOT NULL DEFAULT '',
			chat_id               INTEGER NOT NULL,
			thread_id             INTEGER NOT NULL DEFAULT 0,
			user_id               INTEGER NOT NULL DEFAULT 0,
			reply_to              INTEGER NOT NULL DEFAULT 0,
			prompt_message_id     INTEGER NOT NULL DEFAULT 0,
			status                INTEGER NOT NULL,
			status_changed_at     TEXT NOT NULL DEFAULT '',
			notified_status       INTEGER,
			last_engineer_comment TEXT NOT NULL DEFAULT '',
			last_notified_reminder TEXT,
			last_updated          TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS user_comments (
			ticket_id    TEXT NOT NULL,
			comment_text TEXT NOT NULL,
			PRIMARY KEY (ticket_id, comment_text)
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(chat_id, user_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

const ticketColumns = `ticket_id, task_number, chat_id, thread_id, user_id, reply_to,
	prompt_message_id, status, status_changed_at, notified_status,
	last_engineer_comment, last_notified_reminder, last_updated`

func (s *SQLiteStore) Save(t *protocol.Ticket) error {
	var notified any
	if t.NotifiedStatus != nil {
		notified = *t.NotifiedStatus
	}
	var reminder any
	if t.LastNotifiedReminder != nil {
		reminder = t.LastNotifiedReminder.Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			task_number=excluded.task_number, chat_id=excluded.chat_id,
			thread_id=excluded.thread_id, user_id=excluded.user_id,
			reply_to=excluded.reply_to, prompt_message_id=excluded.prompt_message_id,
			status=excluded.status, status_changed_at=excluded.status_changed_at,
			notified_status=excluded.notified_status,
			last_engineer_comment=excluded.last_engineer_comment,
			last_notified_reminder=excluded.last_notified_reminder,
			last_updated=excluded.last_updated
	`, t.ID, t.TaskNumber, t.Binding.ChatID, t.Binding.ThreadID, t.UserID, t.Binding.ReplyTo,
		t.PromptMessageID, t.Status, formatTime(t.StatusChangedAt), notified,
		t.LastEngineerComment, reminder, t.LastUpdated)
	if err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket store: get %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListExcluding(statuses []int) ([]*protocol.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status NOT IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) OpenFor(chatID, userID int64, finalStatuses []int) (string, error) {
	query := `SELECT ticket_id FROM tickets WHERE chat_id = ? AND user_id = ?`
	args := []any{chatID, userID}
	if len(finalStatuses) > 0 {
		query += ` AND status NOT IN (` + placeholders(len(finalStatuses)) + `)`
		for _, st := range finalStatuses {
			args = append(args, st)
		}
	}
	query += ` LIMIT 1`

	var id string
	err := s.db.QueryRow(query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ticket store: open for: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateStatus(id string, status int, changedAt time.Time) error {
	return s.update(id, `UPDATE tickets SET status = ?, status_changed_at = ? WHERE ticket_id = ?`,
		status, formatTime(changedAt), id)
}

func (s *SQLiteStore) SetNotifiedStatus(id string, status int) error {
	return s.update(id, `UPDATE tickets SET notified_status = ? WHERE ticket_id = ?`, status, id)
}

func (s *SQLiteStore) SetEngineerComment(id, text string) error {
	return s.update(id, `UPDATE tickets SET last_engineer_comment = ? WHERE ticket_id = ?`, text, id)
}

func (s *SQLiteStore) SetPromptMessageID(id string, messageID int) error {
	return s.update(id, `UPDATE tickets SET prompt_message_id = ? WHERE ticket_id = ?`, messageID, id)
}

func (s *SQLiteStore) SetReminder(id string, at time.Time) error {
	return s.update(id, `UPDATE tickets SET last_notified_reminder = ? WHERE ticket_id = ?`,
		at.Format(time.RFC3339), id)
}

func (s *SQLiteStore) SetLastUpdated(id, stamp string) error {
	return s.update(id, `UPDATE tickets SET last_updated = ? WHERE ticket_id = ?`, stamp, id)
}

func (s *SQLiteStore) SetReplyAnchor(id string, messageID int) error {
	return s.update(id, `UPDATE tickets SET reply_to = ? WHERE ticket_id = ?`, messageID, id)
}

func (s *SQLiteStore) AddFingerprint(ticketID, text string) error {
	norm := textnorm.Soft(text)
	if norm == "" {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO user_comments (ticket_id, comment_text) VALUES (?, ?)`,
		ticketID, norm)
	if err != nil {
		return fmt.Errorf("ticket store: add fingerprint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Fingerprints(ticketID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT comment_text FROM user_comments WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: fingerprints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("ticket store: fingerprints scan: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearFingerprints(ticketID string) error {
	_, err := s.db.Exec(`DELETE FROM user_comments WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return fmt.Errorf("ticket store: clear fingerprints: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB returns the underlying database connection (for testing).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- helpers ---

func (s *SQLiteStore) update(id, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("ticket store: update: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket store: update %q: %w", id, ErrNotFound)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var changedAt, lastUpdated string
	var notified sql.NullInt64
	var reminder sql.NullString

	err := row.Scan(&t.ID, &t.TaskNumber, &t.Binding.ChatID, &t.Binding.ThreadID, &t.UserID,
		&t.Binding.ReplyTo, &t.PromptMessageID, &t.Status, &changedAt, &notified,
		&t.LastEngineerComment, &reminder, &lastUpdated)
	if err != nil {
		return nil, err
	}

	if changedAt != "" {
		t.StatusChangedAt, _ = time.Parse(time.RFC3339, changedAt)
	}
	if notified.Valid {
		v := int(notified.Int64)
		t.NotifiedStatus = &v
	}
	if reminder.Valid && reminder.String != "" {
		if at, err := time.Parse(time.RFC3339, reminder.String); err == nil {
			t.LastNotifiedReminder = &at
		}
	}
	t.LastUpdated = lastUpdated
	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
