// Package webhook receives helpdesk event callbacks over HTTP and feeds
// them into the reconciliation engine.
package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/helptp-io/relay/internal/dedup"
	"github.com/helptp-io/relay/internal/reconcile"
	"github.com/helptp-io/relay/internal/ticket"
)

// Config holds webhook endpoint configuration.
type Config struct {
	// SecretHeader names the header carrying the shared secret
	// (default "x-api-key").
	SecretHeader string
	// Secret is the shared secret the helpdesk sends. Empty disables
	// auth (local development only).
	Secret string
}

// Reconciler is the subset of the engine the handler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, ticketID string, body map[string]any) (*reconcile.Outcome, error)
}

// Handler is the HTTP handler for helpdesk event callbacks.
type Handler struct {
	config Config
	engine Reconciler
	seen   *dedup.Cache
	logger *slog.Logger
}

// New creates a webhook handler. The dedup cache is shared state owned
// by the caller; the poller and webhook must not suppress each other's
// events, so each ingress gets its own cache.
func New(cfg Config, engine Reconciler, seen *dedup.Cache, logger *slog.Logger) *Handler {
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = "x-api-key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config: cfg,
		engine: engine,
		seen:   seen,
		logger: logger,
	}
}

// ticketIDKeys are probed in order; helpdesk payload shape varies by
// event source and API version.
var ticketIDKeys = []string{"ticket_id", "TicketId", "taskId", "Id", "id"}

// ServeHTTP handles POST callbacks from the helpdesk.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authenticate(r) {
		h.logger.Warn("webhook auth failed", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Byte-identical redeliveries are dropped before any parsing: the
	// helpdesk retries callbacks on slow responses.
	if h.seen.Seen(dedup.Fingerprint(body)) {
		h.logger.Debug("duplicate event dropped", "bytes", len(body))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	ticketID := extractTicketID(event)
	if ticketID == "" {
		h.logger.Warn("event without ticket id", "bytes", len(body))
		http.Error(w, "missing ticket id", http.StatusBadRequest)
		return
	}

	out, err := h.engine.Reconcile(r.Context(), ticketID, event)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			// Events for tickets created outside the relay are normal.
			h.logger.Debug("event for unmanaged ticket", "ticket", ticketID)
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown ticket"})
			return
		}
		h.logger.Error("reconcile failed", "ticket", ticketID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"ok":             true,
		"ticket_id":      out.TicketID,
		"status_changed": out.StatusChanged,
		"effects":        len(out.Effects),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.config.Secret == "" {
		return true
	}
	got := r.Header.Get(h.config.SecretHeader)
	return hmac.Equal([]byte(got), []byte(h.config.Secret))
}

// extractTicketID probes the known id keys, accepting numbers and
// strings.
func extractTicketID(event map[string]any) string {
	for _, key := range ticketIDKeys {
		switch v := event[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Encode failures here mean the client hung up; nothing to do.
	_ = json.NewEncoder(w).Encode(body)
}
