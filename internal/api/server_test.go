package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/helptp-io/relay/internal/logbuf"
	"github.com/helptp-io/relay/internal/ticket"
	"github.com/helptp-io/relay/pkg/protocol"
)

func newTestServer(t *testing.T, key string, logs LogTailer, webhook http.Handler) (*Server, ticket.Store) {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	srv := NewServer(store, webhook, Config{Host: "127.0.0.1", OperatorKey: key}, slog.New(slog.DiscardHandler), logs)
	return srv, store
}

func get(srv *Server, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "secret", nil, nil)

	// Health never requires auth.
	w := get(srv, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestOperatorAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret", nil, nil)

	if w := get(srv, "/api/tickets", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: code = %d", w.Code)
	}
	if w := get(srv, "/api/tickets", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: code = %d", w.Code)
	}
	if w := get(srv, "/api/tickets", "secret"); w.Code != http.StatusOK {
		t.Fatalf("right key: code = %d", w.Code)
	}
}

func TestListAndGetTickets(t *testing.T) {
	srv, store := newTestServer(t, "", nil, nil)
	err := store.Save(&protocol.Ticket{
		ID:         "t-1",
		TaskNumber: "4482",
		Binding:    protocol.ChatBinding{ChatID: -5},
		UserID:     7,
		Status:     106939,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := get(srv, "/api/tickets", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: code = %d", w.Code)
	}
	var tickets []*protocol.Ticket
	if err := json.Unmarshal(w.Body.Bytes(), &tickets); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(tickets) != 1 || tickets[0].ID != "t-1" {
		t.Fatalf("tickets = %+v", tickets)
	}

	// Excluding the ticket's status filters it out.
	w = get(srv, "/api/tickets?excluding=106939", "")
	if err := json.Unmarshal(w.Body.Bytes(), &tickets); err != nil {
		t.Fatalf("decode filtered list: %v", err)
	}
	if len(tickets) != 0 {
		t.Fatalf("filtered tickets = %+v", tickets)
	}

	if w := get(srv, "/api/tickets/t-1", ""); w.Code != http.StatusOK {
		t.Fatalf("get: code = %d", w.Code)
	}
	if w := get(srv, "/api/tickets/ghost", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing: code = %d", w.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	buf := logbuf.New(16)
	srv, _ := newTestServer(t, "", buf, nil)

	log := slog.New(logbuf.NewHandler(slog.NewTextHandler(io.Discard, nil), buf))
	log.Info("первое событие")
	log.Error("второе событие")

	w := get(srv, "/api/logs?level=error", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var entries []logbuf.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "второе событие" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestLogsWithoutBuffer(t *testing.T) {
	srv, _ := newTestServer(t, "", nil, nil)
	w := get(srv, "/api/logs", "")
	if w.Code != http.StatusOK || w.Body.String() == "" {
		t.Fatalf("code = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestWebhookMounted(t *testing.T) {
	called := false
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	srv, _ := newTestServer(t, "operator-key", nil, hook)

	// The webhook authenticates itself; the operator key must not gate it.
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if !called || w.Code != http.StatusOK {
		t.Fatalf("called = %v, code = %d", called, w.Code)
	}
}
