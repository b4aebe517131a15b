package helpdesk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		URL:       srv.URL,
		APIKey:    "k3y",
		AuthToken: "t0ken",
	}, nil)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return m
}

// blocks returns the decoded {"value": ...} payload of one block field.
func blockOf(t *testing.T, body map[string]any, field string) any {
	t.Helper()
	blocks, ok := body["blocks"].(map[string]any)
	if !ok {
		t.Fatalf("no blocks in request: %v", body)
	}
	raw, ok := blocks[field].(string)
	if !ok {
		t.Fatalf("block %q missing: %v", field, blocks)
	}
	var wrapper map[string]any
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		t.Fatalf("block %q is not encoded JSON: %v", field, err)
	}
	return wrapper["value"]
}

func TestCreateTicket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if !strings.Contains(r.URL.String(), "ApiKey=k3y") {
			t.Error("missing ApiKey parameter")
		}
		if r.Header.Get("Authorization") != "Bearer t0ken" {
			t.Error("missing bearer token")
		}

		body := decodeBody(t, r)
		if got := blockOf(t, body, "name"); got != "Заявка из Telegram" {
			t.Errorf("name block = %v", got)
		}
		if got := blockOf(t, body, "priority"); got != float64(3) {
			t.Errorf("priority block = %v", got)
		}
		if body["Channel"] != "telegram" {
			t.Errorf("Channel = %v", body["Channel"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"Id":        "t-17",
			"Number":    4482,
			"UpdatedAt": "2026-08-28T10:00:00Z",
			"Fields":    map[string]any{"status": 106939},
		})
	})

	got, err := c.CreateTicket(context.Background(), CreateRequest{
		Title:       "Заявка из Telegram",
		Description: "Не работает принтер",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID != "t-17" || got.TaskNumber != "4482" || got.Status != 106939 {
		t.Errorf("created = %+v", got)
	}
}

func TestCreateTicketMissingIdentity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	if _, err := c.CreateTicket(context.Background(), CreateRequest{Title: "x"}); err == nil {
		t.Fatal("expected error for response without Id/Number")
	}
}

func TestAddCommentWithReopen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		body := decodeBody(t, r)
		if body["id"] != "t-17" {
			t.Errorf("id = %v", body["id"])
		}
		if got := blockOf(t, body, "comment"); got != "Ещё не починили" {
			t.Errorf("comment block = %v", got)
		}
		if got := blockOf(t, body, "status"); got != float64(106939) {
			t.Errorf("status block = %v", got)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.AddComment(context.Background(), "t-17", "Ещё не починили", 106939); err != nil {
		t.Fatalf("add comment: %v", err)
	}
}

func TestAddCommentWithoutStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		blocks := body["blocks"].(map[string]any)
		if _, present := blocks["status"]; present {
			t.Error("status block written without a reopen target")
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.AddComment(context.Background(), "t-17", "текст", 0); err != nil {
		t.Fatalf("add comment: %v", err)
	}
}

func TestSetEvaluation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		val := blockOf(t, body, "evaluation").(map[string]any)
		if val["value"] != float64(5) || val["text"] != "Отлично" {
			t.Errorf("evaluation = %v", val)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.SetEvaluation(context.Background(), "t-17", 5); err != nil {
		t.Fatalf("set evaluation: %v", err)
	}
	if err := c.SetEvaluation(context.Background(), "t-17", 9); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestSnapshot(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "filter") {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"status": float64(106946), "updatedat": "2026-08-28T11:00:00Z"}},
		})
	})

	snap, err := c.Snapshot(context.Background(), "t-17")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap["status"] != float64(106946) {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestSnapshotMissingTicket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{}})
	})
	snap, err := c.Snapshot(context.Background(), "ghost")
	if err != nil || snap != nil {
		t.Fatalf("snapshot = %v, %v; want nil, nil", snap, err)
	}
}

func TestAPIErrorSurfacesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	})
	err := c.AddComment(context.Background(), "t-17", "x", 0)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v", err)
	}
}
