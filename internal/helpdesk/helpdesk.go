// Package helpdesk is the HTTP client for the ticketing backend. The
// backend's write API wraps every field in a "blocks" object whose
// values are JSON-encoded strings; reads go through a separate OData
// endpoint.
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds backend connection settings.
type Config struct {
	URL         string // base URL, no trailing slash
	TasklistURL string // OData read endpoint
	APIKey      string // sent as the ApiKey query parameter
	AuthToken   string // sent as a bearer token
}

// Client talks to the ticketing backend.
type Client struct {
	client *http.Client
	config Config
	logger *slog.Logger
}

// New creates a backend client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.TasklistURL == "" {
		cfg.TasklistURL = cfg.URL + "/tasklist/odata/v3/tasks"
	}
	return &Client{
		client: &http.Client{Timeout: 30 * time.Second},
		config: cfg,
		logger: logger,
	}
}

// CreateRequest describes a new ticket.
type CreateRequest struct {
	Title       string
	Description string
	Channel     string // e.g. "telegram"
}

// Created is the backend's answer to a ticket creation.
type Created struct {
	ID         string
	TaskNumber string
	Status     int
	UpdatedAt  string
}

// blockValue encodes a field the way the write API expects: a string
// holding {"value": <json>}.
func blockValue(v any) (string, error) {
	inner, err := json.Marshal(map[string]any{"value": v})
	if err != nil {
		return "", err
	}
	return string(inner), nil
}

func (c *Client) writeURL() string {
	return c.config.URL + "/changes/v3/tasks?ApiKey=" + url.QueryEscape(c.config.APIKey)
}

// CreateTicket creates a ticket and returns its backend identity.
func (c *Client) CreateTicket(ctx context.Context, req CreateRequest) (*Created, error) {
	blocks := map[string]string{}
	for field, v := range map[string]any{
		"name":        req.Title,
		"description": req.Description,
		"priority":    3,
	} {
		enc, err := blockValue(v)
		if err != nil {
			return nil, fmt.Errorf("helpdesk: encode %s: %w", field, err)
		}
		blocks[field] = enc
	}

	channel := req.Channel
	if channel == "" {
		channel = "telegram"
	}
	body := map[string]any{
		"blocks":  blocks,
		"Channel": channel,
	}

	respBody, err := c.do(ctx, http.MethodPost, c.writeURL(), body)
	if err != nil {
		return nil, fmt.Errorf("helpdesk: create ticket: %w", err)
	}

	var resp struct {
		ID     any            `json:"Id"`
		Number any            `json:"Number"`
		Fields map[string]any `json:"Fields"`
		// Backend timestamps are opaque strings compared for equality.
		UpdatedAt string `json:"UpdatedAt"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("helpdesk: decode create response: %w", err)
	}

	created := &Created{
		ID:         anyToString(resp.ID),
		TaskNumber: anyToString(resp.Number),
		UpdatedAt:  resp.UpdatedAt,
	}
	if created.ID == "" || created.TaskNumber == "" {
		return nil, fmt.Errorf("helpdesk: create response lacks Id/Number: %s", respBody)
	}
	if st, ok := resp.Fields["status"].(float64); ok {
		created.Status = int(st)
	}
	return created, nil
}

// AddComment appends a user comment to a ticket. A non-zero newStatus is
// written in the same request, used to pull parked tickets back to work.
func (c *Client) AddComment(ctx context.Context, ticketID, comment string, newStatus int) error {
	blocks := map[string]string{}
	enc, err := blockValue(comment)
	if err != nil {
		return fmt.Errorf("helpdesk: encode comment: %w", err)
	}
	blocks["comment"] = enc

	if newStatus != 0 {
		enc, err := blockValue(newStatus)
		if err != nil {
			return fmt.Errorf("helpdesk: encode status: %w", err)
		}
		blocks["status"] = enc
	}

	body := map[string]any{"id": ticketID, "blocks": blocks}
	if _, err := c.do(ctx, http.MethodPut, c.writeURL(), body); err != nil {
		return fmt.Errorf("helpdesk: add comment to %s: %w", ticketID, err)
	}
	return nil
}

// ratingText maps a 1..5 rating to the backend's evaluation wording.
func ratingText(rating int) string {
	switch rating {
	case 5:
		return "Отлично"
	case 4:
		return "Хорошо"
	case 3:
		return "Удовлетворительно"
	default:
		return "Плохо"
	}
}

// SetEvaluation writes the user's 1..5 rating on a completed ticket.
func (c *Client) SetEvaluation(ctx context.Context, ticketID string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("helpdesk: rating %d out of range", rating)
	}
	enc, err := blockValue(map[string]any{"value": rating, "text": ratingText(rating)})
	if err != nil {
		return fmt.Errorf("helpdesk: encode evaluation: %w", err)
	}
	body := map[string]any{
		"id":     ticketID,
		"blocks": map[string]string{"evaluation": enc},
	}
	if _, err := c.do(ctx, http.MethodPut, c.writeURL(), body); err != nil {
		return fmt.Errorf("helpdesk: set evaluation on %s: %w", ticketID, err)
	}
	return nil
}

// Snapshot fetches the current ticket state from the OData endpoint.
// The returned map is the raw backend shape, suitable for the payload
// extractors. A missing ticket yields (nil, nil).
func (c *Client) Snapshot(ctx context.Context, ticketID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("ApiKey", c.config.APIKey)
	q.Set("$filter", fmt.Sprintf("Id eq %s", ticketID))

	respBody, err := c.do(ctx, http.MethodGet, c.config.TasklistURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("helpdesk: snapshot %s: %w", ticketID, err)
	}

	var resp struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("helpdesk: decode snapshot: %w", err)
	}
	if len(resp.Value) == 0 {
		return nil, nil
	}
	return resp.Value[0], nil
}

func (c *Client) do(ctx context.Context, method, u string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, truncate(respBody, 512))
	}
	return respBody, nil
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
