package bot

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/helptp-io/relay/internal/config"
	"github.com/helptp-io/relay/internal/connector"
	"github.com/helptp-io/relay/internal/helpdesk"
	"github.com/helptp-io/relay/internal/textnorm"
	"github.com/helptp-io/relay/internal/ticket"
	"github.com/helptp-io/relay/pkg/protocol"
)

const (
	statusOpen   = 106939
	statusParked = 106940
	statusDone   = 106946
)

func testTaxonomy() *config.Taxonomy {
	return config.NewTaxonomy(config.StatusConfig{
		Open:            statusOpen,
		Reopen:          []int{statusParked},
		Final:           []int{statusDone},
		RatingFinal:     []int{statusDone},
		ReopenOnComment: map[string]int{"106940": statusOpen},
	})
}

type deskCall struct {
	op       string
	ticketID string
	comment  string
	status   int
	rating   int
}

type fakeDesk struct {
	mu     sync.Mutex
	calls  []deskCall
	onCall func(deskCall) // observation hook, runs under the lock
	fail   bool
}

func (f *fakeDesk) CreateTicket(_ context.Context, req helpdesk.CreateRequest) (*helpdesk.Created, error) {
	f.record(deskCall{op: "create", comment: req.Description})
	if f.fail {
		return nil, errors.New("backend down")
	}
	return &helpdesk.Created{ID: "t-new", TaskNumber: "4483", Status: statusOpen}, nil
}

func (f *fakeDesk) AddComment(_ context.Context, ticketID, comment string, newStatus int) error {
	f.record(deskCall{op: "comment", ticketID: ticketID, comment: comment, status: newStatus})
	if f.fail {
		return errors.New("backend down")
	}
	return nil
}

func (f *fakeDesk) SetEvaluation(_ context.Context, ticketID string, rating int) error {
	f.record(deskCall{op: "rate", ticketID: ticketID, rating: rating})
	return nil
}

func (f *fakeDesk) record(c deskCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.onCall != nil {
		f.onCall(c)
	}
}

func (f *fakeDesk) last() deskCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return deskCall{}
	}
	return f.calls[len(f.calls)-1]
}

type fakeTransport struct {
	mu    sync.Mutex
	texts []string
	edits []string
}

func (f *fakeTransport) Deliver(_ context.Context, _ protocol.ChatBinding, text string) (connector.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return connector.DeliveryResult{MessageID: len(f.texts)}, nil
}

func (f *fakeTransport) DeliverWithChoices(ctx context.Context, b protocol.ChatBinding, text string, _ [][]connector.Choice) (connector.DeliveryResult, error) {
	return f.Deliver(ctx, b, text)
}

func (f *fakeTransport) Edit(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) Delete(context.Context, int64, int) error { return nil }

func (f *fakeTransport) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func newTestBot(t *testing.T) (*Bot, ticket.Store, *fakeDesk, *fakeTransport) {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	desk := &fakeDesk{}
	tr := &fakeTransport{}
	b := New(store, desk, tr, testTaxonomy(), slog.New(slog.DiscardHandler))
	return b, store, desk, tr
}

func inbound(text string) connector.InboundMessage {
	m := connector.InboundMessage{
		ChatID:    -100500,
		MessageID: 42,
		UserID:    777,
		Username:  "ivan",
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		rest := strings.TrimPrefix(text, "/")
		cmd, args, _ := strings.Cut(rest, " ")
		m.Command = cmd
		m.CommandArgs = args
	}
	return m
}

func TestStartGreets(t *testing.T) {
	b, _, _, tr := newTestBot(t)
	if err := b.HandleMessage(context.Background(), inbound("/start")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(tr.lastText(), "/new") {
		t.Errorf("greeting = %q", tr.lastText())
	}
}

func TestNewTicketViaDraft(t *testing.T) {
	b, store, desk, tr := newTestBot(t)
	ctx := context.Background()

	if err := b.HandleMessage(ctx, inbound("/new")); err != nil {
		t.Fatalf("handle /new: %v", err)
	}
	if tr.lastText() != msgAskDescription {
		t.Fatalf("reply = %q", tr.lastText())
	}

	if err := b.HandleMessage(ctx, inbound("Не работает принтер")); err != nil {
		t.Fatalf("handle description: %v", err)
	}
	if desk.last().op != "create" {
		t.Fatalf("desk calls = %+v", desk.calls)
	}
	if !strings.Contains(tr.lastText(), "4483") {
		t.Errorf("confirmation = %q", tr.lastText())
	}

	got, err := store.Get("t-new")
	if err != nil {
		t.Fatalf("ticket not stored: %v", err)
	}
	if got.Status != statusOpen || got.Binding.ChatID != -100500 || got.UserID != 777 {
		t.Errorf("stored ticket = %+v", got)
	}

	// The description must be fingerprinted against future echoes.
	fps, err := store.Fingerprints("t-new")
	if err != nil {
		t.Fatalf("fingerprints: %v", err)
	}
	if len(fps) != 1 || fps[0] != textnorm.Soft("Не работает принтер") {
		t.Errorf("fingerprints = %v", fps)
	}
}

func TestNewTicketInline(t *testing.T) {
	b, _, desk, _ := newTestBot(t)
	if err := b.HandleMessage(context.Background(), inbound("/new Сломалась мышь")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if c := desk.last(); c.op != "create" || !strings.Contains(c.comment, "Сломалась мышь") {
		t.Fatalf("desk call = %+v", c)
	}
}

func TestCreateFailureIsReported(t *testing.T) {
	b, _, desk, tr := newTestBot(t)
	desk.fail = true
	if err := b.HandleMessage(context.Background(), inbound("/new Что-то сломалось")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if tr.lastText() != msgCreateFailed {
		t.Errorf("reply = %q", tr.lastText())
	}
}

func seed(t *testing.T, store ticket.Store, status int) {
	t.Helper()
	err := store.Save(&protocol.Ticket{
		ID:         "t-1",
		TaskNumber: "4482",
		Binding:    protocol.ChatBinding{ChatID: -100500, ReplyTo: 7},
		UserID:     777,
		Status:     status,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCommentForwardedWithFingerprintFirst(t *testing.T) {
	b, store, desk, _ := newTestBot(t)
	seed(t, store, statusOpen)

	// Observe the fingerprint set at the moment the backend write
	// happens: it must already contain the comment.
	var fpsAtWrite []string
	desk.onCall = func(c deskCall) {
		if c.op == "comment" {
			fpsAtWrite, _ = store.Fingerprints("t-1")
		}
	}

	if err := b.HandleMessage(context.Background(), inbound("Всё ещё не работает")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	c := desk.last()
	if c.op != "comment" || c.ticketID != "t-1" || c.comment != "Всё ещё не работает" {
		t.Fatalf("desk call = %+v", c)
	}
	if c.status != 0 {
		t.Errorf("open ticket must not carry a status change, got %d", c.status)
	}
	if len(fpsAtWrite) != 1 {
		t.Errorf("fingerprint recorded after backend write: %v", fpsAtWrite)
	}

	got, _ := store.Get("t-1")
	if got.Binding.ReplyTo != 42 {
		t.Errorf("reply anchor = %d", got.Binding.ReplyTo)
	}
}

func TestCommentReopensParkedTicket(t *testing.T) {
	b, store, desk, _ := newTestBot(t)
	seed(t, store, statusParked)

	if err := b.HandleMessage(context.Background(), inbound("Проблема вернулась")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if c := desk.last(); c.status != statusOpen {
		t.Fatalf("desk call = %+v, want reopen to %d", c, statusOpen)
	}
	got, _ := store.Get("t-1")
	if got.Status != statusOpen {
		t.Errorf("stored status = %d", got.Status)
	}
}

func TestCommentWithoutOpenTicket(t *testing.T) {
	b, _, desk, tr := newTestBot(t)
	if err := b.HandleMessage(context.Background(), inbound("Просто сообщение")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if desk.last().op != "" {
		t.Fatalf("desk called: %+v", desk.calls)
	}
	if tr.lastText() != msgNoOpenTickets {
		t.Errorf("reply = %q", tr.lastText())
	}
}

func TestRatingCallback(t *testing.T) {
	b, store, desk, tr := newTestBot(t)
	seed(t, store, statusDone)
	if err := store.SetPromptMessageID("t-1", 99); err != nil {
		t.Fatalf("seed prompt: %v", err)
	}

	cb := connector.InboundCallback{Data: "rate:t-1:5", ChatID: -100500, MessageID: 99, UserID: 777}
	if err := b.HandleCallback(context.Background(), cb); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if c := desk.last(); c.op != "rate" || c.rating != 5 {
		t.Fatalf("desk call = %+v", c)
	}
	if len(tr.edits) != 1 || tr.edits[0] != msgRated {
		t.Errorf("edits = %v", tr.edits)
	}
	got, _ := store.Get("t-1")
	if got.PromptMessageID != 0 {
		t.Errorf("prompt id not cleared: %d", got.PromptMessageID)
	}
}

func TestRatingFromWrongUserIgnored(t *testing.T) {
	b, store, desk, _ := newTestBot(t)
	seed(t, store, statusDone)

	cb := connector.InboundCallback{Data: "rate:t-1:5", ChatID: -100500, UserID: 123}
	if err := b.HandleCallback(context.Background(), cb); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if desk.last().op != "" {
		t.Fatalf("evaluation written for wrong user: %+v", desk.calls)
	}
}

func TestParseRating(t *testing.T) {
	cases := []struct {
		data   string
		id     string
		rating int
		ok     bool
	}{
		{"rate:t-1:5", "t-1", 5, true},
		{"rate:t-1:1", "t-1", 1, true},
		{"rate:t-1:0", "", 0, false},
		{"rate:t-1:6", "", 0, false},
		{"rate::3", "", 0, false},
		{"other:t-1:3", "", 0, false},
		{"rate:t-1", "", 0, false},
	}
	for _, c := range cases {
		id, rating, ok := parseRating(c.data)
		if id != c.id || rating != c.rating || ok != c.ok {
			t.Errorf("parseRating(%q) = %q, %d, %v", c.data, id, rating, ok)
		}
	}
}
