// Package reconcile drives ticket state convergence: given a backend
// event payload (or a polled snapshot shaped like one), it extracts the
// engineer comment and status, filters user echoes, persists the
// transition and emits the chat-side effects the transition calls for.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helptp-io/relay/internal/config"
	"github.com/helptp-io/relay/internal/connector"
	"github.com/helptp-io/relay/internal/echo"
	"github.com/helptp-io/relay/internal/payload"
	"github.com/helptp-io/relay/internal/textnorm"
	"github.com/helptp-io/relay/internal/ticket"
)

// EffectKind names a chat-side action taken during a pass.
type EffectKind string

const (
	EffectForwardComment    EffectKind = "forward-comment"
	EffectNotifyPrompt      EffectKind = "notify-prompt"
	EffectRatingPrompt      EffectKind = "rating-prompt"
	EffectClearFingerprints EffectKind = "clear-fingerprints"
)

// Effect records one action performed during a pass.
type Effect struct {
	Kind EffectKind
	Text string // delivered text, empty for clear-fingerprints
}

// Outcome summarizes a completed pass over one ticket.
type Outcome struct {
	TicketID      string
	Status        int
	StatusChanged bool
	Comment       string // forwarded engineer text, "" if none
	Effects       []Effect
}

// User-facing prompt texts. The relay serves a Russian-speaking support
// desk; the chat side speaks the users' language.
const (
	notifyTextFmt = "⏳ Заявка №%s ожидает вашего ответа. Пожалуйста, уточните детали в этом чате, чтобы инженер мог продолжить работу."
	ratingTextFmt = "✅ Заявка №%s выполнена. Пожалуйста, оцените работу инженера от 1 до 5."
)

// Engine reconciles stored tickets against backend events. All state it
// touches is injected; it keeps nothing but per-ticket locks.
type Engine struct {
	store     ticket.Store
	taxonomy  *config.Taxonomy
	transport connector.Transport
	log       *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds an engine over the given store, status taxonomy and chat
// transport.
func New(store ticket.Store, tax *config.Taxonomy, transport connector.Transport, log *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		taxonomy:  tax,
		transport: transport,
		log:       log,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing passes for one ticket. Locks are
// never reclaimed; the ticket population is small and bounded.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Reconcile runs one pass for the ticket against the event body.
// Passes for the same ticket are serialized; concurrent passes for
// distinct tickets proceed independently.
//
// A miss in the store returns ticket.ErrNotFound (wrapped): events for
// tickets the relay does not mirror are expected and the caller decides
// how loudly to report them.
func (e *Engine) Reconcile(ctx context.Context, ticketID string, body map[string]any) (*Outcome, error) {
	l := e.lockFor(ticketID)
	l.Lock()
	defer l.Unlock()

	t, err := e.store.Get(ticketID)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			return nil, fmt.Errorf("reconcile: ticket %s: %w", ticketID, err)
		}
		return nil, fmt.Errorf("reconcile: load ticket %s: %w", ticketID, err)
	}

	out := &Outcome{TicketID: ticketID, Status: t.Status}

	// Comment extraction. The fingerprint set filters the user's own
	// words coming back from the backend; the last forwarded engineer
	// comment filters re-deliveries — polled snapshots repeat the whole
	// history, and only a comment that changed is news.
	comment := ""
	if cand, ok := payload.Pick(body); ok {
		fps, err := e.store.Fingerprints(ticketID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: fingerprints %s: %w", ticketID, err)
		}
		switch {
		case echo.IsEcho(cand.Text, fps):
			e.log.Debug("dropping echoed comment", "ticket", ticketID, "source", cand.Source)
		case t.LastEngineerComment != "" && textnorm.Soft(cand.Text) == textnorm.Soft(t.LastEngineerComment):
			e.log.Debug("dropping already forwarded comment", "ticket", ticketID, "source", cand.Source)
		default:
			comment = cand.Text
		}
	}

	// Status transition. Persist before effects: a crash mid-pass must
	// not leave the stored status behind the one we acted on.
	status, hasStatus := payload.Status(body)
	changed := hasStatus && status != t.Status
	if changed {
		if err := e.store.UpdateStatus(ticketID, status, e.now()); err != nil {
			return nil, fmt.Errorf("reconcile: update status %s: %w", ticketID, err)
		}
		e.log.Info("ticket status changed",
			"ticket", ticketID,
			"from", t.Status,
			"to", status,
			"role", e.taxonomy.RoleOf(status).String(),
		)
		out.Status = status
		out.StatusChanged = true
	}
	effective := t.Status
	if hasStatus {
		effective = status
	}

	if comment != "" {
		if _, err := e.transport.Deliver(ctx, t.Binding, comment); err != nil {
			return out, fmt.Errorf("reconcile: forward comment %s: %w", ticketID, err)
		}
		if err := e.store.SetEngineerComment(ticketID, comment); err != nil {
			return out, fmt.Errorf("reconcile: record comment %s: %w", ticketID, err)
		}
		out.Comment = comment
		out.Effects = append(out.Effects, Effect{Kind: EffectForwardComment, Text: comment})
	}

	// Needs-input prompt: at most once per ticket per status value. The
	// notified marker is persisted only after the send succeeds, so a
	// failed delivery is retried on the next pass.
	if changed && e.taxonomy.RoleOf(status) == config.RoleNotify {
		if t.NotifiedStatus == nil || *t.NotifiedStatus != status {
			text := fmt.Sprintf(notifyTextFmt, taskLabel(t.TaskNumber, ticketID))
			if _, err := e.transport.Deliver(ctx, t.Binding, text); err != nil {
				return out, fmt.Errorf("reconcile: notify prompt %s: %w", ticketID, err)
			}
			if err := e.store.SetNotifiedStatus(ticketID, status); err != nil {
				return out, fmt.Errorf("reconcile: record notify %s: %w", ticketID, err)
			}
			out.Effects = append(out.Effects, Effect{Kind: EffectNotifyPrompt, Text: text})
		}
	}

	// Rating prompt on transition into a rating-eligible final status.
	// The prompt's message id is kept so the bot can clean it up after
	// the user answers.
	if changed && e.taxonomy.RatingEligible(status) && t.PromptMessageID == 0 {
		text := fmt.Sprintf(ratingTextFmt, taskLabel(t.TaskNumber, ticketID))
		res, err := e.transport.DeliverWithChoices(ctx, t.Binding, text, RatingChoices(ticketID))
		if err != nil {
			return out, fmt.Errorf("reconcile: rating prompt %s: %w", ticketID, err)
		}
		if err := e.store.SetPromptMessageID(ticketID, res.MessageID); err != nil {
			return out, fmt.Errorf("reconcile: record prompt %s: %w", ticketID, err)
		}
		out.Effects = append(out.Effects, Effect{Kind: EffectRatingPrompt, Text: text})
	}

	// Terminal tickets keep no fingerprints: a reopened ticket starts
	// echo detection fresh. Applies whenever the effective status is
	// final, not only on the transitioning pass.
	if e.taxonomy.IsFinal(effective) {
		if err := e.store.ClearFingerprints(ticketID); err != nil {
			return out, fmt.Errorf("reconcile: clear fingerprints %s: %w", ticketID, err)
		}
		out.Effects = append(out.Effects, Effect{Kind: EffectClearFingerprints})
	}

	return out, nil
}

// RatingChoices builds the 1..5 inline keyboard for a ticket's rating
// prompt. Callback data is parsed by the bot's callback handler.
func RatingChoices(ticketID string) [][]connector.Choice {
	row := make([]connector.Choice, 0, 5)
	for i := 1; i <= 5; i++ {
		row = append(row, connector.Choice{
			Label: fmt.Sprintf("%d", i),
			Data:  fmt.Sprintf("rate:%s:%d", ticketID, i),
		})
	}
	return [][]connector.Choice{row}
}

// taskLabel prefers the human-visible task number over the raw id.
func taskLabel(taskNumber, id string) string {
	if textnorm.Soft(taskNumber) != "" {
		return taskNumber
	}
	return id
}
