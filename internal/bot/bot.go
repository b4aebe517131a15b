// Package bot implements the chat-side ticket flow: creating tickets,
// forwarding user comments to the backend and collecting ratings.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/helptp-io/relay/internal/config"
	"github.com/helptp-io/relay/internal/connector"
	"github.com/helptp-io/relay/internal/helpdesk"
	"github.com/helptp-io/relay/internal/ticket"
	"github.com/helptp-io/relay/pkg/protocol"
)

// Desk is the backend surface the bot needs.
type Desk interface {
	CreateTicket(ctx context.Context, req helpdesk.CreateRequest) (*helpdesk.Created, error)
	AddComment(ctx context.Context, ticketID, comment string, newStatus int) error
	SetEvaluation(ctx context.Context, ticketID string, rating int) error
}

const (
	msgGreeting = "Здравствуйте! Я передаю ваши обращения в службу поддержки.\n" +
		"/new — создать заявку\n" +
		"/tickets — мои открытые заявки\n" +
		"Сообщение в чате уходит комментарием в вашу открытую заявку."
	msgAskDescription = "Опишите проблему одним сообщением — я создам заявку."
	msgNoOpenTickets  = "У вас нет открытых заявок. Создайте новую командой /new."
	msgTicketClosed   = "Эта заявка уже закрыта. Создайте новую командой /new."
	msgCommentFailed  = "Не удалось передать сообщение в поддержку, попробуйте позже."
	msgCreateFailed   = "Не удалось создать заявку, попробуйте позже."
	msgRated          = "Спасибо за оценку!"
)

type chatUser struct {
	chat int64
	user int64
}

// Bot routes inbound chat updates. It satisfies connector.InboundHandler.
type Bot struct {
	store     ticket.Store
	desk      Desk
	transport connector.Transport
	taxonomy  *config.Taxonomy
	logger    *slog.Logger

	mu     sync.Mutex
	drafts map[chatUser]struct{} // users mid /new awaiting a description
}

// New creates the chat flow handler.
func New(store ticket.Store, desk Desk, transport connector.Transport, tax *config.Taxonomy, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		store:     store,
		desk:      desk,
		transport: transport,
		taxonomy:  tax,
		logger:    logger,
		drafts:    make(map[chatUser]struct{}),
	}
}

// HandleMessage processes one inbound chat message.
func (b *Bot) HandleMessage(ctx context.Context, msg connector.InboundMessage) error {
	switch msg.Command {
	case "start", "help":
		return b.reply(ctx, msg, msgGreeting)
	case "new":
		if desc := strings.TrimSpace(msg.CommandArgs); desc != "" {
			return b.createTicket(ctx, msg, desc)
		}
		b.setDraft(msg, true)
		return b.reply(ctx, msg, msgAskDescription)
	case "tickets":
		return b.listTickets(ctx, msg)
	case "":
		// fall through to plain text handling
	default:
		return b.reply(ctx, msg, msgGreeting)
	}

	if b.takeDraft(msg) {
		return b.createTicket(ctx, msg, msg.Text)
	}
	return b.forwardComment(ctx, msg)
}

// HandleCallback processes a rating button press.
func (b *Bot) HandleCallback(ctx context.Context, cb connector.InboundCallback) error {
	ticketID, rating, ok := parseRating(cb.Data)
	if !ok {
		b.logger.Warn("unknown callback", "data", cb.Data)
		return nil
	}

	t, err := b.store.Get(ticketID)
	if err != nil {
		return fmt.Errorf("bot: rating for %s: %w", ticketID, err)
	}
	if t.UserID != cb.UserID {
		b.logger.Warn("rating from wrong user", "ticket", ticketID, "user", cb.UserID)
		return nil
	}

	if err := b.desk.SetEvaluation(ctx, ticketID, rating); err != nil {
		return fmt.Errorf("bot: set evaluation: %w", err)
	}
	b.logger.Info("ticket rated", "ticket", ticketID, "rating", rating)

	// Replace the prompt so the keyboard disappears; losing the edit is
	// cosmetic.
	if t.PromptMessageID != 0 {
		if err := b.transport.Edit(ctx, cb.ChatID, t.PromptMessageID, msgRated); err != nil {
			b.logger.Warn("prompt cleanup failed", "ticket", ticketID, "error", err)
		}
		if err := b.store.SetPromptMessageID(ticketID, 0); err != nil {
			return fmt.Errorf("bot: clear prompt id: %w", err)
		}
	}
	return nil
}

func (b *Bot) createTicket(ctx context.Context, msg connector.InboundMessage, description string) error {
	author := msg.Username
	if author == "" {
		author = strconv.FormatInt(msg.UserID, 10)
	}

	created, err := b.desk.CreateTicket(ctx, helpdesk.CreateRequest{
		Title:       fmt.Sprintf("Заявка из Telegram %s", author),
		Description: fmt.Sprintf("%s (от пользователя %s)", description, author),
	})
	if err != nil {
		b.logger.Error("ticket creation failed", "chat", msg.ChatID, "error", err)
		return b.reply(ctx, msg, msgCreateFailed)
	}

	status := created.Status
	if status == 0 {
		status = b.taxonomy.OpenStatus()
	}
	t := &protocol.Ticket{
		ID:         created.ID,
		TaskNumber: created.TaskNumber,
		Binding: protocol.ChatBinding{
			ChatID:  msg.ChatID,
			ReplyTo: msg.MessageID,
		},
		UserID:      msg.UserID,
		Status:      status,
		LastUpdated: created.UpdatedAt,
	}
	if err := b.store.Save(t); err != nil {
		return fmt.Errorf("bot: save ticket %s: %w", created.ID, err)
	}
	// The description is the user's own text: fingerprint it so its
	// backend echo is never forwarded back.
	if err := b.store.AddFingerprint(created.ID, description); err != nil {
		return fmt.Errorf("bot: fingerprint description: %w", err)
	}

	b.logger.Info("ticket created", "ticket", created.ID, "number", created.TaskNumber, "chat", msg.ChatID)
	return b.reply(ctx, msg, fmt.Sprintf("Заявка №%s успешно создана!", created.TaskNumber))
}

// forwardComment relays a user message into their open ticket, reopening
// parked tickets.
func (b *Bot) forwardComment(ctx context.Context, msg connector.InboundMessage) error {
	id, err := b.store.OpenFor(msg.ChatID, msg.UserID, b.taxonomy.FinalStatuses())
	if err != nil {
		return fmt.Errorf("bot: find open ticket: %w", err)
	}
	if id == "" {
		return b.reply(ctx, msg, msgNoOpenTickets)
	}

	t, err := b.store.Get(id)
	if err != nil {
		return fmt.Errorf("bot: load ticket %s: %w", id, err)
	}
	if b.taxonomy.IsFinal(t.Status) {
		return b.reply(ctx, msg, msgTicketClosed)
	}

	// Fingerprint before the backend write: once the comment is in the
	// backend its echo can arrive at any moment.
	if err := b.store.AddFingerprint(id, msg.Text); err != nil {
		return fmt.Errorf("bot: fingerprint comment: %w", err)
	}

	reopenTo, _ := b.taxonomy.ReopenTarget(t.Status)
	if err := b.desk.AddComment(ctx, id, msg.Text, reopenTo); err != nil {
		b.logger.Error("comment relay failed", "ticket", id, "error", err)
		return b.reply(ctx, msg, msgCommentFailed)
	}

	if reopenTo != 0 && reopenTo != t.Status {
		if err := b.store.UpdateStatus(id, reopenTo, time.Now()); err != nil {
			return fmt.Errorf("bot: record reopen: %w", err)
		}
		b.logger.Info("ticket reopened by comment", "ticket", id, "from", t.Status, "to", reopenTo)
	}
	if err := b.store.SetReplyAnchor(id, msg.MessageID); err != nil {
		return fmt.Errorf("bot: record reply anchor: %w", err)
	}
	return nil
}

func (b *Bot) listTickets(ctx context.Context, msg connector.InboundMessage) error {
	all, err := b.store.ListExcluding(b.taxonomy.FinalStatuses())
	if err != nil {
		return fmt.Errorf("bot: list tickets: %w", err)
	}

	var lines []string
	for _, t := range all {
		if t.Binding.ChatID != msg.ChatID || t.UserID != msg.UserID {
			continue
		}
		lines = append(lines, fmt.Sprintf("№%s — %s", t.TaskNumber, b.taxonomy.RoleOf(t.Status).String()))
	}
	if len(lines) == 0 {
		return b.reply(ctx, msg, msgNoOpenTickets)
	}
	return b.reply(ctx, msg, "Ваши открытые заявки:\n"+strings.Join(lines, "\n"))
}

func (b *Bot) reply(ctx context.Context, msg connector.InboundMessage, text string) error {
	_, err := b.transport.Deliver(ctx, protocol.ChatBinding{
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
	}, text)
	return err
}

func (b *Bot) setDraft(msg connector.InboundMessage, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := chatUser{chat: msg.ChatID, user: msg.UserID}
	if on {
		b.drafts[key] = struct{}{}
	} else {
		delete(b.drafts, key)
	}
}

// takeDraft consumes a pending /new state, reporting whether one existed.
func (b *Bot) takeDraft(msg connector.InboundMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := chatUser{chat: msg.ChatID, user: msg.UserID}
	if _, ok := b.drafts[key]; !ok {
		return false
	}
	delete(b.drafts, key)
	return true
}

// parseRating decodes "rate:<ticket>:<1..5>".
func parseRating(data string) (string, int, bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != "rate" || parts[1] == "" {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 1 || n > 5 {
		return "", 0, false
	}
	return parts[1], n, true
}
