// Package telegram implements the chat connector over the Telegram Bot
// API: long-polling for inbound updates and a rate-limited transport for
// outbound delivery.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/helptp-io/relay/internal/connector"
	"github.com/helptp-io/relay/pkg/protocol"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	AllowFrom []int64 // Allowed Telegram user IDs (empty = allow all)
	// MessageLimit caps outbound message length before chunking.
	// 0 = DefaultMessageLimit.
	MessageLimit int
}

// Connector implements connector.Connector and connector.Transport for
// Telegram.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// New creates a Telegram connector. The handler receives inbound
// messages and callback presses; it may be nil for send-only use.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:     bot,
		config:  cfg,
		handler: handler,
		logger:  logger,
		// Bot API allows ~30 msg/s overall but 1 msg/s per chat; the
		// relay mostly talks to a single group.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			c.handleUpdate(ctx, update)

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Deliver sends text into a chat binding, chunking when it exceeds the
// message limit. Returns the reference of the last sent chunk.
func (c *Connector) Deliver(ctx context.Context, b protocol.ChatBinding, text string) (connector.DeliveryResult, error) {
	var res connector.DeliveryResult
	chunks := Chunk(text, c.config.MessageLimit)
	if len(chunks) == 0 {
		c.logger.Warn("skipping empty message", "chat_id", b.ChatID)
		return res, nil
	}
	for i, chunk := range chunks {
		id, err := c.sendMessage(ctx, b, chunk, nil, i == 0)
		if err != nil {
			return res, fmt.Errorf("telegram: deliver chunk %d/%d: %w", i+1, len(chunks), err)
		}
		res.MessageID = id
	}
	return res, nil
}

// DeliverWithChoices sends a single message with an inline keyboard.
func (c *Connector) DeliverWithChoices(ctx context.Context, b protocol.ChatBinding, text string, choices [][]connector.Choice) (connector.DeliveryResult, error) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, row := range choices {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, ch := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(ch.Label, ch.Data))
		}
		rows = append(rows, btns)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)

	id, err := c.sendMessage(ctx, b, text, &markup, true)
	if err != nil {
		return connector.DeliveryResult{}, fmt.Errorf("telegram: deliver prompt: %w", err)
	}
	return connector.DeliveryResult{MessageID: id}, nil
}

// Edit replaces a sent message's text and drops its keyboard.
func (c *Connector) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, EscapeHTML(text))
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := c.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit message %d: %w", messageID, err)
	}
	return nil
}

// Delete removes a sent message.
func (c *Connector) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("telegram: delete message %d: %w", messageID, err)
	}
	return nil
}

// sendMessage issues a sendMessage call with raw params. The typed
// configs in the pinned library predate forum topics, so the thread id
// has to go through the generic request path.
func (c *Connector) sendMessage(ctx context.Context, b protocol.ChatBinding, text string, markup *tgbotapi.InlineKeyboardMarkup, first bool) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", b.ChatID)
	params["text"] = EscapeHTML(text)
	params.AddNonEmpty("parse_mode", tgbotapi.ModeHTML)
	params.AddBool("disable_web_page_preview", true)
	params.AddNonZero64("message_thread_id", b.ThreadID)
	// Anchor replies only in groups; in a private chat both sides of
	// the conversation are already adjacent.
	if first && b.ReplyTo != 0 && b.ChatID < 0 {
		params.AddNonZero("reply_to_message_id", b.ReplyTo)
	}
	if markup != nil {
		if err := params.AddInterface("reply_markup", markup); err != nil {
			return 0, fmt.Errorf("encode keyboard: %w", err)
		}
	}

	resp, err := c.bot.MakeRequest("sendMessage", params)
	if err != nil {
		if tgErr, ok := err.(*tgbotapi.Error); ok && tgErr.RetryAfter > 0 {
			c.logger.Warn("telegram rate limited", "retry_after", tgErr.RetryAfter)
			select {
			case <-time.After(time.Duration(tgErr.RetryAfter) * time.Second):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			resp, err = c.bot.MakeRequest("sendMessage", params)
		}
	}
	if err != nil {
		// Telegram rejects messages whose text trips its HTML parser.
		// Retry without parse mode rather than losing the comment.
		c.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", b.ChatID,
			"error", err,
		)
		delete(params, "parse_mode")
		params["text"] = text
		resp, err = c.bot.MakeRequest("sendMessage", params)
		if err != nil {
			return 0, err
		}
	}

	var sent tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("decode sendMessage response: %w", err)
	}
	return sent.MessageID, nil
}

func (c *Connector) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if c.handler == nil {
		return
	}

	if cb := update.CallbackQuery; cb != nil {
		if !c.allowed(cb.From.ID) {
			return
		}
		in := connector.InboundCallback{
			ID:     cb.ID,
			Data:   cb.Data,
			UserID: cb.From.ID,
		}
		if cb.Message != nil {
			in.ChatID = cb.Message.Chat.ID
			in.MessageID = cb.Message.MessageID
		}
		// Ack first so the client stops showing a spinner even if the
		// handler fails.
		if _, err := c.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			c.logger.Warn("callback ack failed", "error", err)
		}
		if err := c.handler.HandleCallback(ctx, in); err != nil {
			c.logger.Error("callback handler error", "data", cb.Data, "error", err)
		}
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if !c.allowed(msg.From.ID) {
		c.logger.Warn("unauthorized user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	text := msg.Text
	if text == "" && msg.Caption != "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	in := connector.InboundMessage{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		Text:      text,
	}
	if msg.IsCommand() {
		in.Command = msg.Command()
		in.CommandArgs = msg.CommandArguments()
	}

	if err := c.handler.HandleMessage(ctx, in); err != nil {
		c.logger.Error("inbound handler error", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (c *Connector) allowed(userID int64) bool {
	if len(c.config.AllowFrom) == 0 {
		return true
	}
	for _, id := range c.config.AllowFrom {
		if id == userID {
			return true
		}
	}
	return false
}
