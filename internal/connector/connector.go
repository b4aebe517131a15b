// Package connector defines the interfaces between the relay core and
// the chat platform.
package connector

import (
	"context"

	"github.com/helptp-io/relay/pkg/protocol"
)

// Connector is a chat platform adapter with a lifecycle.
type Connector interface {
	// Name returns the connector type (e.g., "telegram").
	Name() string
	// Start begins listening for inbound updates. Blocks until the
	// context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
}

// DeliveryResult identifies a delivered chat message.
type DeliveryResult struct {
	MessageID int
}

// Choice is one inline button of a prompt keyboard.
type Choice struct {
	Label string
	Data  string // opaque callback payload
}

// Transport delivers messages into a chat binding. Implementations own
// chunking of overlong text and rate-limit backoff; callers send one
// logical message per call.
type Transport interface {
	Deliver(ctx context.Context, b protocol.ChatBinding, text string) (DeliveryResult, error)
	// DeliverWithChoices sends a prompt with an inline keyboard and
	// returns a reference to the sent message for later cleanup.
	DeliverWithChoices(ctx context.Context, b protocol.ChatBinding, text string, choices [][]Choice) (DeliveryResult, error)
	// Edit replaces the text of a previously sent message, dropping any
	// keyboard it carried.
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	// Delete removes a previously sent message.
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// InboundMessage is a chat message received from the platform.
type InboundMessage struct {
	ChatID      int64
	MessageID   int
	UserID      int64
	Username    string
	FirstName   string
	Text        string
	Command     string // without the leading slash, "" = not a command
	CommandArgs string
}

// InboundCallback is an inline keyboard button press.
type InboundCallback struct {
	ID        string
	Data      string
	ChatID    int64
	MessageID int
	UserID    int64
}

// InboundHandler processes updates received from the chat platform.
type InboundHandler interface {
	HandleMessage(ctx context.Context, msg InboundMessage) error
	HandleCallback(ctx context.Context, cb InboundCallback) error
}
