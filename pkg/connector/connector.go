// Package connector defines the capability a chat-network client must provide to be driven by the
// session registry.
//
// A Connector is owned by exactly one session. It is not assumed to be safe for concurrent use:
// the session serializes every call into it. Lifecycle and inbound-message notifications are
// delivered on the channel returned by Events, which the connector closes when it shuts down.
package connector

import (
	"context"
	"errors"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNoMedia         = errors.New("message has no media")
	ErrClosed          = errors.New("connector closed")
)

// Connector is the per-session chat-network client.
type Connector interface {
	// Connect starts the connector's own connect sequence. Pairing artifacts, readiness and
	// failures are reported asynchronously on Events.
	Connect(ctx context.Context, sessionID string) error
	Events() <-chan Event

	// ResolveRecipient maps a phone-number-like identifier to a canonical chat id.
	// ok is false when the identifier does not resolve to a reachable account.
	ResolveRecipient(ctx context.Context, identifier string) (id ChatID, ok bool, err error)
	SendText(ctx context.Context, chatID ChatID, body string) (MessageRef, error)
	SendMedia(ctx context.Context, chatID ChatID, media Media, caption string) (MessageRef, error)

	ListChats(ctx context.Context) ([]Chat, error)
	FetchMessages(ctx context.Context, chatID ChatID, limit int) ([]Message, error)
	ListContacts(ctx context.Context) ([]Contact, error)
	GetMessage(ctx context.Context, messageID string) (Message, bool, error)
	DownloadMedia(ctx context.Context, messageID string) (Media, error)

	// Logout revokes the pairing on the chat network.
	Logout(ctx context.Context) error
	// Close releases local resources. It is safe to call more than once.
	Close() error
}

// Factory builds a fresh Connector for a session. It must never return a previously used instance.
type Factory func(sessionID string) (Connector, error)
