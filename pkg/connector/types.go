package connector

import (
	"fmt"
	"strings"
)

// ChatID is the canonical, serialized chat identifier used by the chat network.
type ChatID string

func (c ChatID) String() string { return string(c) }

// MessageRef identifies a message produced by a send or received from the network.
type MessageRef struct {
	ID        string `json:"id"`
	ChatID    ChatID `json:"chat_id"`
	Timestamp int64  `json:"timestamp"`
}

// EventKind tags the Event variant.
type EventKind string

const (
	EventPairing        EventKind = "pairing"
	EventAuthenticated  EventKind = "authenticated"
	EventReady          EventKind = "ready"
	EventAuthFailure    EventKind = "auth_failure"
	EventDisconnected   EventKind = "disconnected"
	EventInboundMessage EventKind = "inbound_message"
)

// Event is the tagged variant emitted by a Connector.
// Artifact is set for EventPairing, Reason for EventAuthFailure and EventDisconnected,
// Message for EventInboundMessage.
type Event struct {
	Kind     EventKind
	Artifact string
	Reason   string
	Message  MessageRef
}

func (e Event) String() string {
	switch e.Kind {
	case EventPairing:
		return "pairing"
	case EventAuthFailure, EventDisconnected:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	case EventInboundMessage:
		return fmt.Sprintf("inbound_message(%s)", e.Message.ID)
	default:
		return string(e.Kind)
	}
}

func PairingEvent(artifact string) Event { return Event{Kind: EventPairing, Artifact: artifact} }

func AuthenticatedEvent() Event { return Event{Kind: EventAuthenticated} }

func ReadyEvent() Event { return Event{Kind: EventReady} }

func AuthFailureEvent(reason string) Event { return Event{Kind: EventAuthFailure, Reason: reason} }

func DisconnectedEvent(reason string) Event { return Event{Kind: EventDisconnected, Reason: reason} }

func InboundMessageEvent(ref MessageRef) Event { return Event{Kind: EventInboundMessage, Message: ref} }

// LastMessage is the preview attached to a chat listing.
type LastMessage struct {
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Participant is a member of a group chat.
type Participant struct {
	ID           string `json:"id"`
	IsAdmin      bool   `json:"is_admin"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

// Chat is a chat as reported by the network. Participants is only populated for groups.
type Chat struct {
	ID           ChatID        `json:"id"`
	Name         string        `json:"name"`
	IsGroup      bool          `json:"is_group"`
	UnreadCount  int           `json:"unread_count"`
	LastMessage  *LastMessage  `json:"last_message,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Message is a single chat message with its delivery metadata.
type Message struct {
	ID          string `json:"id"`
	ChatID      ChatID `json:"chat_id"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Type        string `json:"type"`
	HasMedia    bool   `json:"has_media"`
	IsForwarded bool   `json:"is_forwarded"`
	FromMe      bool   `json:"from_me"`
	Ack         int    `json:"ack"`
}

// Contact is an address-book entry as reported by the network.
type Contact struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PushName     string `json:"pushname"`
	Number       string `json:"number"`
	IsMe         bool   `json:"is_me"`
	IsUser       bool   `json:"is_user"`
	IsGroup      bool   `json:"is_group"`
	IsMyContact  bool   `json:"is_my_contact"`
	IsWAContact  bool   `json:"is_wa_contact"`
	IsBlocked    bool   `json:"is_blocked"`
	IsEnterprise bool   `json:"is_enterprise"`
}

// Media is a connector-native attachment.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
}

// MediaTypes are the message types that carry an attachment.
var MediaTypes = map[string]struct{}{
	"image":    {},
	"video":    {},
	"audio":    {},
	"ptt":      {},
	"document": {},
	"sticker":  {},
}

// IsMediaType reports whether a message type carries an attachment.
func IsMediaType(t string) bool {
	_, ok := MediaTypes[strings.ToLower(strings.TrimSpace(t))]
	return ok
}
