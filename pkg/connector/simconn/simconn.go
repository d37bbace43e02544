// Package simconn is an in-process Connector that simulates a chat network. It serves the local
// development server and doubles as the scriptable Connector in tests.
package simconn

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
)

type Config struct {
	Fixtures *Fixtures
	// AutoPair emits Pairing, then Authenticated and Ready after PairDelay, once Connect is called.
	AutoPair  bool
	PairDelay time.Duration
	// Artifact overrides the generated pairing artifact.
	Artifact    string
	EventBuffer int
}

// Connector is a simulated chat-network client for one session.
type Connector struct {
	cfg       Config
	sessionID string

	mu           sync.Mutex
	chats        []*chatState
	contacts     []connector.Contact
	media        map[string]connector.Media
	unregistered map[string]struct{}
	sent         []connector.Message
	calls        map[string]int
	failures     map[string]error
	delays       map[string]time.Duration
	loggedOut    bool

	evMu    sync.RWMutex
	events  chan connector.Event
	stop    chan struct{}
	closed  bool
	stopped sync.Once

	inFlight    int32
	maxInFlight int32
}

var _ connector.Connector = (*Connector)(nil)

func New(cfg Config) *Connector {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	chats, contacts, media, unregistered := cfg.Fixtures.build()
	return &Connector{
		cfg:          cfg,
		chats:        chats,
		contacts:     contacts,
		media:        media,
		unregistered: unregistered,
		calls:        map[string]int{},
		failures:     map[string]error{},
		delays:       map[string]time.Duration{},
		events:       make(chan connector.Event, cfg.EventBuffer),
		stop:         make(chan struct{}),
	}
}

func (c *Connector) Events() <-chan connector.Event { return c.events }

// Emit delivers ev to the session. It returns false once the connector is closed.
func (c *Connector) Emit(ev connector.Event) bool {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

// Receive appends an inbound message to its chat and emits the notification.
func (c *Connector) Receive(msg connector.Message) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if msg.Type == "" {
		msg.Type = "chat"
	}
	c.mu.Lock()
	cs := c.chatLocked(msg.ChatID)
	if cs == nil {
		cs = &chatState{chat: connector.Chat{ID: msg.ChatID, Name: string(msg.ChatID)}}
		c.chats = append(c.chats, cs)
	}
	cs.messages = append(cs.messages, msg)
	cs.chat.UnreadCount++
	cs.chat.LastMessage = &connector.LastMessage{Body: msg.Body, Timestamp: msg.Timestamp}
	c.mu.Unlock()
	return c.Emit(connector.InboundMessageEvent(connector.MessageRef{ID: msg.ID, ChatID: msg.ChatID, Timestamp: msg.Timestamp}))
}

// FailNext makes the next call of op return err.
func (c *Connector) FailNext(op string, err error) {
	c.mu.Lock()
	c.failures[op] = err
	c.mu.Unlock()
}

// Delay makes every call of op block for d (or until its context ends).
func (c *Connector) Delay(op string, d time.Duration) {
	c.mu.Lock()
	c.delays[op] = d
	c.mu.Unlock()
}

// Calls returns how often op was invoked.
func (c *Connector) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// MaxConcurrentCalls is the highest number of calls observed in flight at once.
func (c *Connector) MaxConcurrentCalls() int {
	return int(atomic.LoadInt32(&c.maxInFlight))
}

// Sent returns the messages sent through this connector.
func (c *Connector) Sent() []connector.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connector.Message(nil), c.sent...)
}

func (c *Connector) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Connector) IsClosed() bool {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	return c.closed
}

// enter records the call and applies injected delays and failures.
func (c *Connector) enter(ctx context.Context, op string) (func(), error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		peak := atomic.LoadInt32(&c.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&c.maxInFlight, peak, n) {
			break
		}
	}
	exit := func() { atomic.AddInt32(&c.inFlight, -1) }

	c.mu.Lock()
	c.calls[op]++
	delay := c.delays[op]
	failure := c.failures[op]
	delete(c.failures, op)
	c.mu.Unlock()

	if c.IsClosed() {
		exit()
		return nil, connector.ErrClosed
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			exit()
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		exit()
		return nil, failure
	}
	return exit, nil
}

func (c *Connector) Connect(ctx context.Context, sessionID string) error {
	exit, err := c.enter(ctx, "connect")
	if err != nil {
		return err
	}
	defer exit()
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	if !c.cfg.AutoPair {
		return nil
	}
	artifact := c.cfg.Artifact
	if artifact == "" {
		artifact = "SIM-" + uuid.NewString()
	}
	go c.autoPair(sessionID, artifact)
	return nil
}

func (c *Connector) autoPair(sessionID, artifact string) {
	if !c.Emit(connector.PairingEvent(artifact)) {
		return
	}
	log.Debug().Str("component", "simconn").Str("session_id", sessionID).Str("artifact", artifact).Msg("pairing artifact issued")
	if c.cfg.PairDelay > 0 {
		select {
		case <-time.After(c.cfg.PairDelay):
		case <-c.stop:
			return
		}
	}
	if !c.Emit(connector.AuthenticatedEvent()) {
		return
	}
	c.Emit(connector.ReadyEvent())
}

// ResolveRecipient maps a phone number to "<digits>@c.us". Numbers listed as unregistered, and
// identifiers without digits, do not resolve.
func (c *Connector) ResolveRecipient(ctx context.Context, identifier string) (connector.ChatID, bool, error) {
	exit, err := c.enter(ctx, "resolve_recipient")
	if err != nil {
		return "", false, err
	}
	defer exit()
	if strings.Contains(identifier, "@") {
		return connector.ChatID(identifier), true, nil
	}
	d := digits(identifier)
	if d == "" {
		return "", false, nil
	}
	c.mu.Lock()
	_, blocked := c.unregistered[d]
	c.mu.Unlock()
	if blocked {
		return "", false, nil
	}
	return connector.ChatID(d + "@c.us"), true, nil
}

func (c *Connector) SendText(ctx context.Context, chatID connector.ChatID, body string) (connector.MessageRef, error) {
	exit, err := c.enter(ctx, "send_text")
	if err != nil {
		return connector.MessageRef{}, err
	}
	defer exit()
	return c.record(connector.Message{ChatID: chatID, Body: body, Type: "chat"}), nil
}

func (c *Connector) SendMedia(ctx context.Context, chatID connector.ChatID, media connector.Media, caption string) (connector.MessageRef, error) {
	exit, err := c.enter(ctx, "send_media")
	if err != nil {
		return connector.MessageRef{}, err
	}
	defer exit()
	if len(media.Data) == 0 {
		return connector.MessageRef{}, errors.New("empty media payload")
	}
	ref := c.record(connector.Message{ChatID: chatID, Body: caption, Type: typeForMime(media.MimeType), HasMedia: true})
	c.mu.Lock()
	c.media[ref.ID] = media
	c.mu.Unlock()
	return ref, nil
}

func (c *Connector) record(msg connector.Message) connector.MessageRef {
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now().Unix()
	msg.FromMe = true
	msg.To = string(msg.ChatID)
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.chatLocked(msg.ChatID)
	if cs == nil {
		cs = &chatState{chat: connector.Chat{ID: msg.ChatID, Name: string(msg.ChatID)}}
		c.chats = append(c.chats, cs)
	}
	cs.messages = append(cs.messages, msg)
	cs.chat.LastMessage = &connector.LastMessage{Body: msg.Body, Timestamp: msg.Timestamp}
	c.sent = append(c.sent, msg)
	return connector.MessageRef{ID: msg.ID, ChatID: msg.ChatID, Timestamp: msg.Timestamp}
}

// ListChats returns chats most recent first.
func (c *Connector) ListChats(ctx context.Context) ([]connector.Chat, error) {
	exit, err := c.enter(ctx, "list_chats")
	if err != nil {
		return nil, err
	}
	defer exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]connector.Chat, 0, len(c.chats))
	for i := len(c.chats) - 1; i >= 0; i-- {
		ch := c.chats[i].chat
		ch.Participants = append([]connector.Participant(nil), ch.Participants...)
		if ch.LastMessage != nil {
			lm := *ch.LastMessage
			ch.LastMessage = &lm
		}
		out = append(out, ch)
	}
	return out, nil
}

// FetchMessages returns the latest limit messages of a chat in chronological order.
func (c *Connector) FetchMessages(ctx context.Context, chatID connector.ChatID, limit int) ([]connector.Message, error) {
	exit, err := c.enter(ctx, "fetch_messages")
	if err != nil {
		return nil, err
	}
	defer exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.chatLocked(chatID)
	if cs == nil {
		return nil, errors.Wrapf(connector.ErrChatNotFound, "chat %s", chatID)
	}
	msgs := cs.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]connector.Message(nil), msgs...), nil
}

func (c *Connector) ListContacts(ctx context.Context) ([]connector.Contact, error) {
	exit, err := c.enter(ctx, "list_contacts")
	if err != nil {
		return nil, err
	}
	defer exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connector.Contact(nil), c.contacts...), nil
}

func (c *Connector) GetMessage(ctx context.Context, messageID string) (connector.Message, bool, error) {
	exit, err := c.enter(ctx, "get_message")
	if err != nil {
		return connector.Message{}, false, err
	}
	defer exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messageLocked(messageID)
	return msg, ok, nil
}

func (c *Connector) DownloadMedia(ctx context.Context, messageID string) (connector.Media, error) {
	exit, err := c.enter(ctx, "download_media")
	if err != nil {
		return connector.Media{}, err
	}
	defer exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messageLocked(messageID)
	if !ok {
		return connector.Media{}, errors.Wrapf(connector.ErrMessageNotFound, "message %s", messageID)
	}
	m, ok := c.media[messageID]
	if !ok || !msg.HasMedia {
		return connector.Media{}, errors.Wrapf(connector.ErrNoMedia, "message %s", messageID)
	}
	m.Data = append([]byte(nil), m.Data...)
	return m, nil
}

func (c *Connector) Logout(ctx context.Context) error {
	exit, err := c.enter(ctx, "logout")
	if err != nil {
		return err
	}
	defer exit()
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) Close() error {
	c.stopped.Do(func() {
		close(c.stop)
		c.evMu.Lock()
		c.closed = true
		close(c.events)
		c.evMu.Unlock()
	})
	return nil
}

func (c *Connector) chatLocked(id connector.ChatID) *chatState {
	for _, cs := range c.chats {
		if cs.chat.ID == id {
			return cs
		}
	}
	return nil
}

func (c *Connector) messageLocked(id string) (connector.Message, bool) {
	for _, cs := range c.chats {
		for _, m := range cs.messages {
			if m.ID == id {
				return m, true
			}
		}
	}
	return connector.Message{}, false
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func typeForMime(mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/webp"):
		return "sticker"
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/ogg"):
		return "ptt"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
