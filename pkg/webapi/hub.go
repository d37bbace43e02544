package webapi

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/relay"
	"github.com/go-go-golems/switchboard/pkg/sessions"
)

const (
	FrameHello   = "session.hello"
	FrameState   = "session.state"
	FrameInbound = "message.inbound"

	DefaultHubBuffer      = 256
	DefaultHubIdleTimeout = time.Minute
)

// Frame is the JSON envelope pushed to websocket clients.
type Frame struct {
	Type      string                `json:"type"`
	ID        string                `json:"id,omitempty"`
	SessionID string                `json:"sessionId"`
	State     sessions.State        `json:"state,omitempty"`
	From      sessions.State        `json:"from,omitempty"`
	Artifact  string                `json:"artifact,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Message   *connector.MessageRef `json:"message,omitempty"`
	At        time.Time             `json:"at"`
}

type HubConfig struct {
	Buffer int
	// IdleTimeout is how long an empty pool is kept before it is dropped.
	IdleTimeout time.Duration
}

// Hub fans lifecycle transitions and inbound notifications out to the websocket clients of each
// session. Producers never block: frames are queued and written by Run.
type Hub struct {
	mu          sync.Mutex
	pools       map[string]*ConnectionPool
	idleTimeout time.Duration

	frames  chan Frame
	dropped atomic.Int64
}

var _ sessions.Listener = (*Hub)(nil)

func NewHub(cfg HubConfig) *Hub {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultHubBuffer
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultHubIdleTimeout
	}
	return &Hub{
		pools:       map[string]*ConnectionPool{},
		idleTimeout: idle,
		frames:      make(chan Frame, buffer),
	}
}

func (h *Hub) OnTransition(t sessions.Transition) {
	h.enqueue(Frame{
		Type:      FrameState,
		SessionID: t.SessionID,
		State:     t.To,
		From:      t.From,
		Artifact:  t.Artifact,
		Reason:    t.Reason,
		At:        t.At,
	})
}

// OnInbound has the shape of sessions.InboundHandler.
func (h *Hub) OnInbound(sessionID string, ref connector.MessageRef) {
	h.enqueue(Frame{Type: FrameInbound, SessionID: sessionID, Message: &ref, At: time.Now().UTC()})
}

// OnNotification forwards a notification read back from the relay topic.
func (h *Hub) OnNotification(n relay.Notification) {
	ref := n.Message
	h.enqueue(Frame{Type: FrameInbound, ID: n.ID, SessionID: n.SessionID, Message: &ref, At: n.At})
}

func (h *Hub) enqueue(f Frame) {
	if h == nil || !h.watched(f.SessionID) {
		return
	}
	select {
	case h.frames <- f:
	default:
		h.dropped.Add(1)
		log.Warn().Str("component", "webapi").Str("session_id", f.SessionID).Str("type", f.Type).Msg("ws hub queue full, dropping frame")
	}
}

func (h *Hub) watched(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pools[sessionID]
	return ok
}

// Attach registers conn as a watcher of sessionID and sends it hello.
func (h *Hub) Attach(sessionID string, conn *websocket.Conn, hello Frame) {
	h.mu.Lock()
	pool, ok := h.pools[sessionID]
	if !ok {
		pool = h.newPoolLocked(sessionID)
		h.pools[sessionID] = pool
	}
	pool.Add(conn)
	h.mu.Unlock()

	log.Debug().Str("component", "webapi").Str("session_id", sessionID).Int("watchers", pool.Count()).Msg("ws attached")
	pool.Greet(conn, hello)
}

func (h *Hub) newPoolLocked(sessionID string) *ConnectionPool {
	var pool *ConnectionPool
	pool = NewConnectionPool(sessionID, h.idleTimeout, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.pools[sessionID]; ok && cur == pool && pool.IsEmpty() {
			delete(h.pools, sessionID)
			log.Debug().Str("component", "webapi").Str("session_id", sessionID).Msg("idle ws pool dropped")
		}
	})
	return pool
}

func (h *Hub) Detach(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	pool := h.pools[sessionID]
	h.mu.Unlock()
	if pool == nil {
		_ = closeConn(conn)
		return
	}
	pool.Remove(conn)
}

// Watchers returns the number of clients attached to sessionID.
func (h *Hub) Watchers(sessionID string) int {
	h.mu.Lock()
	pool := h.pools[sessionID]
	h.mu.Unlock()
	return pool.Count()
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Run writes queued frames until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case f := <-h.frames:
			h.broadcast(f)
		}
	}
}

func (h *Hub) broadcast(f Frame) {
	h.mu.Lock()
	pool := h.pools[f.SessionID]
	h.mu.Unlock()
	if pool == nil {
		return
	}
	pool.Deliver(f)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(h.pools))
	for id, p := range h.pools {
		pools = append(pools, p)
		delete(h.pools, id)
	}
	h.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}
