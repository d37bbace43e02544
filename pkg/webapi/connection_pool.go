package webapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 5 * time.Second
	// recentNotifications bounds the notification ids remembered for de-duplication.
	recentNotifications = 128
)

// ConnectionPool holds the websocket clients watching one session and decides which frames they
// get: frames of other sessions are refused and a relayed notification is written at most once.
// Writes happen under the pool lock so a connection never has two concurrent writers.
type ConnectionPool struct {
	sessionID string

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	// seen and order remember the latest notification ids, oldest first.
	seen  map[string]struct{}
	order []string

	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(sessionID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		sessionID:   sessionID,
		conns:       map[*websocket.Conn]struct{}{},
		seen:        map[string]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) SessionID() string { return cp.sessionID }

func (cp *ConnectionPool) Add(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

// Deliver writes f to every client of the pool. It returns false when f belongs to another
// session, repeats a notification already delivered, or cannot be encoded.
func (cp *ConnectionPool) Deliver(f Frame) bool {
	if cp == nil || f.SessionID != cp.sessionID {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if f.Type == FrameInbound && f.ID != "" && !cp.rememberLocked(f.ID) {
		log.Debug().Str("component", "webapi").Str("session_id", cp.sessionID).Str("notification_id", f.ID).Msg("ws duplicate notification skipped")
		return false
	}
	data, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Str("component", "webapi").Str("session_id", cp.sessionID).Msg("ws frame marshal failed")
		return false
	}
	for conn := range cp.conns {
		if err := writeText(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "webapi").Str("session_id", cp.sessionID).Str("type", f.Type).Msg("ws write failed, dropping connection")
			delete(cp.conns, conn)
			_ = closeConn(conn)
		}
	}
	cp.scheduleIdleTimerLocked()
	return true
}

// Greet writes f to conn alone, typically the hello frame of a fresh client.
func (cp *ConnectionPool) Greet(conn *websocket.Conn, f Frame) {
	if cp == nil || conn == nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := writeText(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "webapi").Str("session_id", cp.sessionID).Msg("ws greeting failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
	}
}

// rememberLocked records id and reports whether it was new.
func (cp *ConnectionPool) rememberLocked(id string) bool {
	if _, ok := cp.seen[id]; ok {
		return false
	}
	cp.seen[id] = struct{}{}
	cp.order = append(cp.order, id)
	if len(cp.order) > recentNotifications {
		delete(cp.seen, cp.order[0])
		cp.order = cp.order[1:]
	}
	return true
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// CloseAll sends every client a going-away close frame and drops it.
func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func writeText(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeConn(conn *websocket.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
