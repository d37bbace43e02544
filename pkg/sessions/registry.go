// Package sessions owns session lifecycle: the registry of live sessions keyed by session id, the
// per-session state machine, and the serialized work queue every Connector call goes through.
package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultPairingTimeout = 60 * time.Second
)

// Listener observes every lifecycle transition. Listeners run on the session's event pump and must
// not block.
type Listener interface {
	OnTransition(t Transition)
}

type ListenerFunc func(t Transition)

func (f ListenerFunc) OnTransition(t Transition) { f(t) }

// InboundHandler receives inbound-message notifications for READY sessions.
type InboundHandler func(sessionID string, ref connector.MessageRef)

type RegistryConfig struct {
	Factory connector.Factory
	// BaseCtx bounds the connect sequence of every session. Defaults to context.Background().
	BaseCtx          context.Context
	CallTimeout      time.Duration
	PairingTimeout   time.Duration
	PairingTTL       time.Duration
	EvictionInterval time.Duration
	Listeners        []Listener
}

type tombstone struct {
	state  State
	reason string
	at     time.Time
}

// Registry maps session ids to live sessions. It guarantees at most one live Connector per id.
type Registry struct {
	factory        connector.Factory
	baseCtx        context.Context
	callTimeout    time.Duration
	pairingTimeout time.Duration

	mu         sync.Mutex
	sessions   map[string]*Session
	tombstones map[string]tombstone
	listeners  []Listener
	inbound    []InboundHandler

	pairingTTL    time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errors.New("sessions: connector factory is required")
	}
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	pairingTimeout := cfg.PairingTimeout
	if pairingTimeout <= 0 {
		pairingTimeout = DefaultPairingTimeout
	}
	r := &Registry{
		factory:        cfg.Factory,
		baseCtx:        baseCtx,
		callTimeout:    callTimeout,
		pairingTimeout: pairingTimeout,
		sessions:       map[string]*Session{},
		tombstones:     map[string]tombstone{},
		pairingTTL:     cfg.PairingTTL,
		evictInterval:  cfg.EvictionInterval,
	}
	r.listeners = append(r.listeners, cfg.Listeners...)
	return r, nil
}

func (r *Registry) AddListener(l Listener) {
	if r == nil || l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// OnInbound registers a handler for inbound messages on READY sessions.
func (r *Registry) OnInbound(h InboundHandler) {
	if r == nil || h == nil {
		return
	}
	r.mu.Lock()
	r.inbound = append(r.inbound, h)
	r.mu.Unlock()
}

// CreateOrGet returns the live session for id, creating and starting one if there is none or the
// previous one reached a terminal state. It waits (bounded by the pairing timeout) until the
// session has a pairing artifact or has already progressed past pairing.
func (r *Registry) CreateOrGet(ctx context.Context, id string) (PairingResult, error) {
	if r == nil {
		return PairingResult{}, errors.New("sessions: registry is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return PairingResult{}, Fail(ErrInvalidSessionID, "", "create_session", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s, created, err := r.getOrInsert(id)
	if err != nil {
		return PairingResult{SessionID: id}, err
	}
	if created {
		log.Info().Str("component", "sessions").Str("session_id", id).Msg("session created")
		r.notify(Transition{SessionID: id, From: StateUnpaired, To: StateAwaitingPairing, At: s.createdAt})
		s.start(r.baseCtx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.pairingTimeout)
	defer cancel()
	return s.AwaitPairing(waitCtx)
}

func (r *Registry) getOrInsert(id string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok && !s.State().IsTerminal() {
		return s, false, nil
	}

	conn, err := r.factory(id)
	if err != nil {
		return nil, false, Fail(ErrDisconnected, id, "create_session", errors.Wrap(err, "build connector"))
	}
	if conn == nil {
		return nil, false, Fail(ErrDisconnected, id, "create_session", errors.New("connector factory returned nil"))
	}
	s := newSession(id, conn, r.callTimeout, sessionHooks{
		onTransition: r.notify,
		onInbound:    r.dispatchInbound,
		onTerminal:   r.handleTerminal,
	})
	r.sessions[id] = s
	delete(r.tombstones, id)
	return s, true, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetReady returns the session for id only if it is READY; any other case is ErrSessionNotFound.
func (r *Registry) GetReady(id string, op string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok || s.State() != StateReady {
		return nil, Fail(ErrSessionNotFound, id, op, nil)
	}
	return s, nil
}

// Remove drops the live session for id and stops it without touching the chat network.
func (r *Registry) Remove(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.shutdown()
	}
	return ok
}

// Status reports the state of id. Terminal failures linger as tombstones until the id is created
// again or logged out; ids never seen report StateUnpaired.
func (r *Registry) Status(id string) State {
	if r == nil {
		return StateUnpaired
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	ts, hasTS := r.tombstones[id]
	r.mu.Unlock()
	if ok {
		return s.State()
	}
	if hasTS {
		return ts.state
	}
	return StateUnpaired
}

// LogOut revokes the pairing on the chat network and removes the session. The session is torn
// down locally even when the connector fails; that failure is returned as ErrLogoutFailure.
func (r *Registry) LogOut(ctx context.Context, id string) error {
	if r == nil {
		return errors.New("sessions: registry is nil")
	}
	s, ok := r.Get(id)
	if !ok {
		return Fail(ErrSessionNotFound, id, "logout", nil)
	}

	s.beginLogout()
	logoutErr := s.Do(ctx, "logout", func(ctx context.Context, c connector.Connector) error {
		return c.Logout(ctx)
	})

	s.markLoggedOut()
	r.mu.Lock()
	current, ok := r.sessions[id]
	if ok && current == s {
		delete(r.sessions, id)
	}
	if !ok || current == s {
		delete(r.tombstones, id)
	}
	r.mu.Unlock()
	s.shutdown()

	if logoutErr != nil {
		log.Warn().Err(logoutErr).Str("component", "sessions").Str("session_id", id).Msg("logout failed on connector, session removed locally")
		return Fail(ErrLogoutFailure, id, "logout", logoutErr)
	}
	return nil
}

// List returns snapshots of all live sessions ordered by id.
func (r *Registry) List() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ss := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every live session without logging out.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	ss := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		ss = append(ss, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range ss {
		s.shutdown()
	}
}

func (r *Registry) handleTerminal(s *Session, state State) {
	r.mu.Lock()
	if current, ok := r.sessions[s.id]; ok && current == s {
		delete(r.sessions, s.id)
		if state == StateAuthFailed || state == StateDisconnected {
			s.mu.Lock()
			reason := s.reason
			s.mu.Unlock()
			r.tombstones[s.id] = tombstone{state: state, reason: reason, at: time.Now()}
		}
	}
	r.mu.Unlock()
	log.Info().Str("component", "sessions").Str("session_id", s.id).Str("state", string(state)).Msg("session removed")
	s.shutdown()
}

func (r *Registry) notify(t Transition) {
	r.mu.Lock()
	ls := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range ls {
		l.OnTransition(t)
	}
}

func (r *Registry) dispatchInbound(sessionID string, ref connector.MessageRef) {
	r.mu.Lock()
	hs := append([]InboundHandler(nil), r.inbound...)
	r.mu.Unlock()
	for _, h := range hs {
		h(sessionID, ref)
	}
}
