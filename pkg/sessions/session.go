package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
)

// Transition describes one lifecycle change of a session. Artifact refreshes while awaiting
// pairing are reported as transitions with From == To.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Artifact  string    `json:"artifact,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// PairingResult is what CreateOrGet hands back: either a pairing artifact to present out of band,
// or the state the session has already reached.
type PairingResult struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	Artifact  string `json:"artifact,omitempty"`
}

// Snapshot is a point-in-time, read-only view of a session.
type Snapshot struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	HasArtifact bool      `json:"has_artifact"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type sessionHooks struct {
	onTransition func(Transition)
	onInbound    func(sessionID string, ref connector.MessageRef)
	onTerminal   func(s *Session, state State)
}

type job struct {
	ctx    context.Context
	op     string
	fn     func(ctx context.Context, c connector.Connector) error
	result chan error
}

// Session binds one session id to one Connector. It is the only place lifecycle state changes.
//
// Every Connector call goes through the session's work queue, which is drained by a single
// goroutine, so one session never has two Connector calls in flight. Lifecycle changes, whether
// they come from the Connector, the eviction loop or logout, are applied by a separate pump
// goroutine under mu and never call into the Connector.
type Session struct {
	id          string
	conn        connector.Connector
	callTimeout time.Duration
	hooks       sessionHooks
	createdAt   time.Time

	mu        sync.Mutex
	state     State
	artifact  string
	reason    string
	updatedAt time.Time
	changed   chan struct{}
	// loggingOut turns a connector disconnect into LOGGED_OUT while a logout is in progress.
	loggingOut bool

	control   chan func()
	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn connector.Connector, callTimeout time.Duration, hooks sessionHooks) *Session {
	now := time.Now()
	return &Session{
		id:          id,
		conn:        conn,
		callTimeout: callTimeout,
		hooks:       hooks,
		createdAt:   now,
		state:       StateAwaitingPairing,
		updatedAt:   now,
		changed:     make(chan struct{}),
		control:     make(chan func()),
		jobs:        make(chan job),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Artifact returns the most recent pairing artifact, empty if none was received.
func (s *Session) Artifact() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.id,
		State:       s.state,
		HasArtifact: s.artifact != "",
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}

// start launches the worker and event pump and queues the connect sequence.
func (s *Session) start(baseCtx context.Context) {
	go s.work()
	go s.pump()
	go func() {
		err := s.Do(baseCtx, "connect", func(ctx context.Context, c connector.Connector) error {
			return c.Connect(ctx, s.id)
		})
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Warn().Err(err).Str("component", "sessions").Str("session_id", s.id).Msg("connect failed")
			ev := connector.DisconnectedEvent("connect failed: " + err.Error())
			s.submit(func() { s.apply(ev) })
		}
	}()
}

// Do runs fn against the session's Connector on the session's work queue and waits for it.
// Calls are bounded by the session call timeout; expiry yields ErrTimeout in the chain.
// Once the session is shut down Do fails with ErrSessionNotFound without calling fn.
func (s *Session) Do(ctx context.Context, op string, fn func(ctx context.Context, c connector.Connector) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j := job{ctx: ctx, op: op, fn: fn, result: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.done:
		return Fail(ErrSessionNotFound, s.id, op, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) work() {
	defer func() {
		if err := s.conn.Close(); err != nil {
			log.Warn().Err(err).Str("component", "sessions").Str("session_id", s.id).Msg("connector close failed")
		}
	}()
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			j.result <- s.run(j)
		}
	}
}

func (s *Session) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	ctx := j.ctx
	cancel := func() {}
	if s.callTimeout > 0 {
		ctx, cancel = context.WithTimeout(j.ctx, s.callTimeout)
	}
	defer cancel()
	err := j.fn(ctx, s.conn)
	if err != nil && j.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "%s after %s", j.op, s.callTimeout)
	}
	return err
}

func (s *Session) pump() {
	events := s.conn.Events()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.control:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.apply(connector.DisconnectedEvent("event stream closed"))
				continue
			}
			s.apply(ev)
		}
	}
}

// submit runs fn on the event pump and waits for it to finish. It returns false without running fn
// once the pump has stopped.
func (s *Session) submit(fn func()) bool {
	ran := make(chan struct{})
	select {
	case s.control <- func() {
		defer close(ran)
		fn()
	}:
	case <-s.done:
		return false
	}
	<-ran
	return true
}

// beginLogout marks the session as logging out; a disconnect or auth failure reported from now on
// ends in LOGGED_OUT.
func (s *Session) beginLogout() {
	s.mu.Lock()
	s.loggingOut = true
	s.mu.Unlock()
}

// apply feeds one connector event through the transition function.
func (s *Session) apply(ev connector.Event) {
	s.mu.Lock()
	from := s.state
	to, changed := transition(from, ev)
	refreshed := false
	if ev.Kind == connector.EventPairing && from == StateAwaitingPairing && ev.Artifact != "" {
		s.artifact = ev.Artifact
		refreshed = true
	}
	reason := ev.Reason
	if changed && s.loggingOut && (to == StateDisconnected || to == StateAuthFailed) {
		to, reason = StateLoggedOut, "logout"
	}
	if changed {
		s.state = to
		s.reason = reason
	}
	if changed || refreshed {
		s.updatedAt = time.Now()
		close(s.changed)
		s.changed = make(chan struct{})
	}
	artifact := s.artifact
	at := s.updatedAt
	s.mu.Unlock()

	if ev.Kind == connector.EventPairing && !refreshed {
		log.Debug().Str("component", "sessions").Str("session_id", s.id).Str("state", string(from)).Msg("ignoring pairing artifact outside AWAITING_PAIRING")
	}

	if changed || refreshed {
		log.Info().Str("component", "sessions").Str("session_id", s.id).
			Str("from", string(from)).Str("to", string(to)).Str("event", ev.String()).
			Msg("session transition")
		if s.hooks.onTransition != nil {
			t := Transition{SessionID: s.id, From: from, To: to, Reason: reason, At: at}
			if to == StateAwaitingPairing {
				t.Artifact = artifact
			}
			s.hooks.onTransition(t)
		}
	}

	if ev.Kind == connector.EventInboundMessage && to == StateReady && s.hooks.onInbound != nil {
		s.hooks.onInbound(s.id, ev.Message)
	}

	if changed && to.IsTerminal() && s.hooks.onTerminal != nil {
		s.hooks.onTerminal(s, to)
	}
}

// markLoggedOut is the explicit-logout transition. It runs on the pump so listeners see it in order
// with connector events, and directly when the pump is already gone.
func (s *Session) markLoggedOut() {
	if !s.submit(s.logOutNow) {
		s.logOutNow()
	}
}

func (s *Session) logOutNow() {
	s.mu.Lock()
	from := s.state
	if from.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateLoggedOut
	s.reason = "logout"
	s.updatedAt = time.Now()
	at := s.updatedAt
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	log.Info().Str("component", "sessions").Str("session_id", s.id).Str("from", string(from)).Msg("session logged out")
	if s.hooks.onTransition != nil {
		s.hooks.onTransition(Transition{SessionID: s.id, From: from, To: StateLoggedOut, Reason: "logout", At: at})
	}
}

// AwaitPairing blocks until the session has something to report to a createOrGet caller: a pairing
// artifact, a post-pairing state, or a terminal failure.
func (s *Session) AwaitPairing(ctx context.Context) (PairingResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		state, artifact, reason, changed := s.state, s.artifact, s.reason, s.changed
		s.mu.Unlock()

		res := PairingResult{SessionID: s.id, State: state}
		switch state {
		case StateAwaitingPairing:
			if artifact != "" {
				res.Artifact = artifact
				return res, nil
			}
		case StatePairedPendingReady, StateReady:
			return res, nil
		case StateAuthFailed:
			return res, Fail(ErrAuthFailure, s.id, "create_session", errors.New(reason))
		case StateDisconnected:
			return res, Fail(ErrDisconnected, s.id, "create_session", errors.New(reason))
		case StateLoggedOut:
			return res, Fail(ErrSessionNotFound, s.id, "create_session", nil)
		}

		select {
		case <-changed:
		case <-s.done:
			if !s.State().IsTerminal() {
				return res, Fail(ErrSessionNotFound, s.id, "create_session", nil)
			}
		case <-ctx.Done():
			return res, Fail(ErrPairingTimeout, s.id, "create_session", ctx.Err())
		}
	}
}

// shutdown stops the worker and pump. The worker closes the Connector after its current call.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
