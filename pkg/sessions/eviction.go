package sessions

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
)

// SetEvictionConfig sets how long a session may sit in AWAITING_PAIRING and how often that is checked.
func (r *Registry) SetEvictionConfig(ttl, interval time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.pairingTTL = ttl
	r.evictInterval = interval
	r.mu.Unlock()
}

func (r *Registry) StartEvictionLoop(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		panic("sessions: StartEvictionLoop requires non-nil ctx")
	}
	r.mu.Lock()
	if r.evictRunning {
		r.mu.Unlock()
		return
	}
	ttl := r.pairingTTL
	interval := r.evictInterval
	if ttl <= 0 || interval <= 0 {
		r.mu.Unlock()
		return
	}
	r.evictRunning = true
	r.mu.Unlock()

	go r.runEvictionLoop(ctx, interval)
}

func (r *Registry) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.evictRunning = false
			r.mu.Unlock()
			return
		case now := <-ticker.C:
			r.evictStaleOnce(now)
		}
	}
}

// evictStaleOnce disconnects sessions that never got past pairing within the TTL.
func (r *Registry) evictStaleOnce(now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	ttl := r.pairingTTL
	if ttl <= 0 {
		r.mu.Unlock()
		return 0
	}
	ss := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.mu.Unlock()

	evicted := 0
	for _, s := range ss {
		snap := s.Snapshot()
		if snap.State != StateAwaitingPairing || now.Sub(snap.CreatedAt) < ttl {
			continue
		}
		r.mu.Lock()
		current, ok := r.sessions[s.id]
		r.mu.Unlock()
		if !ok || current != s {
			continue
		}
		if s.evictIfAwaiting(ttl) {
			evicted++
		}
	}
	return evicted
}

// evictIfAwaiting disconnects the session on its event pump if it is still awaiting pairing.
func (s *Session) evictIfAwaiting(ttl time.Duration) bool {
	evicted := false
	s.submit(func() {
		if s.State() != StateAwaitingPairing {
			return
		}
		log.Info().Str("component", "sessions").Str("session_id", s.id).Dur("ttl", ttl).Msg("evicting unpaired session")
		s.apply(connector.DisconnectedEvent("pairing expired"))
		evicted = true
	})
	return evicted
}
