// Package relay forwards inbound-message notifications of READY sessions to downstream sinks.
// Delivery is best effort: notifications are queued on a bounded buffer, dropped when it is full,
// and never retried.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/sessions"
)

const (
	DefaultBuffer  = 256
	DefaultWorkers = 2
)

// Notification is the payload handed to every sink.
type Notification struct {
	ID        string               `json:"id"`
	SessionID string               `json:"sessionId"`
	Message   connector.MessageRef `json:"message"`
	At        time.Time            `json:"at"`
}

// Sink delivers one notification downstream.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type Config struct {
	Sinks   []Sink
	Buffer  int
	Workers int
}

type Relay struct {
	sinks   []Sink
	queue   chan Notification
	workers int

	runOnce   sync.Once
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func New(cfg Config) (*Relay, error) {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	for i, s := range cfg.Sinks {
		if s == nil {
			return nil, errors.Errorf("relay: sink %d is nil", i)
		}
	}
	return &Relay{
		sinks:   append([]Sink(nil), cfg.Sinks...),
		queue:   make(chan Notification, buffer),
		workers: workers,
	}, nil
}

// Notify enqueues a notification without blocking. It has the shape of sessions.InboundHandler.
func (r *Relay) Notify(sessionID string, ref connector.MessageRef) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	n := Notification{ID: uuid.NewString(), SessionID: sessionID, Message: ref, At: time.Now().UTC()}
	select {
	case r.queue <- n:
	default:
		r.dropped.Add(1)
		log.Warn().
			Err(sessions.Fail(sessions.ErrWebhookDeliveryFailure, sessionID, "relay", errors.New("relay buffer full"))).
			Str("component", "relay").Str("session_id", sessionID).Str("message_id", ref.ID).
			Msg("dropping inbound notification")
	}
}

// Run drains the queue with the configured number of workers until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r == nil {
		return nil
	}
	started := false
	r.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("relay: already running")
	}
	log.Info().Str("component", "relay").Int("workers", r.workers).Int("sinks", len(r.sinks)).Msg("relay started")

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Relay) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-r.queue:
			r.deliver(ctx, n)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, n Notification) {
	for _, s := range r.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			r.failed.Add(1)
			log.Warn().
				Err(sessions.Fail(sessions.ErrWebhookDeliveryFailure, n.SessionID, "relay", err)).
				Str("component", "relay").Str("sink", s.Name()).Str("session_id", n.SessionID).Str("message_id", n.Message.ID).
				Msg("notification delivery failed")
			continue
		}
		r.delivered.Add(1)
		log.Debug().Str("component", "relay").Str("sink", s.Name()).Str("session_id", n.SessionID).Str("message_id", n.Message.ID).Msg("notification delivered")
	}
}

func (r *Relay) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{Delivered: r.delivered.Load(), Failed: r.failed.Load(), Dropped: r.dropped.Load()}
}
