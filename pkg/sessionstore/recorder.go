package sessionstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/sessions"
)

const defaultRecorderBuffer = 512

// Recorder is a registry listener that writes lifecycle transitions to a Store off the event path.
type Recorder struct {
	store   Store
	queue   chan sessions.Transition
	dropped atomic.Int64
}

var _ sessions.Listener = (*Recorder)(nil)

func NewRecorder(store Store, buffer int) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("sessionstore: store is required")
	}
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	return &Recorder{store: store, queue: make(chan sessions.Transition, buffer)}, nil
}

// OnTransition enqueues t without blocking; transitions are dropped when the queue is full.
func (r *Recorder) OnTransition(t sessions.Transition) {
	select {
	case r.queue <- t:
	default:
		r.dropped.Add(1)
		log.Warn().Str("component", "sessionstore").Str("session_id", t.SessionID).Str("to", string(t.To)).Msg("ledger queue full, dropping transition")
	}
}

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run applies queued transitions until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case t := <-r.queue:
			r.apply(ctx, t)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case t := <-r.queue:
			r.apply(ctx, t)
		default:
			return
		}
	}
}

func (r *Recorder) apply(ctx context.Context, t sessions.Transition) {
	rec, err := r.Record(ctx, t)
	if err != nil {
		log.Warn().Err(err).Str("component", "sessionstore").Str("session_id", t.SessionID).Msg("recording transition failed")
		return
	}
	log.Debug().Str("component", "sessionstore").Str("session_id", rec.SessionID).Str("state", rec.State).Int64("transitions", rec.Transitions).Msg("transition recorded")
}

// Record folds one transition into the session's ledger row.
func (r *Recorder) Record(ctx context.Context, t sessions.Transition) (SessionRecord, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	rec, ok, err := r.store.Get(ctx, t.SessionID)
	if err != nil {
		return SessionRecord{}, err
	}
	if !ok || t.From == sessions.StateUnpaired {
		// a fresh lifecycle for this id
		rec = SessionRecord{SessionID: t.SessionID, CreatedAtMs: ms, Transitions: rec.Transitions}
	}
	rec.State = string(t.To)
	rec.Reason = t.Reason
	rec.UpdatedAtMs = ms
	rec.Transitions++
	if rec.PairedAtMs == 0 && (t.To == sessions.StatePairedPendingReady || t.To == sessions.StateReady) {
		rec.PairedAtMs = ms
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}
