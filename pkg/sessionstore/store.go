// Package sessionstore keeps a ledger of session lifecycle metadata: which session ids exist, their
// last known state and when they were created, paired and last changed. It never stores messages.
package sessionstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// SessionRecord is the ledger row of one session id.
type SessionRecord struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
	PairedAtMs  int64  `json:"paired_at_ms,omitempty"`
	Transitions int64  `json:"transitions"`
}

type Store interface {
	Upsert(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	// List returns records most recently updated first.
	List(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error)
	Close() error
}

const DefaultListLimit = 200

func normalizeRecord(r SessionRecord) (SessionRecord, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return r, errors.New("session id is empty")
	}
	if r.State == "" {
		return r, errors.New("state is empty")
	}
	if r.CreatedAtMs <= 0 {
		r.CreatedAtMs = r.UpdatedAtMs
	}
	if r.UpdatedAtMs < r.CreatedAtMs {
		r.UpdatedAtMs = r.CreatedAtMs
	}
	return r, nil
}
