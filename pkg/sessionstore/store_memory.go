package sessionstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: map[string]SessionRecord{}}
}

func (s *InMemoryStore) Upsert(_ context.Context, record SessionRecord) error {
	if s == nil {
		return errors.New("in-memory session store: nil store")
	}
	record, err := normalizeRecord(record)
	if err != nil {
		return errors.Wrap(err, "in-memory session store")
	}
	s.mu.Lock()
	s.records[record.SessionID] = record
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, errors.New("in-memory session store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("in-memory session store: session id is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[sessionID]
	return r, ok, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory session store: nil store")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	out := make([]SessionRecord, 0, len(s.records))
	for _, r := range s.records {
		if sinceMs > 0 && r.UpdatedAtMs < sinceMs {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtMs != out[j].UpdatedAtMs {
			return out[i].UpdatedAtMs > out[j].UpdatedAtMs
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
