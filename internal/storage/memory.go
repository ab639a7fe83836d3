package storage

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps records in a map. It is the default driver and the
// reference implementation of the CompareAndSwap contract.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	audit   []AuditEntry
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{records: map[string]Record{}}
}

func (s *memoryStore) Load(ctx context.Context, userID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	rec, ok := s.records[userID]
	if !ok {
		return Record{UserID: userID}, nil
	}
	return rec.Clone(), nil
}

func (s *memoryStore) CompareAndSwap(ctx context.Context, rec Record, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.records[rec.UserID]
	if (!ok && expected != 0) || (ok && cur.Version != expected) {
		return ErrConflict
	}
	rec = rec.Clone()
	rec.Version = expected + 1
	s.records[rec.UserID] = rec
	return nil
}

func (s *memoryStore) ListUsers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if !rec.Empty() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > 1000 {
		s.audit = s.audit[len(s.audit)-1000:]
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
