package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	closed bool
	pairs  map[string]Pair
	audit  []AuditEntry
	dedup  map[string]time.Time
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{
		pairs: map[string]Pair{},
		dedup: map[string]time.Time{},
	}
}

func (s *memoryStore) Load(ctx context.Context, source string) (Pair, error) {
	_ = ctx
	if err := validSource(source); err != nil {
		return Pair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Pair{}, ErrClosed
	}
	p, ok := s.pairs[source]
	if !ok {
		return Pair{}, ErrNoSnapshot
	}
	return Pair{Previous: clone(p.Previous), Current: clone(p.Current), UpdatedAt: p.UpdatedAt}, nil
}

func (s *memoryStore) Commit(ctx context.Context, source string, raw []byte) (Pair, error) {
	_ = ctx
	if err := validSource(source); err != nil {
		return Pair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Pair{}, ErrClosed
	}
	now := time.Now()
	old, ok := s.pairs[source]
	next := Pair{Previous: old.Current, Current: clone(raw), UpdatedAt: now}
	if !ok {
		next.Previous = clone(raw)
	}
	s.pairs[source] = next
	return Pair{Previous: clone(next.Previous), Current: clone(next.Current), Seeded: !ok, UpdatedAt: now}, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
