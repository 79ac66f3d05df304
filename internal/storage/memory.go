package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"engaged/internal/engage"
)

const memAuditCap = 1000

// memStore keeps everything in maps. It also backs the file driver.
type memStore struct {
	mu     sync.RWMutex
	msgs   map[string]engage.Message
	audit  []engage.AuditRecord
	dedup  map[string]time.Time
	closed bool
}

func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		msgs:  map[string]engage.Message{},
		dedup: map[string]time.Time{},
	}
}

func (s *memStore) FindMessage(ctx context.Context, id string) (*engage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, engage.ErrMessageNotFound
	}
	m = cloneMessage(m)
	return &m, nil
}

func (s *memStore) FindLive(ctx context.Context, kinds []string) ([]engage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engage.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.IsLive && containsKind(kinds, m.Kind) {
			out = append(out, cloneMessage(m))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *memStore) ListMessages(ctx context.Context, f engage.ListFilter) ([]engage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engage.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if matchFilter(m, f) {
			out = append(out, cloneMessage(m))
		}
	}
	sortByCreated(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) SaveMessage(ctx context.Context, m *engage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.msgs[m.ID] = cloneMessage(*m)
	return nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.msgs[id]; !ok {
		return engage.ErrMessageNotFound
	}
	delete(s.msgs, id)
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, rec engage.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, rec)
	if len(s.audit) > memAuditCap {
		s.audit = append([]engage.AuditRecord(nil), s.audit[len(s.audit)-memAuditCap:]...)
	}
	return nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
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

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (s *memStore) pruneDedupLocked(now time.Time) {
	for k, until := range s.dedup {
		if until.Before(now) {
			delete(s.dedup, k)
		}
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func cloneMessage(m engage.Message) engage.Message {
	if m.ScheduleDate != nil {
		sd := *m.ScheduleDate
		if sd.Time != nil {
			t := *sd.Time
			sd.Time = &t
		}
		m.ScheduleDate = &sd
	}
	return m
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func matchFilter(m engage.Message, f engage.ListFilter) bool {
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	return !f.LiveOnly || m.IsLive
}

func sortByCreated(ms []engage.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}
