package engage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

type fakeJob struct {
	name      string
	rule      string
	fn        func(ctx context.Context) error
	cancelled atomic.Bool
}

func (j *fakeJob) Cancel() { j.cancelled.Store(true) }

// fire runs the callback the way the cron runtime would, unless cancelled.
func (j *fakeJob) fire() error {
	if j.cancelled.Load() {
		return nil
	}
	return j.fn(context.Background())
}

type fakeRuntime struct {
	mu   sync.Mutex
	jobs []*fakeJob
	err  error
}

func (r *fakeRuntime) ScheduleRecurring(name, rule string, fn func(ctx context.Context) error) (Job, error) {
	if rule == FallbackRule {
		return nil, errors.New("expected exactly 5 fields")
	}
	if r.err != nil {
		return nil, r.err
	}
	j := &fakeJob{name: name, rule: rule, fn: fn}
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
	return j, nil
}

func (r *fakeRuntime) active() []*fakeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeJob
	for _, j := range r.jobs {
		if !j.cancelled.Load() {
			out = append(out, j)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	msgs    map[string]Message
	audit   []AuditRecord
	findErr error
	lookups int
}

func newFakeStore(msgs ...Message) *fakeStore {
	s := &fakeStore{msgs: map[string]Message{}}
	for _, m := range msgs {
		s.msgs[m.ID] = m
	}
	return s
}

func (s *fakeStore) FindMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.findErr != nil {
		return nil, s.findErr
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &m, nil
}

func (s *fakeStore) FindLive(ctx context.Context, kinds []string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if !m.IsLive {
			continue
		}
		for _, k := range kinds {
			if m.Kind == k {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = *m
	return nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[id]; !ok {
		return ErrMessageNotFound
	}
	delete(s.msgs, id)
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, f ListFilter) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		if f.LiveOnly && !m.IsLive {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

type sendRecorder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *sendRecorder) send(ctx context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m.ID)
	return r.err
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}
