package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"engaged/internal/task/engine"
	logx "engaged/pkg/logx"
)

var ErrNameRequired = errors.New("schedule name required")

// Validate reports whether spec is accepted by the cron parser.
func (s *Service) Validate(spec string) error {
	_, err := s.parser.Parse(strings.TrimSpace(spec))
	return err
}

// NextRuns returns up to n trigger times of spec after from, in the
// scheduler's timezone.
func (s *Service) NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sch, err := s.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, err
	}
	t := from.In(s.Location())
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sch.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (*Handle, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddCronOpt registers job under name, replacing any schedule with that name.
// An unparseable spec is rejected before anything is registered.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if job == nil {
		return nil, errors.New("schedule job is nil")
	}
	spec = strings.TrimSpace(spec)
	if err := s.Validate(spec); err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeByNameLocked(name)

	d := &scheduleDef{
		id:        fmt.Sprintf("cron:%d", s.seq.Add(1)),
		name:      name,
		spec:      spec,
		timeout:   timeout,
		job:       job,
		opt:       opt,
		state:     &engine.RunState{},
		cancelled: new(atomic.Bool),
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			s.defs = s.defs[:len(s.defs)-1]
			return nil, err
		}
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.String("id", d.id),
			logx.String("spec", spec),
			logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return &Handle{svc: s, id: d.id, name: name, spec: spec, cancelled: d.cancelled}, nil
}

// Remove drops the schedule registered under name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeByNameLocked(strings.TrimSpace(name))
}

func (s *Service) removeByNameLocked(name string) bool {
	for i, d := range s.defs {
		if d.name == name {
			s.dropLocked(i)
			return true
		}
	}
	return false
}

func (s *Service) removeByIDLocked(id string) bool {
	for i, d := range s.defs {
		if d.id == id {
			s.dropLocked(i)
			return true
		}
	}
	return false
}

func (s *Service) dropLocked(i int) {
	d := s.defs[i]
	d.cancelled.Store(true)
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	s.defs = append(s.defs[:i], s.defs[i+1:]...)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	trigger := cron.FuncJob(func() {
		if d.cancelled.Load() || s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    d.name,
			Timeout: d.timeout,
			Run: func(ctx context.Context) error {
				// A firing queued before Cancel must not run after it.
				if d.cancelled.Load() {
					return nil
				}
				return d.job(ctx)
			},
			Opt:   d.opt,
			State: d.state,
		})
		s.reportEnqueueError(d.name, err)
	})
	id, err := s.c.AddJob(d.spec, trigger)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	d.entryID = id
	return nil
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }
func (h *Handle) Spec() string { return h.spec }

// Cancel removes the registration. It is idempotent. No new firing is
// triggered after it returns; a firing already past its cancellation check
// may still complete.
func (h *Handle) Cancel() {
	if h == nil || h.svc == nil {
		return
	}
	if h.cancelled.Swap(true) {
		return
	}
	h.svc.mu.Lock()
	h.svc.removeByIDLocked(h.id)
	h.svc.mu.Unlock()
}

// Cancelled reports whether the handle no longer fires.
func (h *Handle) Cancelled() bool {
	return h == nil || h.cancelled.Load()
}
