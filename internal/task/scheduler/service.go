package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"engaged/internal/eventbus"
	"engaged/internal/task/engine"
	logx "engaged/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location returns the zone cron triggers are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps config; a timezone change restarts cron and reports true.
func (s *Service) Apply(cfg Config) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ == newTZ {
		return false
	}
	if s.c == nil {
		s.loc = nil
		return true
	}
	s.restartLocked()
	return true
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		_ = s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Registrations survive and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		d.entryID = 0
		_ = s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
