package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	c := s.c
	loc := s.loc
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}
	out := Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  tz,
		Schedules: items,
	}
	if eng != nil {
		out.Engine = eng.Snapshot()
	}
	return out
}
