package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"engaged/internal/eventbus"
	"engaged/internal/task/engine"
	logx "engaged/pkg/logx"
)

func newService(t *testing.T, tz string) *Service {
	t.Helper()
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, Timezone: tz}, eng, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func TestAddCronFires(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")
	s.Start(context.Background())

	fired := make(chan struct{}, 4)
	if _, err := s.AddCron("engage:a", "* * * * * *", time.Second, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddCron() error: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}
}

func TestCancelStopsFiring(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")
	s.Start(context.Background())

	var n atomic.Int32
	h, err := s.AddCron("engage:b", "* * * * * *", time.Second, func(ctx context.Context) error {
		n.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddCron() error: %v", err)
	}
	h.Cancel()
	h.Cancel()
	if !h.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel")
	}
	time.Sleep(1500 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("job ran %d times after Cancel", got)
	}
	if got := len(s.Snapshot().Schedules); got != 0 {
		t.Fatalf("Snapshot().Schedules len = %d, want 0", got)
	}
}

func TestAddCronRejectsInvalidSpec(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")

	tests := []string{"* 45 23 * ", "", "61 * * * *", "not a cron"}
	for _, spec := range tests {
		if _, err := s.AddCron("engage:bad", spec, 0, func(context.Context) error { return nil }); err == nil {
			t.Errorf("AddCron(%q) error = nil, want parse error", spec)
		}
	}
	if got := len(s.Snapshot().Schedules); got != 0 {
		t.Fatalf("invalid specs registered %d schedules", got)
	}
}

func TestAddCronUpsertsByName(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")
	s.Start(context.Background())

	first, err := s.AddCron("engage:c", "0 9 * * *", 0, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddCron() error: %v", err)
	}
	second, err := s.AddCron("engage:c", "30 10 * * 1", 0, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("AddCron() error: %v", err)
	}
	if !first.Cancelled() {
		t.Error("replaced handle still active")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("Schedules len = %d, want 1", len(snap.Schedules))
	}
	if got := snap.Schedules[0]; got.ID != second.ID() || got.Spec != "30 10 * * 1" || got.Next.IsZero() {
		t.Fatalf("Schedules[0] = %+v", got)
	}
	if !s.Remove("engage:c") || s.Remove("engage:c") {
		t.Fatal("Remove() should succeed once")
	}
}

func TestRegistrationsSurviveRestart(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")
	if _, err := s.AddCron("engage:d", "0 12 * * *", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddCron() error: %v", err)
	}
	if s.Snapshot().Running {
		t.Fatal("Running = true before Start")
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	s.Start(context.Background())
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("Schedules = %+v", snap.Schedules)
	}
}

func TestApplyTimezoneChange(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")
	s.Start(context.Background())

	if s.Apply(Config{Enabled: true, Timezone: "UTC"}) {
		t.Error("Apply() with same tz reported change")
	}
	if !s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"}) {
		t.Error("Apply() with new tz reported no change")
	}
	if got := s.Location().String(); got != "Asia/Tokyo" {
		t.Errorf("Location() = %s, want Asia/Tokyo", got)
	}
}

func TestNextRuns(t *testing.T) {
	t.Parallel()
	s := newService(t, "UTC")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.NextRuns("30 9 * * *", from, 3)
	if err != nil {
		t.Fatalf("NextRuns() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("NextRuns() len = %d, want 3", len(got))
	}
	want := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	if !got[0].Equal(want) || !got[1].Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("NextRuns() = %v", got)
	}
}
