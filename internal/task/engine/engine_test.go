package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"engaged/internal/eventbus"
	logx "engaged/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "engage:m1", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	waitEvent(t, events, TaskFinished)
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestNoRetryRunsOnce(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var runs atomic.Int32
	_ = s.Enqueue(Task{Name: "send", Run: func(ctx context.Context) error {
		runs.Add(1)
		return NoRetry(errors.New("smtp down"))
	}})
	e := waitEvent(t, events, TaskFailed)
	ev := e.Data.(TaskEvent)
	if ev.Attempts != 1 || runs.Load() != 1 {
		t.Fatalf("attempts = %d runs = %d, want 1/1", ev.Attempts, runs.Load())
	}
	if ev.Error != "smtp down" {
		t.Fatalf("Error = %q, want unwrapped error", ev.Error)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error {
		panic("nil content")
	}, Opt: TaskOptions{RetryMax: -1}})
	waitEvent(t, events, TaskFailed)

	var ran atomic.Bool
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	waitEvent(t, events, TaskFinished)
	if !ran.Load() {
		t.Fatal("worker did not survive panic")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	st := &RunState{}
	task := Task{Name: "slow", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue() error: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue() = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue() = %v, want ErrDisabled", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() = %v, want ErrStopped", err)
	}
	if err := idle.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("Enqueue() with nil Run should fail")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, rng); got != tt.want {
			t.Fatalf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
