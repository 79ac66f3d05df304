package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"engaged/internal/eventbus"
	rtsup "engaged/internal/runtime/supervisor"
	logx "engaged/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes tasks on a bounded worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil while stopping

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarn atomic.Int64
	lastStaleWarn     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: map[string]*RunState{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps config; a running engine restarts when pool or queue size change.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.stopCh != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes intake and waits for workers until ctx expires. Queued tasks
// that have not started are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx ends, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg := s.cfg
	q, stopCh := s.q, s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil || stopCh == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := opt.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.publish(TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if track {
				st.release()
			}
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if track {
			st.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			st.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if size > 0 && len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.publish(TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if shouldWarn(&s.lastQueueFullWarn, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStale(now time.Time, t Task, delay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.publish(TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})
	if shouldWarn(&s.lastStaleWarn, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}

const (
	TaskStarted  = eventbus.TaskStarted
	TaskFinished = eventbus.TaskFinished
	TaskFailed   = eventbus.TaskFailed
	TaskSkipped  = eventbus.TaskSkipped
	TaskDropped  = eventbus.TaskDropped
)
