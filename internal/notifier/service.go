package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"engaged/internal/eventbus"
	rtsup "engaged/internal/runtime/supervisor"
	kit "engaged/internal/transport"
	logx "engaged/pkg/logx"
)

type job struct {
	n   kit.Notification
	key string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	stopping  chan struct{}

	dedup *dedupCache

	hmu     sync.Mutex
	history []HistoryItem

	queued, sent, failed, deduped, dropped atomic.Uint64
}

// New builds a notifier; store may be nil.
func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		dedup:   newDedupCache(),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates limits in place. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// SetAdapter swaps the transport used by subsequent sends.
func (s *Service) SetAdapter(a kit.Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.queue = make(chan job, cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	if cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
		pch := s.persistCh
		s.sup.GoRestart("notifier.dedup", func(c context.Context) error {
			return s.persistLoop(c, pch)
		}, rtsup.WithPublishFirstError(true))
	}
	q := s.queue
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new notifications and drains the queue until ctx expires,
// after which workers are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	q, pch, sup := s.queue, s.persistCh, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqueueWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.stopping = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending sends dropped", logx.Err(ctx.Err()))
	}
}

// Notify queues n for delivery. A repeat inside the dedup window returns nil
// without sending.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Target.ChatID == 0 {
		return ErrNoTarget
	}
	if strings.TrimSpace(n.Text) == "" {
		return ErrEmptyText
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	if n.Channel == "" && s.adapter != nil {
		n.Channel = s.adapter.Name()
	}
	cfg, q, pch := s.cfg, s.queue, s.persistCh
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 {
		until, ok := s.allow(ctx, key, cfg)
		if !ok {
			s.deduped.Add(1)
			s.publish(eventbus.NotifierDeduped, n, key, nil)
			return nil
		}
		if pch != nil {
			select {
			case pch <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case q <- job{n: n, key: key}:
		s.queued.Add(1)
		s.publish(eventbus.NotifierQueued, n, key, nil)
		return nil
	default:
		s.dropped.Add(1)
		s.publish(eventbus.NotifierDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.queue != nil}
	if s.queue != nil {
		out.QueueLen, out.QueueCap = len(s.queue), cap(s.queue)
	}
	s.mu.Unlock()
	out.Stats = Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
	}
	s.hmu.Lock()
	out.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) record(item HistoryItem, limit int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
