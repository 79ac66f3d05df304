package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "engaged/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track {
		defer qt.state.release()
	}
	start := time.Now()
	delay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && delay > maxDelay {
		s.onStale(start, qt.task, delay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", delay))
	s.publish(TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay})

	err, attempts := s.runAttempts(ctx, stopCh, qt, rng)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(TaskFailed, ev)
	} else {
		s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(TaskFinished, ev)
	}
	s.record(item)
}

// runAttempts runs the task until success, a NoRetry error, or the retry
// budget is spent. Panics become errors.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (err error, attempts int) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return nil, attempts
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err, attempts
		}
		if attempts == maxAttempts {
			break
		}
		wait := backoffDelay(qt.opt, attempts, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err(), attempts
		case <-stopCh:
			t.Stop()
			return ErrStopping, attempts
		case <-t.C:
		}
	}
	return err, min(attempts, maxAttempts)
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay returns the wait before attempt retry+1: base*2^(retry-1),
// capped and jittered.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	maxD := opt.RetryMaxDelay
	d := opt.RetryBase
	for i := 1; i < retry && d < maxD; i++ {
		d *= 2
	}
	d = min(d, maxD)
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
