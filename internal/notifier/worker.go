package notifier

import (
	"context"
	"math/rand"
	"time"

	"engaged/internal/eventbus"
	kit "engaged/internal/transport"
	logx "engaged/pkg/logx"
)

// workerLoop returns nil once the queue is closed and drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j, rng)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job, rng *rand.Rand) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		s.failed.Add(1)
		s.publish(eventbus.NotifierFailed, j.n, j.key, ErrStopped)
		return
	}

	attempts := 0
	var err error
	for attempts <= cfg.RetryMax {
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		attempts++
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = ad.SendText(sctx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			break
		}
		s.log.Debug("send failed", logx.Int("attempt", attempts), logx.Int64("chat_id", j.n.Target.ChatID), logx.Err(err))
		if attempts > cfg.RetryMax {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempts, err, rng)) {
			err = ctx.Err()
			break
		}
	}

	item := HistoryItem{At: time.Now(), ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Key: j.key, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.publish(eventbus.NotifierFailed, j.n, j.key, err)
		s.log.Warn("notification failed", logx.Int64("chat_id", j.n.Target.ChatID), logx.Int("attempts", attempts), logx.Err(err))
	} else {
		s.sent.Add(1)
		s.publish(eventbus.NotifierSent, j.n, j.key, nil)
	}
	s.record(item, cfg.HistorySize)
}

// retryDelay is the wait before attempt+1: the transport's retry-after hint
// when present, else base*2^(attempt-1) capped and jittered to 70..130%.
func retryDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	if after, ok := kit.RetryAfter(err); ok && after > 0 {
		return after
	}
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
