package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	kit "engaged/internal/transport"
	logx "engaged/pkg/logx"
)

const dedupLookupTimeout = 50 * time.Millisecond

// dedupKey is n.DedupKey when set, else a hash of target and text.
func dedupKey(n kit.Notification) string {
	if k := strings.TrimSpace(n.DedupKey); k != "" {
		return k
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%016x", h.Sum64())
}

type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: map[string]time.Time{}}
}

// seen reports whether key is still suppressed at now.
func (c *dedupCache) seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[key]
	return ok && now.Before(until)
}

// mark suppresses key until until, then evicts expired entries and, past max,
// the entries closest to expiry.
func (c *dedupCache) mark(key string, until, now time.Time, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for max > 0 && len(c.until) > max {
		var oldest string
		var oldestAt time.Time
		for k, u := range c.until {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(c.until, oldest)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}

// allow checks memory then the store and, when the key is free, opens a new
// window. The returned time is the new suppress-until mark, zero when denied.
func (s *Service) allow(ctx context.Context, key string, cfg Config) (time.Time, bool) {
	now := time.Now()
	if s.dedup.seen(key, now) {
		return time.Time{}, false
	}
	if cfg.PersistDedup && s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.mark(key, until, now, cfg.DedupMaxEntries)
			return time.Time{}, false
		}
	}
	until := now.Add(cfg.DedupWindow)
	s.dedup.mark(key, until, now, cfg.DedupMaxEntries)
	return until, true
}

type dedupWrite struct {
	key   string
	until time.Time
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}
