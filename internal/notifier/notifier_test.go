package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"engaged/internal/eventbus"
	kit "engaged/internal/transport"
	logx "engaged/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	texts []string
	fail  int // fail the first n sends
	err   error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return kit.MessageRef{}, f.err
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(ctx context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func startNotifier(t *testing.T, cfg Config, ad kit.Adapter, store DedupStore) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, ad, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func note(text string) kit.Notification {
	return kit.Notification{Target: kit.ChatTarget{ChatID: 42}, Text: text}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s, bus := startNotifier(t, Config{}, ad, nil)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, s.Notify(context.Background(), note("hello")))
	ev := waitFor(t, events, eventbus.NotifierSent)
	require.Equal(t, "fake", ev.Data.(NotificationEvent).Channel)
	require.Equal(t, 1, ad.sentCount())
	require.Equal(t, uint64(1), s.Snapshot().Stats.Sent)
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: 2, err: errors.New("502")}
	s, bus := startNotifier(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, nil)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, s.Notify(context.Background(), note("retry me")))
	waitFor(t, events, eventbus.NotifierSent)
	hist := s.Snapshot().History
	require.Len(t, hist, 1)
	require.Equal(t, 3, hist[0].Attempts)
}

func TestNotifyGivesUp(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: 10, err: errors.New("403 forbidden")}
	s, bus := startNotifier(t, Config{RetryMax: 1, RetryBase: time.Millisecond}, ad, nil)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, s.Notify(context.Background(), note("nope")))
	ev := waitFor(t, events, eventbus.NotifierFailed)
	require.Contains(t, ev.Data.(NotificationEvent).Error, "403")
	require.Equal(t, uint64(1), s.Snapshot().Stats.Failed)
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{}}
	s, _ := startNotifier(t, Config{DedupWindow: time.Minute, PersistDedup: true}, &fakeAdapter{}, store)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, note("same")))
	require.NoError(t, s.Notify(ctx, note("same")))
	require.Equal(t, uint64(1), s.Snapshot().Stats.Queued)
	require.Equal(t, uint64(1), s.Snapshot().Stats.Deduped)

	require.Eventually(t, func() bool {
		_, ok, _ := store.GetDedup(ctx, dedupKey(kit.Notification{Channel: "fake", Target: kit.ChatTarget{ChatID: 42}, Text: "same"}))
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyDedupFromStore(t *testing.T) {
	t.Parallel()
	key := "engage:m1:2024-01-01T09:30"
	store := &memDedup{m: map[string]time.Time{key: time.Now().Add(time.Hour)}}
	s, _ := startNotifier(t, Config{DedupWindow: time.Minute, PersistDedup: true}, &fakeAdapter{}, store)

	n := note("x")
	n.DedupKey = key
	require.NoError(t, s.Notify(context.Background(), n))
	require.Equal(t, uint64(1), s.Snapshot().Stats.Deduped)
}

func TestNotifyRejects(t *testing.T) {
	t.Parallel()
	s, _ := startNotifier(t, Config{}, &fakeAdapter{}, nil)
	ctx := context.Background()

	require.ErrorIs(t, s.Notify(ctx, kit.Notification{Text: "x"}), ErrNoTarget)
	require.ErrorIs(t, s.Notify(ctx, note("  ")), ErrEmptyText)

	off := New(Config{}, &fakeAdapter{}, logx.Nop(), nil, nil)
	require.ErrorIs(t, off.Notify(ctx, note("x")), ErrDisabled)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
	require.ErrorIs(t, s.Notify(ctx, note("late")), ErrStopped)
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	rng := rand.New(rand.NewSource(1))

	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		d := retryDelay(cfg, attempt, errors.New("x"), rng)
		require.GreaterOrEqual(t, d, want*7/10)
		require.LessOrEqual(t, d, want*13/10)
	}
	require.LessOrEqual(t, retryDelay(cfg, 10, errors.New("x"), rng), time.Second)

	hinted := &kit.RetryAfterError{After: 3 * time.Second, Err: errors.New("429")}
	require.Equal(t, 3*time.Second, retryDelay(cfg, 1, hinted, rng))
}
