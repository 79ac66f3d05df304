package app

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"engaged/internal/engage"
	"engaged/internal/task/engine"
	"engaged/internal/task/scheduler"
	kit "engaged/internal/transport"
)

// ruleParser accepts exactly the five fields CompileRule emits. The
// scheduler's own parser also takes an optional seconds field, which would
// shift a six-token rule by one field instead of rejecting it.
var ruleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func checkRule(rule string) error {
	if _, err := ruleParser.Parse(rule); err != nil {
		return fmt.Errorf("engage rule %q: %w", rule, err)
	}
	return nil
}

// cronRuntime registers engage jobs on the scheduler. A firing runs once on
// the task engine; delivery retries belong to the notifier.
type cronRuntime struct {
	s        *scheduler.Service
	settings *atomic.Pointer[sendSettings]
}

func (r cronRuntime) ScheduleRecurring(name, rule string, fn func(ctx context.Context) error) (engage.Job, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}
	var timeout time.Duration
	if st := r.settings.Load(); st != nil {
		timeout = st.FireTimeout
	}
	h, err := r.s.AddCronOpt(name, rule, timeout,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning},
		func(ctx context.Context) error {
			return engine.NoRetry(fn(ctx))
		})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// rulePreviewer lists upcoming runs of an engage rule, rejecting rules the
// runtime would reject.
type rulePreviewer struct{ s *scheduler.Service }

func (p rulePreviewer) NextRuns(rule string, from time.Time, n int) ([]time.Time, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}
	return p.s.NextRuns(rule, from, n)
}

// Notifier is the delivery surface engage messages are handed to.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// newSender builds the engage SendFunc. scheduled marks firings from the
// registry; with dedup_per_minute those carry a per-minute dedup key so a
// duplicate trigger inside the same minute is dropped.
func newSender(n Notifier, settings *atomic.Pointer[sendSettings], now func() time.Time, scheduled bool) engage.SendFunc {
	return func(ctx context.Context, m engage.Message) error {
		st := settings.Load()
		if st == nil {
			st = &sendSettings{}
		}
		target := kit.ChatTarget{ChatID: m.Target.ChatID, ThreadID: m.Target.ThreadID}
		if target.ChatID == 0 {
			target.ChatID = st.DefaultChatID
		}
		note := kit.Notification{
			Priority: 5,
			Target:   target,
			Text:     m.Content,
		}
		if st.ParseMode != "" || st.DisablePreview {
			note.Options = &kit.SendOptions{ParseMode: st.ParseMode, DisablePreview: st.DisablePreview}
		}
		if scheduled && st.DedupPerMinute {
			note.DedupKey = "engage:" + m.ID + ":" + strconv.FormatInt(now().Unix()/60, 10)
		}
		if err := n.Notify(ctx, note); err != nil {
			return fmt.Errorf("notify %s: %w", m.ID, err)
		}
		return nil
	}
}
