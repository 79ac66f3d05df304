package engage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"engaged/internal/eventbus"
	logx "engaged/pkg/logx"
)

type TrackerOptions struct {
	Log logx.Logger
	Bus eventbus.Bus
	// Location is read on every compile so a timezone reload takes effect
	// for the next registration.
	Location func() *time.Location
	Now      func() time.Time
}

// Tracker owns the in-memory registry of recurring message jobs. It holds at
// most one entry per message id.
type Tracker struct {
	store MessageStore
	rt    Runtime
	send  SendFunc

	log logx.Logger
	bus eventbus.Bus
	loc func() *time.Location
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*ScheduleEntry
	closed  bool
}

func NewTracker(store MessageStore, rt Runtime, send SendFunc, opt TrackerOptions) *Tracker {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = func() *time.Location { return time.Local }
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Tracker{
		store:   store,
		rt:      rt,
		send:    send,
		log:     opt.Log.With(logx.String("comp", "engage.tracker")),
		bus:     opt.Bus,
		loc:     opt.Location,
		now:     opt.Now,
		entries: map[string]*ScheduleEntry{},
	}
}

// JobName is the runtime name used for message id.
func JobName(id string) string { return "engage:" + id }

// CreateSchedule registers a recurring job that sends msg on every firing of
// the rule compiled from msg.ScheduleDate. An existing entry for msg.ID is
// cancelled first. On error no entry exists for msg.ID.
func (t *Tracker) CreateSchedule(ctx context.Context, msg Message) error {
	_ = ctx
	if msg.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	rule := CompileRule(msg.ScheduleDate, t.loc())
	name := JobName(msg.ID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("engage tracker closed")
	}
	if old, ok := t.entries[msg.ID]; ok {
		old.Job.Cancel()
		delete(t.entries, msg.ID)
	}

	job, err := t.rt.ScheduleRecurring(name, rule, t.fire(msg, rule))
	if err != nil {
		t.log.Warn("schedule rejected", logx.String("id", msg.ID), logx.String("rule", rule), logx.Err(err))
		return fmt.Errorf("schedule message %s with rule %q: %w", msg.ID, rule, err)
	}
	t.entries[msg.ID] = &ScheduleEntry{ID: msg.ID, Name: name, Rule: rule, Since: t.now(), Job: job}
	t.log.Debug("schedule created", logx.String("id", msg.ID), logx.String("rule", rule))
	t.publish(eventbus.EngageScheduled, msg.ID, rule, nil)
	return nil
}

// UpdateOrRemoveSchedule cancels the entry for id. With update it then
// re-reads the message and schedules the fresh copy. An id with no entry is
// left alone, as is a message that vanished from the store.
func (t *Tracker) UpdateOrRemoveSchedule(ctx context.Context, id string, update bool) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		e.Job.Cancel()
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.publish(eventbus.EngageCancelled, id, e.Rule, nil)
	if !update {
		return nil
	}

	msg, err := t.store.FindMessage(ctx, id)
	if errors.Is(err, ErrMessageNotFound) || (err == nil && msg == nil) {
		t.log.Info("message gone; schedule not recreated", logx.String("id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("refetch message %s: %w", id, err)
	}
	return t.CreateSchedule(ctx, *msg)
}

// Bootstrap registers every live auto message and returns how many were
// scheduled. A message that fails to register is logged and skipped.
func (t *Tracker) Bootstrap(ctx context.Context) (int, error) {
	msgs, err := t.store.FindLive(ctx, AutoKinds)
	if err != nil {
		return 0, fmt.Errorf("load live messages: %w", err)
	}
	n := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := t.CreateSchedule(ctx, m); err != nil {
			t.log.Warn("bootstrap skipped message", logx.String("id", m.ID), logx.Err(err))
			continue
		}
		n++
	}
	t.log.Info("bootstrap done", logx.Int("live", len(msgs)), logx.Int("scheduled", n))
	return n, nil
}

// Reload cancels every entry and bootstraps again, e.g. after the
// scheduler timezone changed.
func (t *Tracker) Reload(ctx context.Context) (int, error) {
	t.mu.Lock()
	for id, e := range t.entries {
		e.Job.Cancel()
		delete(t.entries, id)
	}
	t.mu.Unlock()
	return t.Bootstrap(ctx)
}

func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of the registry ordered by id.
func (t *Tracker) Entries() []ScheduleEntry {
	t.mu.Lock()
	out := make([]ScheduleEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cancels all jobs; later CreateSchedule calls fail.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		e.Job.Cancel()
		delete(t.entries, id)
	}
	t.closed = true
}

// fire is the per-firing callback. It never touches the registry, so a
// failing send leaves the job scheduled.
func (t *Tracker) fire(msg Message, rule string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t.publish(eventbus.EngageFired, msg.ID, rule, nil)
		if err := t.send(ctx, msg); err != nil {
			t.log.Warn("engage send failed", logx.String("id", msg.ID), logx.Err(err))
			t.publish(eventbus.EngageSendFail, msg.ID, rule, err)
			return err
		}
		return nil
	}
}

// FireEvent is the payload of engage.* bus events.
type FireEvent struct {
	ID    string `json:"id"`
	Rule  string `json:"rule"`
	Error string `json:"error,omitempty"`
}

func (t *Tracker) publish(typ, id, rule string, err error) {
	if t.bus == nil {
		return
	}
	ev := FireEvent{ID: id, Rule: rule}
	if err != nil {
		ev.Error = err.Error()
	}
	t.bus.Publish(eventbus.Event{Type: typ, Time: t.now(), Data: ev})
}
