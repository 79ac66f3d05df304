package engage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"engaged/internal/eventbus"
	logx "engaged/pkg/logx"
)

// Audit actions.
const (
	ActionAdd     = "add"
	ActionEdit    = "edit"
	ActionRemove  = "remove"
	ActionLive    = "live"
	ActionPause   = "pause"
	ActionSendNow = "send_now"
)

// RulePreviewer computes upcoming trigger times of a cron rule.
type RulePreviewer interface {
	NextRuns(spec string, from time.Time, n int) ([]time.Time, error)
}

type ManagerOptions struct {
	Log       logx.Logger
	Bus       eventbus.Bus
	Previewer RulePreviewer
	Now       func() time.Time
	NewID     func() string
}

// Manager applies message mutations to the store and keeps the tracker's
// registry consistent with them.
type Manager struct {
	store   Store
	tracker *Tracker
	send    SendFunc
	preview RulePreviewer

	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
}

func NewManager(store Store, tracker *Tracker, send SendFunc, opt ManagerOptions) *Manager {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = func() string { return uuid.NewString() }
	}
	return &Manager{
		store:   store,
		tracker: tracker,
		send:    send,
		preview: opt.Previewer,
		log:     opt.Log.With(logx.String("comp", "engage.manager")),
		bus:     opt.Bus,
		now:     opt.Now,
		newID:   opt.NewID,
	}
}

// Patch holds the fields Edit may change; nil means keep.
type Patch struct {
	Kind         *string       `json:"kind,omitempty"`
	Title        *string       `json:"title,omitempty"`
	Content      *string       `json:"content,omitempty"`
	IsLive       *bool         `json:"is_live,omitempty"`
	IsDraft      *bool         `json:"is_draft,omitempty"`
	Target       *Target       `json:"target,omitempty"`
	ScheduleDate *ScheduleDate `json:"schedule_date,omitempty"`
	// ClearSchedule drops the ScheduleDate.
	ClearSchedule bool `json:"clear_schedule,omitempty"`
}

func (p Patch) apply(m *Message) {
	if p.Kind != nil {
		m.Kind = *p.Kind
	}
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.IsLive != nil {
		m.IsLive = *p.IsLive
	}
	if p.IsDraft != nil {
		m.IsDraft = *p.IsDraft
	}
	if p.Target != nil {
		m.Target = *p.Target
	}
	if p.ClearSchedule {
		m.ScheduleDate = nil
	} else if p.ScheduleDate != nil {
		sd := *p.ScheduleDate
		m.ScheduleDate = &sd
	}
}

func Validate(m Message) error {
	switch m.Kind {
	case KindAuto, KindVisitorAuto, KindManual:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if m.IsLive && m.IsDraft {
		return fmt.Errorf("%w: a draft cannot be live", ErrInvalidMessage)
	}
	if sd := m.ScheduleDate; sd != nil {
		// Each value becomes one rule field; a space would split it in two.
		for name, v := range map[string]string{"type": sd.Type, "month": sd.Month, "day": sd.Day} {
			if strings.ContainsFunc(v, unicode.IsSpace) {
				return fmt.Errorf("%w: schedule_date.%s %q contains whitespace", ErrInvalidMessage, name, v)
			}
		}
	}
	return nil
}

// Add stores a new message. A live auto message is scheduled; a live manual
// message is sent once right away.
func (m *Manager) Add(ctx context.Context, actor string, in Message) (*Message, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	now := m.now()
	msg := in
	msg.ID = m.newID()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if err := m.store.SaveMessage(ctx, &msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	m.audit(ctx, actor, ActionAdd, msg.ID, msg.Kind)

	switch {
	case msg.Schedulable():
		if err := m.tracker.CreateSchedule(ctx, msg); err != nil {
			return &msg, err
		}
	case msg.Kind == KindManual && msg.IsLive:
		m.deliver(ctx, msg)
	}
	return &msg, nil
}

// Edit applies p to the message and re-registers its schedule.
func (m *Manager) Edit(ctx context.Context, actor, id string, p Patch) (*Message, error) {
	msg, err := m.store.FindMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	p.apply(msg)
	if err := Validate(*msg); err != nil {
		return nil, err
	}
	msg.UpdatedAt = m.now()
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	m.audit(ctx, actor, ActionEdit, id, "")
	return msg, m.sync(ctx, *msg)
}

// Remove deletes the message and its schedule.
func (m *Manager) Remove(ctx context.Context, actor, id string) error {
	if _, err := m.store.FindMessage(ctx, id); err != nil {
		return err
	}
	if err := m.tracker.UpdateOrRemoveSchedule(ctx, id, false); err != nil {
		return err
	}
	if err := m.store.DeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	m.audit(ctx, actor, ActionRemove, id, "")
	return nil
}

// SetLive marks the message live and schedules it when it is an auto kind.
func (m *Manager) SetLive(ctx context.Context, actor, id string) (*Message, error) {
	return m.toggle(ctx, actor, id, true, ActionLive)
}

// SetPause takes the message off the air and cancels its schedule.
func (m *Manager) SetPause(ctx context.Context, actor, id string) (*Message, error) {
	return m.toggle(ctx, actor, id, false, ActionPause)
}

func (m *Manager) toggle(ctx context.Context, actor, id string, live bool, action string) (*Message, error) {
	msg, err := m.store.FindMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if live && msg.IsDraft {
		return nil, fmt.Errorf("%w: a draft cannot be live", ErrInvalidMessage)
	}
	if msg.IsLive != live {
		msg.IsLive = live
		msg.UpdatedAt = m.now()
		if err := m.store.SaveMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("save message: %w", err)
		}
		m.audit(ctx, actor, action, id, "")
	}
	return msg, m.sync(ctx, *msg)
}

// sync makes the registry agree with msg.
func (m *Manager) sync(ctx context.Context, msg Message) error {
	if !msg.Schedulable() {
		return m.tracker.UpdateOrRemoveSchedule(ctx, msg.ID, false)
	}
	if m.tracker.Has(msg.ID) {
		return m.tracker.UpdateOrRemoveSchedule(ctx, msg.ID, true)
	}
	return m.tracker.CreateSchedule(ctx, msg)
}

// SendNow delivers the message once, regardless of kind or schedule.
func (m *Manager) SendNow(ctx context.Context, actor, id string) error {
	msg, err := m.store.FindMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := m.send(ctx, *msg); err != nil {
		return fmt.Errorf("send message %s: %w", id, err)
	}
	m.audit(ctx, actor, ActionSendNow, id, "")
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Message, error) {
	return m.store.FindMessage(ctx, id)
}

func (m *Manager) List(ctx context.Context, f ListFilter) ([]Message, error) {
	return m.store.ListMessages(ctx, f)
}

// Scheduled returns the registry snapshot.
func (m *Manager) Scheduled() []ScheduleEntry {
	return m.tracker.Entries()
}

type Preview struct {
	Rule  string      `json:"rule"`
	Valid bool        `json:"valid"`
	Error string      `json:"error,omitempty"`
	Next  []time.Time `json:"next,omitempty"`
}

// Preview compiles sd and, when a previewer is set, lists the next n runs.
func (m *Manager) Preview(sd *ScheduleDate, n int) Preview {
	out := Preview{Rule: CompileRule(sd, m.tracker.loc())}
	if m.preview == nil {
		out.Valid = true
		return out
	}
	if n <= 0 {
		n = 5
	}
	next, err := m.preview.NextRuns(out.Rule, m.now(), n)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Valid = true
	out.Next = next
	return out
}

func (m *Manager) deliver(ctx context.Context, msg Message) {
	if err := m.send(ctx, msg); err != nil {
		m.log.Warn("immediate send failed", logx.String("id", msg.ID), logx.Err(err))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{
				Type: eventbus.EngageSendFail,
				Time: m.now(),
				Data: FireEvent{ID: msg.ID, Error: err.Error()},
			})
		}
		return
	}
	m.audit(ctx, "", ActionSendNow, msg.ID, "on add")
}

func (m *Manager) audit(ctx context.Context, actor, action, id, detail string) {
	rec := AuditRecord{
		ID:        m.newID(),
		At:        m.now(),
		Actor:     actor,
		Action:    action,
		MessageID: id,
		Detail:    detail,
	}
	if err := m.store.AppendAudit(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("audit append failed", logx.String("action", action), logx.String("id", id), logx.Err(err))
	}
}
