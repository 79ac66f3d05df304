package engage

import (
	"context"
	"errors"
	"time"
)

// Message kinds.
const (
	KindAuto        = "auto"
	KindVisitorAuto = "visitorAuto"
	KindManual      = "manual"
)

// AutoKinds are the kinds that carry a recurring schedule.
var AutoKinds = []string{KindAuto, KindVisitorAuto}

var (
	ErrMessageNotFound = errors.New("engage message not found")
	ErrInvalidMessage  = errors.New("invalid engage message")
)

// ScheduleDate describes when an auto message repeats.
//
// Type is a one-character day-of-week code, "month", "year", or anything else
// (treated as no day constraint). Day only counts for "month" and "year".
type ScheduleDate struct {
	Type  string     `json:"type,omitempty" bson:"type,omitempty"`
	Month string     `json:"month,omitempty" bson:"month,omitempty"`
	Day   string     `json:"day,omitempty" bson:"day,omitempty"`
	Time  *time.Time `json:"time,omitempty" bson:"time,omitempty"`
}

type Target struct {
	ChatID   int64 `json:"chat_id,omitempty" bson:"chatId,omitempty"`
	ThreadID int   `json:"thread_id,omitempty" bson:"threadId,omitempty"`
}

type Message struct {
	ID           string        `json:"id" bson:"_id"`
	Kind         string        `json:"kind" bson:"kind"`
	Title        string        `json:"title,omitempty" bson:"title,omitempty"`
	Content      string        `json:"content" bson:"content"`
	IsLive       bool          `json:"is_live" bson:"isLive"`
	IsDraft      bool          `json:"is_draft,omitempty" bson:"isDraft,omitempty"`
	Target       Target        `json:"target" bson:"target"`
	ScheduleDate *ScheduleDate `json:"schedule_date,omitempty" bson:"scheduleDate,omitempty"`
	CreatedAt    time.Time     `json:"created_at" bson:"createdAt"`
	UpdatedAt    time.Time     `json:"updated_at" bson:"updatedAt"`
}

// Schedulable reports whether m belongs in the registry.
func (m Message) Schedulable() bool {
	return m.IsLive && IsAutoKind(m.Kind)
}

func IsAutoKind(kind string) bool {
	for _, k := range AutoKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// MessageStore is the read side the registry needs.
type MessageStore interface {
	// FindMessage returns ErrMessageNotFound for unknown ids.
	FindMessage(ctx context.Context, id string) (*Message, error)
	// FindLive returns live messages whose kind is one of kinds.
	FindLive(ctx context.Context, kinds []string) ([]Message, error)
}

type ListFilter struct {
	Kind     string
	LiveOnly bool
	Limit    int
}

type AuditRecord struct {
	ID        string    `json:"id" bson:"_id"`
	At        time.Time `json:"at" bson:"at"`
	Actor     string    `json:"actor,omitempty" bson:"actor,omitempty"`
	Action    string    `json:"action" bson:"action"`
	MessageID string    `json:"message_id" bson:"messageId"`
	Detail    string    `json:"detail,omitempty" bson:"detail,omitempty"`
}

// Store is the full persistence surface used by Manager.
type Store interface {
	MessageStore
	SaveMessage(ctx context.Context, m *Message) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, f ListFilter) ([]Message, error)
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

// Job is one registered recurring callback.
type Job interface {
	// Cancel stops the job. A firing already under way may still complete.
	Cancel()
}

// Runtime registers recurring callbacks from cron rules.
type Runtime interface {
	ScheduleRecurring(name, rule string, fn func(ctx context.Context) error) (Job, error)
}

// SendFunc delivers one message.
type SendFunc func(ctx context.Context, m Message) error

// ScheduleEntry is one registry slot.
type ScheduleEntry struct {
	ID    string
	Name  string
	Rule  string
	Since time.Time
	Job   Job
}
