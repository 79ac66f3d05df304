package api

import (
	"context"
	"time"

	"engaged/internal/engage"
	"engaged/internal/task/scheduler"
)

// Config controls the admin HTTP server.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Engage is the message surface served under /engage.
type Engage interface {
	Add(ctx context.Context, actor string, in engage.Message) (*engage.Message, error)
	Edit(ctx context.Context, actor, id string, p engage.Patch) (*engage.Message, error)
	Remove(ctx context.Context, actor, id string) error
	SetLive(ctx context.Context, actor, id string) (*engage.Message, error)
	SetPause(ctx context.Context, actor, id string) (*engage.Message, error)
	SendNow(ctx context.Context, actor, id string) error
	Get(ctx context.Context, id string) (*engage.Message, error)
	List(ctx context.Context, f engage.ListFilter) ([]engage.Message, error)
	Scheduled() []engage.ScheduleEntry
	Preview(sd *engage.ScheduleDate, n int) engage.Preview
}

// ScheduleSource reports next/previous fire times for registered jobs.
type ScheduleSource interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the collaborators the handlers read from. Schedules and Status
// may be nil.
type Deps struct {
	Engage    Engage
	Schedules ScheduleSource
	Status    func() any
}

type messageResponse struct {
	Message       *engage.Message `json:"message"`
	ScheduleError string          `json:"schedule_error,omitempty"`
}

type scheduleView struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Rule  string    `json:"rule"`
	Since time.Time `json:"since"`
	Next  time.Time `json:"next,omitzero"`
	Prev  time.Time `json:"prev,omitzero"`
}

type previewRequest struct {
	ScheduleDate *engage.ScheduleDate `json:"schedule_date"`
	Count        int                  `json:"count,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
