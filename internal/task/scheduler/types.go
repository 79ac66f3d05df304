package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"engaged/internal/eventbus"
	"engaged/internal/task/engine"
	logx "engaged/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Asia/Ulaanbaatar"; empty means Local
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id      string
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID

	cancelled *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef
	seq    atomic.Uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Handle identifies one registration.
type Handle struct {
	svc       *Service
	id        string
	name      string
	spec      string
	cancelled *atomic.Bool
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
