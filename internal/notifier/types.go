package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notification has no chat target")
	ErrEmptyText = errors.New("notification text is empty")
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// DedupStore persists suppress-until marks across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
}

type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Stats    Stats         `json:"stats"`
	History  []HistoryItem `json:"history"`
}

// NotificationEvent is the payload of notifier.* bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
