package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatTarget addresses a chat, optionally a forum topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int // 0 means the main thread
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound delivery request.
type Notification struct {
	Channel  string
	Priority int // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
	// DedupKey suppresses repeats within the notifier's dedup window; empty
	// means a key derived from target and text.
	DedupKey string
}

// Adapter is a send-only chat transport.
type Adapter interface {
	Name() string
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}

// RetryAfterError is returned when the remote side asks the caller to wait.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter extracts the wait hint from err.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
