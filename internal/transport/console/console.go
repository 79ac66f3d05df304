// Package console is a transport that writes deliveries to the log. It is the
// default when no bot token is configured.
package console

import (
	"context"
	"sync/atomic"

	kit "engaged/internal/transport"
	logx "engaged/pkg/logx"
)

type Adapter struct {
	log logx.Logger
	seq atomic.Int64
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log.With(logx.String("comp", "transport.console"))}
}

func (a *Adapter) Name() string { return "console" }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	id := int(a.seq.Add(1))
	a.log.Info("deliver",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.Int("message_id", id),
		logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }
