// Package telegram delivers engage messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "engaged/internal/transport"
	logx "engaged/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL string
	// Offline skips the getMe handshake on construction.
	Offline bool
	Timeout time.Duration
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if b.Me != nil && b.Me.Username != "" {
		log = log.With(logx.String("bot", b.Me.Username))
	}
	return &Adapter{log: log, bot: b}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Stop is a no-op: the adapter never polls, so there is nothing to drain.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// SendText sends text, split into chunks under the Telegram limit. The
// returned ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if to.ChatID == 0 {
		return kit.MessageRef{}, errors.New("telegram: chat id is required")
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	a.log.Debug("telegram message sent", logx.Int64("chat_id", to.ChatID), logx.Int("message_id", first.MessageID))
	return first, nil
}

// mapError turns Telegram flood control into a transport retry hint.
func mapError(err error) error {
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return &kit.RetryAfterError{After: time.Duration(fv.RetryAfter) * time.Second, Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &kit.RetryAfterError{After: time.Duration(fp.RetryAfter) * time.Second, Err: err}
	}
	return err
}
