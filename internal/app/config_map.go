package app

import (
	"fmt"
	"strings"
	"time"

	"engaged/internal/api"
	"engaged/internal/config"
	"engaged/internal/notifier"
	"engaged/internal/storage"
	"engaged/internal/task/engine"
	"engaged/internal/task/scheduler"
	logx "engaged/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapTaskEngineConfig follows scheduler.enabled unless task_engine.enabled is
// set explicitly.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
// engage.dedup_per_minute needs a dedup window; one is supplied when the
// notifier section leaves it at zero.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true}
	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
		}
		out = notifier.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			DedupMaxEntries: n.DedupMaxEntries,
			PersistDedup:    n.PersistDedup,
		}
		var err error
		if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return notifier.Config{}, err
		}
		if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			return notifier.Config{}, err
		}
		if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
			return notifier.Config{}, err
		}
		if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return notifier.Config{}, err
		}
	}
	if cfg.Engage.DedupPerMinute && out.DedupWindow == 0 {
		out.DedupWindow = time.Minute
	}
	return out, nil
}

// mapStorageConfig returns the in-memory driver when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URI:         strings.TrimSpace(sc.URI),
		Database:    strings.TrimSpace(sc.Database),
		BusyTimeout: busy,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	c := cfg.API
	out := api.Config{
		Enabled:       c.Enabled,
		Addr:          config.APIAddr(c),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return api.Config{}, err
	}
	// pprof profile/trace endpoints stream for up to 30s by default.
	wt := 15 * time.Second
	if c.Pprof {
		wt = 65 * time.Second
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("api.write_timeout", c.WriteTimeout, wt); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

// sendSettings is the part of the config read on every delivery.
type sendSettings struct {
	FireTimeout    time.Duration
	DefaultChatID  int64
	DedupPerMinute bool
	ParseMode      string
	DisablePreview bool
}

func mapSendSettings(cfg *config.Config) (sendSettings, error) {
	ft, err := config.ParseDurationOrDefault("engage.fire_timeout", cfg.Engage.FireTimeout, 30*time.Second)
	if err != nil {
		return sendSettings{}, err
	}
	return sendSettings{
		FireTimeout:    ft,
		DefaultChatID:  cfg.Engage.DefaultChatID,
		DedupPerMinute: cfg.Engage.DedupPerMinute,
		ParseMode:      strings.TrimSpace(cfg.Transport.ParseMode),
		DisablePreview: cfg.Transport.DisablePreview,
	}, nil
}

// transportDriver resolves an empty driver to telegram when a token is set.
func transportDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d != "" {
		return d
	}
	if strings.TrimSpace(cfg.Transport.Token) != "" {
		return "telegram"
	}
	return "console"
}

// validate runs every mapping so a reload that would fail to apply is
// rejected before commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	_, err := mapSendSettings(cfg)
	return err
}
