package config

import (
	"reflect"
	"strings"

	logx "engaged/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets are reported only
// as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, differs bool, fs ...logx.Field) {
		if differs {
			changed = append(changed, name)
			fields = append(fields, fs...)
		}
	}

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
	)
	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
	)
	section("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine),
		logx.Bool("task_engine.set", newCfg.TaskEngine != nil),
	)
	if n := newCfg.Notifier; n != nil {
		section("notifier", !reflect.DeepEqual(oldCfg.Notifier, n),
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.String("notifier.dedup_window", n.DedupWindow),
		)
	} else {
		section("notifier", oldCfg.Notifier != nil, logx.Bool("notifier.set", false))
	}
	ot, nt := oldCfg.Transport, newCfg.Transport
	section("transport", ot != nt,
		logx.String("transport.driver", nt.Driver),
		logx.Bool("transport.token_set", strings.TrimSpace(nt.Token) != ""),
		logx.String("transport.parse_mode", nt.ParseMode),
	)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", storageDriver(newCfg.Storage)),
	)
	na := newCfg.API
	section("api", oldCfg.API != na,
		logx.Bool("api.enabled", na.Enabled),
		logx.String("api.addr", APIAddr(na)),
		logx.Bool("api.token_set", strings.TrimSpace(na.Token) != ""),
		logx.Bool("api.pprof", na.Pprof),
	)
	section("engage", oldCfg.Engage != newCfg.Engage,
		logx.String("engage.fire_timeout", newCfg.Engage.FireTimeout),
		logx.Int64("engage.default_chat_id", newCfg.Engage.DefaultChatID),
		logx.Bool("engage.dedup_per_minute", newCfg.Engage.DedupPerMinute),
	)
	return changed, fields
}

func storageDriver(s *StorageConfig) string {
	if s == nil || strings.TrimSpace(s.Driver) == "" {
		return "memory"
	}
	return strings.ToLower(strings.TrimSpace(s.Driver))
}
