package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks values the decoder cannot: driver names, durations,
// timezone, and the admin API exposure guard.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)); d {
	case "", "console":
	case "telegram":
		if strings.TrimSpace(cfg.Transport.Token) == "" {
			add(errors.New("transport.token is required for the telegram driver"))
		}
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", d))
	}
	_, err := ParseDurationField("transport.timeout", cfg.Transport.Timeout)
	add(err)

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required for the %s driver", d))
			}
		case "mongo", "mongodb":
			if strings.TrimSpace(st.URI) == "" {
				add(errors.New("storage.uri is required for the mongo driver"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", d))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if cfg.API.Enabled {
		addr := APIAddr(cfg.API)
		if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.API.Token) == "" && !cfg.API.AllowInsecure {
			add(fmt.Errorf("api.addr %s is not loopback: set api.token or api.allow_insecure", addr))
		}
		for path, raw := range map[string]string{
			"api.read_timeout":  cfg.API.ReadTimeout,
			"api.write_timeout": cfg.API.WriteTimeout,
			"api.idle_timeout":  cfg.API.IdleTimeout,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}
	_, err = ParseDurationField("engage.fire_timeout", cfg.Engage.FireTimeout)
	add(err)

	return errors.Join(errs...)
}

const DefaultAPIAddr = "127.0.0.1:8088"

func APIAddr(c APIConfig) string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAPIAddr
}

// IsLoopbackAddr reports whether a host:port only listens on loopback.
// An empty host (":8088") binds every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
