package storage

import (
	"fmt"
	"strings"

	logx "engaged/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mongo", "mongodb":
		return openMongo(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
