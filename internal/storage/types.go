package storage

import (
	"context"
	"errors"
	"time"

	"engaged/internal/engage"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	URI         string        // mongo
	Database    string        // mongo; default "engaged"
	BusyTimeout time.Duration // sqlite; 0 keeps the driver default
}

// Store is everything the daemon persists.
type Store interface {
	engage.Store

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}
