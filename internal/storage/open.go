package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskrunner/pkg/logx"
)

// Store is the persistence API used by the execution monitor.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	// SaveStats replaces the stats snapshot with the given JSON document.
	SaveStats(ctx context.Context, snapshot []byte) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
