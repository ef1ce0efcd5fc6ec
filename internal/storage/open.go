package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"bilirelay/pkg/logx"
)

// Store is the persistence API used by the watchers and the dispatcher.
type Store interface {
	// Load returns the last committed pair, or ErrNoSnapshot.
	Load(ctx context.Context, source string) (Pair, error)
	// Commit rotates previous <- current and current <- raw as one step.
	// The first commit for a source seeds both sides with raw.
	Commit(ctx context.Context, source string, raw []byte) (Pair, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
