package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed     = errors.New("storage closed")
	ErrNoSnapshot = errors.New("no snapshot committed")
	ErrBadSource  = errors.New("invalid source name")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, nothing survives a restart
//   - "file": dependency-free file backend (json pairs + jsonl)
//   - "sqlite": SQLite database file
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Pair is the rotated snapshot state of one source.
//
// Seeded is true only on the result of the very first commit, where Previous
// and Current are the same payload.
type Pair struct {
	Previous  []byte
	Current   []byte
	Seeded    bool
	UpdatedAt time.Time
}

// AuditEntry records one delivery report.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	JobID     string
	Source    string
	Event     string
	Status    string
	Reason    string
	Delivered int
	Skipped   int
	Failed    int
	Image     bool
	TookMS    int64
	MetaJSON  string
}

func validSource(source string) error {
	if source == "" || len(source) > 64 {
		return ErrBadSource
	}
	for _, r := range source {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrBadSource
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
