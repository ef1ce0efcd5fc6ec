package dispatch

import (
	"time"

	"bilirelay/internal/model"
	"bilirelay/internal/window"
)

// Config controls the delivery queue.
type Config struct {
	QueueSize int
	// MinInterval is the minimum gap between the start of two jobs.
	MinInterval     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Request is a formatted message bound for the windows matching Match.
type Request struct {
	Source string
	Event  model.EventKind
	// Key identifies the change behind the message (item id, session
	// marker). Dedup only suppresses repeats of the same key.
	Key        string
	Message    model.Message
	MentionAll bool
	Match      window.Match
}

type HistoryItem struct {
	At        time.Time     `json:"at"`
	JobID     string        `json:"job_id"`
	Source    string        `json:"source"`
	Event     string        `json:"event"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Image     bool          `json:"image"`
	Took      time.Duration `json:"took"`
}

// JobEvent is published on the event bus for queue lifecycle events.
type JobEvent struct {
	JobID  string        `json:"job_id,omitempty"`
	Source string        `json:"source"`
	Event  string        `json:"event"`
	Key    string        `json:"key,omitempty"`
	At     time.Time     `json:"at"`
	Error  string        `json:"error,omitempty"`
	Report *model.Report `json:"report,omitempty"`
}
