// Package watch runs the per-source poll cycle:
// fetch, rotate the snapshot pair, classify, format and hand off to the
// dispatcher.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bilirelay/internal/bili"
	"bilirelay/internal/detect"
	"bilirelay/internal/dispatch"
	"bilirelay/internal/eventbus"
	"bilirelay/internal/message"
	"bilirelay/internal/model"
	"bilirelay/internal/storage"
	"bilirelay/internal/window"
	"bilirelay/pkg/logx"
)

const (
	SourceFeed = "feed"
	SourceLive = "live"
)

// ErrSource marks a failed remote fetch. The cycle is skipped and the stored
// pair stays untouched.
var ErrSource = errors.New("source unavailable")

// ErrDecode marks a snapshot that could not be decoded.
var ErrDecode = errors.New("snapshot decode failed")

// FetchFunc returns one raw snapshot payload.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ClassifyFunc decodes a raw pair and classifies it. key identifies the
// change so the dispatcher can tell repeats from new occurrences.
type ClassifyFunc func(prev, cur []byte) (ev model.Event, key string, err error)

// Dispatcher accepts formatted messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (model.Report, error)
}

// Settings are read at the start of every cycle so reloads apply to the
// next cycle.
type Settings struct {
	Match           window.Match
	MentionAll      bool
	MentionAllOnEnd bool
}

// Status is the last observed state of a watcher.
type Status struct {
	Source     string    `json:"source"`
	Cycles     uint64    `json:"cycles"`
	Events     uint64    `json:"events"`
	LastRunAt  time.Time `json:"last_run_at"`
	LastEvent  string    `json:"last_event,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastReport string    `json:"last_report,omitempty"`
}

// CycleEvent is published on the event bus after every cycle.
type CycleEvent struct {
	Source string `json:"source"`
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Watcher polls one source. Run cycles through a non-overlapping scheduler;
// Cycle itself holds no lock across the dispatch wait.
type Watcher struct {
	name     string
	fetch    FetchFunc
	classify ClassifyFunc
	store    storage.Store
	disp     Dispatcher
	settings func() Settings
	bus      eventbus.Bus
	log      logx.Logger

	mu     sync.Mutex
	status Status
}

func New(name string, fetch FetchFunc, classify ClassifyFunc, store storage.Store, disp Dispatcher, settings func() Settings, bus eventbus.Bus, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if settings == nil {
		settings = func() Settings { return Settings{} }
	}
	return &Watcher{
		name:     name,
		fetch:    fetch,
		classify: classify,
		store:    store,
		disp:     disp,
		settings: settings,
		bus:      bus,
		log:      log.With(logx.String("comp", "watch"), logx.String("source", name)),
		status:   Status{Source: name},
	}
}

// NewFeed builds the dynamic-feed watcher.
func NewFeed(c *bili.Client, store storage.Store, disp Dispatcher, settings func() Settings, bus eventbus.Bus, log logx.Logger) *Watcher {
	return New(SourceFeed, c.FetchFeed, ClassifyFeedRaw, store, disp, settings, bus, log)
}

// NewLive builds the live-room watcher.
func NewLive(c *bili.Client, store storage.Store, disp Dispatcher, settings func() Settings, bus eventbus.Bus, log logx.Logger) *Watcher {
	return New(SourceLive, c.FetchLiveRoom, ClassifyLiveRaw, store, disp, settings, bus, log)
}

// ClassifyFeedRaw decodes two feed payloads and classifies them.
func ClassifyFeedRaw(prev, cur []byte) (model.Event, string, error) {
	c, err := bili.DecodeFeed(cur)
	if err != nil {
		return nil, "", fmt.Errorf("%w: current: %v", ErrDecode, err)
	}
	p, err := bili.DecodeFeed(prev)
	if err != nil {
		return nil, "", fmt.Errorf("%w: previous: %v", ErrDecode, err)
	}
	return detect.ClassifyFeed(p, c), detect.FeedKey(c), nil
}

// ClassifyLiveRaw decodes two live-room payloads and classifies them.
func ClassifyLiveRaw(prev, cur []byte) (model.Event, string, error) {
	c, err := bili.DecodeLiveRoom(cur)
	if err != nil {
		return nil, "", fmt.Errorf("%w: current: %v", ErrDecode, err)
	}
	p, err := bili.DecodeLiveRoom(prev)
	if err != nil {
		return nil, "", fmt.Errorf("%w: previous: %v", ErrDecode, err)
	}
	return detect.ClassifyLive(p, c), detect.LiveKey(p, c), nil
}

func (w *Watcher) Name() string { return w.name }

// Status returns a copy of the last observed state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Cycle runs one poll cycle. Errors are reported, never fatal.
func (w *Watcher) Cycle(ctx context.Context) error {
	ev, rep, err := w.cycle(ctx)
	w.record(ev, rep, err)
	return err
}

func (w *Watcher) cycle(ctx context.Context) (model.Event, *model.Report, error) {
	raw, err := w.fetch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSource, err)
	}

	pair, err := w.store.Commit(ctx, w.name, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("commit snapshot: %w", err)
	}
	if pair.Seeded {
		w.log.Info("baseline snapshot captured")
		return model.NoEvent{Reason: "baseline"}, nil, nil
	}

	ev, key, err := w.classify(pair.Previous, pair.Current)
	if err != nil {
		return nil, nil, err
	}
	if model.IsNoEvent(ev) {
		return ev, nil, nil
	}

	msg, ok := message.Format(ev)
	if !ok {
		return ev, nil, nil
	}
	st := w.settings()
	mention := st.MentionAll
	if ev.Kind() == model.EventLiveEnded {
		mention = st.MentionAllOnEnd
	}

	w.log.Info("change detected", logx.String("event", string(ev.Kind())), logx.Bool("image", msg.ImageRef != ""))
	eventbus.Emit(w.bus, eventbus.WatchEvent, CycleEvent{Source: w.name, Event: string(ev.Kind())})

	rep, err := w.disp.Dispatch(ctx, dispatch.Request{
		Source:     w.name,
		Event:      ev.Kind(),
		Key:        key,
		Message:    msg,
		MentionAll: mention,
		Match:      st.Match,
	})
	if err != nil {
		return ev, nil, fmt.Errorf("dispatch %s: %w", ev.Kind(), err)
	}
	return ev, &rep, nil
}

func (w *Watcher) record(ev model.Event, rep *model.Report, err error) {
	ce := CycleEvent{Source: w.name}

	w.mu.Lock()
	w.status.Cycles++
	w.status.LastRunAt = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
		ce.Error = err.Error()
	}
	if ev != nil {
		ce.Event = string(ev.Kind())
		if ne, ok := ev.(model.NoEvent); ok {
			ce.Reason = ne.Reason
			w.status.LastReason = ne.Reason
		} else {
			w.status.Events++
			w.status.LastEvent = string(ev.Kind())
			w.status.LastReason = ""
		}
	}
	if rep != nil {
		ok, fail := rep.Counts()
		w.status.LastReport = fmt.Sprintf("%s (delivered=%d failed=%d)", rep.Status, ok, fail)
	}
	w.mu.Unlock()

	switch {
	case err != nil && errors.Is(err, ErrSource):
		w.log.Warn("fetch failed, cycle skipped", logx.Err(err))
		eventbus.Emit(w.bus, eventbus.WatchFailed, ce)
	case err != nil:
		w.log.Error("cycle failed", logx.Err(err))
		eventbus.Emit(w.bus, eventbus.WatchFailed, ce)
	default:
		if ne, ok := ev.(model.NoEvent); ok {
			w.log.Debug("no change", logx.String("reason", ne.Reason))
		}
		if rep != nil {
			ok, fail := rep.Counts()
			w.log.Info("cycle delivered",
				logx.String("event", ce.Event),
				logx.String("status", string(rep.Status)),
				logx.String("reason", rep.Reason),
				logx.Int("delivered", ok),
				logx.Int("failed", fail),
			)
		}
		eventbus.Emit(w.bus, eventbus.WatchCycle, ce)
	}
}
