package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"bilirelay/internal/dispatch"
	"bilirelay/internal/eventbus"
	"bilirelay/internal/model"
	"bilirelay/internal/storage"
	"bilirelay/pkg/logx"
)

type scriptedFetch struct {
	mu    sync.Mutex
	steps []any // []byte or error
}

func (s *scriptedFetch) fetch(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.([]byte), nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []dispatch.Request
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req dispatch.Request) (model.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return model.Report{Status: model.Delivered, Outcomes: []model.Outcome{{Status: model.Delivered}}}, nil
}

func feedJSON(ts int64, title string) []byte {
	return []byte(fmt.Sprintf(`{"items":[{"id_str":"%d","type":"DYNAMIC_TYPE_AV","modules":{
		"module_author":{"name":"Alice","pub_ts":%d},
		"module_dynamic":{"desc":{"text":"tab"},"major":{"archive":{"title":%q,"cover":"https://i0.hdslb.com/c.jpg","jump_url":"//www.bilibili.com/video/BV1"}}}}}]}`,
		ts, ts, title))
}

func liveJSON(start string) []byte {
	return []byte(fmt.Sprintf(`{"room_info":{"room_id":99,"title":"stream","cover":"https://i0.hdslb.com/l.jpg","live_start_time":%s},"anchor_info":{"base_info":{"uname":"Alice"}}}`, start))
}

func TestFeedWatcherLifecycle(t *testing.T) {
	t.Parallel()

	fetch := &scriptedFetch{steps: []any{
		feedJSON(100, "first"),
		feedJSON(100, "first"),
		errors.New("timeout"),
		feedJSON(200, "second"),
		[]byte(`{"items": [`),
	}}
	st := storage.NewMemory()
	disp := &recordingDispatcher{}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(8, eventbus.WatchFailed)
	defer unsub()

	w := New(SourceFeed, fetch.fetch, ClassifyFeedRaw, st, disp, func() Settings {
		return Settings{MentionAll: true}
	}, bus, logx.Nop())
	ctx := context.Background()

	// Baseline: both sides seeded, nothing sent.
	if err := w.Cycle(ctx); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	// Same content: not newer.
	if err := w.Cycle(ctx); err != nil {
		t.Fatalf("unchanged: %v", err)
	}
	if len(disp.reqs) != 0 {
		t.Fatalf("unexpected dispatch: %+v", disp.reqs)
	}
	if got := w.Status().LastReason; got != "not newer" {
		t.Fatalf("last reason = %q", got)
	}

	// Fetch failure leaves the stored pair untouched.
	before, _ := st.Load(ctx, SourceFeed)
	if err := w.Cycle(ctx); !errors.Is(err, ErrSource) {
		t.Fatalf("fetch failure err = %v", err)
	}
	after, _ := st.Load(ctx, SourceFeed)
	if string(before.Current) != string(after.Current) || string(before.Previous) != string(after.Previous) {
		t.Fatalf("store changed on fetch failure")
	}
	if len(failed) != 1 {
		t.Fatalf("watch.failed events = %d", len(failed))
	}

	// Newer video: dispatched with cover and mention-all.
	if err := w.Cycle(ctx); err != nil {
		t.Fatalf("new video: %v", err)
	}
	if len(disp.reqs) != 1 {
		t.Fatalf("dispatches = %d", len(disp.reqs))
	}
	req := disp.reqs[0]
	if req.Event != model.EventNewVideo || !req.MentionAll || req.Source != SourceFeed {
		t.Fatalf("request = %+v", req)
	}
	if req.Message.ImageRef != "https://i0.hdslb.com/c.jpg" || !strings.Contains(req.Message.Text, "《second》") {
		t.Fatalf("message = %+v", req.Message)
	}

	// Broken current payload: decode error, no dispatch.
	if err := w.Cycle(ctx); !errors.Is(err, ErrDecode) {
		t.Fatalf("decode err = %v", err)
	}
	s := w.Status()
	if s.Cycles != 5 || s.Events != 1 || s.LastEvent != string(model.EventNewVideo) || s.LastError == "" {
		t.Fatalf("status = %+v", s)
	}
}

func TestLiveWatcherMentionRules(t *testing.T) {
	t.Parallel()

	fetch := &scriptedFetch{steps: []any{
		liveJSON("0"),
		liveJSON("1700000000"),
		liveJSON("1700000000"),
		liveJSON("0"),
	}}
	disp := &recordingDispatcher{}
	w := New(SourceLive, fetch.fetch, ClassifyLiveRaw, storage.NewMemory(), disp, func() Settings {
		return Settings{MentionAll: true, MentionAllOnEnd: false}
	}, nil, logx.Nop())

	for i := 0; i < 4; i++ {
		if err := w.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(disp.reqs) != 2 {
		t.Fatalf("dispatches = %d, want started + ended", len(disp.reqs))
	}
	started, ended := disp.reqs[0], disp.reqs[1]
	if started.Event != model.EventLiveStarted || !started.MentionAll {
		t.Fatalf("started = %+v", started)
	}
	if ended.Event != model.EventLiveEnded || ended.MentionAll {
		t.Fatalf("ended = %+v", ended)
	}
	if !strings.Contains(started.Message.Text, "https://live.bilibili.com/99") {
		t.Fatalf("started text = %q", started.Message.Text)
	}
}

func TestLiveWatcherKeysEachSession(t *testing.T) {
	t.Parallel()

	fetch := &scriptedFetch{steps: []any{
		liveJSON("0"),
		liveJSON("1730000000"),
		liveJSON("0"),
		liveJSON("1730000300"),
	}}
	disp := &recordingDispatcher{}
	w := New(SourceLive, fetch.fetch, ClassifyLiveRaw, storage.NewMemory(), disp, nil, nil, logx.Nop())

	for i := 0; i < 4; i++ {
		if err := w.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	want := []string{"start:1730000000", "end:1730000000", "start:1730000300"}
	if len(disp.reqs) != len(want) {
		t.Fatalf("dispatches = %d, want %d", len(disp.reqs), len(want))
	}
	for i, k := range want {
		if disp.reqs[i].Key != k {
			t.Fatalf("request %d key = %q, want %q", i, disp.reqs[i].Key, k)
		}
	}
	if disp.reqs[0].Message.Text != disp.reqs[2].Message.Text {
		t.Fatalf("restart text = %q, want %q", disp.reqs[2].Message.Text, disp.reqs[0].Message.Text)
	}
}
