package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bilirelay/internal/config"
	"bilirelay/internal/dispatch"
	"bilirelay/internal/model"
	"bilirelay/internal/runtime/supervisor"
	"bilirelay/internal/watch"
)

type fakeBili struct {
	srv *httptest.Server
	ts  atomic.Int64
}

func newFakeBili(t *testing.T) *fakeBili {
	t.Helper()
	f := &fakeBili{}
	f.ts.Store(100)

	var cover bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	if err := png.Encode(&cover, img); err != nil {
		t.Fatalf("png: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		ts := f.ts.Load()
		fmt.Fprintf(w, `{"code":0,"message":"0","data":{"items":[{"id_str":"%d","type":"DYNAMIC_TYPE_AV","modules":{
			"module_author":{"name":"Alice","pub_ts":%d},
			"module_dynamic":{"desc":{"text":"tab"},"major":{"archive":{"title":"video %d","cover":"%s/cover.png","jump_url":"//www.bilibili.com/video/BV1"}}}}}]}}`,
			ts, ts, ts, f.srv.URL)
	})
	mux.HandleFunc("/cover.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(cover.Bytes())
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testConfig(t *testing.T, f *fakeBili) *config.Config {
	off := false
	cfg := &config.Config{
		Bilibili: config.BilibiliConfig{
			UID:           "1",
			RoomID:        "2",
			FeedURL:       f.srv.URL + "/feed",
			LiveURL:       f.srv.URL + "/live",
			RetryAttempts: 1,
		},
		Feed: config.SourceConfig{
			Titles:  []string{"Fans"},
			Classes: map[string]string{"ChatWnd": "legacy"},
		},
		Live: config.SourceConfig{Enabled: &off},
		Delivery: config.DeliveryConfig{
			DryRun:          true,
			SimulateWindows: []config.WindowConfig{{Title: "Fans", Class: "ChatWnd"}, {Title: "Other", Class: "Notepad"}},
			ImageDir:        t.TempDir(),
			Settle:          config.SettleConfig{Activate: "1ms", Mention: "1ms", Step: "1ms"},
		},
		Storage: config.StorageConfig{Driver: "memory"},
		Logging: config.LoggingConfig{Level: "error"},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestFeedToDryRunDelivery(t *testing.T) {
	f := newFakeBili(t)
	cfg := testConfig(t, f)
	cfgm := config.NewConfigManager(filepath.Join(t.TempDir(), "config.json"))
	cfgm.Commit(cfg)

	a, err := build(cfgm, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.sup = supervisor.NewSupervisor(ctx)
	a.disp.Start(ctx)
	defer a.disp.Stop(context.Background())

	w := a.watcher(watch.SourceFeed)
	if err := w.Cycle(ctx); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}
	if n := len(a.DryRun().Calls()); n != 0 {
		t.Fatalf("baseline touched the driver: %d calls", n)
	}

	f.ts.Store(200)
	if err := w.Cycle(ctx); err != nil {
		t.Fatalf("new video cycle: %v", err)
	}

	st := w.Status()
	if st.Events != 1 || st.LastEvent != string(model.EventNewVideo) {
		t.Fatalf("status = %+v", st)
	}

	var text, dib, shown int
	for _, c := range a.DryRun().Calls() {
		switch c.Op {
		case "clipboard_text":
			text++
			if !strings.Contains(c.Detail, "video 200") {
				t.Fatalf("pasted text = %s", c.Detail)
			}
		case "clipboard_dib":
			dib++
		case "show":
			shown++
			if c.Handle != 0x1000 {
				t.Fatalf("showed non-matching window %#x", c.Handle)
			}
		}
	}
	if text != 1 || dib != 1 || shown != 1 {
		t.Fatalf("calls: text=%d dib=%d show=%d\n%v", text, dib, shown, a.DryRun().Calls())
	}

	hist := a.disp.Snapshot()
	if len(hist) != 1 || hist[0].Status != string(model.Delivered) || !hist[0].Image {
		t.Fatalf("history = %+v", hist)
	}

	raw, err := json.Marshal(a.Snapshot())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(string(raw), `"dry_run":true`) || !strings.Contains(string(raw), `"source":"feed"`) {
		t.Fatalf("snapshot = %s", raw)
	}
}

func TestScheduleFollowsSourceConfig(t *testing.T) {
	f := newFakeBili(t)
	cfg := testConfig(t, f)
	cfgm := config.NewConfigManager(filepath.Join(t.TempDir(), "config.json"))
	cfgm.Commit(cfg)
	a, err := build(cfgm, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	feed, live := a.watcher(watch.SourceFeed), a.watcher(watch.SourceLive)
	if err := a.schedule(feed, cfg.Feed, false); err != nil {
		t.Fatalf("schedule feed: %v", err)
	}
	if err := a.schedule(live, cfg.Live, false); err != nil {
		t.Fatalf("schedule live: %v", err)
	}
	if _, ok := a.runner.Next(watch.SourceFeed); !ok {
		t.Fatalf("feed not scheduled")
	}
	if _, ok := a.runner.Next(watch.SourceLive); ok {
		t.Fatalf("disabled live source scheduled")
	}

	on := true
	if err := a.schedule(live, config.SourceConfig{Enabled: &on, Schedule: "every:30s"}, false); err != nil {
		t.Fatalf("enable live: %v", err)
	}
	if _, ok := a.runner.Next(watch.SourceLive); !ok {
		t.Fatalf("live not scheduled after enable")
	}
	off := false
	if err := a.schedule(feed, config.SourceConfig{Enabled: &off}, false); err != nil {
		t.Fatalf("disable feed: %v", err)
	}
	if _, ok := a.runner.Next(watch.SourceFeed); ok {
		t.Fatalf("feed still scheduled after disable")
	}
}

func TestAuditEntryCounts(t *testing.T) {
	t.Parallel()
	at := time.Unix(1700000000, 0)
	e := auditEntry(dispatch.JobEvent{
		JobID:  "j1",
		Source: "live",
		Event:  string(model.EventLiveStarted),
		At:     at,
		Report: &model.Report{
			Status: model.Delivered,
			Image:  true,
			Took:   1500 * time.Millisecond,
			Outcomes: []model.Outcome{
				{Status: model.Delivered},
				{Status: model.Failed},
				{Status: model.Delivered},
			},
		},
	})
	if e.Delivered != 2 || e.Failed != 1 || e.Skipped != 0 || e.TookMS != 1500 || !e.At.Equal(at) {
		t.Fatalf("entry = %+v", e)
	}
}

func TestMapSettings(t *testing.T) {
	t.Parallel()
	s := mapSettings(config.SourceConfig{
		Titles:          []string{"A"},
		Classes:         map[string]string{"Qt": "modern"},
		MentionAll:      true,
		MentionAllOnEnd: true,
	})
	if !s.MentionAll || !s.MentionAllOnEnd || s.Match.Empty() {
		t.Fatalf("settings = %+v", s)
	}
	if s.Match.Classes["Qt"] != model.Modern {
		t.Fatalf("classes = %v", s.Match.Classes)
	}
}
