package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bilirelay/internal/model"
)

const sampleYAML = `
bilibili:
  uid: "12345"
  room_id: "678"
  sessdata: secret
feed:
  titles: ["Fan Group"]
  classes:
    ChatWnd: legacy
live:
  schedule: "30s"
  mention_all: true
  classes:
    Qt51514QWindowIcon: modern
delivery:
  settle:
    step: 500ms
logging:
  level: debug
  console: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
	if cfg.Feed.Schedule != DefaultSchedule || cfg.Live.Schedule != "30s" {
		t.Fatalf("schedules = %q/%q", cfg.Feed.Schedule, cfg.Live.Schedule)
	}
	if cfg.Delivery.MentionTrigger != "@" || cfg.Dispatch.QueueSize != DefaultQueueSize {
		t.Fatalf("delivery/dispatch defaults not applied: %+v %+v", cfg.Delivery, cfg.Dispatch)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != DefaultStoragePath {
		t.Fatalf("storage defaults = %+v", cfg.Storage)
	}
	if !cfg.Feed.IsEnabled() || !cfg.Live.MentionAll {
		t.Fatalf("source flags wrong: %+v %+v", cfg.Feed, cfg.Live)
	}
	gens := cfg.Live.Generations()
	if gens["Qt51514QWindowIcon"] != model.Modern {
		t.Fatalf("generations = %v", gens)
	}

	settle, err := cfg.Delivery.SettleDurations()
	if err != nil {
		t.Fatalf("SettleDurations: %v", err)
	}
	if settle.Activate != 2*time.Second || settle.Mention != 2*time.Second || settle.Step != 500*time.Millisecond {
		t.Fatalf("settle = %+v", settle)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "c.json", `{"feed":{"enabled":true,"bogus":1}}`},
		{"trailing data", "c.json", `{"feed":{}} {"live":{}}`},
		{"unknown yaml field", "c.yml", "status:\n  port: 1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	off := false
	base := func() *Config {
		return &Config{
			Bilibili: BilibiliConfig{UID: "1", RoomID: "2"},
			Storage:  StorageConfig{Driver: "memory"},
		}
	}
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"feed needs uid", func(c *Config) { c.Bilibili.UID = "" }, "bilibili.uid"},
		{"disabled feed skips uid", func(c *Config) { c.Bilibili.UID = ""; c.Feed.Enabled = &off }, ""},
		{"bad schedule", func(c *Config) { c.Live.Schedule = "cron:" }, "live.schedule"},
		{"bad generation", func(c *Config) { c.Feed.Classes = map[string]string{"X": "ancient"} }, "feed.classes.X"},
		{"bad settle", func(c *Config) { c.Delivery.Settle.Mention = "soon" }, "delivery.settle.mention"},
		{"negative settle", func(c *Config) { c.Delivery.Settle.Step = "-1s" }, "delivery.settle.step"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"file needs path", func(c *Config) { c.Storage.Driver = "file" }, "storage.path"},
		{"telegram needs token", func(c *Config) { c.Logging.Telegram.Enabled = true; c.Logging.Telegram.ChatID = 1 }, "logging.telegram.token"},
		{"status public needs token", func(c *Config) { c.Status = StatusConfig{Enabled: true, Addr: "0.0.0.0:6061"} }, "status.addr"},
		{"status loopback", func(c *Config) { c.Status = StatusConfig{Enabled: true, Addr: "localhost:6061"} }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	published, err := m.Reload(ctx)
	if err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, `"30s"`, `"1m"`, 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	published, err = m.Reload(ctx)
	if err != nil || !published {
		t.Fatalf("changed reload: published=%v err=%v", published, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Live.Schedule != "1m" {
			t.Fatalf("published schedule = %q", cfg.Live.Schedule)
		}
	default:
		t.Fatalf("no config published")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, `"30s"`, `"2m"`, 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if published, err := m.Reload(ctx); err == nil || published {
		t.Fatalf("validator ignored: published=%v err=%v", published, err)
	}
	if m.Get().Live.Schedule != "1m" {
		t.Fatalf("rejected config was committed")
	}
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber did not get latest config")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Bilibili: BilibiliConfig{SESSDATA: "a"}, Live: SourceConfig{Schedule: "10s"}}
	newCfg := &Config{
		Bilibili: BilibiliConfig{SESSDATA: "b"},
		Live:     SourceConfig{Schedule: "20s"},
		Feed:     SourceConfig{Titles: []string{"x"}},
		Dispatch: DispatchConfig{MinInterval: "1s"},
	}
	changed, attrs, resched := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"bilibili", "dispatch", "feed", "live"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if strings.Join(resched, ",") != "live" {
		t.Fatalf("resched = %v", resched)
	}
	if got := RestartRequired(changed); strings.Join(got, ",") != "bilibili" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 500ms ", 500 * time.Millisecond, false},
		{"10", 10 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-5s", 0, true},
		{"-3", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := Duration("delivery.settle.step", tc.raw)
		if tc.wantErr {
			if err == nil || !strings.Contains(err.Error(), "delivery.settle.step") {
				t.Fatalf("Duration(%q) err = %v, want error naming the field", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("Duration(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}

	if d, err := DurationOr("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := DurationOr("x", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero: %v %v", d, err)
	}
}

func TestDecodeYAMLShapes(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("empty.yaml", nil)
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg.Feed.Schedule != "" {
		t.Fatalf("empty yaml decoded to %+v", cfg)
	}

	if _, err := Decode("list.yml", []byte("- feed\n- live\n")); err == nil || !strings.Contains(err.Error(), "list.yml") {
		t.Fatalf("list root err = %v", err)
	}

	cfg, err = Decode("c.yaml", []byte("feed:\n  classes:\n    123: modern\n"))
	if err != nil {
		t.Fatalf("numeric class key: %v", err)
	}
	if cfg.Feed.Classes["123"] != "modern" {
		t.Fatalf("classes = %v", cfg.Feed.Classes)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if cfg.Live.Generations()["Qt51514QWindowIcon"] != model.Modern {
		t.Fatalf("live classes = %v", cfg.Live.Classes)
	}
}
