package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"bilirelay/pkg/logx"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		source string
		every  time.Duration
		cron   string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron", cron: "0 0 * * *"},
		{name: "descriptor", raw: "@every 10s", kind: KindCron, source: "cron", cron: "@every 10s"},
		{name: "duration", raw: "10s", kind: KindInterval, source: "duration", every: 10 * time.Second, cron: "@every 10s"},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix", raw: "every: 1m", kind: KindInterval, source: "duration", every: time.Minute},
		{name: "hhmm", raw: "00:05", kind: KindInterval, source: "hhmm", every: 5 * time.Minute, cron: "@every 5m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("Parse(%q) = %+v", tt.raw, got)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if tt.cron != "" && got.CronSpec() != tt.cron {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cron)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5s", "00:00", "01:75", "interval:"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestRunnerRunNowAndReplace(t *testing.T) {
	t.Parallel()

	r := NewRunner(logx.Nop())
	ran := make(chan struct{}, 4)
	if err := r.Add("feed", "1h", true, func(ctx context.Context) error {
		ran <- struct{}{}
		return errors.New("logged, not fatal")
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add("bad", "every:nope", false, nil); err == nil {
		t.Fatalf("expected parse error")
	}

	r.Start(context.Background())
	defer func() { _ = r.Stop(context.Background()) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("runNow job did not run")
	}

	next, ok := r.Next("feed")
	if !ok || next.Before(time.Now().Add(50*time.Minute)) {
		t.Fatalf("Next = %v %v", next, ok)
	}
	if err := r.Reschedule("feed", "2h"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if err := r.Reschedule("missing", "2h"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
	r.Remove("feed")
	if _, ok := r.Next("feed"); ok {
		t.Fatalf("job still registered after Remove")
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	t.Parallel()

	r := NewRunner(logx.Nop())
	var calls atomic.Int32
	done := make(chan struct{})
	_ = r.Add("boom", "1h", true, func(ctx context.Context) error {
		defer close(done)
		calls.Add(1)
		panic("boom")
	})
	r.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}
