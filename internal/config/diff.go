package config

import (
	"reflect"
	"sort"
	"strings"

	"bilirelay/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like the
// SESSDATA cookie or bot token), and (3) the sources ("feed", "live") whose
// schedule changed and need rescheduling.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	var resched []string

	ob, nb := oldCfg.Bilibili, newCfg.Bilibili
	if strings.TrimSpace(ob.UID) != strings.TrimSpace(nb.UID) ||
		strings.TrimSpace(ob.RoomID) != strings.TrimSpace(nb.RoomID) ||
		ob.SESSDATA != nb.SESSDATA ||
		ob.UserAgent != nb.UserAgent ||
		strings.TrimSpace(ob.Timeout) != strings.TrimSpace(nb.Timeout) ||
		ob.RetryAttempts != nb.RetryAttempts ||
		ob.FeedURL != nb.FeedURL ||
		ob.LiveURL != nb.LiveURL {
		changed = append(changed, "bilibili")
		attrs = append(attrs,
			logx.String("bilibili.uid", strings.TrimSpace(nb.UID)),
			logx.String("bilibili.room_id", strings.TrimSpace(nb.RoomID)),
			logx.Bool("bilibili.sessdata_set", nb.SESSDATA != ""),
			logx.Int("bilibili.retry_attempts", nb.RetryAttempts),
		)
	}

	for _, s := range []struct {
		name     string
		old, new SourceConfig
	}{
		{"feed", oldCfg.Feed, newCfg.Feed},
		{"live", oldCfg.Live, newCfg.Live},
	} {
		if reflect.DeepEqual(s.old, s.new) {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs,
			logx.Bool(s.name+".enabled", s.new.IsEnabled()),
			logx.String(s.name+".schedule", s.new.ScheduleOrDefault()),
			logx.Int(s.name+".titles", len(s.new.Titles)),
			logx.Int(s.name+".classes", len(s.new.Classes)),
		)
		if s.old.ScheduleOrDefault() != s.new.ScheduleOrDefault() || s.old.IsEnabled() != s.new.IsEnabled() {
			resched = append(resched, s.name)
		}
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		d := newCfg.Delivery
		attrs = append(attrs,
			logx.Bool("delivery.dry_run", d.DryRun),
			logx.Bool("delivery.legacy_foreground", d.LegacyForeground),
			logx.String("delivery.settle.activate", d.Settle.Activate),
			logx.String("delivery.settle.mention", d.Settle.Mention),
			logx.String("delivery.settle.step", d.Settle.Step),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.Int("dispatch.queue_size", d.QueueSize),
			logx.String("dispatch.min_interval", strings.TrimSpace(d.MinInterval)),
			logx.String("dispatch.dedup_window", strings.TrimSpace(d.DedupWindow)),
			logx.Bool("dispatch.persist_dedup", d.PersistDedup),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nst.BusyTimeout)),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol != nl {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", nl.Level),
			logx.Bool("logx.console", nl.Console),
			logx.Bool("logx.file_enabled", nl.File.Enabled),
			logx.Bool("logx.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, resched
}

// RestartRequired reports the changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "bilibili", "storage", "status":
			out = append(out, c)
		}
	}
	return out
}
