package app

import (
	"strings"
	"time"

	"bilirelay/internal/bili"
	"bilirelay/internal/config"
	"bilirelay/internal/delivery"
	"bilirelay/internal/dispatch"
	"bilirelay/internal/observability/status"
	"bilirelay/internal/storage"
	"bilirelay/internal/telegram"
	"bilirelay/internal/watch"
	"bilirelay/internal/window"
	"bilirelay/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapTelegram returns the zero Config when alerts are disabled.
func mapTelegram(cfg *config.Config) telegram.Config {
	t := cfg.Logging.Telegram
	if !t.Enabled {
		return telegram.Config{}
	}
	return telegram.Config{Token: strings.TrimSpace(t.Token), ChatID: t.ChatID, ThreadID: t.ThreadID}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapBili(cfg *config.Config) (bili.Options, error) {
	b := cfg.Bilibili
	timeout, err := config.DurationOr("bilibili.timeout", b.Timeout, config.DefaultHTTPTimeout)
	if err != nil {
		return bili.Options{}, err
	}
	return bili.Options{
		UID:       strings.TrimSpace(b.UID),
		RoomID:    strings.TrimSpace(b.RoomID),
		SESSDATA:  b.SESSDATA,
		UserAgent: b.UserAgent,
		Timeout:   timeout,
		Attempts:  uint(b.RetryAttempts),
		FeedURL:   strings.TrimSpace(b.FeedURL),
		LiveURL:   strings.TrimSpace(b.LiveURL),
	}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Options, error) {
	settle, err := cfg.Delivery.SettleDurations()
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{
		Settle: delivery.Settle{
			Activate: settle.Activate,
			Mention:  settle.Mention,
			Step:     settle.Step,
		},
		LegacyForeground: cfg.Delivery.LegacyForeground,
		MentionTrigger:   cfg.Delivery.MentionTrigger,
	}, nil
}

func mapImages(cfg *config.Config) delivery.ImageOptions {
	attempts := cfg.Delivery.ImageAttempts
	if attempts <= 0 {
		attempts = cfg.Bilibili.RetryAttempts
	}
	return delivery.ImageOptions{
		Dir:        cfg.Delivery.ImageDir,
		Attempts:   uint(attempts),
		RetryDelay: time.Second,
		UserAgent:  cfg.Bilibili.UserAgent,
	}
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	minInterval, err := config.Duration("dispatch.min_interval", d.MinInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	dedup, err := config.Duration("dispatch.dedup_window", d.DedupWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		QueueSize:       d.QueueSize,
		MinInterval:     minInterval,
		DedupWindow:     dedup,
		DedupMaxEntries: d.DedupMaxEntries,
		PersistDedup:    d.PersistDedup,
	}, nil
}

func mapStatus(cfg *config.Config) status.Config {
	return status.Config{Enabled: cfg.Status.Enabled, Addr: cfg.Status.Addr, Token: cfg.Status.Token}
}

func mapWindows(cfg *config.Config) []window.Window {
	if len(cfg.Delivery.SimulateWindows) == 0 {
		return nil
	}
	out := make([]window.Window, 0, len(cfg.Delivery.SimulateWindows))
	for i, w := range cfg.Delivery.SimulateWindows {
		out = append(out, window.Window{Handle: uintptr(0x1000 + i), Title: w.Title, Class: w.Class})
	}
	return out
}

func mapSettings(src config.SourceConfig) watch.Settings {
	return watch.Settings{
		Match: window.Match{
			Titles:  append([]string(nil), src.Titles...),
			Classes: src.Generations(),
		},
		MentionAll:      src.MentionAll,
		MentionAllOnEnd: src.MentionAllOnEnd,
	}
}
