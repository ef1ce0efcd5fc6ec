package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"bilirelay/internal/model"
	"bilirelay/internal/schedule"
)

const (
	DefaultSchedule       = "10s"
	DefaultSettle         = 2 * time.Second
	DefaultMentionTrigger = "@"
	DefaultQueueSize      = 64
	DefaultStorageDriver  = "file"
	DefaultStoragePath    = "./data/bilirelay"
	DefaultImageDir       = "./data/images"
	DefaultStatusAddr     = "127.0.0.1:6061"
	DefaultHTTPTimeout    = 10 * time.Second
	DefaultRetryAttempts  = 3
)

// ApplyDefaults fills omitted fields in place. It never overrides values the
// file sets explicitly.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Feed.Schedule) == "" {
		cfg.Feed.Schedule = DefaultSchedule
	}
	if strings.TrimSpace(cfg.Live.Schedule) == "" {
		cfg.Live.Schedule = DefaultSchedule
	}
	if cfg.Bilibili.RetryAttempts <= 0 {
		cfg.Bilibili.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.Delivery.MentionTrigger == "" {
		cfg.Delivery.MentionTrigger = DefaultMentionTrigger
	}
	if strings.TrimSpace(cfg.Delivery.ImageDir) == "" {
		cfg.Delivery.ImageDir = DefaultImageDir
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = DefaultQueueSize
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = DefaultStorageDriver
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			cfg.Storage.Path = DefaultStoragePath
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}
}

// Validate checks cross-field rules and every duration/schedule string.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Feed.IsEnabled() && strings.TrimSpace(cfg.Bilibili.UID) == "" {
		add(errors.New("bilibili.uid: required when feed is enabled"))
	}
	if cfg.Live.IsEnabled() && strings.TrimSpace(cfg.Bilibili.RoomID) == "" {
		add(errors.New("bilibili.room_id: required when live is enabled"))
	}
	_, err := Duration("bilibili.timeout", cfg.Bilibili.Timeout)
	add(err)
	if cfg.Bilibili.RetryAttempts < 0 {
		add(errors.New("bilibili.retry_attempts: must be >= 0"))
	}

	add(validateSource("feed", cfg.Feed))
	add(validateSource("live", cfg.Live))

	_, err = cfg.Delivery.SettleDurations()
	add(err)
	if cfg.Delivery.ImageAttempts < 0 {
		add(errors.New("delivery.image_attempts: must be >= 0"))
	}
	for i, w := range cfg.Delivery.SimulateWindows {
		if strings.TrimSpace(w.Title) == "" && strings.TrimSpace(w.Class) == "" {
			add(fmt.Errorf("delivery.simulate_windows[%d]: title or class required", i))
		}
	}

	if cfg.Dispatch.QueueSize < 0 {
		add(errors.New("dispatch.queue_size: must be >= 0"))
	}
	if cfg.Dispatch.DedupMaxEntries < 0 {
		add(errors.New("dispatch.dedup_max_entries: must be >= 0"))
	}
	_, err = Duration("dispatch.min_interval", cfg.Dispatch.MinInterval)
	add(err)
	_, err = Duration("dispatch.dedup_window", cfg.Dispatch.DedupWindow)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = Duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if t := cfg.Logging.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(errors.New("logging.telegram.token: required when telegram alerts are enabled"))
		}
		if t.ChatID == 0 {
			add(errors.New("logging.telegram.chat_id: required when telegram alerts are enabled"))
		}
	}

	if cfg.Status.Enabled {
		addr := strings.TrimSpace(cfg.Status.Addr)
		if addr == "" {
			addr = DefaultStatusAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("status.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(cfg.Status.Token) == "" {
			add(fmt.Errorf("status.addr: %q is not loopback; set status.token", addr))
		}
	}

	return errors.Join(errs...)
}

func validateSource(name string, s SourceConfig) error {
	var errs []error
	if _, err := schedule.Parse(s.ScheduleOrDefault()); err != nil {
		errs = append(errs, fmt.Errorf("%s.schedule: %w", name, err))
	}
	classes := make([]string, 0, len(s.Classes))
	for c := range s.Classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		if _, ok := model.ParseGeneration(s.Classes[c]); !ok {
			errs = append(errs, fmt.Errorf("%s.classes.%s: want \"legacy\" or \"modern\", got %q", name, c, s.Classes[c]))
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ScheduleOrDefault returns the configured schedule or DefaultSchedule.
func (s SourceConfig) ScheduleOrDefault() string {
	if v := strings.TrimSpace(s.Schedule); v != "" {
		return v
	}
	return DefaultSchedule
}

// Generations maps each configured class to its client generation.
// Unknown values were already rejected by Validate and map to legacy.
func (s SourceConfig) Generations() map[string]model.Generation {
	if len(s.Classes) == 0 {
		return nil
	}
	out := make(map[string]model.Generation, len(s.Classes))
	for c, g := range s.Classes {
		gen, _ := model.ParseGeneration(g)
		out[c] = gen
	}
	return out
}

// Settle is the parsed form of SettleConfig.
type Settle struct {
	Activate time.Duration
	Mention  time.Duration
	Step     time.Duration
}

// SettleDurations parses the settle pauses, substituting DefaultSettle for
// omitted values.
func (d DeliveryConfig) SettleDurations() (Settle, error) {
	var (
		out Settle
		err error
	)
	if out.Activate, err = DurationOr("delivery.settle.activate", d.Settle.Activate, DefaultSettle); err != nil {
		return Settle{}, err
	}
	if out.Mention, err = DurationOr("delivery.settle.mention", d.Settle.Mention, DefaultSettle); err != nil {
		return Settle{}, err
	}
	if out.Step, err = DurationOr("delivery.settle.step", d.Settle.Step, DefaultSettle); err != nil {
		return Settle{}, err
	}
	return out, nil
}

// Duration parses a duration setting. Empty means zero; a bare integer is
// seconds ("10" == "10s"). field names the setting in errors.
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if n, nerr := strconv.ParseInt(s, 10, 64); nerr == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. \"2s\", \"500ms\")", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %q", field, raw)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for empty or zero values.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
