package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pricewatch?sslmode=disable")
	t.Setenv("TRACKED_ITEMS", "570, 730,570")
	t.Setenv("PRICEWATCH_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.MaxRetries != 3 || cfg.HTTP.BaseDelay != time.Second || cfg.HTTP.MaxDelay != time.Minute {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.HTTP.UserAgent != DefaultUserAgent {
		t.Fatalf("expected default user agent, got %q", cfg.HTTP.UserAgent)
	}
	if cfg.RateLimit.MaxRequests != 100 || cfg.RateLimit.Window != 5*time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Jobs.RefreshSchedule != "@every 12h" || cfg.Jobs.CleanupSchedule != "0 3 * * *" {
		t.Fatalf("unexpected schedules: %+v", cfg.Jobs)
	}
	if cfg.Leader.LeaseName != "pricewatch-scheduler" || cfg.Redis.KeyPrefix != "pricewatch:" {
		t.Fatalf("unexpected leader/redis defaults: %+v %+v", cfg.Leader, cfg.Redis)
	}
	if len(cfg.TrackedItems) != 2 || cfg.TrackedItems[0] != 570 || cfg.TrackedItems[1] != 730 {
		t.Fatalf("expected deduplicated tracked items, got %v", cfg.TrackedItems)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PRICEWATCH_CONFIG", "")

	_, err := Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestApplyFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricewatch.yaml")
	body := "tracked_items: [730, 1091500]\nschedules:\n  refresh: \"@every 1h\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg := &Config{TrackedItems: []int64{570, 730}}
	cfg.Jobs.RefreshSchedule = "@every 12h"
	cfg.Jobs.NotifySchedule = "@every 6h"
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Jobs.RefreshSchedule != "@every 1h" {
		t.Fatalf("refresh schedule not overridden: %q", cfg.Jobs.RefreshSchedule)
	}
	if cfg.Jobs.NotifySchedule != "@every 6h" {
		t.Fatalf("notify schedule should be untouched: %q", cfg.Jobs.NotifySchedule)
	}
	want := []int64{570, 730, 1091500}
	if len(cfg.TrackedItems) != len(want) {
		t.Fatalf("tracked items = %v, want %v", cfg.TrackedItems, want)
	}
	for i := range want {
		if cfg.TrackedItems[i] != want[i] {
			t.Fatalf("tracked items = %v, want %v", cfg.TrackedItems, want)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database:  DatabaseConfig{DSN: "postgres://x"},
			HTTP:      HTTPConfig{Concurrency: 5, MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
			RateLimit: RateLimitConfig{MaxRequests: 10, Window: time.Minute},
			Jobs:      JobsConfig{RefreshSchedule: "@every 12h", NotifySchedule: "@every 6h", CleanupSchedule: "0 3 * * *", RetentionDays: 730},
			Leader:    LeaderConfig{LeaseTTL: 30 * time.Second, HeartbeatInterval: 10 * time.Second},
			Notify:    NotifyConfig{Sink: "log", DefaultThreshold: 50, CooldownHours: 24},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}

	cases := map[string]func(*Config){
		"bad cron":           func(c *Config) { c.Jobs.CleanupSchedule = "not a cron" },
		"zero concurrency":   func(c *Config) { c.HTTP.Concurrency = 0 },
		"heartbeat too slow": func(c *Config) { c.Leader.HeartbeatInterval = time.Minute },
		"webhook sink":       func(c *Config) { c.Notify.Sink = "webhook" },
		"kafka sink":         func(c *Config) { c.Notify.Sink = "kafka" },
		"unknown sink":       func(c *Config) { c.Notify.Sink = "pigeon" },
		"zero cooldown":      func(c *Config) { c.Notify.CooldownHours = 0 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestParseItemListRejectsGarbage(t *testing.T) {
	if _, err := ParseItemList("570,abc"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
	items, err := ParseItemList("")
	if err != nil || len(items) != 0 {
		t.Fatalf("empty list should parse to nothing, got %v %v", items, err)
	}
}
