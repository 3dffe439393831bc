package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults %q %q", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.WriteGuard != WriteGuardCAS {
		t.Fatalf("unexpected write guard %q", cfg.WriteGuard)
	}
	if cfg.TokenTTL != time.Duration(defaultTokenTTLMinutes)*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.LockTTL != defaultLockTTL {
		t.Fatalf("unexpected lock ttl %s", cfg.LockTTL)
	}
	if !cfg.AutoProvision || !cfg.MetricsEnabled || cfg.TracingEnabled {
		t.Fatalf("unexpected feature defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
	if !cfg.DatabaseConfigured() {
		t.Fatalf("expected default sqlite path to count as configured")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("VOCABLOOP_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("VOCABLOOP_SYNC_WRITE_GUARD", "Mutex")
	t.Setenv("VOCABLOOP_HISTORY_TRUNCATION", "timestamp")
	t.Setenv("VOCABLOOP_DATABASE_PATH", "")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("unexpected signing secret %q", cfg.SigningSecret)
	}
	if cfg.WriteGuard != WriteGuardMutex {
		t.Fatalf("unexpected write guard %q", cfg.WriteGuard)
	}
	if cfg.HistoryTruncation != "timestamp" {
		t.Fatalf("unexpected truncation %q", cfg.HistoryTruncation)
	}
	if cfg.DatabaseConfigured() {
		t.Fatalf("expected empty database path to leave the store unconfigured")
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		message  string
	}{
		{name: "missing secret", settings: map[string]any{}, message: "auth.signing_secret"},
		{name: "unknown driver", settings: map[string]any{"database.driver": "mysql"}, message: "database.driver"},
		{name: "unknown guard", settings: map[string]any{"sync.write_guard": "optimistic"}, message: "sync.write_guard"},
		{name: "redis guard without redis", settings: map[string]any{"sync.write_guard": "redis"}, message: "redis.address"},
		{name: "zero attempts", settings: map[string]any{"sync.max_merge_attempts": 0}, message: "sync.max_merge_attempts"},
		{name: "negative rate", settings: map[string]any{"ratelimit.requests_per_minute": -1}, message: "ratelimit.requests_per_minute"},
		{name: "sample ratio", settings: map[string]any{"tracing.sample_ratio": 1.5}, message: "tracing.sample_ratio"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("auth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
