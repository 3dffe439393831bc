package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "VOCABLOOP"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "vocabloop.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "vocabloop-auth"
	defaultCookieName        = "app_session"
	defaultTokenTTLMinutes   = 60 * 24 * 30
	defaultWriteGuard        = WriteGuardCAS
	defaultMaxMergeAttempts  = 3
	defaultLockTTL           = 10 * time.Second
	defaultHistoryTruncation = "position"
	defaultHistoryField      = "timestamp"
	defaultRedisChannel      = "vocabloop-progress"
	defaultRequestsPerMinute = 120
	defaultRateBurst         = 20
	defaultSampleRatio       = 0.1
)

// Database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Write guard modes for concurrent push and merge on one principal.
const (
	WriteGuardNone  = "none"
	WriteGuardCAS   = "cas"
	WriteGuardMutex = "mutex"
	WriteGuardRedis = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	SigningSecret string
	Issuer        string
	CookieName    string
	AutoProvision bool
	TokenTTL      time.Duration

	WriteGuard       string
	MaxMergeAttempts int
	LockTTL          time.Duration

	HistoryTruncation     string
	HistoryTimestampField string

	RedisAddress string
	RedisChannel string

	RequestsPerMinute int
	RateBurst         int

	AllowedOrigins []string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingSampleRatio float64

	MetricsEnabled bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AllowEmptyEnv(true)
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.auto_provision", true)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.write_guard", defaultWriteGuard)
	configViper.SetDefault("sync.max_merge_attempts", defaultMaxMergeAttempts)
	configViper.SetDefault("sync.lock_ttl", defaultLockTTL)
	configViper.SetDefault("history.truncation", defaultHistoryTruncation)
	configViper.SetDefault("history.timestamp_field", defaultHistoryField)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("ratelimit.requests_per_minute", defaultRequestsPerMinute)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("tracing.enabled", false)
	configViper.SetDefault("tracing.endpoint", "")
	configViper.SetDefault("tracing.sample_ratio", defaultSampleRatio)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		LogLevel:              configViper.GetString("log.level"),
		DatabaseDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:          strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:           strings.TrimSpace(configViper.GetString("database.dsn")),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		Issuer:                configViper.GetString("auth.issuer"),
		CookieName:            configViper.GetString("auth.cookie_name"),
		AutoProvision:         configViper.GetBool("auth.auto_provision"),
		TokenTTL:              time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		WriteGuard:            strings.ToLower(strings.TrimSpace(configViper.GetString("sync.write_guard"))),
		MaxMergeAttempts:      configViper.GetInt("sync.max_merge_attempts"),
		LockTTL:               configViper.GetDuration("sync.lock_ttl"),
		HistoryTruncation:     strings.ToLower(strings.TrimSpace(configViper.GetString("history.truncation"))),
		HistoryTimestampField: strings.TrimSpace(configViper.GetString("history.timestamp_field")),
		RedisAddress:          strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:          strings.TrimSpace(configViper.GetString("redis.channel")),
		RequestsPerMinute:     configViper.GetInt("ratelimit.requests_per_minute"),
		RateBurst:             configViper.GetInt("ratelimit.burst"),
		AllowedOrigins:        configViper.GetStringSlice("cors.allowed_origins"),
		TracingEnabled:        configViper.GetBool("tracing.enabled"),
		TracingEndpoint:       strings.TrimSpace(configViper.GetString("tracing.endpoint")),
		TracingSampleRatio:    configViper.GetFloat64("tracing.sample_ratio"),
		MetricsEnabled:        configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DatabaseConfigured reports whether a record store should be opened.
func (c AppConfig) DatabaseConfigured() bool {
	if c.DatabaseDriver == DatabaseDriverPostgres {
		return c.DatabaseDSN != ""
	}
	return c.DatabasePath != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	switch c.WriteGuard {
	case WriteGuardNone, WriteGuardCAS, WriteGuardMutex:
	case WriteGuardRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("sync.write_guard=redis requires redis.address")
		}
	default:
		return fmt.Errorf("sync.write_guard %q is not supported", c.WriteGuard)
	}
	if c.MaxMergeAttempts <= 0 {
		return fmt.Errorf("sync.max_merge_attempts must be positive")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("ratelimit.requests_per_minute must not be negative")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}
