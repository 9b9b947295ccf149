package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "DCC_"
	defaultConfigPath = "configs/config.yaml"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Frequency       FrequencyConfig       `koanf:"frequency"`
	TimeRestriction TimeRestrictionConfig `koanf:"time_restriction"`
	CeaseDesist     CeaseDesistConfig     `koanf:"cease_desist"`
	Letter          LetterConfig          `koanf:"letter"`

	Store    StoreConfig    `koanf:"store"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
}

type FrequencyConfig struct {
	Limit           int           `koanf:"limit"`
	Window          time.Duration `koanf:"window"`
	Retention       time.Duration `koanf:"retention"`
	CountedChannels []string      `koanf:"counted_channels"`
	WarningAt       int           `koanf:"warning_remaining"`
}

type TimeRestrictionConfig struct {
	EarliestHour          int      `koanf:"earliest_hour"`
	LatestHour            int      `koanf:"latest_hour"`
	FallbackTimezone      string   `koanf:"fallback_timezone"`
	ConservativeTimezones []string `koanf:"conservative_timezones"`
}

type CeaseDesistConfig struct {
	AllowedTypes []string `koanf:"allowed_types"`
}

type LetterConfig struct {
	RuleSetVersion string `koanf:"rule_set_version"`
}

type StoreConfig struct {
	// Backend selects memory, redis or postgres
	Backend string `koanf:"backend"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	KeyPrefix    string        `koanf:"key_prefix"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Frequency: FrequencyConfig{
			Limit:           7,
			Window:          7 * 24 * time.Hour,
			Retention:       30 * 24 * time.Hour,
			CountedChannels: []string{"phone", "sms", "email"},
			WarningAt:       2,
		},
		TimeRestriction: TimeRestrictionConfig{
			EarliestHour:     8,
			LatestHour:       21,
			FallbackTimezone: "America/New_York",
			ConservativeTimezones: []string{
				"America/New_York",
				"America/Chicago",
				"America/Denver",
				"America/Los_Angeles",
				"America/Anchorage",
				"Pacific/Honolulu",
			},
		},
		CeaseDesist: CeaseDesistConfig{
			AllowedTypes: []string{"cease_acknowledgment", "lawsuit_notice", "specific_remedy_notice"},
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 1,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    "dcc:",
		},
	}
}

// Load reads defaults, then the YAML file at path (configs/config.yaml when
// empty, optional), then DCC_ prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps DCC_TIME_RESTRICTION__EARLIEST_HOUR to time_restriction.earliest_hour.
// A double underscore separates sections; a single underscore stays part of the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	tr := c.TimeRestriction
	if tr.EarliestHour < 0 || tr.EarliestHour > 23 || tr.LatestHour < 1 || tr.LatestHour > 24 {
		return fmt.Errorf("time_restriction hours out of range: %d-%d", tr.EarliestHour, tr.LatestHour)
	}
	if tr.EarliestHour >= tr.LatestHour {
		return fmt.Errorf("time_restriction.earliest_hour (%d) must be before latest_hour (%d)", tr.EarliestHour, tr.LatestHour)
	}
	if _, err := time.LoadLocation(tr.FallbackTimezone); err != nil {
		return fmt.Errorf("time_restriction.fallback_timezone: %w", err)
	}
	for _, tz := range tr.ConservativeTimezones {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("time_restriction.conservative_timezones: %w", err)
		}
	}

	f := c.Frequency
	if f.Limit <= 0 {
		return fmt.Errorf("frequency.limit must be positive, got %d", f.Limit)
	}
	if f.Window <= 0 {
		return fmt.Errorf("frequency.window must be positive")
	}
	if f.Retention < f.Window {
		return fmt.Errorf("frequency.retention (%s) must not be shorter than window (%s)", f.Retention, f.Window)
	}

	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("store.backend must be memory, redis or postgres, got %q", c.Store.Backend)
	}

	return nil
}
