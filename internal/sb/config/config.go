// Package config loads sbguard settings from defaults and SBG_ environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable; "__" separates nested keys,
// e.g. SBG_FEED__URL or SBG_UPDATES__MIN_INTERVAL.
const EnvPrefix = "SBG_"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// Enabled turns URL checking on; when false every URL is reported safe.
	Enabled bool `koanf:"enabled"`

	Log     LogConfig     `koanf:"log"`
	HTTP    HTTPConfig    `koanf:"http"`
	Store   StoreConfig   `koanf:"store"`
	Feed    FeedConfig    `koanf:"feed"`
	Updates UpdateConfig  `koanf:"updates"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type LogConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen" validate:"required,hostname_port"`
	// CheckTimeout bounds how long GET /v1/check waits for an asynchronous verdict.
	CheckTimeout time.Duration `koanf:"check_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Path            string        `koanf:"path" validate:"required"`
	IndexFPRate     float64       `koanf:"index_fp_rate" validate:"gt=0,lt=1"`
	CacheSize       int           `koanf:"cache_size" validate:"gte=0"`
	CacheTTL        time.Duration `koanf:"cache_ttl" validate:"gte=0"`
	CompactionDelay time.Duration `koanf:"compaction_delay" validate:"gte=0"`
}

// FeedConfig selects where updates come from: a remote feed (URL) or a local
// directory of chunk files (Dir). Neither means the store is never updated.
type FeedConfig struct {
	URL             string        `koanf:"url" validate:"omitempty,feed_url"`
	APIKey          string        `koanf:"api_key"`
	Dir             string        `koanf:"dir" validate:"excluded_with=URL"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	Rate            float64       `koanf:"rate" validate:"gte=0"`
	Burst           int           `koanf:"burst" validate:"gte=1"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type UpdateConfig struct {
	Interval        time.Duration `koanf:"interval" validate:"gt=0"`
	MinInterval     time.Duration `koanf:"min_interval" validate:"gt=0"`
	MaxInterval     time.Duration `koanf:"max_interval" validate:"gtefield=MinInterval"`
	InitialDelay    time.Duration `koanf:"initial_delay" validate:"gte=0"`
	FullHashTimeout time.Duration `koanf:"full_hash_timeout" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// DEFAULT_APP_CONFIG is applied before the environment.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:     "prod",
	Enabled: true,
	Log:     LogConfig{Level: "info"},
	HTTP: HTTPConfig{
		Listen:       "127.0.0.1:8053",
		CheckTimeout: 5 * time.Second,
	},
	Store: StoreConfig{
		Path:            "/var/lib/sbguard/sb.db",
		IndexFPRate:     0.001,
		CacheSize:       10000,
		CacheTTL:        45 * time.Minute,
		CompactionDelay: 5 * time.Minute,
	},
	Feed: FeedConfig{
		Timeout:         10 * time.Second,
		Rate:            1,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	},
	Updates: UpdateConfig{
		Interval:        30 * time.Minute,
		MinInterval:     1 * time.Minute,
		MaxInterval:     8 * time.Hour,
		InitialDelay:    10 * time.Second,
		FullHashTimeout: 10 * time.Second,
	},
	Metrics: MetricsConfig{Enabled: true},
}

// validFeedURL accepts absolute http(s) URLs with a host and no query or fragment.
func validFeedURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && u.RawQuery == "" && u.Fragment == ""
}

// envLoader loads SBG_ variables. Keys are lowercased, "__" becomes the nesting
// delimiter, and values containing spaces or commas become lists.
// It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			key = strings.ReplaceAll(key, "__", ".")
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}
			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}
			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "feed_url" rule.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("feed_url", validFeedURL)
}

// Load returns the configuration with defaults applied, overridden from the
// environment, and validated.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}
