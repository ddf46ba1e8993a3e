package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Env != "prod" {
		t.Errorf("expected Env=prod, got %q", cfg.Env)
	}
	if !cfg.Enabled {
		t.Errorf("expected checking enabled by default")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected Log.Level=info, got %q", cfg.Log.Level)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8053" {
		t.Errorf("unexpected HTTP.Listen %q", cfg.HTTP.Listen)
	}
	if cfg.Store.Path != "/var/lib/sbguard/sb.db" {
		t.Errorf("unexpected Store.Path %q", cfg.Store.Path)
	}
	if cfg.Store.CacheTTL != 45*time.Minute {
		t.Errorf("expected Store.CacheTTL=45m, got %v", cfg.Store.CacheTTL)
	}
	if cfg.Feed.URL != "" || cfg.Feed.Dir != "" {
		t.Errorf("expected no feed by default, got %+v", cfg.Feed)
	}
	if cfg.Updates.MinInterval != time.Minute || cfg.Updates.MaxInterval != 8*time.Hour {
		t.Errorf("unexpected update bounds %+v", cfg.Updates)
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	t.Setenv("SBG_ENV", "dev")
	t.Setenv("SBG_ENABLED", "false")
	t.Setenv("SBG_LOG__LEVEL", "debug")
	t.Setenv("SBG_HTTP__LISTEN", "0.0.0.0:9000")
	t.Setenv("SBG_STORE__PATH", "/tmp/sb.db")
	t.Setenv("SBG_STORE__CACHE_SIZE", "0")
	t.Setenv("SBG_FEED__URL", "https://feed.example/sb")
	t.Setenv("SBG_FEED__API_KEY", "k3y")
	t.Setenv("SBG_FEED__RATE", "2.5")
	t.Setenv("SBG_UPDATES__INTERVAL", "15m")
	t.Setenv("SBG_UPDATES__FULL_HASH_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Enabled || cfg.Log.Level != "debug" {
		t.Errorf("unexpected top-level values: %+v", cfg)
	}
	if cfg.HTTP.Listen != "0.0.0.0:9000" {
		t.Errorf("unexpected HTTP.Listen %q", cfg.HTTP.Listen)
	}
	if cfg.Store.Path != "/tmp/sb.db" || cfg.Store.CacheSize != 0 {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Feed.URL != "https://feed.example/sb" || cfg.Feed.APIKey != "k3y" || cfg.Feed.Rate != 2.5 {
		t.Errorf("unexpected feed config %+v", cfg.Feed)
	}
	if cfg.Updates.Interval != 15*time.Minute || cfg.Updates.FullHashTimeout != 3*time.Second {
		t.Errorf("unexpected updates config %+v", cfg.Updates)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"env":           {"SBG_ENV": "staging"},
		"log level":     {"SBG_LOG__LEVEL": "trace"},
		"listen":        {"SBG_HTTP__LISTEN": "nowhere"},
		"feed scheme":   {"SBG_FEED__URL": "ftp://feed.example"},
		"feed query":    {"SBG_FEED__URL": "https://feed.example/?k=v"},
		"feed and dir":  {"SBG_FEED__URL": "https://feed.example", "SBG_FEED__DIR": "/tmp/chunks"},
		"fp rate":       {"SBG_STORE__INDEX_FP_RATE": "1.5"},
		"bad duration":  {"SBG_UPDATES__INTERVAL": "soon"},
		"bounds":        {"SBG_UPDATES__MIN_INTERVAL": "2h", "SBG_UPDATES__MAX_INTERVAL": "1h"},
		"negative size": {"SBG_STORE__CACHE_SIZE": "-1"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestLoad_LocalFeedDir(t *testing.T) {
	t.Setenv("SBG_FEED__DIR", "/srv/chunks")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Feed.Dir != "/srv/chunks" {
		t.Errorf("unexpected Feed.Dir %q", cfg.Feed.Dir)
	}
}

func TestEnvLoader_SplitsLists(t *testing.T) {
	t.Setenv("SBG_SOME__LIST", "a, b c")
	k := koanf.New(".")
	if err := envLoader(k); err != nil {
		t.Fatalf("envLoader: %v", err)
	}
	got := k.Strings("some.list")
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("expected [a b c], got %v", got)
	}
}

func TestLoad_LoaderErrors(t *testing.T) {
	boom := errors.New("boom")

	origDefault, origEnv, origReg := defaultLoader, envLoader, registerValidation
	t.Cleanup(func() { defaultLoader, envLoader, registerValidation = origDefault, origEnv, origReg })

	defaultLoader = func(*koanf.Koanf) error { return boom }
	if _, err := Load(); !errors.Is(err, boom) {
		t.Fatalf("expected default loader error, got %v", err)
	}
	defaultLoader = origDefault

	envLoader = func(*koanf.Koanf) error { return boom }
	if _, err := Load(); !errors.Is(err, boom) {
		t.Fatalf("expected env loader error, got %v", err)
	}
	envLoader = origEnv

	registerValidation = func(*validator.Validate) error { return boom }
	if _, err := Load(); !errors.Is(err, boom) {
		t.Fatalf("expected validation registration error, got %v", err)
	}
}

func TestValidFeedURL(t *testing.T) {
	v := validator.New()
	if err := v.RegisterValidation("feed_url", validFeedURL); err != nil {
		t.Fatalf("register: %v", err)
	}
	good := []string{"http://feed.example", "https://feed.example:8443/sb/v1"}
	bad := []string{"feed.example", "https://", "https://feed.example/#x", "::"}
	for _, u := range good {
		if err := v.Var(u, "feed_url"); err != nil {
			t.Errorf("expected %q valid: %v", u, err)
		}
	}
	for _, u := range bad {
		if err := v.Var(u, "feed_url"); err == nil {
			t.Errorf("expected %q invalid", u)
		}
	}
}
