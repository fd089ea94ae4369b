package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Feature: runtime-config, Property 1: every valid combination of settings
// loads, and each field holds its setting or its default.
// Feature: runtime-config, Property 2: any malformed value is rejected.
// Feature: runtime-config, Property 3: the environment overrides the config
// file, which overrides the default.

var validLogLevels = []string{"debug", "info", "warn", "error"}

var validBackends = []string{BackendMemory, BackendPebble, BackendPostgres}

// durationEnvKeys lists all Config fields that are parsed as time.Duration.
var durationEnvKeys = []string{
	"SWEEP_INTERVAL",
	"PRICE_STALE_AFTER",
	"WEBHOOK_TIMEOUT",
	"READ_TIMEOUT",
	"WRITE_TIMEOUT",
	"IDLE_TIMEOUT",
	"SHUTDOWN_TIMEOUT",
}

// countEnvKeys are the non-negative integer limits; zero disables each.
var countEnvKeys = []string{
	"MAX_ORDER_QTY",
	"MAX_OPEN_ORDERS_PER_USER",
	"RETENTION_DAYS_TRADES",
}

// allEnvKeys is every config-related env var key.
var allEnvKeys = append(append([]string{
	"PORT", "LOG_LEVEL", "CONFIG_FILE", "STORE_BACKEND", "PEBBLE_PATH", "DATABASE_URL",
	"ORDER_BOOK_REBUILD_ON_START", "CORS_ALLOWED_ORIGINS",
}, countEnvKeys...), durationEnvKeys...)

func unsetAllConfigEnv() {
	for _, key := range allEnvKeys {
		os.Unsetenv(key)
	}
}

// field reads one setting back out of a loaded Config in its env form.
var fields = map[string]func(c *Config) string{
	"PORT":                        func(c *Config) string { return strconv.Itoa(c.Port) },
	"LOG_LEVEL":                   func(c *Config) string { return c.LogLevel },
	"STORE_BACKEND":               func(c *Config) string { return c.StoreBackend },
	"ORDER_BOOK_REBUILD_ON_START": func(c *Config) string { return strconv.FormatBool(c.RebuildBookOnStart) },
	"MAX_ORDER_QTY":               func(c *Config) string { return strconv.FormatInt(c.MaxOrderQty, 10) },
	"MAX_OPEN_ORDERS_PER_USER":    func(c *Config) string { return strconv.Itoa(c.MaxOpenOrdersPerUser) },
	"RETENTION_DAYS_TRADES":       func(c *Config) string { return strconv.Itoa(c.RetentionDaysTrades) },
	"SWEEP_INTERVAL":              func(c *Config) string { return c.SweepInterval.String() },
	"PRICE_STALE_AFTER":           func(c *Config) string { return c.PriceStaleAfter.String() },
	"WEBHOOK_TIMEOUT":             func(c *Config) string { return c.WebhookTimeout.String() },
	"READ_TIMEOUT":                func(c *Config) string { return c.ReadTimeout.String() },
	"WRITE_TIMEOUT":               func(c *Config) string { return c.WriteTimeout.String() },
	"IDLE_TIMEOUT":                func(c *Config) string { return c.IdleTimeout.String() },
	"SHUTDOWN_TIMEOUT":            func(c *Config) string { return c.ShutdownTimeout.String() },
}

var defaults = map[string]string{
	"PORT":                        "8080",
	"LOG_LEVEL":                   "info",
	"STORE_BACKEND":               BackendMemory,
	"ORDER_BOOK_REBUILD_ON_START": "true",
	"MAX_ORDER_QTY":               "0",
	"MAX_OPEN_ORDERS_PER_USER":    "0",
	"RETENTION_DAYS_TRADES":       "0",
	"SWEEP_INTERVAL":              time.Second.String(),
	"PRICE_STALE_AFTER":           time.Duration(0).String(),
	"WEBHOOK_TIMEOUT":             (5 * time.Second).String(),
	"READ_TIMEOUT":                (5 * time.Second).String(),
	"WRITE_TIMEOUT":               (10 * time.Second).String(),
	"IDLE_TIMEOUT":                time.Minute.String(),
	"SHUTDOWN_TIMEOUT":            (10 * time.Second).String(),
}

// genValue draws a valid raw value for key, or "" for unset. label names
// the draws.
func genValue(t *rapid.T, key, label string) string {
	if !rapid.Bool().Draw(t, label+"_set") {
		return ""
	}
	switch {
	case key == "PORT":
		return strconv.Itoa(rapid.IntRange(1, 65535).Draw(t, label))
	case key == "LOG_LEVEL":
		return rapid.SampledFrom(validLogLevels).Draw(t, label)
	case key == "STORE_BACKEND":
		return rapid.SampledFrom(validBackends).Draw(t, label)
	case key == "ORDER_BOOK_REBUILD_ON_START":
		return strconv.FormatBool(rapid.Bool().Draw(t, label))
	case contains(countEnvKeys, key):
		return strconv.Itoa(rapid.IntRange(0, 1_000_000).Draw(t, label))
	default:
		unit := rapid.SampledFrom([]string{"ms", "s", "m"}).Draw(t, label+"_unit")
		return fmt.Sprintf("%d%s", rapid.IntRange(1, 600).Draw(t, label), unit)
	}
}

// canonical renders a raw valid value the way fields reports it.
func canonical(key, raw string) string {
	if contains(durationEnvKeys, key) {
		d, _ := time.ParseDuration(raw)
		return d.String()
	}
	return raw
}

func settableKeys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// Map order is random; rapid needs a fixed draw order to shrink.
	sort.Strings(keys)
	return keys
}

// setBackendDeps satisfies what a drawn backend requires.
func setBackendDeps(backend string) {
	if backend == BackendPostgres && os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://localhost/tradecore")
	}
}

func TestProperty_ValidConfigParsing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unsetAllConfigEnv()
		defer unsetAllConfigEnv()

		set := make(map[string]string)
		for _, key := range settableKeys() {
			if v := genValue(t, key, key); v != "" {
				set[key] = v
				os.Setenv(key, v)
			}
		}
		setBackendDeps(set["STORE_BACKEND"])

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error for valid inputs %v: %v", set, err)
		}
		for _, key := range settableKeys() {
			want := defaults[key]
			if raw, ok := set[key]; ok {
				want = canonical(key, raw)
			}
			if got := fields[key](cfg); got != want {
				t.Fatalf("%s = %q, want %q", key, got, want)
			}
		}
	})
}

func TestProperty_MalformedValuesRejected(t *testing.T) {
	malformed := map[string]*rapid.Generator[string]{
		"PORT":          rapid.SampledFrom([]string{"http", "12.5", "1.0e2", "80a"}),
		"LOG_LEVEL":     rapid.StringMatching(`[a-z]{1,20}`).Filter(func(s string) bool { return !contains(validLogLevels, s) }),
		"STORE_BACKEND": rapid.StringMatching(`[a-z]{1,12}`).Filter(func(s string) bool { return !contains(validBackends, s) }),
		"ORDER_BOOK_REBUILD_ON_START": rapid.SampledFrom([]string{"yes", "no", "on", "maybe"}),
	}
	for _, key := range countEnvKeys {
		malformed[key] = rapid.OneOf(
			rapid.Map(rapid.IntRange(-1_000_000, -1), strconv.Itoa),
			rapid.SampledFrom([]string{"ten", "1.5", "2e3"}),
		)
	}
	for _, key := range durationEnvKeys {
		malformed[key] = rapid.OneOf(
			rapid.StringMatching(`[a-zA-Z]{2,10}`),
			rapid.SampledFrom([]string{"5x", "abc123", "10"}),
		).Filter(func(s string) bool {
			_, err := time.ParseDuration(s)
			return err != nil
		})
	}

	for _, key := range settableKeys() {
		gen := malformed[key]
		t.Run(key, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				unsetAllConfigEnv()
				defer unsetAllConfigEnv()

				v := gen.Draw(t, "value")
				os.Setenv(key, v)

				if _, err := Load(); err == nil {
					t.Fatalf("Load() accepted %s=%q", key, v)
				} else if !strings.Contains(err.Error(), key) {
					t.Fatalf("error %q does not name %s", err, key)
				}
			})
		})
	}
}

func TestProperty_EnvOverridesFileOverridesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	rapid.Check(t, func(t *rapid.T) {
		unsetAllConfigEnv()
		defer unsetAllConfigEnv()

		fromFile := make(map[string]string)
		fromEnv := make(map[string]string)
		var yaml strings.Builder
		for _, key := range settableKeys() {
			if v := genValue(t, key, "file_"+key); v != "" {
				fromFile[key] = v
				fmt.Fprintf(&yaml, "%s: %q\n", strings.ToLower(key), v)
			}
			if v := genValue(t, key, "env_"+key); v != "" {
				fromEnv[key] = v
				os.Setenv(key, v)
			}
		}
		if err := os.WriteFile(path, []byte(yaml.String()), 0o600); err != nil {
			t.Fatalf("write config file: %v", err)
		}
		os.Setenv("CONFIG_FILE", path)
		backend := fromEnv["STORE_BACKEND"]
		if backend == "" {
			backend = fromFile["STORE_BACKEND"]
		}
		setBackendDeps(backend)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error: %v", err)
		}
		for _, key := range settableKeys() {
			want := defaults[key]
			if raw, ok := fromFile[key]; ok {
				want = canonical(key, raw)
			}
			if raw, ok := fromEnv[key]; ok {
				want = canonical(key, raw)
			}
			if got := fields[key](cfg); got != want {
				t.Fatalf("%s = %q, want %q (file %q, env %q)", key, got, want, fromFile[key], fromEnv[key])
			}
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
