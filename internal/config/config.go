package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Config holds all runtime configuration for the trading core.
type Config struct {
	Port                 int
	LogLevel             string
	StoreBackend         string
	PebblePath           string
	DatabaseURL          string
	SweepInterval        time.Duration
	RebuildBookOnStart   bool
	PriceStaleAfter      time.Duration
	MaxOrderQty          int64
	MaxOpenOrdersPerUser int
	RetentionDaysTrades  int
	WebhookTimeout       time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	ShutdownTimeout      time.Duration
	CORSAllowedOrigins   []string
}

// source resolves a key from the environment first, then from the
// optional config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
//
// A .env file in the working directory is loaded first; it never
// overrides variables that are already set. When CONFIG_FILE names a YAML
// file, its keys (the variable names in lower case) fill in whatever the
// environment leaves unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	port, err := src.getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := src.getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	backend := src.getStr("STORE_BACKEND", BackendMemory)
	if !isValidBackend(backend) {
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q, must be one of: memory, pebble, postgres", backend)
	}
	pebblePath := src.getStr("PEBBLE_PATH", "data/tradecore")
	databaseURL := src.getStr("DATABASE_URL", "")
	if backend == BackendPostgres && databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}

	sweepInterval, err := src.getDuration("SWEEP_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	if sweepInterval <= 0 {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: must be positive")
	}

	rebuild, err := src.getBool("ORDER_BOOK_REBUILD_ON_START", true)
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_BOOK_REBUILD_ON_START: %w", err)
	}

	priceStaleAfter, err := src.getDuration("PRICE_STALE_AFTER", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid PRICE_STALE_AFTER: %w", err)
	}

	maxOrderQty, err := src.getInt("MAX_ORDER_QTY", 0)
	if err != nil || maxOrderQty < 0 {
		return nil, fmt.Errorf("invalid MAX_ORDER_QTY: must be a non-negative integer")
	}

	maxOpen, err := src.getInt("MAX_OPEN_ORDERS_PER_USER", 0)
	if err != nil || maxOpen < 0 {
		return nil, fmt.Errorf("invalid MAX_OPEN_ORDERS_PER_USER: must be a non-negative integer")
	}

	retention, err := src.getInt("RETENTION_DAYS_TRADES", 0)
	if err != nil || retention < 0 {
		return nil, fmt.Errorf("invalid RETENTION_DAYS_TRADES: must be a non-negative integer")
	}

	webhookTimeout, err := src.getDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	readTimeout, err := src.getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := src.getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := src.getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := src.getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                 port,
		LogLevel:             logLevel,
		StoreBackend:         backend,
		PebblePath:           pebblePath,
		DatabaseURL:          databaseURL,
		SweepInterval:        sweepInterval,
		RebuildBookOnStart:   rebuild,
		PriceStaleAfter:      priceStaleAfter,
		MaxOrderQty:          int64(maxOrderQty),
		MaxOpenOrdersPerUser: maxOpen,
		RetentionDaysTrades:  retention,
		WebhookTimeout:       webhookTimeout,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		ShutdownTimeout:      shutdownTimeout,
		CORSAllowedOrigins:   splitList(src.getStr("CORS_ALLOWED_ORIGINS", "")),
	}, nil
}

// readFile parses a flat YAML mapping. Scalar values of any type are kept
// in their string form so they go through the same parsing as env vars.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case []any:
			parts := make([]string, len(v))
			for i, p := range v {
				parts[i] = fmt.Sprint(p)
			}
			out[strings.ToLower(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToLower(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func (s source) getStr(key, defaultVal string) string {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func (s source) getInt(key string, defaultVal int) (int, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func (s source) getBool(key string, defaultVal bool) (bool, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func (s source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidBackend(backend string) bool {
	switch backend {
	case BackendMemory, BackendPebble, BackendPostgres:
		return true
	}
	return false
}
