package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"exploratory-testing-support/internal/capture"
)

type Config struct {
	Addr            string `yaml:"addr"`
	LogLevel        string `yaml:"log_level"`
	CORSAllowOrigin string `yaml:"cors_allow_origin"`

	// StorePath selects the SQLite file; empty keeps the store in memory.
	StorePath           string `yaml:"store_path"`
	StorePollIntervalMs int    `yaml:"store_poll_interval_ms"`

	BackendURL        string `yaml:"backend_url"`
	BackendTimeoutMs  int    `yaml:"backend_timeout_ms"`
	BackendMaxRetries int    `yaml:"backend_max_retries"`
	SyncOnStop        bool   `yaml:"sync_on_stop"`

	Capture CaptureConfig `yaml:"capture"`
}

// CaptureConfig picks a preset and optionally overrides parts of it. Zero
// values keep the preset's setting.
type CaptureConfig struct {
	Policy          string  `yaml:"policy"`
	BufferCapacity  int     `yaml:"buffer_capacity"`
	FlushIntervalMs int     `yaml:"flush_interval_ms"`
	MouseMoveRate   float64 `yaml:"mousemove_sample_rate"`
}

func Default() Config {
	return Config{
		Addr:                ":9191",
		LogLevel:            "info",
		CORSAllowOrigin:     "*",
		StorePollIntervalMs: 250,
		BackendTimeoutMs:    15000,
		BackendMaxRetries:   3,
		SyncOnStop:          true,
		Capture:             CaptureConfig{Policy: "full"},
	}
}

// FromEnv builds the configuration from defaults and the environment.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// Load reads an optional YAML file on top of the defaults. Environment
// variables win over the file; without a file this is FromEnv.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		cfg = FromEnv()
	} else {
		cfg = Default()
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
		applyEnv(&cfg)
	}
	if _, err := cfg.CapturePolicy(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.CORSAllowOrigin = getEnv("CORS_ALLOW_ORIGIN", cfg.CORSAllowOrigin)
	cfg.StorePath = getEnv("STORE_PATH", cfg.StorePath)
	cfg.StorePollIntervalMs = getEnvInt("STORE_POLL_INTERVAL_MS", cfg.StorePollIntervalMs)
	cfg.BackendURL = getEnv("BACKEND_URL", cfg.BackendURL)
	cfg.BackendTimeoutMs = getEnvInt("BACKEND_TIMEOUT_MS", cfg.BackendTimeoutMs)
	cfg.BackendMaxRetries = getEnvInt("BACKEND_MAX_RETRIES", cfg.BackendMaxRetries)
	cfg.SyncOnStop = getEnvBool("SYNC_ON_STOP", cfg.SyncOnStop)
	cfg.Capture.Policy = getEnv("CAPTURE_POLICY", cfg.Capture.Policy)
	cfg.Capture.BufferCapacity = getEnvInt("BUFFER_CAPACITY", cfg.Capture.BufferCapacity)
	cfg.Capture.FlushIntervalMs = getEnvInt("FLUSH_INTERVAL_MS", cfg.Capture.FlushIntervalMs)
	if v := os.Getenv("MOUSEMOVE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.Capture.MouseMoveRate = f
		}
	}
}

// CapturePolicy resolves the preset and applies the overrides.
func (c Config) CapturePolicy() (capture.Policy, error) {
	p, err := capture.PolicyByName(c.Capture.Policy)
	if err != nil {
		return p, err
	}
	if c.Capture.BufferCapacity > 0 {
		p.BufferCapacity = c.Capture.BufferCapacity
	}
	if c.Capture.FlushIntervalMs > 0 {
		p.FlushInterval = time.Duration(c.Capture.FlushIntervalMs) * time.Millisecond
	}
	if c.Capture.MouseMoveRate > 0 && p.CaptureDOM {
		p.MouseMoveRate = c.Capture.MouseMoveRate
	}
	return p, nil
}

func (c Config) StorePollInterval() time.Duration {
	return time.Duration(c.StorePollIntervalMs) * time.Millisecond
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutMs) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return def
}
