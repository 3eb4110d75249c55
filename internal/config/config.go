// Package config loads gateway configuration by merging an optional
// JSON file with environment-variable overrides, following the same
// env-driven loading idiom the rest of this codebase uses.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"gatewayd/internal/apierr"
)

// Config is every tunable the gateway needs at boot. All fields are
// fixed for the lifetime of the process.
type Config struct {
	ListenHost string `json:"listen_host"`
	ListenPort int    `json:"listen_port"`

	EngineBinaryPath string `json:"engine_binary_path"`
	ModelPath        string `json:"model_path"`
	EnginePort       int    `json:"engine_port"`
	Threads          int    `json:"threads"`
	GPULayers        int    `json:"gpu_layers"`
	ContextWindow    int    `json:"context_window"`

	RegistryPath string `json:"registry_path"`

	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path"`

	PerIPPerMinute     float64       `json:"per_ip_per_minute"`
	MaxConcurrentPerIP int           `json:"max_concurrent_per_ip"`
	GlobalPerMinute    float64       `json:"global_per_minute"`
	CleanupInterval    time.Duration `json:"-"`
}

// Defaults returns the gateway's built-in configuration, used as the
// base that a config file and then env vars are layered on top of.
func Defaults() Config {
	return Config{
		ListenHost:         "127.0.0.1",
		ListenPort:         8080,
		EngineBinaryPath:   "./llama.cpp/build/bin/llama-server",
		EnginePort:         8081,
		Threads:            4,
		GPULayers:          -1,
		ContextWindow:      8192,
		RegistryPath:       "./config/models.json",
		LogLevel:           "info",
		PerIPPerMinute:     60,
		MaxConcurrentPerIP: 5,
		GlobalPerMinute:    600,
		CleanupInterval:    60 * time.Second,
	}
}

// Load merges Defaults(), an optional JSON file named by
// GATEWAYD_CONFIG_FILE (or ./config/gatewayd.json if it exists), and
// environment-variable overrides, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	path := strings.TrimSpace(os.Getenv("GATEWAYD_CONFIG_FILE"))
	if path == "" {
		path = "./config/gatewayd.json"
	}
	if content, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, apierr.Wrap(apierr.KindConfigError, err, "parsing config file "+path)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.ListenHost != "127.0.0.1" && cfg.ListenHost != "localhost" {
		return nil, apierr.New(apierr.KindConfigError, "listen_host must be loopback only, got %q", cfg.ListenHost)
	}
	if cfg.EngineBinaryPath == "" {
		return nil, apierr.New(apierr.KindConfigError, "engine binary path is required")
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GATEWAYD_LISTEN_HOST")); v != "" {
		cfg.ListenHost = v
	}
	if v := envInt("GATEWAYD_LISTEN_PORT"); v != nil {
		cfg.ListenPort = *v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAYD_ENGINE_BINARY")); v != "" {
		cfg.EngineBinaryPath = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAYD_MODEL_PATH")); v != "" {
		cfg.ModelPath = v
	}
	if v := envInt("GATEWAYD_ENGINE_PORT"); v != nil {
		cfg.EnginePort = *v
	}
	if v := envInt("GATEWAYD_THREADS"); v != nil {
		cfg.Threads = *v
	}
	if v := envInt("GATEWAYD_GPU_LAYERS"); v != nil {
		cfg.GPULayers = *v
	}
	if v := envInt("GATEWAYD_CONTEXT_WINDOW"); v != nil {
		cfg.ContextWindow = *v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAYD_REGISTRY_PATH")); v != "" {
		cfg.RegistryPath = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAYD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAYD_LOG_PATH")); v != "" {
		cfg.LogPath = v
	}
	if v := envFloat("GATEWAYD_PER_IP_PER_MINUTE"); v != nil {
		cfg.PerIPPerMinute = *v
	}
	if v := envInt("GATEWAYD_MAX_CONCURRENT_PER_IP"); v != nil {
		cfg.MaxConcurrentPerIP = *v
	}
	if v := envFloat("GATEWAYD_GLOBAL_PER_MINUTE"); v != nil {
		cfg.GlobalPerMinute = *v
	}
	if v := envInt("GATEWAYD_CLEANUP_INTERVAL_SECONDS"); v != nil {
		cfg.CleanupInterval = time.Duration(*v) * time.Second
	}
}

func envInt(name string) *int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(name string) *float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
