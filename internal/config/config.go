package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

// Log output formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	LogFormat        string
	SysfsRoot        string
	WS               WebsocketConfig
	Probe            ProbeConfig
	// Tools maps tool names to executables that replace the PATH lookup.
	Tools map[string]string
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ProbeConfig bounds external tool invocations.
type ProbeConfig struct {
	CommandTimeout  time.Duration
	MonitorTimeout  time.Duration
	GateTimeout     time.Duration
	SubprobeTimeout time.Duration
	// DetectIntegratedVendor resolves card0's PCI vendor before reporting an integrated GPU.
	DetectIntegratedVendor bool
}

var toolEnv = map[string]string{
	"APP_TOOL_NVIDIA_SMI": "nvidia-smi",
	"APP_TOOL_ROCM_SMI":   "rocm-smi",
	"APP_TOOL_RADEONTOP":  "radeontop",
	"APP_TOOL_LSHW":       "lshw",
	"APP_TOOL_GLXINFO":    "glxinfo",
	"APP_TOOL_VCGENCMD":   "vcgencmd",
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		LogFormat:        LogFormatText,
		SysfsRoot:        "/sys",
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
		Probe: ProbeConfig{
			CommandTimeout:         10 * time.Second,
			MonitorTimeout:         5 * time.Second,
			GateTimeout:            5 * time.Second,
			SubprobeTimeout:        2 * time.Second,
			DetectIntegratedVendor: true,
		},
		Tools: map[string]string{},
	}
}

// Load reads an optional .env file (APP_ENV_FILE overrides its path), then
// parses configuration from the environment. Variables already set in the
// environment win over the file.
func Load() (Config, error) {
	envFile := defaultEnvFile
	if value := strings.TrimSpace(os.Getenv("APP_ENV_FILE")); value != "" {
		envFile = value
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	return FromEnv()
}

// FromEnv parses configuration from environment variables, applying defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := boolVar("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if err := boolVar("APP_ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("APP_LOG_FORMAT"); value != "" {
		switch format := strings.ToLower(value); format {
		case LogFormatText, LogFormatJSON:
			cfg.LogFormat = format
		default:
			return Config{}, fmt.Errorf("parse APP_LOG_FORMAT: unsupported format %q", value)
		}
	}

	if value := env("APP_SYSFS_ROOT"); value != "" {
		cfg.SysfsRoot = value
	}

	if value := env("APP_WS_MAX_CLIENTS"); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout},
		{"APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout},
		{"APP_PROBE_COMMAND_TIMEOUT", &cfg.Probe.CommandTimeout},
		{"APP_PROBE_MONITOR_TIMEOUT", &cfg.Probe.MonitorTimeout},
		{"APP_PROBE_GATE_TIMEOUT", &cfg.Probe.GateTimeout},
		{"APP_PROBE_SUBPROBE_TIMEOUT", &cfg.Probe.SubprobeTimeout},
	}
	for _, d := range durations {
		if err := durationVar(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	if err := boolVar("APP_INTEGRATED_DETECT_VENDOR", &cfg.Probe.DetectIntegratedVendor); err != nil {
		return Config{}, err
	}

	for key, tool := range toolEnv {
		if value := env(key); value != "" {
			cfg.Tools[tool] = value
		}
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolVar(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func durationVar(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = parsed
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
