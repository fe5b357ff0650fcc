// Package config loads the relay's runtime configuration from the
// environment and constructs the process logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr           = "PEERHUB_LISTEN_ADDR"
	envVarPort                 = "PORT"
	envVarLogFormat            = "PEERHUB_LOG_FORMAT"
	envVarLogLevel             = "PEERHUB_LOG_LEVEL"
	envVarShutdownTimeout      = "PEERHUB_SHUTDOWN_TIMEOUT"
	envVarStaticDir            = "PEERHUB_STATIC_DIR"
	envVarHeartbeatInterval    = "PEERHUB_HEARTBEAT_INTERVAL"
	envVarReapInterval         = "PEERHUB_REAP_INTERVAL"
	envVarMaxMessageBytes      = "PEERHUB_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PEERHUB_MAX_MESSAGES_PER_SECOND"
	envVarSendQueueSize        = "PEERHUB_SEND_QUEUE_SIZE"
	envVarAllowedOrigins       = "ALLOWED_ORIGINS"
)

const (
	DefaultPort                 = 3000
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultStaticDir            = "public"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReapInterval         = 60 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 256
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the TCP address the HTTP/WebSocket endpoint binds to.
	// Defaults to ":3000"; PORT overrides the port for platform deploys.
	ListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// StaticDir is the directory of browser assets served at /.
	StaticDir string

	// Liveness monitor periods. The heartbeat marks connections unconfirmed
	// and probes them; the reap sweep removes the ones that never answered.
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// SendQueueSize is the per-connection outbound queue depth. A full queue
	// drops the envelope rather than stalling the room.
	SendQueueSize int

	// AllowedOrigins is the CORS allowlist; empty means allow all, matching
	// the development posture of the browser demo client.
	AllowedOrigins []string
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:           fmt.Sprintf(":%d", DefaultPort),
		LogFormat:            LogFormatText,
		LogLevel:             slog.LevelInfo,
		ShutdownTimeout:      DefaultShutdownTimeout,
		StaticDir:            DefaultStaticDir,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReapInterval:         DefaultReapInterval,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		SendQueueSize:        DefaultSendQueueSize,
	}

	if raw, ok := lookup(envVarPort); ok && strings.TrimSpace(raw) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarPort, raw)
		}
		cfg.ListenAddr = fmt.Sprintf(":%d", port)
	}
	if raw, ok := lookup(envVarListenAddr); ok && strings.TrimSpace(raw) != "" {
		cfg.ListenAddr = strings.TrimSpace(raw)
	}

	if raw, ok := lookup(envVarLogFormat); ok && strings.TrimSpace(raw) != "" {
		switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
		case LogFormatText:
			cfg.LogFormat = LogFormatText
		case LogFormatJSON:
			cfg.LogFormat = LogFormatJSON
		default:
			return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envVarLogFormat, raw)
		}
	}

	if raw, ok := lookup(envVarLogLevel); ok && strings.TrimSpace(raw) != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogLevel, raw, err)
		}
		cfg.LogLevel = level
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDuration(lookup, envVarHeartbeatInterval, cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReapInterval, err = envDuration(lookup, envVarReapInterval, cfg.ReapInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarHeartbeatInterval)
	}
	if cfg.ReapInterval <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarReapInterval)
	}

	maxBytes, err := envInt(lookup, envVarMaxMessageBytes, int(cfg.MaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxMessageBytes)
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if cfg.MaxMessagesPerSecond, err = envInt(lookup, envVarMaxMessagesPerSecond, cfg.MaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxMessagesPerSecond)
	}

	if cfg.SendQueueSize, err = envInt(lookup, envVarSendQueueSize, cfg.SendQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueSize <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarSendQueueSize)
	}

	if raw, ok := lookup(envVarStaticDir); ok && strings.TrimSpace(raw) != "" {
		cfg.StaticDir = strings.TrimSpace(raw)
	}

	if raw, ok := lookup(envVarAllowedOrigins); ok {
		cfg.AllowedOrigins = splitCSV(raw)
	}

	return cfg, nil
}

// NewLogger builds the process slog.Logger from the configured format and
// level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envDuration(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envInt(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
