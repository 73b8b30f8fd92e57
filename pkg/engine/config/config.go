// Package config loads the engine's process configuration from environment
// variables and the call-context catalog from a JSON file. Defaults are
// production values; validation fails fast on anything inconsistent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Addr serves health, readiness, metrics, and the outbound dial intake.
	Addr string

	// ControlPlaneURL is the telephony control-plane REST base URL; the
	// event stream hangs off the same host.
	ControlPlaneURL string
	AppName         string
	APIKey          string
	CommandTimeout  time.Duration

	// ContextsPath points at the JSON call-context catalog.
	ContextsPath string

	// Provider credentials. An adapter with an empty credential is not
	// registered.
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	GeminiAPIKey   string
	DefaultContext string

	// DatabaseURL enables call-record persistence when non-empty.
	DatabaseURL string

	ProvisionTimeout time.Duration
	TeardownGrace    time.Duration
	BargeInCooldown  time.Duration
	StatsInterval    time.Duration
	ToolSlowAfter    time.Duration
	FillerMediaURI   string

	// OriginateTimeoutSec is the ring timeout passed to the control plane
	// for outbound placements.
	OriginateTimeoutSec int

	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VB_ADDR", ":9090"),
		ControlPlaneURL:     envOr("VB_CONTROL_PLANE_URL", "http://127.0.0.1:8088/api/v1"),
		AppName:             envOr("VB_APP_NAME", "voicebridge"),
		APIKey:              strings.TrimSpace(os.Getenv("VB_CONTROL_PLANE_API_KEY")),
		CommandTimeout:      envDurationOr("VB_COMMAND_TIMEOUT", 5*time.Second),
		ContextsPath:        envOr("VB_CONTEXTS_PATH", "contexts.json"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       envOr("VB_OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		DefaultContext:      envOr("VB_DEFAULT_CONTEXT", "default"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("VB_DATABASE_URL")),
		ProvisionTimeout:    envDurationOr("VB_PROVISION_TIMEOUT", 10*time.Second),
		TeardownGrace:       envDurationOr("VB_TEARDOWN_GRACE", 5*time.Second),
		BargeInCooldown:     envDurationOr("VB_BARGE_IN_COOLDOWN", 1500*time.Millisecond),
		StatsInterval:       envDurationOr("VB_STATS_INTERVAL", 5*time.Second),
		ToolSlowAfter:       envDurationOr("VB_TOOL_SLOW_AFTER", 3*time.Second),
		FillerMediaURI:      strings.TrimSpace(os.Getenv("VB_FILLER_MEDIA_URI")),
		OriginateTimeoutSec: envIntOr("VB_ORIGINATE_TIMEOUT_SEC", 30),
		ShutdownGracePeriod: envDurationOr("VB_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:            envOr("VB_LOG_LEVEL", "info"),
		LogFormat:           envOr("VB_LOG_FORMAT", "json"),
	}

	if cfg.ControlPlaneURL == "" {
		return Config{}, fmt.Errorf("VB_CONTROL_PLANE_URL must not be empty")
	}
	if cfg.AppName == "" {
		return Config{}, fmt.Errorf("VB_APP_NAME must not be empty")
	}
	if cfg.CommandTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_COMMAND_TIMEOUT must be > 0")
	}
	if cfg.ProvisionTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_PROVISION_TIMEOUT must be > 0")
	}
	if cfg.TeardownGrace <= 0 {
		return Config{}, fmt.Errorf("VB_TEARDOWN_GRACE must be > 0")
	}
	if cfg.BargeInCooldown <= 0 {
		return Config{}, fmt.Errorf("VB_BARGE_IN_COOLDOWN must be > 0")
	}
	if cfg.StatsInterval <= 0 {
		return Config{}, fmt.Errorf("VB_STATS_INTERVAL must be > 0")
	}
	if cfg.ToolSlowAfter <= 0 {
		return Config{}, fmt.Errorf("VB_TOOL_SLOW_AFTER must be > 0")
	}
	if cfg.OriginateTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("VB_ORIGINATE_TIMEOUT_SEC must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VB_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("VB_LOG_FORMAT must be one of json|text")
	}
	if cfg.OpenAIAPIKey == "" && cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("at least one provider credential is required (OPENAI_API_KEY or GEMINI_API_KEY)")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
