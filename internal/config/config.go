// ABOUTME: Flat GATEWAY_-prefixed environment configuration
// ABOUTME: Typed accessors with baked-in defaults, loaded from the process environment and an optional .env

// Package config loads the gateway's flat, environment-variable-driven
// configuration. There is no nested YAML tree: every setting in the
// external configuration surface maps to one GATEWAY_-prefixed variable,
// read once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved process configuration.
type Config struct {
	Host       string
	Port       int
	InstanceID string

	APIKeys   []string
	JWTSecret string

	DataDir   string
	PluginDir string

	ToolAllowlist           map[string]bool
	RequireApprovalForWrite bool

	RateRPS   float64
	RateBurst int

	MaxSteps        int
	RunTimeout      time.Duration
	ApprovalTimeout time.Duration
	ToolTimeout     time.Duration
	LLMTimeout      time.Duration

	LLMProvider string
	LLMAPIKey   string

	CircuitThreshold int
	CircuitCooldown  time.Duration

	LogLevel  string
	LogFormat string

	PingInterval time.Duration
	PingTimeout  time.Duration

	TelegramToken string

	MatrixHomeserver   string
	MatrixUserID       string
	MatrixAccessToken  string
	MatrixAllowedRooms []string
}

// Load reads an optional .env file (if present) and then the environment
// into a Config, applying defaults and validating required fields.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Host:                    envString("GATEWAY_HOST", "0.0.0.0"),
		Port:                    envInt("GATEWAY_PORT", 8080),
		InstanceID:              envString("GATEWAY_INSTANCE_ID", "gateway-1"),
		APIKeys:                 envStringList("GATEWAY_API_KEYS", nil),
		JWTSecret:               envString("GATEWAY_JWT_SECRET", ""),
		DataDir:                 envString("GATEWAY_DATA_DIR", "./data"),
		PluginDir:               envString("GATEWAY_PLUGIN_DIR", ""),
		ToolAllowlist:           envBoolMap("GATEWAY_TOOL_ALLOWLIST", nil),
		RequireApprovalForWrite: envBool("GATEWAY_REQUIRE_APPROVAL_FOR_WRITE", true),
		RateRPS:                 envFloat("GATEWAY_RATE_RPS", 1.0),
		RateBurst:               envInt("GATEWAY_RATE_BURST", 5),
		MaxSteps:                envInt("GATEWAY_MAX_STEPS", 20),
		RunTimeout:              envDuration("GATEWAY_RUN_TIMEOUT_S", 300*time.Second),
		ApprovalTimeout:         envDuration("GATEWAY_APPROVAL_TIMEOUT_S", 300*time.Second),
		ToolTimeout:             30 * time.Second, // fixed, not configurable
		LLMTimeout:              envDuration("GATEWAY_LLM_TIMEOUT_S", 60*time.Second),
		LLMProvider:             envString("GATEWAY_LLM_PROVIDER", "mock"),
		LLMAPIKey:               envString("GATEWAY_LLM_API_KEY", ""),
		CircuitThreshold:        envInt("GATEWAY_CIRCUIT_THRESHOLD", 5),
		CircuitCooldown:         envDuration("GATEWAY_CIRCUIT_COOLDOWN_S", 60*time.Second),
		LogLevel:                envString("GATEWAY_LOG_LEVEL", "info"),
		LogFormat:               envString("GATEWAY_LOG_FORMAT", "console"),
		PingInterval:            envDuration("GATEWAY_PING_INTERVAL_S", 20*time.Second),
		PingTimeout:             envDuration("GATEWAY_PING_TIMEOUT_S", 60*time.Second),
		TelegramToken:           envString("GATEWAY_TELEGRAM_TOKEN", ""),
		MatrixHomeserver:        envString("GATEWAY_MATRIX_HOMESERVER", ""),
		MatrixUserID:            envString("GATEWAY_MATRIX_USER_ID", ""),
		MatrixAccessToken:       envString("GATEWAY_MATRIX_ACCESS_TOKEN", ""),
		MatrixAllowedRooms:      envStringList("GATEWAY_MATRIX_ALLOWED_ROOMS", nil),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: at least one GATEWAY_API_KEYS entry is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: GATEWAY_DATA_DIR must not be empty")
	}
	if c.RateRPS <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("config: rate limit rps and burst must be positive")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

// envStringList parses a comma-separated variable into a trimmed slice.
func envStringList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envBoolMap parses "name:true,other:false" into a map, used for the tool
// allowlist where each entry carries an explicit boolean.
func envBoolMap(key string, def map[string]bool) map[string]bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		if def == nil {
			return map[string]bool{}
		}
		return def
	}
	out := map[string]bool{}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, val, found := strings.Cut(entry, ":")
		if !found {
			out[name] = true
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			b = true
		}
		out[name] = b
	}
	return out
}
