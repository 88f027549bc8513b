// Package config loads Reveries' daemon configuration from
// ~/.reveries/config.json (or REVERIES_HOME/config.json), with environment
// variable overrides for credential material, following the layout
// conventions of cortex.ConfigStore in the codebase this one was adapted
// from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Home string `yaml:"-" json:"-"` // resolved ~/.reveries, never serialized

	Log          LogConfig          `yaml:"log" json:"log"`
	Chat         ChatConfig         `yaml:"chat" json:"chat"`
	Abstraction  AbstractionConfig  `yaml:"abstraction" json:"abstraction"`
	Embed        EmbedConfig        `yaml:"embed" json:"embed"`
	Consolidation ConsolidationConfig `yaml:"consolidation" json:"consolidation"`
	Monologue    MonologueConfig    `yaml:"monologue" json:"monologue"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retrieval    RetrievalConfig    `yaml:"retrieval" json:"retrieval"`
	Decay        DecayConfig        `yaml:"decay" json:"decay"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// ChatConfig selects and configures the conversation-model backend.
type ChatConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "openai" or "gemini"
	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"-" json:"-"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// AbstractionConfig selects and configures the consolidation abstraction backend.
type AbstractionConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"-" json:"-"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

type EmbedConfig struct {
	Backend string `yaml:"backend" json:"backend"` // "openai" or "dashscope"
	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"-" json:"-"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

type ConsolidationConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
}

type MonologueConfig struct {
	MaxTokensPerCycle int `yaml:"max_tokens_per_cycle" json:"max_tokens_per_cycle"`
	IdleIntervalSeconds int `yaml:"idle_interval_seconds" json:"idle_interval_seconds"`
	ReachOutAfterSeconds int `yaml:"reach_out_after_seconds" json:"reach_out_after_seconds"`
	ReachOutCooldownSeconds int `yaml:"reach_out_cooldown_seconds" json:"reach_out_cooldown_seconds"`
}

type CircuitBreakerConfig struct {
	DistressThreshold     float64 `yaml:"distress_threshold" json:"distress_threshold"`
	MaxConsecutiveDistress int    `yaml:"max_consecutive_distress" json:"max_consecutive_distress"`
}

type RetrievalConfig struct {
	Limit              int     `yaml:"limit" json:"limit"`
	MaxHops            int     `yaml:"max_hops" json:"max_hops"`
	DecayPerHop        float64 `yaml:"decay_per_hop" json:"decay_per_hop"`
	ActivationThreshold float64 `yaml:"activation_threshold" json:"activation_threshold"`
}

type DecayConfig struct {
	HalfLifeDays        float64 `yaml:"half_life_days" json:"half_life_days"`
	MinimumSalience     float64 `yaml:"minimum_salience" json:"minimum_salience"`
	MinimumLinkStrength float64 `yaml:"minimum_link_strength" json:"minimum_link_strength"`
}

func defaults(home string) Config {
	return Config{
		Home: home,
		Log:  LogConfig{Level: "info"},
		Chat: ChatConfig{Backend: "openai", Model: "gpt-4o-mini"},
		Abstraction: AbstractionConfig{Backend: "openai", Model: "gpt-4o-mini"},
		Embed: EmbedConfig{Backend: "openai", Model: "text-embedding-3-small"},
		Consolidation: ConsolidationConfig{IntervalSeconds: 1800},
		Monologue: MonologueConfig{
			MaxTokensPerCycle:       2000,
			IdleIntervalSeconds:     900,
			ReachOutAfterSeconds:    300,
			ReachOutCooldownSeconds: 1800,
		},
		CircuitBreaker: CircuitBreakerConfig{
			DistressThreshold:      0.6,
			MaxConsecutiveDistress: 3,
		},
		Retrieval: RetrievalConfig{
			Limit:               10,
			MaxHops:             3,
			DecayPerHop:         0.5,
			ActivationThreshold: 0.01,
		},
		Decay: DecayConfig{
			HalfLifeDays:        14,
			MinimumSalience:     0.05,
			MinimumLinkStrength: 0.05,
		},
	}
}

// Load resolves the home directory, reads config.json/config.yaml if present,
// and applies environment variable overrides. Missing credentials are
// reported as a single aggregated error so wake-time failures are
// human-readable (spec §7 configuration errors).
func Load() (Config, error) {
	home, err := homeDir()
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve home: %w", err)
	}
	cfg := defaults(home)

	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(home, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		break
	}

	if level := os.Getenv("REVERIES_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	cfg.Chat.APIKey = firstNonEmpty(os.Getenv("CEREBRAS_API_KEY"), os.Getenv("OPENAI_API_KEY"))
	cfg.Abstraction.APIKey = firstNonEmpty(os.Getenv("CEREBRAS_API_KEY"), os.Getenv("OPENAI_API_KEY"))
	switch cfg.Embed.Backend {
	case "dashscope":
		cfg.Embed.APIKey = os.Getenv("VOYAGE_API_KEY")
	default:
		cfg.Embed.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	var missing []string
	if cfg.Chat.APIKey == "" {
		missing = append(missing, "chat model credential (CEREBRAS_API_KEY or OPENAI_API_KEY)")
	}
	if cfg.Embed.APIKey == "" {
		missing = append(missing, "embedding credential (OPENAI_API_KEY or VOYAGE_API_KEY)")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required credentials:\n  - %s", strings.Join(missing, "\n  - "))
	}

	return cfg, nil
}

func homeDir() (string, error) {
	if home := os.Getenv("REVERIES_HOME"); home != "" {
		return home, nil
	}
	uh, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(uh, ".reveries"), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseLogLevel normalizes the config's string log level to one of
// "debug", "info", "warn" or "error" (unknown values become "info"),
// following the same convention as trellis's internal/config
// parseLogLevel. Callers map the result to a slog.Level themselves.
func ParseLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug", "warn", "error":
		return strings.ToLower(level)
	default:
		return "info"
	}
}

// StorePath returns the badger data directory under Home.
func (c Config) StorePath() string { return filepath.Join(c.Home, "store") }

// SocketPath returns the Unix-domain socket path under Home.
func (c Config) SocketPath() string { return filepath.Join(c.Home, "reveries.sock") }

// PIDPath returns the PID file path under Home.
func (c Config) PIDPath() string { return filepath.Join(c.Home, "reveries.pid") }

// EnsureHome creates the home directory if missing.
func (c Config) EnsureHome() error {
	return os.MkdirAll(c.Home, 0o755)
}

// ParseBoolEnv is a small helper mirroring trellis's env-var parsing pattern,
// used by callers that add their own boolean overrides.
func ParseBoolEnv(name string, fallback bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s: %w", name, err)
	}
	return b, nil
}
