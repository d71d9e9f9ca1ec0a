package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig      `json:"server"`
	Workers      []WorkerConfig    `json:"workers"`
	Supervisor   SupervisorConfig  `json:"supervisor"`
	Coordinator  CoordinatorConfig `json:"coordinator"`
	WorkflowsDir string            `json:"workflows_dir"`
	Notify       NotifyConfig      `json:"notify"`
	Database     DatabaseConfig    `json:"database"`
	Features     FeatureSet        `json:"features,omitempty"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// WorkerConfig declares one supervised worker process.
type WorkerConfig struct {
	Name     string            `json:"name"`
	Enabled  bool              `json:"enabled"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Scopes   []string          `json:"scopes,omitempty"`
	Probe    ProbeConfig       `json:"probe"`
	Limits   LimitsConfig      `json:"limits"`
}

type ProbeConfig struct {
	Type      string `json:"type"` // stdio | http | grpc
	Target    string `json:"target,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type LimitsConfig struct {
	RPS       int `json:"rps,omitempty"`
	Burst     int `json:"burst,omitempty"`
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

type SupervisorConfig struct {
	ProbeIntervalMs   int `json:"probe_interval_ms,omitempty"`
	DegradedThreshold int `json:"degraded_threshold,omitempty"`
	DownThreshold     int `json:"down_threshold,omitempty"`
	RestartBaseMs     int `json:"restart_base_ms,omitempty"`
	RestartMaxMs      int `json:"restart_max_ms,omitempty"`
	MaxRestarts       int `json:"max_restarts,omitempty"`
	BreakerThreshold  int `json:"breaker_threshold,omitempty"`
	BreakerRecoveryMs int `json:"breaker_recovery_ms,omitempty"`
}

type CoordinatorConfig struct {
	SweepIntervalMs int `json:"sweep_interval_ms,omitempty"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// FeatureSet gates optional behavior by name. Names absent from the set
// are enabled, so the empty config turns nothing off.
type FeatureSet map[string]bool

func (f FeatureSet) IsFeatureEnabled(name string) bool {
	if v, ok := f[name]; ok {
		return v
	}
	return true
}

// Duration converts a millisecond field, falling back when unset.
func Duration(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	return &cfg, nil
}
