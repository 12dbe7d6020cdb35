// Package agentconfig resolves agent settings from a yaml file with
// environment overrides on top. Missing file and missing keys fall back to
// defaults, so a bare `openbot-agent` run works against a local world server.
package agentconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerURL   string
	KeyDir      string
	EntityID    string
	AgentName   string
	EntityType  string
	Description string

	AutoRefresh   bool
	RefreshMargin time.Duration
	SweepInterval time.Duration
	PollInterval  time.Duration
	HTTPTimeout   time.Duration

	ChatPerSecond float64
	ChatBurst     int

	MetricsAddr string
	Wander      bool
	Greeting    string
}

func DefaultConfig() Config {
	return Config{
		ServerURL:     "http://localhost:3000",
		EntityID:      "my-agent",
		AgentName:     "CoolAgent",
		EntityType:    "lobster",
		AutoRefresh:   true,
		RefreshMargin: time.Hour,
		SweepInterval: 5 * time.Minute,
		PollInterval:  500 * time.Millisecond,
		HTTPTimeout:   10 * time.Second,
		ChatPerSecond: 0.5,
		ChatBurst:     3,
		Wander:        true,
		Greeting:      "Hello! I just arrived.",
	}
}

type fileConfig struct {
	Server ServerSection `yaml:"server"`
	Entity EntitySection `yaml:"entity"`
	Agent  AgentSection  `yaml:"agent"`
}

type ServerSection struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"pollInterval"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
}

type EntitySection struct {
	ID            string        `yaml:"id"`
	KeyDir        string        `yaml:"keyDir"`
	Type          string        `yaml:"type"`
	Description   string        `yaml:"description"`
	AutoRefresh   *bool         `yaml:"autoRefresh"`
	RefreshMargin time.Duration `yaml:"refreshMargin"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type AgentSection struct {
	Name          string  `yaml:"name"`
	Greeting      string  `yaml:"greeting"`
	Wander        *bool   `yaml:"wander"`
	ChatPerSecond float64 `yaml:"chatPerSecond"`
	ChatBurst     int     `yaml:"chatBurst"`
	MetricsAddr   string  `yaml:"metricsAddr"`
}

func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/openbot.yaml",
			"openbot.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src fileConfig) {
	if src.Server.URL != "" {
		dst.ServerURL = src.Server.URL
	}
	if src.Server.PollInterval != 0 {
		dst.PollInterval = src.Server.PollInterval
	}
	if src.Server.HTTPTimeout != 0 {
		dst.HTTPTimeout = src.Server.HTTPTimeout
	}
	if src.Entity.ID != "" {
		dst.EntityID = src.Entity.ID
	}
	if src.Entity.KeyDir != "" {
		dst.KeyDir = src.Entity.KeyDir
	}
	if src.Entity.Type != "" {
		dst.EntityType = src.Entity.Type
	}
	if src.Entity.Description != "" {
		dst.Description = src.Entity.Description
	}
	if src.Entity.AutoRefresh != nil {
		dst.AutoRefresh = *src.Entity.AutoRefresh
	}
	if src.Entity.RefreshMargin != 0 {
		dst.RefreshMargin = src.Entity.RefreshMargin
	}
	if src.Entity.SweepInterval != 0 {
		dst.SweepInterval = src.Entity.SweepInterval
	}
	if src.Agent.Name != "" {
		dst.AgentName = src.Agent.Name
	}
	if src.Agent.Greeting != "" {
		dst.Greeting = src.Agent.Greeting
	}
	if src.Agent.Wander != nil {
		dst.Wander = *src.Agent.Wander
	}
	if src.Agent.ChatPerSecond != 0 {
		dst.ChatPerSecond = src.Agent.ChatPerSecond
	}
	if src.Agent.ChatBurst != 0 {
		dst.ChatBurst = src.Agent.ChatBurst
	}
	if src.Agent.MetricsAddr != "" {
		dst.MetricsAddr = src.Agent.MetricsAddr
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("OPENBOT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := envString("OPENBOT_KEY_DIR"); v != "" {
		cfg.KeyDir = v
	}
	if v := envString("OPENBOT_ENTITY_ID"); v != "" {
		cfg.EntityID = v
	}
	if v := envString("OPENBOT_AGENT_NAME"); v != "" {
		cfg.AgentName = v
	}
	if v := envString("OPENBOT_ENTITY_TYPE"); v != "" {
		cfg.EntityType = v
	}
	if v := envString("OPENBOT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if raw := envString("OPENBOT_AUTO_REFRESH"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AutoRefresh = v
		}
	}
	if raw := envString("OPENBOT_WANDER"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Wander = v
		}
	}
	if raw := envString("OPENBOT_REFRESH_MARGIN"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			cfg.RefreshMargin = v
		}
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
