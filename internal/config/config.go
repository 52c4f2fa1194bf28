// Package config provides ambient runtime defaults for udptunnel, loaded
// from an optional YAML file. No protocol or session state is ever
// persisted; only tunables that would otherwise be CLI flags live here.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds ambient runtime defaults. Every field has a spec-mandated
// default; an absent or partial config file is not an error.
type Config struct {
	LogLevel           string        `yaml:"log_level"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	MTU                int           `yaml:"mtu"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	PCAPTracePath      string        `yaml:"pcap_trace"`
	StatsInterval      time.Duration `yaml:"stats_interval"`
	EventsOutput       string        `yaml:"events_output"`
}

// Default returns the spec-mandated ambient defaults.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		KeepaliveInterval:  25 * time.Second,
		HandshakeTimeout:   500 * time.Millisecond,
		SessionIdleTimeout: 75 * time.Second,
		MTU:                2048,
		MetricsAddr:        "",
		PCAPTracePath:      "",
		StatsInterval:      30 * time.Second,
		EventsOutput:       "",
	}
}

// Load reads ambient defaults from the specified YAML file, overlaying them
// onto Default(). A missing file is not an error; Default() is returned
// unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}
