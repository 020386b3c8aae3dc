// Package config loads node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Signal struct {
		URL       string        `yaml:"url"`
		Keepalive time.Duration `yaml:"keepalive"`
	} `yaml:"signal"`

	Overlay struct {
		TTL           int           `yaml:"ttl"`
		QueueTimeout  time.Duration `yaml:"queue_timeout"`
		IdleThreshold time.Duration `yaml:"idle_threshold"`
	} `yaml:"overlay"`

	Gossip struct {
		ViewSize         int           `yaml:"view_size"`
		ExchangeInterval time.Duration `yaml:"exchange_interval"`
	} `yaml:"gossip"`

	Media struct {
		SourceURL   string `yaml:"source_url"`
		ChunkSize   int    `yaml:"chunk_size"`
		Parallelism int    `yaml:"parallelism"`
		StorePath   string `yaml:"store_path"`
	} `yaml:"media"`

	WebRTC struct {
		STUNServers []string `yaml:"stun_servers"`
	} `yaml:"webrtc"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads a YAML config file and applies defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Signal.URL == "" {
		c.Signal.URL = "ws://localhost:8090/signal"
	}
	if c.Signal.Keepalive == 0 {
		c.Signal.Keepalive = 30 * time.Second
	}
	if c.Overlay.TTL == 0 {
		c.Overlay.TTL = 3
	}
	if c.Overlay.QueueTimeout == 0 {
		c.Overlay.QueueTimeout = time.Second
	}
	if c.Overlay.IdleThreshold == 0 {
		c.Overlay.IdleThreshold = 10 * time.Second
	}
	if c.Gossip.ViewSize == 0 {
		c.Gossip.ViewSize = 10
	}
	if c.Gossip.ExchangeInterval == 0 {
		c.Gossip.ExchangeInterval = 5 * time.Second
	}
	if c.Media.ChunkSize == 0 {
		c.Media.ChunkSize = 16 * 1024
	}
	if c.Media.Parallelism == 0 {
		c.Media.Parallelism = 3
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
