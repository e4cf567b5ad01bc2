package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"rfidagent/queue"
	"rfidagent/reader"
)

// Config is the agent configuration file.
type Config struct {
	// Backend HTTP API base URL
	BackendURL string `yaml:"backend_url"`

	// Reader hardware settings
	Reader reader.Config `yaml:"reader"`

	// Broker connection settings
	Queue queue.Config `yaml:"queue"`

	// General settings
	ScanWindowSecs int    `yaml:"scan_window_secs"`
	HeartbeatSecs  int    `yaml:"heartbeat_secs"`
	LogLevel       string `yaml:"log_level"`
}

func loadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("backend_url missing in config file")
	}
	if cfg.Reader.Type == "" {
		cfg.Reader.Type = "serial"
	}
	if cfg.Reader.Baud == 0 {
		cfg.Reader.Baud = 9600
	}
	if cfg.ScanWindowSecs <= 0 {
		cfg.ScanWindowSecs = 30
	}
	if cfg.HeartbeatSecs <= 0 {
		cfg.HeartbeatSecs = 120
	}
	return cfg, nil
}
