// Package config loads the YAML document that configures
// cmd/walletcoordinatord: where to bind, which port to serve on, which
// Electrum endpoint backs the chain layer, and where the SQLite database
// lives.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document loaded from a YAML file on disk.
type Config struct {
	BindAddr   string `yaml:"bind_addr"`
	Port       int    `yaml:"port"`
	BackendURL string `yaml:"backend_url"`
	DBPath     string `yaml:"db_path"`
}

// Default returns the configuration used when no YAML file is present:
// regtest-friendly local values.
func Default() Config {
	return Config{
		BindAddr:   "127.0.0.1",
		Port:       8787,
		BackendURL: "127.0.0.1:50001",
		DBPath:     "data/walletcoordinator.db",
	}
}

// Load reads and parses the YAML config file at path, filling in any
// field the file omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BindAddr == "" {
		return Config{}, fmt.Errorf("config %s: bind_addr is required", path)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config %s: port %d out of range", path, cfg.Port)
	}
	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("config %s: backend_url is required", path)
	}
	if cfg.DBPath == "" {
		return Config{}, fmt.Errorf("config %s: db_path is required", path)
	}
	return cfg, nil
}
