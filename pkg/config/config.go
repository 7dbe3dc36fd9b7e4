// Package config loads the CLI configuration from an optional YAML
// file with CHAT_* environment overrides on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything the dashboard and widget binaries need.
type Config struct {
	Gateway struct {
		URL string `yaml:"url"`
	} `yaml:"gateway"`

	Shop struct {
		TenantID string `yaml:"tenant_id"`
		Token    string `yaml:"token"`
	} `yaml:"shop"`

	Widget struct {
		TenantID  string `yaml:"tenant_id"`
		StateFile string `yaml:"state_file"`
		Name      string `yaml:"name"`
		Email     string `yaml:"email"`
	} `yaml:"widget"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Gateway.URL = "ws://localhost:8090/ws"
	cfg.Widget.StateFile = "widget-state.json"
	return cfg
}

// Load merges, in increasing precedence: defaults, the YAML file at
// path (skipped when path is empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHAT_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CHAT_TENANT_ID"); v != "" {
		cfg.Shop.TenantID = v
		cfg.Widget.TenantID = v
	}
	if v := os.Getenv("CHAT_SHOP_TOKEN"); v != "" {
		cfg.Shop.Token = v
	}
	if v := os.Getenv("CHAT_WIDGET_STATE"); v != "" {
		cfg.Widget.StateFile = v
	}
	if v := os.Getenv("CHAT_WIDGET_NAME"); v != "" {
		cfg.Widget.Name = v
	}
	if v := os.Getenv("CHAT_WIDGET_EMAIL"); v != "" {
		cfg.Widget.Email = v
	}
}
