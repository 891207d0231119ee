// Copyright 2024-2026 Aiku AI

// Package config loads and validates the bridge configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Homeserver describes the Matrix homeserver the bridge is registered with.
type Homeserver struct {
	// URL is the base URL used for client-server API calls.
	URL string `yaml:"url"`
	// Domain is the server name used in user IDs and room aliases.
	Domain string `yaml:"domain"`
}

// Appservice describes the application service registration.
type Appservice struct {
	// ListenAddr is the address the transaction/webhook listener binds to.
	ListenAddr string `yaml:"listen_addr"`
	// ASToken authenticates the bridge against the homeserver.
	ASToken string `yaml:"as_token"`
	// HSToken authenticates the homeserver against the bridge.
	HSToken string `yaml:"hs_token"`
	// SenderLocalpart is the localpart of the bot user and the prefix of all
	// ghost user IDs.
	SenderLocalpart string `yaml:"sender_localpart"`
}

// Config holds the full bridge configuration.
type Config struct {
	Homeserver  Homeserver `yaml:"homeserver"`
	Appservice  Appservice `yaml:"appservice"`
	DatabaseURL string     `yaml:"database_url"`
	LogLevel    string     `yaml:"log_level"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if _, err := url.Parse(c.Homeserver.URL); err != nil {
		return fmt.Errorf("homeserver.url is invalid: %w", err)
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Appservice.ASToken == "" || c.Appservice.HSToken == "" {
		return fmt.Errorf("appservice.as_token and appservice.hs_token are required")
	}
	if c.Appservice.SenderLocalpart == "" {
		c.Appservice.SenderLocalpart = "rocketchat"
	}
	if c.Appservice.ListenAddr == "" {
		c.Appservice.ListenAddr = ":8822"
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// BotUserID returns the Matrix user ID of the bridge bot.
func (c *Config) BotUserID() id.UserID {
	return id.NewUserID(c.Appservice.SenderLocalpart, c.Homeserver.Domain)
}
