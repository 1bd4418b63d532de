// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcem/mailflow/internal/models"
)

// SiteConfig holds per-site routing configuration and provider credentials.
type SiteConfig struct {
	SiteID       string `yaml:"site_id"`
	Provider     string `yaml:"provider"`
	APIBaseURL   string `yaml:"api_base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`

	// Mailboxes lists the provider mailboxes to sync. Defaults to
	// own_addresses when empty.
	Mailboxes []string `yaml:"mailboxes"`

	OwnAddresses     []string `yaml:"own_addresses"`
	Aliases          []string `yaml:"aliases"`
	NoReplyAddresses []string `yaml:"no_reply_addresses"`
	NoReplyDomain    string   `yaml:"no_reply_domain"`
}

// Model converts the YAML site block into the runtime site config passed
// into the pipeline.
func (s SiteConfig) Model() *models.SiteConfig {
	return &models.SiteConfig{
		SiteID:           s.SiteID,
		OwnAddresses:     s.OwnAddresses,
		Aliases:          s.Aliases,
		NoReplyAddresses: s.NoReplyAddresses,
		NoReplyDomain:    s.NoReplyDomain,
		Provider:         s.Provider,
	}
}

// Queues names the dispatch queue per destination bucket.
type Queues struct {
	Leads string
	Alias string
	Agent string
}

// Config holds all configuration for the mailflow service.
type Config struct {
	Sites []SiteConfig

	DatabaseURL string
	RedisURL    string
	Queues      Queues

	// JunkRulesPath optionally overrides the built-in junk rule set.
	JunkRulesPath string

	// Duplicate matcher windows; precision/recall tunables.
	MatcherTightWindow time.Duration
	MatcherWideWindow  time.Duration

	// Sync poller cadence and overlapping lookback window.
	SyncInterval time.Duration
	SyncLookback time.Duration

	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Sites       []SiteConfig `yaml:"sites"`
	DatabaseURL string       `yaml:"database_url"`
	Redis       struct {
		URL    string `yaml:"url"`
		Queues struct {
			Leads string `yaml:"leads"`
			Alias string `yaml:"alias"`
			Agent string `yaml:"agent"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	JunkRulesPath string `yaml:"junk_rules_path"`
	Matcher       struct {
		TightWindow string `yaml:"tight_window"`
		WideWindow  string `yaml:"wide_window"`
	} `yaml:"matcher"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(raw.DatabaseURL, envOrDefault("DATABASE_URL", "")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		Queues: Queues{
			Leads: firstNonEmpty(raw.Redis.Queues.Leads, "leads"),
			Alias: firstNonEmpty(raw.Redis.Queues.Alias, "alias"),
			Agent: firstNonEmpty(raw.Redis.Queues.Agent, "agent"),
		},
		JunkRulesPath:      raw.JunkRulesPath,
		MatcherTightWindow: parseDurationOrDefault(raw.Matcher.TightWindow, 2*time.Minute),
		MatcherWideWindow:  parseDurationOrDefault(raw.Matcher.WideWindow, 10*time.Minute),
		SyncInterval:       envOrDefaultDuration("SYNC_INTERVAL", 60*time.Second),
		SyncLookback:       envOrDefaultDuration("SYNC_LOOKBACK", 15*time.Minute),
		Port:               envOrDefaultInt("PORT", 8080),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required — set it in config.yaml or DATABASE_URL")
	}

	// Build site configs, skipping blocks without a site id (commented
	// out or partially filled in the YAML).
	for _, s := range raw.Sites {
		if strings.TrimSpace(s.SiteID) == "" {
			continue
		}
		if s.Provider == "" {
			s.Provider = "generic"
		}
		cfg.Sites = append(cfg.Sites, s)
	}

	if len(cfg.Sites) == 0 {
		return nil, fmt.Errorf("no sites configured — check config.yaml and environment variables")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDurationOrDefault(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
