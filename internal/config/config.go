// Package config loads the guildscribe configuration: a JSON (or
// YAML) config file with environment overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Scraper  ScraperConfig  `json:"scraper" yaml:"scraper"`
	AI       AIConfig       `json:"ai" yaml:"ai"`
	Privacy  PrivacyConfig  `json:"privacy" yaml:"privacy"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Prompts  PromptsConfig  `json:"prompts" yaml:"prompts"`
}

type DiscordConfig struct {
	Token   string `json:"token" yaml:"token"`
	GuildID string `json:"guildId" yaml:"guildId"`
}

type ScraperConfig struct {
	// DelayBetweenRequests is the inter-page sleep in milliseconds.
	DelayBetweenRequests int     `json:"delayBetweenRequests" yaml:"delayBetweenRequests"`
	BackoffMultiplier    float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

type AIConfig struct {
	APIKey             string  `json:"apiKey" yaml:"apiKey"`
	BaseURL            string  `json:"baseUrl" yaml:"baseUrl"`
	Model              string  `json:"model" yaml:"model"`
	BatchSize          int     `json:"batchSize" yaml:"batchSize"`
	MaxTokensPerBatch  int     `json:"maxTokensPerBatch" yaml:"maxTokensPerBatch"`
	MaxTokens          int     `json:"maxTokens" yaml:"maxTokens"`
	RetryAttempts      int     `json:"retryAttempts" yaml:"retryAttempts"`
	RetryDelayMs       int     `json:"retryDelayMs" yaml:"retryDelayMs"`
	Workers            int     `json:"workers" yaml:"workers"`
	ReprocessAfterDays int     `json:"reprocessAfterDays" yaml:"reprocessAfterDays"`
	InputPricePerMTok  float64 `json:"inputPricePerMTok" yaml:"inputPricePerMTok"`
	OutputPricePerMTok float64 `json:"outputPricePerMTok" yaml:"outputPricePerMTok"`

	// Stages toggles individual stages in "all" mode.
	Stages map[string]StageConfig `json:"stages" yaml:"stages"`
}

type StageConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type PrivacyConfig struct {
	AnonymizeInPrompts bool `json:"anonymizeInPrompts" yaml:"anonymizeInPrompts"`
}

type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type PromptsConfig struct {
	// Dir optionally shadows the embedded prompt templates.
	Dir string `json:"dir" yaml:"dir"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Scraper: ScraperConfig{
			DelayBetweenRequests: 100,
			BackoffMultiplier:    2,
		},
		AI: AIConfig{
			Model:              "gpt-4o-mini",
			BatchSize:          20,
			MaxTokensPerBatch:  4000,
			MaxTokens:          4096,
			RetryAttempts:      3,
			RetryDelayMs:       1000,
			Workers:            2,
			InputPricePerMTok:  0.15,
			OutputPricePerMTok: 0.60,
			Stages: map[string]StageConfig{
				"filter":     {Enabled: true},
				"categorize": {Enabled: true},
				"summarize":  {Enabled: true},
				"extract":    {Enabled: true},
				"format":     {Enabled: false},
			},
		},
		Database: DatabaseConfig{Path: filepath.Join("data", "discord.db")},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads the config file at path and applies environment
// overrides. An empty path falls back to $GUILDSCRIBE_CONFIG, then
// ./guildscribe.json. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GUILDSCRIBE_CONFIG")
	}
	if path == "" {
		path = "guildscribe.json"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("DISCORD_GUILD_ID"); v != "" {
		c.Discord.GuildID = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SCRAPER_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scraper.DelayBetweenRequests = n
		}
	}
}

// StageEnabled reports whether a stage participates in "all" mode.
// Stages absent from the map default to enabled.
func (c *Config) StageEnabled(name string) bool {
	if c.AI.Stages == nil {
		return true
	}
	sc, ok := c.AI.Stages[name]
	if !ok {
		return true
	}
	return sc.Enabled
}

// ValidateScrape checks the settings the scraper needs up front.
func (c *Config) ValidateScrape() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required (set DISCORD_TOKEN or the config file)")
	}
	if c.Discord.GuildID == "" {
		return fmt.Errorf("discord.guildId is required (set DISCORD_GUILD_ID or the config file)")
	}
	return nil
}

// ValidateProcess checks the settings the LLM pipeline needs up front.
func (c *Config) ValidateProcess() error {
	if c.AI.APIKey == "" {
		return fmt.Errorf("ai.apiKey is required (set AI_API_KEY or the config file)")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	return nil
}
