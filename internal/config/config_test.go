package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scraper.DelayBetweenRequests != 100 {
		t.Errorf("default delay = %d, want 100", cfg.Scraper.DelayBetweenRequests)
	}
	if cfg.Database.Path != filepath.Join("data", "discord.db") {
		t.Errorf("default db path = %q", cfg.Database.Path)
	}
	if cfg.AI.RetryAttempts != 3 {
		t.Errorf("default retry attempts = %d", cfg.AI.RetryAttempts)
	}
}

func TestLoad_JSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guildscribe.json")
	content := `{
		"discord": {"token": "tok", "guildId": "g1"},
		"ai": {"apiKey": "key", "model": "custom-model", "batchSize": 5,
			"stages": {"extract": {"enabled": false}}},
		"scraper": {"delayBetweenRequests": 250},
		"privacy": {"anonymizeInPrompts": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Discord.Token != "tok" || cfg.Discord.GuildID != "g1" {
		t.Errorf("discord config not loaded: %+v", cfg.Discord)
	}
	if cfg.AI.Model != "custom-model" || cfg.AI.BatchSize != 5 {
		t.Errorf("ai config not loaded: %+v", cfg.AI)
	}
	if cfg.Scraper.DelayBetweenRequests != 250 {
		t.Errorf("scraper delay = %d, want 250", cfg.Scraper.DelayBetweenRequests)
	}
	if !cfg.Privacy.AnonymizeInPrompts {
		t.Error("privacy.anonymizeInPrompts not loaded")
	}
	if cfg.StageEnabled("extract") {
		t.Error("extract stage should be disabled")
	}
	if !cfg.StageEnabled("filter") {
		t.Error("filter stage should stay enabled")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guildscribe.yaml")
	content := "discord:\n  token: ytok\n  guildId: yg\nai:\n  model: yaml-model\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "ytok" || cfg.AI.Model != "yaml-model" {
		t.Errorf("yaml config not loaded: %+v %+v", cfg.Discord, cfg.AI)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "env-token")
	t.Setenv("AI_MODEL", "env-model")
	t.Setenv("DATABASE_PATH", "/tmp/env.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "env-token" {
		t.Errorf("env token override failed: %q", cfg.Discord.Token)
	}
	if cfg.AI.Model != "env-model" {
		t.Errorf("env model override failed: %q", cfg.AI.Model)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("env db path override failed: %q", cfg.Database.Path)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateScrape(); err == nil {
		t.Error("expected scrape validation to fail without token")
	}
	if err := cfg.ValidateProcess(); err == nil {
		t.Error("expected process validation to fail without api key")
	}

	cfg.Discord.Token = "t"
	cfg.Discord.GuildID = "g"
	cfg.AI.APIKey = "k"
	if err := cfg.ValidateScrape(); err != nil {
		t.Errorf("scrape validation: %v", err)
	}
	if err := cfg.ValidateProcess(); err != nil {
		t.Errorf("process validation: %v", err)
	}
}

func TestStageEnabled_UnknownStageDefaultsEnabled(t *testing.T) {
	cfg := Default()
	if !cfg.StageEnabled("summarize") {
		t.Error("summarize should default enabled")
	}
	if !cfg.StageEnabled("never-heard-of-it") {
		t.Error("unknown stages default enabled")
	}
}
