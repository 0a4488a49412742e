package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Graph.URI != "bolt://localhost:7687" {
		t.Errorf("expected default graph URI bolt://localhost:7687, got %s", cfg.Graph.URI)
	}
	if cfg.Queue.URL != "nats://localhost:4222" {
		t.Errorf("expected default queue URL nats://localhost:4222, got %s", cfg.Queue.URL)
	}
	if cfg.Queue.ResultTTL != 24*time.Hour {
		t.Errorf("expected default result TTL 24h, got %v", cfg.Queue.ResultTTL)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.LLM.Temperature)
	}
	if !cfg.Summaries.WriteLocal {
		t.Error("expected local summary writes by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing graph uri",
			modify:  func(c *Config) { c.Graph.URI = "" },
			wantErr: true,
		},
		{
			name:    "zero graph retries",
			modify:  func(c *Config) { c.Graph.MaxRetries = 0 },
			wantErr: true,
		},
		{
			name:    "missing queue url",
			modify:  func(c *Config) { c.Queue.URL = "" },
			wantErr: true,
		},
		{
			name:    "unknown llm provider",
			modify:  func(c *Config) { c.LLM.Provider = "bedrock" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.LLM.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.LLM.Temperature = 2.1 },
			wantErr: true,
		},
		{
			name:    "missing listen address",
			modify:  func(c *Config) { c.Service.Listen = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
graph:
  uri: "bolt://graph:7687"
  username: "tester"
  password: "secret"
queue:
  url: "nats://test:4222"
  result_ttl: 1h
llm:
  provider: "ollama"
  endpoint: "http://test:11434/v1"
  model: "qwen2.5-coder:32b"
  temperature: 0.5
  timeout: 10m
repo:
  path: "/test/path"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Graph.URI != "bolt://graph:7687" {
		t.Errorf("expected graph URI bolt://graph:7687, got %s", cfg.Graph.URI)
	}
	if cfg.Graph.Username != "tester" {
		t.Errorf("expected graph username tester, got %s", cfg.Graph.Username)
	}
	if cfg.Queue.URL != "nats://test:4222" {
		t.Errorf("expected queue URL nats://test:4222, got %s", cfg.Queue.URL)
	}
	if cfg.Queue.ResultTTL != time.Hour {
		t.Errorf("expected result TTL 1h, got %v", cfg.Queue.ResultTTL)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider ollama, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.LLM.Timeout)
	}
	if cfg.Repo.Path != "/test/path" {
		t.Errorf("expected repo path /test/path, got %s", cfg.Repo.Path)
	}
	// Defaults survive for unset fields
	if cfg.Queue.Stream != "CODESTORY_TASKS" {
		t.Errorf("expected default stream, got %s", cfg.Queue.Stream)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Graph: GraphConfig{
			URI: "bolt://override:7687",
		},
		Repo: RepoConfig{
			Path: "/override/path",
		},
	}

	base.Merge(override)

	if base.Graph.URI != "bolt://override:7687" {
		t.Errorf("expected graph URI bolt://override:7687, got %s", base.Graph.URI)
	}
	// Username should remain from base since override didn't set it
	if base.Graph.Username != "neo4j" {
		t.Errorf("expected username to remain default, got %s", base.Graph.Username)
	}
	if base.Repo.Path != "/override/path" {
		t.Errorf("expected repo path /override/path, got %s", base.Repo.Path)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.LLM.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.LLM.Model)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("NEO4J_URI", "bolt://env:7687")
	t.Setenv("NEO4J_PASSWORD", "envpass")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := DefaultConfig()
	applyEnv(cfg)

	if cfg.Graph.URI != "bolt://env:7687" {
		t.Errorf("expected env graph URI, got %s", cfg.Graph.URI)
	}
	if cfg.Graph.Password != "envpass" {
		t.Errorf("expected env graph password, got %s", cfg.Graph.Password)
	}
	if cfg.Queue.URL != "nats://env:4222" {
		t.Errorf("expected env queue URL, got %s", cfg.Queue.URL)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected OPENAI_API_KEY to apply for openai provider, got %q", cfg.LLM.APIKey)
	}
}
