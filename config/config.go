// Package config provides configuration loading and management for
// code story. Settings layer from defaults, the user config file, a
// project config file, and finally environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete code story configuration.
type Config struct {
	Graph     GraphConfig     `yaml:"graph"`
	Queue     QueueConfig     `yaml:"queue"`
	LLM       LLMConfig       `yaml:"llm"`
	Service   ServiceConfig   `yaml:"service"`
	Repo      RepoConfig      `yaml:"repo"`
	Summaries SummariesConfig `yaml:"summaries"`
}

// GraphConfig configures the graph store connection.
type GraphConfig struct {
	// URI is the bolt endpoint (default: bolt://localhost:7687)
	URI string `yaml:"uri"`
	// Username and Password authenticate the driver
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Database selects the database within the server
	Database string `yaml:"database"`
	// MaxRetries bounds retry attempts for transient failures
	MaxRetries int `yaml:"max_retries"`
	// RetryBase is the initial backoff between attempts
	RetryBase time.Duration `yaml:"retry_base"`
}

// QueueConfig configures the NATS connection backing the task queue.
type QueueConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
	// Stream names the JetStream work-queue stream for tasks
	Stream string `yaml:"stream"`
	// ResultTTL is how long finished job/task records are retained
	ResultTTL time.Duration `yaml:"result_ttl"`
	// LivenessWindow is how stale a RUNNING task's heartbeat may be
	// before the orchestrator declares the worker lost
	LivenessWindow time.Duration `yaml:"liveness_window"`
}

// LLMConfig configures the LLM adapter.
type LLMConfig struct {
	// Provider is one of: openai, anthropic, ollama
	Provider string `yaml:"provider"`
	// Endpoint is the provider base URL
	Endpoint string `yaml:"endpoint"`
	// Model is the default chat model
	Model string `yaml:"model"`
	// EmbeddingModel is the default embedding model
	EmbeddingModel string `yaml:"embedding_model"`
	// APIKey authenticates requests (usually set via environment)
	APIKey string `yaml:"api_key"`
	// Temperature controls randomness (0.0-2.0)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps completion length
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the maximum time to wait for a response
	Timeout time.Duration `yaml:"timeout"`
}

// ServiceConfig configures the HTTP/WebSocket surface.
type ServiceConfig struct {
	// Listen is the bind address for the service (default: :8900)
	Listen string `yaml:"listen"`
}

// RepoConfig configures the default repository.
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty)
	Path string `yaml:"path"`
}

// SummariesConfig configures local summary dumps.
type SummariesConfig struct {
	// WriteLocal controls whether summaries are also written under
	// <repo>/.summaries (default: true)
	WriteLocal bool `yaml:"write_local"`
	// Dir is the directory name inside the repo
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			URI:        "bolt://localhost:7687",
			Username:   "neo4j",
			Password:   "neo4j",
			Database:   "neo4j",
			MaxRetries: 3,
			RetryBase:  2 * time.Second,
		},
		Queue: QueueConfig{
			URL:            "nats://localhost:4222",
			Stream:         "CODESTORY_TASKS",
			ResultTTL:      24 * time.Hour,
			LivenessWindow: 60 * time.Second,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Endpoint:       "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			Temperature:    0.2,
			MaxTokens:      1024,
			Timeout:        3 * time.Minute,
		},
		Service: ServiceConfig{
			Listen: ":8900",
		},
		Repo: RepoConfig{
			Path: "", // Auto-detect
		},
		Summaries: SummariesConfig{
			WriteLocal: true,
			Dir:        ".summaries",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Graph.URI == "" {
		return fmt.Errorf("graph.uri is required")
	}
	if c.Graph.MaxRetries < 1 {
		return fmt.Errorf("graph.max_retries must be at least 1")
	}
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if c.Queue.Stream == "" {
		return fmt.Errorf("queue.stream is required")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("llm.provider must be one of openai, anthropic, ollama (got %q)", c.LLM.Provider)
	}
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.Service.Listen == "" {
		return fmt.Errorf("service.listen is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence
// for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Graph
	if other.Graph.URI != "" {
		c.Graph.URI = other.Graph.URI
	}
	if other.Graph.Username != "" {
		c.Graph.Username = other.Graph.Username
	}
	if other.Graph.Password != "" {
		c.Graph.Password = other.Graph.Password
	}
	if other.Graph.Database != "" {
		c.Graph.Database = other.Graph.Database
	}
	if other.Graph.MaxRetries != 0 {
		c.Graph.MaxRetries = other.Graph.MaxRetries
	}
	if other.Graph.RetryBase != 0 {
		c.Graph.RetryBase = other.Graph.RetryBase
	}

	// Queue
	if other.Queue.URL != "" {
		c.Queue.URL = other.Queue.URL
	}
	if other.Queue.Stream != "" {
		c.Queue.Stream = other.Queue.Stream
	}
	if other.Queue.ResultTTL != 0 {
		c.Queue.ResultTTL = other.Queue.ResultTTL
	}
	if other.Queue.LivenessWindow != 0 {
		c.Queue.LivenessWindow = other.Queue.LivenessWindow
	}

	// LLM
	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.EmbeddingModel != "" {
		c.LLM.EmbeddingModel = other.LLM.EmbeddingModel
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}

	// Service
	if other.Service.Listen != "" {
		c.Service.Listen = other.Service.Listen
	}

	// Repo
	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}

	// Summaries
	if other.Summaries.Dir != "" {
		c.Summaries.Dir = other.Summaries.Dir
	}
	if !other.Summaries.WriteLocal {
		c.Summaries.WriteLocal = false
	}
}
