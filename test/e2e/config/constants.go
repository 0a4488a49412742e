// Package config provides configuration constants for e2e tests.
package config

import "time"

// Default connection URLs.
const (
	// DefaultServerURL is where a locally started codestory service
	// listens.
	DefaultServerURL = "http://localhost:8900"
)

// Default timeouts.
const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultSetupTimeout   = 60 * time.Second
	DefaultStageTimeout   = 2 * time.Minute
	DefaultPollInterval   = 500 * time.Millisecond
)

// Config holds the e2e test configuration.
type Config struct {
	ServerURL      string        `json:"server_url"`
	CommandTimeout time.Duration `json:"command_timeout"`
	SetupTimeout   time.Duration `json:"setup_timeout"`
	StageTimeout   time.Duration `json:"stage_timeout"`
	PollInterval   time.Duration `json:"poll_interval"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:      DefaultServerURL,
		CommandTimeout: DefaultCommandTimeout,
		SetupTimeout:   DefaultSetupTimeout,
		StageTimeout:   DefaultStageTimeout,
		PollInterval:   DefaultPollInterval,
	}
}
