// Package config provides the configuration schema and loader for the Andee
// voice assistant.
package config

import (
	"time"

	"github.com/andee-ai/andee/pkg/audio"
	"github.com/andee-ai/andee/pkg/live"
)

// LogLevel controls log verbosity for the Andee host.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Andee.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Audio    AudioConfig    `yaml:"audio"`
	Reminder ReminderConfig `yaml:"reminder"`
}

// ServerConfig holds network and logging settings for the Andee host.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics endpoint listens on
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AgentConfig holds the connection settings for the live agent session.
type AgentConfig struct {
	// APIKey authenticates against the agent API. Falls back to the
	// GEMINI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model selects the speech model. Defaults to [live.DefaultModel].
	Model string `yaml:"model"`

	// BaseURL overrides the agent's default websocket endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Voice selects the agent's speaking voice. Defaults to [live.DefaultVoice].
	Voice string `yaml:"voice"`

	// Instructions is the system prompt injected at session open. Leave empty
	// for the built-in assistant persona.
	Instructions string `yaml:"instructions"`
}

// AudioConfig holds capture pipeline settings.
type AudioConfig struct {
	// FrameSize is the number of samples per outbound audio frame.
	// Defaults to [audio.DefaultFrameSize].
	FrameSize int `yaml:"frame_size"`
}

// ReminderConfig tunes the proactive reminder watcher.
type ReminderConfig struct {
	// Lead is how far ahead of an appointment the reminder fires.
	Lead time.Duration `yaml:"lead"`

	// PollInterval is how often the calendar store is scanned.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		Agent: AgentConfig{
			Model: live.DefaultModel,
			Voice: live.DefaultVoice,
		},
		Audio: AudioConfig{
			FrameSize: audio.DefaultFrameSize,
		},
		Reminder: ReminderConfig{
			Lead:         30 * time.Minute,
			PollInterval: 10 * time.Second,
		},
	}
}
