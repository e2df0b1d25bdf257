package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// apiKeyEnv is the environment variable consulted when agent.api_key is not
// set in the config file.
const apiKeyEnv = "GEMINI_API_KEY"

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the built-in defaults for every unset field.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = os.Getenv(apiKeyEnv)
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = def.Agent.Model
	}
	if cfg.Agent.Voice == "" {
		cfg.Agent.Voice = def.Agent.Voice
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = def.Audio.FrameSize
	}
	if cfg.Reminder.Lead == 0 {
		cfg.Reminder.Lead = def.Reminder.Lead
	}
	if cfg.Reminder.PollInterval == 0 {
		cfg.Reminder.PollInterval = def.Reminder.PollInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Agent.APIKey == "" {
		errs = append(errs, fmt.Errorf("agent.api_key is required (or set %s)", apiKeyEnv))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Reminder.Lead <= 0 {
		errs = append(errs, fmt.Errorf("reminder.lead %v must be positive", cfg.Reminder.Lead))
	}
	if cfg.Reminder.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("reminder.poll_interval %v must be positive", cfg.Reminder.PollInterval))
	}
	if cfg.Reminder.PollInterval > 0 && cfg.Reminder.Lead > 0 && cfg.Reminder.PollInterval > cfg.Reminder.Lead {
		errs = append(errs, fmt.Errorf("reminder.poll_interval %v exceeds reminder.lead %v; reminders would be skipped", cfg.Reminder.PollInterval, cfg.Reminder.Lead))
	}

	return errors.Join(errs...)
}
