package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTranscription(); err != nil {
		return err
	}
	if err := c.validateDownload(); err != nil {
		return err
	}
	if err := c.validateRunner(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateTranscription() error {
	if c.Transcription.DefaultTier == "" {
		return errors.New("transcription.default_tier must be set")
	}
	if c.Transcription.BeamSize < 1 || c.Transcription.BeamSize > 16 {
		return fmt.Errorf("transcription.beam_size must be between 1 and 16, got %d", c.Transcription.BeamSize)
	}
	if c.Transcription.Threads < 0 {
		return errors.New("transcription.threads must be zero (auto) or positive")
	}
	return nil
}

func (c *Config) validateDownload() error {
	if c.Download.TimeoutSeconds < 0 {
		return errors.New("download.timeout_seconds must be zero or positive")
	}
	if c.Download.PollIntervalMS < 0 {
		return errors.New("download.poll_interval_ms must be positive")
	}
	if c.Download.MinViableFraction <= 0 || c.Download.MinViableFraction > 1 {
		return fmt.Errorf("download.min_viable_fraction must be in (0, 1], got %v", c.Download.MinViableFraction)
	}
	return nil
}

func (c *Config) validateRunner() error {
	if c.Runner.CreepIntervalMS < 0 {
		return errors.New("runner.creep_interval_ms must be positive")
	}
	if c.Runner.CreepRate <= 0 || c.Runner.CreepRate >= 1 {
		return fmt.Errorf("runner.creep_rate must be in (0, 1), got %v", c.Runner.CreepRate)
	}
	if c.Runner.CancelGraceSeconds < 0 {
		return errors.New("runner.cancel_grace_seconds must be zero or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
