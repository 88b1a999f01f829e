package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeTools(); err != nil {
		return err
	}
	c.normalizeTranscription()
	c.normalizeDownload()
	c.normalizeRunner()
	c.normalizeCloud()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.ModelDir, err = expandPath(strings.TrimSpace(c.Paths.ModelDir)); err != nil {
		return fmt.Errorf("paths.model_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(strings.TrimSpace(c.Paths.OutputDir)); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTools() error {
	var err error
	for _, tool := range []struct {
		key   string
		value *string
	}{
		{"tools.ffmpeg", &c.Tools.FFmpeg},
		{"tools.ffprobe", &c.Tools.FFprobe},
		{"tools.whisper_cli", &c.Tools.WhisperCLI},
	} {
		trimmed := strings.TrimSpace(*tool.value)
		// Bare program names stay as PATH lookups.
		if trimmed == "" || !strings.ContainsAny(trimmed, `/\~`) {
			*tool.value = trimmed
			continue
		}
		if *tool.value, err = expandPath(trimmed); err != nil {
			return fmt.Errorf("%s: %w", tool.key, err)
		}
	}

	dirs := make([]string, 0, len(c.Tools.SearchDirs))
	for _, dir := range c.Tools.SearchDirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		expanded, err := expandPath(dir)
		if err != nil {
			return fmt.Errorf("tools.search_dirs: %w", err)
		}
		dirs = append(dirs, expanded)
	}
	c.Tools.SearchDirs = dirs
	return nil
}

func (c *Config) normalizeTranscription() {
	c.Transcription.DefaultTier = strings.ToLower(strings.TrimSpace(c.Transcription.DefaultTier))
	if c.Transcription.DefaultTier == "" {
		c.Transcription.DefaultTier = defaultTier
	}
	c.Transcription.Language = strings.TrimSpace(c.Transcription.Language)
	if c.Transcription.Language == "" {
		c.Transcription.Language = defaultLanguage
	}
	if c.Transcription.BeamSize == 0 {
		c.Transcription.BeamSize = defaultBeamSize
	}
}

func (c *Config) normalizeDownload() {
	c.Download.HubURL = strings.TrimRight(strings.TrimSpace(c.Download.HubURL), "/")
	if c.Download.HubURL == "" {
		c.Download.HubURL = defaultHubURL
	}
	c.Download.HFToken = strings.TrimSpace(c.Download.HFToken)
	if c.Download.PollIntervalMS == 0 {
		c.Download.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Download.MinViableFraction == 0 {
		c.Download.MinViableFraction = defaultMinViableFraction
	}
}

func (c *Config) normalizeRunner() {
	if c.Runner.CreepIntervalMS == 0 {
		c.Runner.CreepIntervalMS = defaultCreepIntervalMS
	}
	if c.Runner.CreepRate == 0 {
		c.Runner.CreepRate = defaultCreepRate
	}
}

func (c *Config) normalizeCloud() {
	c.Cloud.APIKey = strings.TrimSpace(c.Cloud.APIKey)
	if c.Cloud.APIKey == "" {
		if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok && strings.TrimSpace(value) != "" {
			c.Cloud.APIKey = strings.TrimSpace(value)
			c.apiKeyFromEnv = true
		}
	}
	c.Cloud.BaseURL = strings.TrimRight(strings.TrimSpace(c.Cloud.BaseURL), "/")
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = defaultCloudBaseURL
	}
	c.Cloud.Model = strings.TrimSpace(c.Cloud.Model)
	if c.Cloud.Model == "" {
		c.Cloud.Model = defaultCloudModel
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}
