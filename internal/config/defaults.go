package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultTier              = "medium"
	defaultLanguage          = "auto"
	defaultBeamSize          = 5
	defaultHubURL            = "https://huggingface.co"
	defaultDownloadTimeout   = 3600
	defaultPollIntervalMS    = 500
	defaultMinViableFraction = 0.9
	defaultCreepIntervalMS   = 400
	defaultCreepRate         = 0.08
	defaultCancelGrace       = 5
	defaultCloudBaseURL      = "https://api.openai.com/v1"
	defaultCloudModel        = "whisper-1"
)

// Default returns baseline configuration for first launch.
func Default() Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return Config{
		Paths: Paths{
			ModelDir:  defaultModelDir(homeDir),
			OutputDir: filepath.Join(homeDir, "Documents", "Transcripts"),
			LogDir:    filepath.Join(homeDir, ".local", "share", "dropscribe", "logs"),
		},
		Transcription: Transcription{
			DefaultTier: defaultTier,
			Language:    defaultLanguage,
			BeamSize:    defaultBeamSize,
			VAD:         true,
		},
		Download: Download{
			HubURL:            defaultHubURL,
			TimeoutSeconds:    defaultDownloadTimeout,
			PollIntervalMS:    defaultPollIntervalMS,
			MinViableFraction: defaultMinViableFraction,
		},
		Runner: Runner{
			CreepIntervalMS:    defaultCreepIntervalMS,
			CreepRate:          defaultCreepRate,
			CancelGraceSeconds: defaultCancelGrace,
		},
		Cloud: Cloud{
			BaseURL: defaultCloudBaseURL,
			Model:   defaultCloudModel,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultModelDir(homeDir string) string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "dropscribe", "models")
	}
	return filepath.Join(homeDir, ".cache", "dropscribe", "models")
}
