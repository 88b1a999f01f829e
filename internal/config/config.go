package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ModelDir  string `toml:"model_dir"`
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
}

// Tools locates the external programs. Empty values are looked up in
// SearchDirs first and then on PATH. Env is added to the environment of
// spawned engine processes only.
type Tools struct {
	FFmpeg     string            `toml:"ffmpeg"`
	FFprobe    string            `toml:"ffprobe"`
	WhisperCLI string            `toml:"whisper_cli"`
	SearchDirs []string          `toml:"search_dirs"`
	Env        map[string]string `toml:"env"`
}

// Transcription holds per-job defaults.
type Transcription struct {
	DefaultTier   string `toml:"default_tier"`
	Language      string `toml:"language"`
	BeamSize      int    `toml:"beam_size"`
	InitialPrompt string `toml:"initial_prompt"`
	Threads       int    `toml:"threads"`
	VAD           bool   `toml:"vad"`
	Isolate       bool   `toml:"isolate"`
}

// Download configures model acquisition.
type Download struct {
	HubURL            string  `toml:"hub_url"`
	HFToken           string  `toml:"hf_token"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	PollIntervalMS    int     `toml:"poll_interval_ms"`
	MinViableFraction float64 `toml:"min_viable_fraction"`
}

// Runner tunes progress projection and cancellation.
type Runner struct {
	CreepIntervalMS    int     `toml:"creep_interval_ms"`
	CreepRate          float64 `toml:"creep_rate"`
	CancelGraceSeconds int     `toml:"cancel_grace_seconds"`
}

// Cloud configures the OpenAI-compatible transcription engine.
type Cloud struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for dropscribe.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Tools         Tools         `toml:"tools"`
	Transcription Transcription `toml:"transcription"`
	Download      Download      `toml:"download"`
	Runner        Runner        `toml:"runner"`
	Cloud         Cloud         `toml:"cloud"`
	Logging       Logging       `toml:"logging"`

	// apiKeyFromEnv marks a cloud key taken from OPENAI_API_KEY so Save never
	// writes it to disk.
	apiKeyFromEnv bool
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/dropscribe/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file
// yields defaults. It returns the config, the resolved path, and whether the
// file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("dropscribe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the model cache and log directories. The output
// directory is created lazily when a transcript is written.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ModelDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CreepInterval is the period of the progress creep ticker.
func (c *Config) CreepInterval() time.Duration {
	return time.Duration(c.Runner.CreepIntervalMS) * time.Millisecond
}

// CancelGrace is how long a terminated engine process may take to exit
// before it is killed.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Runner.CancelGraceSeconds) * time.Second
}

// PollInterval is the download monitor's sampling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Download.PollIntervalMS) * time.Millisecond
}

// DownloadTimeout bounds one HTTP request of the model hub client. Zero
// means no limit.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// CloudKeyFromEnv reports whether the cloud API key came from the environment.
func (c *Config) CloudKeyFromEnv() bool {
	return c.apiKeyFromEnv
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// Sample returns the commented sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
