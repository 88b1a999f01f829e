package bootstrap

import (
	"fmt"
	"os"
	goruntime "runtime"
	"strings"

	"dropscribe/internal/diagnostics"
	"dropscribe/internal/domain"
)

// installCommand is one package-manager command that provides a tool.
type installCommand struct {
	manager string
	command string
}

var ffmpegInstallCommands = map[string][]installCommand{
	"windows": {
		{manager: "winget", command: "winget install --id Gyan.FFmpeg --exact"},
		{manager: "choco", command: "choco install ffmpeg -y"},
		{manager: "scoop", command: "scoop install ffmpeg"},
	},
	"darwin": {
		{manager: "brew", command: "brew install ffmpeg"},
	},
	"linux": {
		{manager: "apt-get", command: "sudo apt-get install -y ffmpeg"},
		{manager: "dnf", command: "sudo dnf install -y ffmpeg"},
		{manager: "pacman", command: "sudo pacman -S ffmpeg"},
	},
}

var whisperInstallCommands = map[string][]installCommand{
	"windows": {
		{manager: "scoop", command: "scoop install whisper-cpp"},
	},
	"darwin": {
		{manager: "brew", command: "brew install whisper-cpp"},
	},
	"linux": {
		{manager: "brew", command: "brew install whisper-cpp"},
		{manager: "source", command: "cmake -B build && cmake --build build -j && cp build/bin/whisper-cli ~/.local/bin/"},
	},
}

// FixDiagnostic attempts to repair one diagnostic item and returns the
// refreshed report. Tools cannot be installed from here; the error names the
// install commands for this platform instead.
func (a *App) FixDiagnostic(id string) (domain.DiagnosticReport, error) {
	_, _, cfg := a.current()

	var fixErr error
	switch id {
	case diagnostics.ItemFFmpeg, diagnostics.ItemFFprobe:
		fixErr = fmt.Errorf("install ffmpeg: %s", installHint(ffmpegInstallCommands, goruntime.GOOS))
	case diagnostics.ItemWhisperCLI:
		fixErr = fmt.Errorf("install whisper.cpp: %s", installHint(whisperInstallCommands, goruntime.GOOS))
	case diagnostics.ItemModelDir:
		fixErr = ensureDir(cfg.Paths.ModelDir)
	case diagnostics.ItemOutputDir:
		fixErr = ensureDir(cfg.Paths.OutputDir)
	case diagnostics.ItemDefaultTier:
		_, fixErr = a.DownloadModelTier(cfg.Transcription.DefaultTier)
	default:
		return a.GetDiagnostics(), fmt.Errorf("unsupported diagnostic item id: %s", id)
	}

	report := a.RefreshDiagnostics()
	if fixErr != nil {
		return report, fixErr
	}
	return report, nil
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// installHint lists the commands for goos, falling back to the linux set.
func installHint(commands map[string][]installCommand, goos string) string {
	options, ok := commands[goos]
	if !ok {
		options = commands["linux"]
	}
	parts := make([]string, 0, len(options))
	for _, option := range options {
		parts = append(parts, fmt.Sprintf("%s (%s)", option.command, option.manager))
	}
	return strings.Join(parts, " or ")
}
