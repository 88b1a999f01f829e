// Package engine builds transcription backends from configuration.
package engine

import (
	"fmt"
	"log/slog"

	"dropscribe/internal/backend"
	"dropscribe/internal/backend/cloud"
	"dropscribe/internal/backend/whispercpp"
	"dropscribe/internal/config"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/supervisor"
	"dropscribe/internal/toolpath"
)

// Factory creates backends for tier engines.
type Factory struct {
	cfg      *config.Config
	resolver *toolpath.Resolver
	logger   *slog.Logger

	// WorkerExecutable overrides the binary started for isolated runs.
	WorkerExecutable string
	// WorkerArgs are passed before the worker subcommand, e.g. --config.
	WorkerArgs []string
	// WorkerEnv is added to the worker's environment.
	WorkerEnv map[string]string
}

// NewFactory builds a factory over cfg.
func NewFactory(cfg *config.Config, resolver *toolpath.Resolver, logger *slog.Logger) *Factory {
	if resolver == nil {
		resolver = toolpath.New(cfg.Tools.SearchDirs)
	}
	return &Factory{cfg: cfg, resolver: resolver, logger: logger}
}

// New returns the backend for kind. With isolate set, the engine runs in a
// worker process started from this binary.
func (f *Factory) New(kind domain.Engine, isolate bool) (backend.Backend, error) {
	var inner backend.Backend
	switch kind {
	case domain.EngineWhisperCPP:
		binary, err := f.resolver.Resolve(f.cfg.Tools.WhisperCLI, "whisper-cli")
		if err != nil {
			return nil, failure.Wrap(failure.ErrConfiguration, "preparing", "whisper-cli", "set tools.whisper_cli or add its directory to tools.search_dirs", err)
		}
		inner = whispercpp.New(whispercpp.Config{
			BinaryPath:  binary,
			Env:         f.cfg.Tools.Env,
			CancelGrace: f.cfg.CancelGrace(),
		}, f.logger)
	case domain.EngineOpenAI:
		inner = cloud.New(cloud.Config{
			APIKey:  f.cfg.Cloud.APIKey,
			BaseURL: f.cfg.Cloud.BaseURL,
			Model:   f.cfg.Cloud.Model,
		}, f.logger)
	default:
		return nil, failure.Wrap(failure.ErrConfiguration, "preparing", "engine", fmt.Sprintf("unknown engine %q", kind), nil)
	}

	if !isolate {
		return inner, nil
	}
	args := append(append([]string(nil), f.WorkerArgs...), "worker", "--engine", string(kind))
	return supervisor.New(inner, supervisor.Config{
		Executable:  f.WorkerExecutable,
		Args:        args,
		Env:         f.WorkerEnv,
		CancelGrace: f.cfg.CancelGrace(),
	}, f.logger), nil
}
