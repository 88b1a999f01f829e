package services

import (
	"context"
	"io"
	"log/slog"

	"dropscribe/internal/config"
	"dropscribe/internal/domain"
	"dropscribe/internal/engine"
	"dropscribe/internal/supervisor"
)

// ServeWorker is the body of the hidden worker subcommand. It builds the
// in-process engine for kind and serves one request from in to out. Engines
// that cannot be built are still reported as a protocol error message.
func ServeWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, kind domain.Engine, in io.Reader, out io.Writer) error {
	engineBackend, err := engine.NewFactory(cfg, nil, logger).New(kind, false)
	if err != nil {
		return supervisor.Fail(out, err)
	}
	return supervisor.Serve(ctx, in, out, engineBackend)
}
