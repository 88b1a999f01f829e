package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"dropscribe/internal/config"
	"dropscribe/internal/logging"
	"dropscribe/internal/services"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// logger writes to the log file and, when console is set, to stderr.
func (c *commandContext) logger(console bool) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg, console)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// services wires the stack for a copy of the loaded configuration with
// overrides applied.
func (c *commandContext) services(logger *slog.Logger, overrides ...func(*config.Config)) (*services.Services, error) {
	loaded, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	cfg := *loaded
	for _, override := range overrides {
		override(&cfg)
	}
	opts := services.Options{}
	if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
		opts.ConfigPath = c.configPath
	}
	return services.Build(&cfg, logger, opts)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
