package diagnostics

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"dropscribe/internal/config"
	"dropscribe/internal/domain"
	"dropscribe/internal/models"
	"dropscribe/internal/toolpath"
)

// Item IDs reported by Run. The desktop shell keys its fix buttons on them.
const (
	ItemFFmpeg      = "tool_ffmpeg"
	ItemFFprobe     = "tool_ffprobe"
	ItemWhisperCLI  = "tool_whisper-cli"
	ItemModelDir    = "model_dir"
	ItemOutputDir   = "output_dir"
	ItemDefaultTier = "default_tier"
	ItemCloudKey    = "cloud_api_key"
)

// Checker validates external tools, directories and the default tier cache.
type Checker struct {
	catalog     *models.Catalog
	newResolver func(searchDirs []string) *toolpath.Resolver
	mkdirAll    func(string, os.FileMode) error
	writable    func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker(catalog *models.Catalog) *Checker {
	return &Checker{
		catalog:     catalog,
		newResolver: toolpath.New,
		mkdirAll:    os.MkdirAll,
		writable:    checkWritable,
	}
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	catalog *models.Catalog,
	newResolver func([]string) *toolpath.Resolver,
	mkdirAll func(string, os.FileMode) error,
	writable func(string) error,
) *Checker {
	return &Checker{
		catalog:     catalog,
		newResolver: newResolver,
		mkdirAll:    mkdirAll,
		writable:    writable,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(cfg config.Config) domain.DiagnosticReport {
	resolver := c.newResolver(cfg.Tools.SearchDirs)
	tier, tierErr := c.catalog.Lookup(cfg.Transcription.DefaultTier)
	needsWhisper := tierErr != nil || tier.Engine == domain.EngineWhisperCPP

	whisperMissing := domain.DiagnosticStatusWarn
	if needsWhisper {
		whisperMissing = domain.DiagnosticStatusFail
	}

	items := []domain.DiagnosticItem{
		c.checkTool(resolver, ItemFFmpeg, cfg.Tools.FFmpeg, "ffmpeg", domain.DiagnosticStatusFail,
			"ffmpeg converts every input to audio; install it or set tools.ffmpeg."),
		c.checkTool(resolver, ItemFFprobe, cfg.Tools.FFprobe, "ffprobe", domain.DiagnosticStatusWarn,
			"Without ffprobe media durations are unknown and progress is estimated; install it with ffmpeg."),
		c.checkTool(resolver, ItemWhisperCLI, cfg.Tools.WhisperCLI, "whisper-cli", whisperMissing,
			"Local tiers run whisper.cpp; build or install whisper-cli or set tools.whisper_cli."),
		c.checkDir(ItemModelDir, "Model cache", cfg.Paths.ModelDir),
		c.checkDir(ItemOutputDir, "Output directory", cfg.Paths.OutputDir),
	}

	if tierErr != nil {
		items = append(items, domain.DiagnosticItem{
			ID:      ItemDefaultTier,
			Name:    "Default tier",
			Status:  domain.DiagnosticStatusFail,
			Message: tierErr.Error(),
			Hint:    "Set transcription.default_tier to one of: " + strings.Join(c.catalog.IDs(), ", "),
		})
	} else if tier.Engine == domain.EngineOpenAI {
		items = append(items, checkCloudKey(cfg))
	} else {
		items = append(items, checkTierCache(models.NewCache(cfg.Paths.ModelDir), tier))
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool resolves an executable through the configured search dirs and PATH.
func (c *Checker) checkTool(resolver *toolpath.Resolver, id, configured, name string, missing domain.DiagnosticStatus, hint string) domain.DiagnosticItem {
	path, err := resolver.Resolve(configured, name)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      id,
			Name:    name,
			Status:  missing,
			Message: fmt.Sprintf("%s not found in %s", name, resolver.Where()),
			Hint:    hint,
		}
	}

	return domain.DiagnosticItem{
		ID:      id,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Found at %s", path),
	}
}

// checkDir validates directory existence and write access.
func (c *Checker) checkDir(id, name, dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: id, Name: name}

	if strings.TrimSpace(dir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = name + " is empty."
		item.Hint = "Set a writable directory in the configuration file."
		return item
	}

	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create directory: %s", dir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	if err := c.writable(dir); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Directory is not writable: %s", dir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}

// checkTierCache warns when the default tier will be downloaded on first use.
func checkTierCache(cache *models.Cache, tier domain.ModelTier) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: ItemDefaultTier, Name: "Default tier " + tier.ID}
	plan := cache.Plan(tier)
	if plan.Complete() {
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Cached in %s", cache.Dir(tier))
		return item
	}

	remaining := plan.ExpectedBytes - plan.PresentBytes
	if remaining < 0 {
		remaining = 0
	}
	item.Status = domain.DiagnosticStatusWarn
	item.Message = fmt.Sprintf("Not downloaded yet; %s of %s still to fetch.",
		humanize.Bytes(uint64(remaining)), humanize.Bytes(uint64(plan.ExpectedBytes)))
	item.Hint = "The first transcription downloads it automatically, or download it now."
	item.Fixable = true
	return item
}

func checkCloudKey(cfg config.Config) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: ItemCloudKey, Name: "Cloud API key"}
	if strings.TrimSpace(cfg.Cloud.APIKey) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "The default tier uses the cloud engine but no API key is configured."
		item.Hint = "Set OPENAI_API_KEY or cloud.api_key."
		return item
	}
	item.Status = domain.DiagnosticStatusPass
	if cfg.CloudKeyFromEnv() {
		item.Message = "API key taken from OPENAI_API_KEY."
	} else {
		item.Message = "API key configured."
	}
	return item
}
