package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
)

// DefaultMinViableFraction is the cached share that allows a degraded run.
const DefaultMinViableFraction = 0.9

// Fetcher downloads one asset to a destination path.
type Fetcher interface {
	Fetch(ctx context.Context, asset domain.ModelAsset, dest string) error
}

// Assets are the local files an engine runs with.
type Assets struct {
	Dir          string
	ModelPath    string
	VADModelPath string
	// Degraded is set when optional files are missing after a failed fetch.
	Degraded bool
}

// Acquirer makes a tier's files available locally.
type Acquirer struct {
	cache        *Cache
	fetcher      Fetcher
	minViable    float64
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewAcquirer wires the cache to a fetcher.
func NewAcquirer(cache *Cache, fetcher Fetcher, minViable float64, pollInterval time.Duration, logger *slog.Logger) *Acquirer {
	if minViable <= 0 || minViable > 1 {
		minViable = DefaultMinViableFraction
	}
	return &Acquirer{
		cache:        cache,
		fetcher:      fetcher,
		minViable:    minViable,
		pollInterval: pollInterval,
		logger:       logging.NewComponentLogger(logger, "models"),
	}
}

// Cache exposes the underlying cache.
func (a *Acquirer) Cache() *Cache { return a.cache }

// Plan reports what Acquire would still have to fetch.
func (a *Acquirer) Plan(tier domain.ModelTier) Plan { return a.cache.Plan(tier) }

// Acquire fetches missing assets under the tier lock and reports bytes on
// disk through onProgress. When a fetch fails but every required file is
// present and the cached fraction reaches the viability threshold, it returns
// Degraded assets instead of an error.
func (a *Acquirer) Acquire(ctx context.Context, tier domain.ModelTier, onProgress func(present, expected int64)) (Assets, error) {
	if plan := a.cache.Plan(tier); plan.Complete() {
		return a.assets(tier, false), nil
	}

	unlock, err := a.cache.Lock(ctx, tier)
	if err != nil {
		if ctx.Err() != nil {
			return Assets{}, ctx.Err()
		}
		return Assets{}, failure.Wrap(failure.ErrAcquisition, "downloading", "lock", tier.ID, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			a.logger.Warn("release tier lock failed", logging.String(logging.FieldTier, tier.ID), logging.Error(err))
		}
	}()

	// Another process may have finished while we waited for the lock.
	plan := a.cache.Plan(tier)
	if plan.Complete() {
		return a.assets(tier, false), nil
	}

	var monitor *Monitor
	if onProgress != nil {
		monitor = StartMonitor(a.pollInterval, plan.ExpectedBytes, func() int64 { return a.cache.PresentBytes(tier) }, onProgress)
	}
	fetchErr := a.fetchMissing(ctx, tier, plan.Missing)
	if monitor != nil {
		monitor.Stop()
	}

	if fetchErr == nil {
		return a.assets(tier, false), nil
	}
	if ctx.Err() != nil {
		return Assets{}, ctx.Err()
	}

	after := a.cache.Plan(tier)
	if after.RequiredPresent && after.Fraction() >= a.minViable {
		a.logger.Warn("running with partial model cache",
			logging.String(logging.FieldTier, tier.ID),
			logging.Float64("cached_fraction", after.Fraction()),
			logging.Int("missing_assets", len(after.Missing)),
			logging.Error(fetchErr),
		)
		return a.assets(tier, true), nil
	}
	return Assets{}, failure.Wrap(failure.ErrAcquisition, "downloading", "fetch", tier.ID, fetchErr)
}

func (a *Acquirer) fetchMissing(ctx context.Context, tier domain.ModelTier, missing []domain.ModelAsset) error {
	var errs []error
	for _, asset := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.logger.Info("fetching model asset",
			logging.String(logging.FieldTier, tier.ID),
			logging.String("file", asset.File),
			logging.Int64("bytes", asset.Size),
		)
		if err := a.fetcher.Fetch(ctx, asset, a.cache.AssetPath(tier, asset)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", asset.File, err))
			if asset.Required {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// assets resolves local paths; optional files are only set when present.
func (a *Acquirer) assets(tier domain.ModelTier, degraded bool) Assets {
	out := Assets{Dir: a.cache.Dir(tier), Degraded: degraded}
	plan := a.cache.Plan(tier)
	missing := make(map[string]bool, len(plan.Missing))
	for _, asset := range plan.Missing {
		missing[asset.File] = true
	}
	for _, asset := range tier.Assets {
		if missing[asset.File] {
			continue
		}
		switch asset.Role {
		case domain.AssetRoleModel:
			out.ModelPath = a.cache.AssetPath(tier, asset)
		case domain.AssetRoleVAD:
			out.VADModelPath = a.cache.AssetPath(tier, asset)
		}
	}
	return out
}
