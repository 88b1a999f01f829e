package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"dropscribe/internal/domain"
)

const (
	partSuffix     = ".part"
	lockRetryDelay = 250 * time.Millisecond
)

// Cache owns the on-disk layout of downloaded tiers.
type Cache struct {
	root string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{root: dir}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Dir returns the directory holding a tier's files.
func (c *Cache) Dir(tier domain.ModelTier) string {
	return filepath.Join(c.root, tier.ID)
}

// AssetPath is the final location of an asset.
func (c *Cache) AssetPath(tier domain.ModelTier, asset domain.ModelAsset) string {
	return filepath.Join(c.Dir(tier), asset.File)
}

// Plan describes what a tier still needs.
type Plan struct {
	Missing         []domain.ModelAsset
	PresentBytes    int64
	ExpectedBytes   int64
	RequiredPresent bool
}

// Complete reports whether nothing is missing.
func (p Plan) Complete() bool { return len(p.Missing) == 0 }

// Fraction is the share of expected bytes on disk, counting partial files.
func (p Plan) Fraction() float64 {
	if p.ExpectedBytes <= 0 {
		return 1
	}
	f := float64(p.PresentBytes) / float64(p.ExpectedBytes)
	if f > 1 {
		return 1
	}
	return f
}

// Plan inspects the tier directory. Final files count at their declared size;
// ".part" files count at their current size.
func (c *Cache) Plan(tier domain.ModelTier) Plan {
	plan := Plan{RequiredPresent: true}
	for _, asset := range tier.Assets {
		plan.ExpectedBytes += asset.Size
		final := c.AssetPath(tier, asset)
		if info, err := os.Stat(final); err == nil && !info.IsDir() {
			plan.PresentBytes += asset.Size
			continue
		}
		plan.Missing = append(plan.Missing, asset)
		if asset.Required {
			plan.RequiredPresent = false
		}
		if info, err := os.Stat(final + partSuffix); err == nil {
			plan.PresentBytes += min(info.Size(), asset.Size)
		}
	}
	return plan
}

// PresentBytes reports bytes on disk for the tier, including partial files.
// It only reads the filesystem and is safe to call while a fetch is running.
func (c *Cache) PresentBytes(tier domain.ModelTier) int64 {
	var total int64
	for _, asset := range tier.Assets {
		final := c.AssetPath(tier, asset)
		if info, err := os.Stat(final); err == nil {
			total += info.Size()
			continue
		}
		if info, err := os.Stat(final + partSuffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Lock takes the per-tier download lock, waiting until ctx is done.
func (c *Cache) Lock(ctx context.Context, tier domain.ModelTier) (func() error, error) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, fmt.Errorf("create model cache: %w", err)
	}
	lock := flock.New(filepath.Join(c.root, tier.ID+".lock"))
	ok, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock tier %s: %w", tier.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock tier %s: not acquired", tier.ID)
	}
	return lock.Unlock, nil
}

// Discard removes the tier directory so the next run downloads it again.
func (c *Cache) Discard(tier domain.ModelTier) error {
	if len(tier.Assets) == 0 {
		return nil
	}
	dir := c.Dir(tier)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard %s: %w", dir, err)
	}
	return nil
}
