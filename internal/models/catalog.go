package models

import (
	"fmt"
	"strings"

	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
)

const (
	whisperRepo     = "ggerganov/whisper.cpp"
	vadRepo         = "ggml-org/whisper-vad"
	vadFile         = "ggml-silero-v5.1.2.bin"
	vadSize         = 885098
	defaultRevision = "main"
)

// CloudTierID names the tier served by the remote transcription API.
const CloudTierID = "cloud"

var builtinTiers = []domain.ModelTier{
	whisperTier("tiny", "Tiny", "Fastest multilingual model; rough drafts.", 77691713, false),
	whisperTier("base", "Base", "Fast with usable accuracy.", 147951465, false),
	whisperTier("small", "Small", "Good accuracy on a laptop CPU.", 487601967, false),
	whisperTier("medium", "Medium", "High accuracy; the best balance for most recordings.", 1533763059, true),
	whisperTier("large-v3", "Large v3", "Highest accuracy, slowest.", 3095033483, false),
	whisperTier("large-v3-turbo", "Large v3 Turbo", "Near large-v3 accuracy at medium speed.", 1624555275, false),
	{
		ID:          CloudTierID,
		Name:        "Cloud",
		Engine:      domain.EngineOpenAI,
		Description: "OpenAI-compatible transcription API; needs an API key and uploads audio.",
	},
}

func whisperTier(id, name, description string, size int64, recommended bool) domain.ModelTier {
	return domain.ModelTier{
		ID:          id,
		Name:        name,
		Engine:      domain.EngineWhisperCPP,
		Description: description,
		Recommended: recommended,
		Assets: []domain.ModelAsset{
			{
				Role:     domain.AssetRoleModel,
				Repo:     whisperRepo,
				Revision: defaultRevision,
				File:     "ggml-" + id + ".bin",
				Size:     size,
				Required: true,
			},
			{
				Role:     domain.AssetRoleVAD,
				Repo:     vadRepo,
				Revision: defaultRevision,
				File:     vadFile,
				Size:     vadSize,
			},
		},
	}
}

// Catalog lists the tiers the application knows about.
type Catalog struct {
	tiers []domain.ModelTier
}

// NewCatalog returns the built-in tier catalog.
func NewCatalog() *Catalog {
	return NewCatalogWith(builtinTiers)
}

// NewCatalogWith builds a catalog over custom tiers.
func NewCatalogWith(tiers []domain.ModelTier) *Catalog {
	cp := make([]domain.ModelTier, len(tiers))
	for i, tier := range tiers {
		tier.Assets = append([]domain.ModelAsset(nil), tier.Assets...)
		cp[i] = tier
	}
	return &Catalog{tiers: cp}
}

// Lookup finds a tier by case-insensitive ID.
func (c *Catalog) Lookup(id string) (domain.ModelTier, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	for _, tier := range c.tiers {
		if tier.ID == key {
			tier.Assets = append([]domain.ModelAsset(nil), tier.Assets...)
			return tier, nil
		}
	}
	return domain.ModelTier{}, failure.Wrap(failure.ErrValidation, "preparing", "tier",
		fmt.Sprintf("unknown model tier %q (known: %s)", id, strings.Join(c.IDs(), ", ")), nil)
}

// IDs returns tier IDs in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.tiers))
	for i, tier := range c.tiers {
		ids[i] = tier.ID
	}
	return ids
}

// List returns every tier marked with its cache state.
func (c *Catalog) List(cache *Cache) []domain.ModelTier {
	out := make([]domain.ModelTier, len(c.tiers))
	for i, tier := range c.tiers {
		tier.Assets = append([]domain.ModelAsset(nil), tier.Assets...)
		if cache != nil {
			tier.Downloaded = cache.Plan(tier).Complete()
			if len(tier.Assets) > 0 {
				tier.LocalDir = cache.Dir(tier)
			}
		}
		out[i] = tier
	}
	return out
}
