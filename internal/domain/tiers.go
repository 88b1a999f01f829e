package domain

// Engine names the backend family that serves a tier.
type Engine string

const (
	EngineWhisperCPP Engine = "whisper.cpp"
	EngineOpenAI     Engine = "openai"
)

// AssetRole says what an engine uses a cached file for.
type AssetRole string

const (
	AssetRoleModel AssetRole = "model"
	AssetRoleVAD   AssetRole = "vad"
)

// ModelAsset is one file a tier needs in its local cache directory.
type ModelAsset struct {
	Role     AssetRole `json:"role"`
	Repo     string    `json:"repo"`
	Revision string    `json:"revision"`
	File     string    `json:"file"`
	Size     int64     `json:"size"`
	Required bool      `json:"required"`
}

// ModelTier is a named quality/speed preset mapped to concrete model assets.
type ModelTier struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Engine      Engine       `json:"engine"`
	Description string       `json:"description,omitempty"`
	Recommended bool         `json:"recommended,omitempty"`
	Assets      []ModelAsset `json:"assets,omitempty"`
	Downloaded  bool         `json:"downloaded"`
	LocalDir    string       `json:"localDir,omitempty"`
}

// Asset returns the first asset with the given role.
func (t ModelTier) Asset(role AssetRole) (ModelAsset, bool) {
	for _, asset := range t.Assets {
		if asset.Role == role {
			return asset, true
		}
	}
	return ModelAsset{}, false
}

// ExpectedBytes sums the declared sizes of every asset.
func (t ModelTier) ExpectedBytes() int64 {
	var total int64
	for _, asset := range t.Assets {
		total += asset.Size
	}
	return total
}
