package schemas

// ModelTier selects how much model capability a request needs. Extraction and
// sufficiency checks run fine on the fast tier; plan generation wants the
// powerful one.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// GenerationOptions tunes a single generation call.
type GenerationOptions struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	ForceJSONFormat bool    `json:"force_json_format,omitempty"`
}

// GenerationRequest is one call to the AI gateway. The response is plain
// text; callers that expect JSON must decode defensively (see llmutil).
type GenerationRequest struct {
	Messages     []Message         `json:"messages"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Tier         ModelTier         `json:"tier,omitempty"`
	Options      GenerationOptions `json:"options,omitempty"`
}
