package app

import "strings"

// ModelInfo is the public descriptor returned by the models endpoints.
type ModelInfo struct {
	Name                       string   `json:"name"`
	Version                    string   `json:"version"`
	DisplayName                string   `json:"displayName"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

var generationMethods = []string{"generateContent", "streamGenerateContent"}

// Catalog is the fixed set of public model names. The upstream exposes no
// model listing, so this is the gateway's published surface.
var Catalog = []ModelInfo{
	{
		Name:                       "models/gemini-2.5-pro",
		Version:                    "2.5",
		DisplayName:                "Gemini 2.5 Pro",
		Description:                "Strongest reasoning model, routed to the deep-reasoning upstream mode.",
		InputTokenLimit:            1_048_576,
		OutputTokenLimit:           65_536,
		SupportedGenerationMethods: generationMethods,
	},
	{
		Name:                       "models/gemini-2.5-flash",
		Version:                    "2.5",
		DisplayName:                "Gemini 2.5 Flash",
		Description:                "Balanced default model for everyday conversations.",
		InputTokenLimit:            1_048_576,
		OutputTokenLimit:           65_536,
		SupportedGenerationMethods: generationMethods,
	},
	{
		Name:                       "models/gemini-2.0-flash",
		Version:                    "2.0",
		DisplayName:                "Gemini 2.0 Flash",
		Description:                "Fast model for latency-sensitive traffic.",
		InputTokenLimit:            1_048_576,
		OutputTokenLimit:           8_192,
		SupportedGenerationMethods: generationMethods,
	},
}

// modelAliases maps public names to upstream model identifiers.
var modelAliases = map[string]string{
	"gemini-2.5-pro":   "deep-reasoning",
	"gemini-2.5-flash": "balanced",
	"gemini-2.0-flash": "fast",
}

// LookupModel returns the catalog entry for a public model name (with or
// without the "models/" prefix).
func LookupModel(name string) (ModelInfo, bool) {
	name = strings.TrimPrefix(name, "models/")
	for _, m := range Catalog {
		if strings.TrimPrefix(m.Name, "models/") == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// MapModel translates a public model name to the upstream identifier.
// Unknown names pass through unchanged so new upstream modes can be addressed
// before the catalog catches up.
func MapModel(name string) string {
	name = strings.TrimPrefix(name, "models/")
	if upstream, ok := modelAliases[name]; ok {
		return upstream
	}
	return name
}
