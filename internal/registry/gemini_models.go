package registry

import "time"

// geminiGenerationMethods is the method set every served Gemini model
// supports through this proxy.
var geminiGenerationMethods = []string{
	"generateContent",
	"streamGenerateContent",
	"countTokens",
}

// GeminiModels returns the static metadata table for the Gemini backends.
// Token limits follow the published model cards.
func GeminiModels() []ModelInfo {
	created := time.Now().Unix()
	return []ModelInfo{
		{
			ID:                         "gemini-2.5-pro",
			Object:                     "model",
			Created:                    created,
			OwnedBy:                    "google",
			DisplayName:                "Gemini 2.5 Pro",
			Description:                "Stable release of Gemini 2.5 Pro",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: geminiGenerationMethods,
		},
		{
			ID:                         "gemini-2.5-flash",
			Object:                     "model",
			Created:                    created,
			OwnedBy:                    "google",
			DisplayName:                "Gemini 2.5 Flash",
			Description:                "Stable release of Gemini 2.5 Flash",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: geminiGenerationMethods,
		},
		{
			ID:                         "gemini-2.5-flash-lite",
			Object:                     "model",
			Created:                    created,
			OwnedBy:                    "google",
			DisplayName:                "Gemini 2.5 Flash-Lite",
			Description:                "Cost-optimized Gemini 2.5 model",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           65536,
			SupportedGenerationMethods: geminiGenerationMethods,
		},
		{
			ID:                         "gemini-2.0-flash",
			Object:                     "model",
			Created:                    created,
			OwnedBy:                    "google",
			DisplayName:                "Gemini 2.0 Flash",
			Description:                "Gemini 2.0 Flash",
			InputTokenLimit:            1048576,
			OutputTokenLimit:           8192,
			SupportedGenerationMethods: geminiGenerationMethods,
		},
	}
}

// GeminiModelIDs returns just the IDs of the static Gemini table.
func GeminiModelIDs() []string {
	models := GeminiModels()
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return ids
}
