package interpret

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures a Generator.
type ProviderConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewGenerator builds the generator for cfg.Provider (groq, openai or gemini).
// A missing API key is not an error here; the guard reports the service as
// unavailable when it is used.
func NewGenerator(cfg ProviderConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "groq":
		return NewOpenAIClient("groq", cfg.Model, cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		base := cfg.BaseURL
		if base == "" {
			base = OpenAIBaseURL
		}
		model := cfg.Model
		if model == "" {
			model = OpenAIModel
		}
		return NewOpenAIClient("openai", model, cfg.APIKey, base), nil
	case "gemini":
		return NewGeminiClient(cfg.Model, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: groq, openai, gemini)", cfg.Provider)
	}
}
