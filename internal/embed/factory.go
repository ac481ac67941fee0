package embed

import "fmt"

// Options selects and configures an embedding backend.
type Options struct {
	Provider string // "ollama" or "openai"
	BaseURL  string // provider endpoint; required for ollama, optional override for openai
	Model    string
	APIKey   string // required for openai
}

// New constructs a Provider for the configured backend kind.
func New(opts Options) (Provider, error) {
	switch opts.Provider {
	case "", "ollama":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := opts.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaProvider(baseURL, model), nil

	case "openai":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an API key")
		}
		model := opts.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIProvider(opts.APIKey, model, opts.BaseURL), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: ollama, openai)", opts.Provider)
	}
}
