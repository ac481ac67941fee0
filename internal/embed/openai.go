package embed

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/tlagrange/semdex/internal/backoff"
)

// OpenAIProvider embeds text via OpenAI's embeddings API (or any
// OpenAI-compatible endpoint when a base URL override is given).
type OpenAIProvider struct {
	client *openai.Client
	model  string
	policy backoff.Policy
}

// NewOpenAIProvider creates a key-based cloud provider.
// Common models: "text-embedding-3-small", "text-embedding-3-large".
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  model,
		policy: backoff.DefaultPolicy(),
	}
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string { return p.model }

// Embed returns the embedding for one text. Rate limits and server errors are
// retried with bounded backoff; authentication and request errors are not.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	return backoff.Retry(ctx, p.policy, func(ctx context.Context) ([]float32, error) {
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(p.model),
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
				return nil, backoff.Permanent(fmt.Errorf("openai embeddings: %w", err))
			}
			return nil, fmt.Errorf("openai embeddings: %w", err)
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, backoff.Permanent(fmt.Errorf("openai returned no embedding for model %s", p.model))
		}
		return resp.Data[0].Embedding, nil
	})
}
