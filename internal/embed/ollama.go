package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tlagrange/semdex/internal/backoff"
)

// OllamaProvider embeds text via a local Ollama instance.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
	policy  backoff.Policy
}

// NewOllamaProvider creates a provider targeting the given Ollama base URL
// (e.g. http://localhost:11434).
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: backoff.DefaultPolicy(),
	}
}

// Model returns the configured model name.
func (p *OllamaProvider) Model() string { return p.model }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends one text to POST {base}/api/embeddings and returns its vector.
// Timeouts, connection failures and 5xx responses are retried with bounded
// backoff; other HTTP errors fail immediately.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	return backoff.Retry(ctx, p.policy, func(ctx context.Context) ([]float32, error) {
		return p.embedOnce(ctx, text)
	})
}

func (p *OllamaProvider) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal embed request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Connection refused, timeout, DNS - all transient.
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode embed response: %w", err))
	}
	if len(result.Embedding) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("ollama returned empty embedding for model %s", p.model))
	}

	return result.Embedding, nil
}
