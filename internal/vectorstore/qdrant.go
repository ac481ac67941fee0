package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// QdrantStore talks to a Qdrant instance over its REST API. Works against
// both self-hosted deployments (plain URL) and Qdrant Cloud (api-key header).
type QdrantStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewQdrantStore creates a store client. apiKey may be empty for unsecured
// local instances.
func NewQdrantStore(baseURL, apiKey string) *QdrantStore {
	return &QdrantStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Healthy checks reachability via the collections listing. Authentication
// failures count as healthy: the service answered, the key is a separate
// problem surfaced by the first write.
func (q *QdrantStore) Healthy(ctx context.Context) error {
	_, err := q.request(ctx, http.MethodGet, "/collections", nil)
	var statusErr *StatusError
	if err != nil && errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
		return nil
	}
	return err
}

type qdrantVectorsConfig struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type qdrantCreateCollection struct {
	Vectors qdrantVectorsConfig `json:"vectors"`
}

// EnsureCollection checks existence by name and creates the collection with
// cosine distance only if absent. A creation race against another caller
// resolves as success.
func (q *QdrantStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	_, err := q.request(ctx, http.MethodGet, "/collections/"+name, nil)
	if err == nil {
		return nil
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		return fmt.Errorf("check collection %s: %w", name, err)
	}

	body := qdrantCreateCollection{
		Vectors: qdrantVectorsConfig{Size: vectorSize, Distance: "Cosine"},
	}
	_, err = q.request(ctx, http.MethodPut, "/collections/"+name, body)
	if err != nil {
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
			// Another caller created it between our check and create.
			return nil
		}
		if errors.As(err, &statusErr) && strings.Contains(statusErr.Body, "already exists") {
			return nil
		}
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

type qdrantUpsertRequest struct {
	Points []Point `json:"points"`
}

// Upsert writes points with wait=true so the write is durable before the
// caller records the file's hash.
func (q *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	_, err := q.request(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", qdrantUpsertRequest{Points: points})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

type qdrantMatch struct {
	Value string `json:"value"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

func toQdrantFilter(f Filter) qdrantFilter {
	out := qdrantFilter{Must: make([]qdrantCondition, 0, len(f.Must))}
	for _, c := range f.Must {
		out.Must = append(out.Must, qdrantCondition{Key: c.Key, Match: qdrantMatch{Value: c.Value}})
	}
	return out
}

type qdrantSearchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	Filter      *qdrantFilter `json:"filter,omitempty"`
}

type qdrantSearchHit struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantSearchHit `json:"result"`
}

// Search returns hits ordered by descending similarity score, as ranked by
// the store itself.
func (q *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int, filter *Filter) ([]Hit, error) {
	req := qdrantSearchRequest{
		Vector:      vector,
		Limit:       limit,
		WithPayload: true,
	}
	if filter != nil {
		qf := toQdrantFilter(*filter)
		req.Filter = &qf
	}

	respBody, err := q.request(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var parsed qdrantSearchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Result))
	for _, h := range parsed.Result {
		hits = append(hits, Hit{
			ID:      fmt.Sprint(h.ID),
			Score:   h.Score,
			Payload: h.Payload,
		})
	}
	return hits, nil
}

type qdrantDeleteRequest struct {
	Filter qdrantFilter `json:"filter"`
}

// DeleteByFilter removes all points whose payload matches the filter.
func (q *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	_, err := q.request(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", qdrantDeleteRequest{Filter: toQdrantFilter(filter)})
	if err != nil {
		return fmt.Errorf("delete by filter: %w", err)
	}
	return nil
}

// request performs one HTTP call and maps non-2xx responses to *StatusError.
func (q *QdrantStore) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
