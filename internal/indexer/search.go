package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/tlagrange/semdex/internal/embed"
	"github.com/tlagrange/semdex/internal/vectorstore"
)

// SearchOptions narrows a query beyond the repo scope.
type SearchOptions struct {
	Limit    int     // max hits requested from the store; 0 means the pipeline default
	MinScore float64 // drop hits scoring below this; 0 means the pipeline default
	Glob     string  // optional path glob, e.g. "internal/**" or "*.go"
}

// Result is one scored chunk returned to the caller.
type Result struct {
	FilePath  string  `json:"filePath"`
	Content   string  `json:"content"`
	LineStart int     `json:"lineStart"`
	LineEnd   int     `json:"lineEnd"`
	Score     float64 `json:"score"`
}

// QueryWarning signals a degraded query: results are empty but the condition
// is advisory, not fatal. Callers that only care about hits can ignore it.
type QueryWarning struct {
	Reason string
	Err    error
}

func (w *QueryWarning) Error() string {
	if w.Err != nil {
		return fmt.Sprintf("%s: %v", w.Reason, w.Err)
	}
	return w.Reason
}

func (w *QueryWarning) Unwrap() error { return w.Err }

// IsQueryWarning reports whether err is advisory rather than fatal.
func IsQueryWarning(err error) bool {
	var w *QueryWarning
	return errors.As(err, &w)
}

// Search embeds the query once and retrieves the best-matching chunks for
// this repo, filtered by score threshold and optional path glob, in
// descending score order.
func (p *Pipeline) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if len(strings.TrimSpace(query)) < p.minQueryLen {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = p.searchLimit
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = p.minScore
	}

	vec, err := p.provider.Embed(ctx, query)
	if err != nil {
		if embed.IsCancelled(err) {
			return nil, err
		}
		log.Printf("⚠️  Query embedding failed: %v", err)
		return []Result{}, &QueryWarning{Reason: "embedding provider unavailable", Err: err}
	}

	filter := &vectorstore.Filter{
		Must: []vectorstore.Condition{{Key: "repoId", Value: p.repoID}},
	}
	hits, err := p.store.Search(ctx, p.collection, vec, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	// Store results arrive in descending score order; the filters below
	// preserve it.
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		r := resultFromPayload(hit)
		if opts.Glob != "" && !matchGlob(opts.Glob, r.FilePath) {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func resultFromPayload(hit vectorstore.Hit) Result {
	r := Result{Score: hit.Score}
	if s, ok := hit.Payload["filePath"].(string); ok {
		r.FilePath = filepath.ToSlash(s)
	}
	if s, ok := hit.Payload["content"].(string); ok {
		r.Content = s
	}
	r.LineStart = payloadInt(hit.Payload["lineStart"])
	r.LineEnd = payloadInt(hit.Payload["lineEnd"])
	return r
}

// payloadInt tolerates the numeric types a JSON round trip can produce.
func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
