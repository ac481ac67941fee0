package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Point is one embedded chunk as stored in the vector database.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Hit is one search result, ordered by descending similarity score.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Condition matches a payload field against an exact value.
type Condition struct {
	Key   string
	Value string
}

// Filter narrows operations to points whose payload matches every condition.
type Filter struct {
	Must []Condition
}

// FileFilter builds the filter used for per-file point operations.
func FileFilter(repoID, filePath string) Filter {
	return Filter{Must: []Condition{
		{Key: "repoId", Value: repoID},
		{Key: "filePath", Value: filePath},
	}}
}

// Store is a durable collection of (id, vector, payload) points.
// Implementations are selected by configuration at construction time.
type Store interface {
	// Healthy verifies the store is reachable. Authentication failures are
	// not reported as unhealthy; an unreachable service is.
	Healthy(ctx context.Context) error

	// EnsureCollection creates the named collection with the given vector
	// size and cosine distance if it does not exist. Idempotent; concurrent
	// creation races resolve as success.
	EnsureCollection(ctx context.Context, name string, vectorSize int) error

	// Upsert writes points, replacing any existing point with the same id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns up to limit hits ordered by descending similarity.
	// A nil filter searches the whole collection.
	Search(ctx context.Context, collection string, vector []float32, limit int, filter *Filter) ([]Hit, error)

	// DeleteByFilter removes every point whose payload matches the filter.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error
}

// StatusError carries the HTTP status of a failed store operation.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vector store returned %d: %s", e.Code, e.Body)
}

// IsUnreachable reports whether err is a network-class failure (connection
// refused/reset, timeout, DNS) as opposed to an HTTP-level error. The
// pipeline treats these as critical mid-run.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
