package embed

import (
	"context"
	"errors"
	"log"
)

// FallbackDimension is used for collection creation when the dimension probe
// fails against the configured provider.
const FallbackDimension = 768

// dimensionProbe is the fixed string embedded once to measure vector length.
const dimensionProbe = "dimension probe"

// ErrEmptyText is returned when a caller asks to embed empty input. The
// pipeline guarantees non-empty chunks upstream, so this is a caller bug.
var ErrEmptyText = errors.New("embed: empty text")

// Provider turns text into a fixed-length vector. Implementations are
// stateless across calls apart from their configuration and must propagate
// ctx into outbound requests so cancellation aborts the connection.
type Provider interface {
	// Embed returns the embedding vector for text. Transient failures are
	// retried internally with bounded backoff; the error returned after
	// exhaustion is a soft failure unless errors.Is(err, context.Canceled).
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the configured model name.
	Model() string
}

// DetectDimension embeds a probe string and reports the resulting vector
// length. Falls back to FallbackDimension if the probe fails, so collection
// creation can proceed against a provider that is still warming up.
func DetectDimension(ctx context.Context, p Provider) int {
	vec, err := p.Embed(ctx, dimensionProbe)
	if err != nil || len(vec) == 0 {
		log.Printf("⚠️  Dimension probe failed (model %s), falling back to %d: %v", p.Model(), FallbackDimension, err)
		return FallbackDimension
	}
	return len(vec)
}

// IsCancelled reports whether an embed error is a run cancellation rather
// than a soft per-chunk failure. Per-request deadline expiry is deliberately
// not cancellation: it is a transient failure of one call.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
