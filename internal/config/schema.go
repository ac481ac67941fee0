package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema rejects malformed config files before unmarshalling so a typo
// degrades into a clear error instead of a silently ignored setting.
const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "embedding_provider": {"type": "string", "enum": ["", "ollama", "openai"]},
    "embedding_model":    {"type": "string"},
    "embedding_base_url": {"type": "string"},
    "embedding_key":      {"type": "string"},
    "qdrant_url":         {"type": "string"},
    "qdrant_key":         {"type": "string"},
    "collection":         {"type": "string"},
    "search_limit":       {"type": "integer", "minimum": 0},
    "min_score":          {"type": "number", "minimum": 0, "maximum": 1},
    "max_files":          {"type": "integer", "minimum": 0}
  }
}`

// Validate checks raw config JSON against the schema.
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
