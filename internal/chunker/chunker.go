package chunker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Chunk is a contiguous, addressable excerpt of a file's text. Line numbers
// are 1-indexed and inclusive.
type Chunk struct {
	ID        string
	FilePath  string
	Content   string
	LineStart int
	LineEnd   int
}

// Func splits file text into chunks. The indexing pipeline consumes this as a
// black box; swap in a language-aware splitter without touching the pipeline.
type Func func(path string, content []byte) []Chunk

const (
	// windowLines is the chunk height of the default splitter.
	windowLines = 40
	// overlapLines of context carried between consecutive chunks.
	overlapLines = 8
)

// chunkNamespace scopes deterministic chunk IDs.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("semdex/chunk"))

// ChunkID derives a stable point id from chunk identity, so re-indexing the
// same chunk overwrites rather than duplicates.
func ChunkID(filePath string, lineStart int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", filePath, lineStart))).String()
}

// Default splits a file into fixed-height overlapping line windows, skipping
// windows that contain no non-blank text.
func Default(path string, content []byte) []Chunk {
	lines := strings.Split(string(content), "\n")

	var chunks []Chunk
	step := windowLines - overlapLines

	for start := 0; start < len(lines); start += step {
		end := start + windowLines
		if end > len(lines) {
			end = len(lines)
		}

		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) == "" {
			if end == len(lines) {
				break
			}
			continue
		}

		chunks = append(chunks, Chunk{
			ID:        ChunkID(path, start+1),
			FilePath:  path,
			Content:   text,
			LineStart: start + 1,
			LineEnd:   end,
		})

		if end == len(lines) {
			break
		}
	}

	return chunks
}
