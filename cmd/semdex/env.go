package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tlagrange/semdex/internal/config"
	"github.com/tlagrange/semdex/internal/embed"
	"github.com/tlagrange/semdex/internal/indexer"
	"github.com/tlagrange/semdex/internal/metadata"
	"github.com/tlagrange/semdex/internal/vectorstore"
)

type runtimeEnv struct {
	RepoRoot string
	RepoID   string
	Pipeline *indexer.Pipeline
	Meta     *metadata.Store
}

func (r *runtimeEnv) Close() {
	if r.Meta != nil {
		if err := r.Meta.Close(); err != nil {
			log.Printf("⚠️  Failed to close metadata store: %v", err)
		}
	}
}

func prepareRuntimeEnv(ctx context.Context, repoFlag string) (*runtimeEnv, error) {
	repoRoot := repoFlag
	if repoRoot == "" {
		var err error
		repoRoot, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	absRepoRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if info, err := os.Stat(absRepoRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("repository path is not a valid directory: %s", absRepoRoot)
	}

	log.Printf("Repository root: %s", absRepoRoot)
	repoID := generateRepoID(absRepoRoot)

	// Load user configuration. Config values take precedence over environment
	// variables so the saved setup beats stale shell exports.
	userConfig := loadUserConfig()

	provider, err := embed.New(embed.Options{
		Provider: firstNonEmpty(userConfig.EmbeddingProvider, os.Getenv("SEMDEX_EMBEDDING_PROVIDER")),
		BaseURL:  firstNonEmpty(userConfig.EmbeddingBaseURL, os.Getenv("SEMDEX_EMBEDDING_BASE_URL"), os.Getenv("OLLAMA_BASE_URL")),
		Model:    firstNonEmpty(userConfig.EmbeddingModel, os.Getenv("SEMDEX_EMBEDDING_MODEL")),
		APIKey:   firstNonEmpty(userConfig.EmbeddingKey, os.Getenv("OPENAI_API_KEY")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up embedding provider: %w", err)
	}
	log.Printf("📊 Embedding with %s", provider.Model())

	qdrantURL := firstNonEmpty(userConfig.QdrantURL, os.Getenv("QDRANT_URL"), "http://localhost:6333")
	qdrantKey := firstNonEmpty(userConfig.QdrantKey, os.Getenv("QDRANT_API_KEY"))
	store := vectorstore.NewQdrantStore(qdrantURL, qdrantKey)

	// The metadata DB lives in the host config dir, never inside the tree
	// being indexed, so indexing can't trip over its own bookkeeping.
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	dbPath := filepath.Join(configDir, "semdex", "index.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	meta, err := metadata.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	collection := firstNonEmpty(userConfig.Collection, "semdex-"+repoID)

	pipeline := indexer.New(provider, store, meta, indexer.Config{
		RepoID:      repoID,
		RepoRoot:    absRepoRoot,
		Collection:  collection,
		Commit:      detectCommit(ctx, absRepoRoot),
		Walker:      indexer.WalkerConfig{MaxFiles: userConfig.MaxFiles},
		SearchLimit: userConfig.SearchLimit,
		MinScore:    userConfig.MinScore,
	})

	return &runtimeEnv{
		RepoRoot: absRepoRoot,
		RepoID:   repoID,
		Pipeline: pipeline,
		Meta:     meta,
	}, nil
}

func loadUserConfig() *config.Config {
	cfgManager, err := config.NewManager()
	if err != nil {
		log.Printf("⚠️  Failed to initialize config manager: %v", err)
		return &config.Config{}
	}

	userConfig, err := cfgManager.Load()
	if err != nil {
		log.Printf("⚠️  Failed to load user config: %v", err)
		return &config.Config{}
	}
	if cfgManager.Exists() {
		log.Printf("User config loaded from: %s", cfgManager.GetConfigPath())
	}
	return userConfig
}

// detectCommit records the current git commit in point payloads when the repo
// is a git checkout. Failure just means payloads carry no commit.
func detectCommit(ctx context.Context, repoRoot string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "rev-parse", "--short", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// generateRepoID derives a stable ID for a repository from its path.
func generateRepoID(path string) string {
	hash := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%x", hash[:8])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
