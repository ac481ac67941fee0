package indexer

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnorePatterns are common directories and files never worth indexing.
var DefaultIgnorePatterns = []string{
	".git",
	"node_modules",
	"dist",
	"build",
	"vendor",
	"__pycache__",
	"coverage",
	".next",
	".cache",
	"target",
	"bin",
	"obj",
	".idea",
	".vscode",
	".DS_Store",
}

// indexableExts is the extension allow-list for candidate files.
var indexableExts = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".cpp": true, ".cc": true, ".cxx": true, ".hpp": true, ".rb": true,
	".php": true, ".swift": true, ".kt": true, ".scala": true, ".sh": true,
	".md": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".html": true, ".htm": true, ".css": true, ".sql": true,
}

// WalkerConfig bounds and filters file discovery.
type WalkerConfig struct {
	// Include globs; empty means everything passes.
	Include []string
	// Exclude globs applied after Include.
	Exclude []string
	// MaxFiles caps the candidate list. Default: 5000.
	MaxFiles int
}

// Walker discovers candidate files under a repository root, honoring
// gitignore semantics, the extension allow-list and include/exclude globs.
type Walker struct {
	repoRoot string
	config   WalkerConfig
	ignore   gitignore.IgnoreParser
}

// NewWalker creates a walker for repoRoot, compiling default ignores plus
// every .gitignore found in the tree.
func NewWalker(repoRoot string, config WalkerConfig) *Walker {
	if config.MaxFiles <= 0 {
		config.MaxFiles = 5000
	}

	w := &Walker{
		repoRoot: repoRoot,
		config:   config,
	}
	w.ReloadIgnores()
	return w
}

// ReloadIgnores recompiles the ignore matcher from the tree's .gitignore
// files. Called by the watcher when an ignore file changes.
func (w *Walker) ReloadIgnores() {
	patterns := make([]string, 0, len(DefaultIgnorePatterns)+16)
	patterns = append(patterns, DefaultIgnorePatterns...)
	patterns = append(patterns, w.loadGitignorePatterns()...)
	w.ignore = gitignore.CompileIgnoreLines(patterns...)
}

// loadGitignorePatterns gathers patterns from root and nested .gitignore files.
func (w *Walker) loadGitignorePatterns() []string {
	var patterns []string

	filepath.WalkDir(w.repoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != ".gitignore" {
			return nil
		}
		lines, err := readGitignoreLines(path)
		if err != nil {
			log.Printf("⚠️  Failed to read %s: %v", path, err)
			return nil
		}
		patterns = append(patterns, lines...)
		return nil
	})

	return patterns
}

func readGitignoreLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Discover walks the tree and returns relative paths of candidate files, in
// walk order, capped at MaxFiles.
func (w *Walker) Discover() ([]string, error) {
	var paths []string
	capped := false

	err := filepath.WalkDir(w.repoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Printf("⚠️  Walk error at %s: %v", path, err)
			return nil
		}

		relPath, err := filepath.Rel(w.repoRoot, path)
		if err != nil {
			return nil
		}
		if relPath == "." {
			return nil
		}

		if w.ignore.MatchesPath(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !w.matchesFilters(relPath) {
			return nil
		}

		if len(paths) >= w.config.MaxFiles {
			capped = true
			return filepath.SkipAll
		}
		paths = append(paths, relPath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", w.repoRoot, err)
	}

	if capped {
		log.Printf("⚠️  File discovery capped at %d files", w.config.MaxFiles)
	}
	return paths, nil
}

// ShouldIndex reports whether a single relative path passes the same filters
// as full discovery. Used by the incremental sync path.
func (w *Walker) ShouldIndex(relPath string) bool {
	if w.ignore.MatchesPath(relPath) {
		return false
	}
	return w.matchesFilters(relPath)
}

// IsIgnored reports whether a path matches the compiled ignore patterns.
func (w *Walker) IsIgnored(relPath string) bool {
	return w.ignore.MatchesPath(relPath)
}

func (w *Walker) matchesFilters(relPath string) bool {
	if !indexableExts[strings.ToLower(filepath.Ext(relPath))] {
		return false
	}

	if len(w.config.Include) > 0 {
		matched := false
		for _, pattern := range w.config.Include {
			if matchGlob(pattern, relPath) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, pattern := range w.config.Exclude {
		if matchGlob(pattern, relPath) {
			return false
		}
	}
	return true
}

// matchGlob matches a glob against a relative path. Patterns without a
// separator match the base name; "dir/**" matches the whole subtree.
func matchGlob(pattern, relPath string) bool {
	relPath = filepath.ToSlash(relPath)

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return relPath == prefix || strings.HasPrefix(relPath, prefix+"/")
	}
	if !strings.Contains(pattern, "/") {
		if ok, _ := filepath.Match(pattern, filepath.Base(relPath)); ok {
			return true
		}
	}
	ok, _ := filepath.Match(pattern, relPath)
	return ok
}
