package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tlagrange/semdex/internal/indexer"
)

const usage = `Usage: semdex <command> [flags]

Commands:
  index    Run one full indexing pass over the repository
  watch    Index, then keep the index in sync with filesystem changes
  search   Query the index for semantically similar code
  status   Show the stored index state for the repository
`

func main() {
	// Load .env file if it exists.
	_ = godotenv.Load()

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "index":
		err = runIndex(ctx, args[1:])
	case "watch":
		err = runWatch(ctx, args[1:])
	case "search":
		err = runSearch(ctx, args[1:])
	case "status":
		err = runStatus(ctx, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func runIndex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *repoFlag)
	if err != nil {
		return err
	}
	defer env.Close()

	env.Pipeline.Subscribe("cli", logProgress)
	defer env.Pipeline.Unsubscribe("cli")

	// Ctrl-C turns into cooperative cancellation, not a hard exit.
	go func() {
		<-ctx.Done()
		env.Pipeline.Cancel()
	}()

	return env.Pipeline.Run(ctx)
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	skipInitial := fs.Bool("skip-initial", false, "Skip the initial full indexing pass")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *repoFlag)
	if err != nil {
		return err
	}
	defer env.Close()

	env.Pipeline.Subscribe("cli", logProgress)
	defer env.Pipeline.Unsubscribe("cli")

	if !*skipInitial {
		if err := env.Pipeline.Run(ctx); err != nil {
			return err
		}
	}

	watcher, err := indexer.NewWatcher(env.RepoRoot, env.Pipeline.Walker(), 0)
	if err != nil {
		return err
	}
	watcher.OnChange(func(paths []string) {
		env.Pipeline.SyncFiles(ctx, paths)
	})
	watcher.OnIgnoreChange(func() {
		if err := env.Pipeline.ResyncAfterIgnoreChange(ctx); err != nil && !errors.Is(err, indexer.ErrBusy) {
			log.Printf("⚠️  Re-index after ignore change failed: %v", err)
		}
	})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	<-ctx.Done()
	log.Println("Shutting down")
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	limit := fs.Int("limit", 0, "Maximum number of results")
	minScore := fs.Float64("min-score", 0, "Minimum similarity score")
	glob := fs.String("glob", "", "Restrict results to paths matching this glob")
	if err := fs.Parse(args); err != nil {
		return err
	}

	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("no query given")
	}

	env, err := prepareRuntimeEnv(ctx, *repoFlag)
	if err != nil {
		return err
	}
	defer env.Close()

	results, err := env.Pipeline.Search(ctx, query, indexer.SearchOptions{
		Limit:    *limit,
		MinScore: *minScore,
		Glob:     *glob,
	})
	if err != nil {
		if !indexer.IsQueryWarning(err) {
			return err
		}
		log.Printf("⚠️  %v", err)
	}

	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%.3f  %s:%d-%d\n", r.Score, r.FilePath, r.LineStart, r.LineEnd)
		for _, line := range strings.Split(strings.TrimRight(r.Content, "\n"), "\n") {
			fmt.Printf("    %s\n", line)
		}
		fmt.Println()
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *repoFlag)
	if err != nil {
		return err
	}
	defer env.Close()

	state, err := env.Meta.Get(ctx, env.RepoID)
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("Repository has not been indexed yet.")
		return nil
	}

	files, err := env.Meta.Files(ctx, env.RepoID)
	if err != nil {
		return err
	}

	fmt.Printf("Repo ID:       %s\n", state.RepoID)
	fmt.Printf("Last indexed:  %s\n", time.UnixMilli(state.LastIndexed).Format(time.RFC3339))
	fmt.Printf("Content hash:  %s\n", state.LastHash)
	fmt.Printf("Indexed files: %d\n", len(files))
	return nil
}

func logProgress(p indexer.Progress) {
	switch p.Status {
	case indexer.StatusIndexing:
		if p.CurrentFile != "" {
			log.Printf("[%d/%d] %s", p.Current, p.Total, p.CurrentFile)
		}
	case indexer.StatusError:
		log.Printf("❌ %s", p.Message)
	}
}
