// Command omni is a thin wiring entrypoint over the orchestration core.
// Configuration parsing, schema validation, and real CLI argument handling
// live outside the core; this binary exists to prove the packages compose
// into a runnable pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/omni-build/omni/internal/cache"
	"github.com/omni-build/omni/internal/env"
	"github.com/omni-build/omni/internal/executor"
	"github.com/omni-build/omni/internal/fingerprint"
	"github.com/omni-build/omni/internal/graph"
	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
	"github.com/omni-build/omni/internal/taskgraph"
)

// manifest is the already-validated, already-merged project/task record
// set the core expects to receive. Reading it from JSON here is wiring
// glue, not a config-parsing or schema-validation layer.
type manifest struct {
	Projects []model.Project `json:"projects"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("omni", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "", "path to a JSON project manifest")
	workspaceDir := fs.String("workspace", "", "workspace root directory (defaults to the manifest's directory)")
	envName := fs.String("env", "", "environment name substituted into {ENV} env-file patterns")
	maxConcurrent := fs.Int("concurrency", 0, "max concurrent tasks (0 = CPU count x 4)")
	onFailure := fs.String("on-failure", "continue", "one of: continue, skip-next-batches, skip-dependents")
	cacheDir := fs.String("cache-dir", "", "cache directory (defaults to <workspace>/.omni/cache)")
	logLevel := fs.String("log-level", "info", "hclog level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "omni: -manifest is required")
		return 2
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "omni",
		Level: hclog.LevelFromString(*logLevel),
	})

	if *workspaceDir == "" {
		*workspaceDir = filepath.Dir(*manifestPath)
	}
	ws, err := filepath.Abs(*workspaceDir)
	if err != nil {
		logger.Error("resolving workspace directory", "error", err)
		return 1
	}

	m, err := loadManifest(*manifestPath)
	if err != nil {
		logger.Error("loading manifest", "error", err)
		return 1
	}

	pg := graph.New(logger)
	for _, p := range m.Projects {
		if err := pg.AddProject(p); err != nil {
			logger.Error("loading project graph", "error", err)
			return 1
		}
	}
	if err := pg.AddDependencyEdges(); err != nil {
		logger.Error("wiring project dependency edges", "error", err)
		return 1
	}

	tg, err := taskgraph.Build(pg, logger)
	if err != nil {
		logger.Error("building task execution graph", "error", err)
		return 1
	}

	plan, err := tg.Plan(func(string) bool { return true })
	if err != nil {
		logger.Error("planning waves", "error", err)
		return 1
	}

	if *cacheDir == "" {
		*cacheDir = filepath.Join(ws, ".omni", "cache")
	}

	collector := fingerprint.New(logger, ".omniignore")
	store := cache.New(*cacheDir, collector, logger)
	loader := env.New(env.Config{Env: *envName, IncludeProcessEnv: true}, logger)
	presenter := executor.NewPrefixPresenter(os.Stdout, os.Stderr)

	opts := executor.Options{
		MaxConcurrentTasks: *maxConcurrent,
		OnFailure:          parseOnFailure(*onFailure),
		ReplayCachedLogs:   true,
		RetryInterval:      time.Second,
	}

	ex := executor.New(tg, store, collector, presenter, loader, opts, logger)

	roots := omnipath.RootMap{Workspace: ws}
	results, err := ex.Run(context.Background(), plan, roots)
	if err != nil {
		logger.Error("executing plan", "error", err)
		return 1
	}

	return summarize(results)
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, err
	}
	return m, nil
}

func parseOnFailure(s string) executor.OnFailure {
	switch s {
	case "skip-next-batches":
		return executor.SkipNextBatches
	case "skip-dependents":
		return executor.SkipDependents
	default:
		return executor.Continue
	}
}

func summarize(results map[string]model.TaskExecutionResult) int {
	exitCode := 0
	for _, fullName := range sortedKeys(results) {
		res := results[fullName]
		switch res.Kind {
		case model.ResultCompleted:
			fmt.Printf("%s: done (cache_hit=%v, exit=%d)\n", fullName, res.CacheHit, res.ExitCode)
		case model.ResultSkipped:
			fmt.Printf("%s: skipped (%s)\n", fullName, res.SkipReason)
		case model.ResultErrored:
			fmt.Printf("%s: failed: %s\n", fullName, res.ErrorMessage)
			exitCode = 1
		}
	}
	return exitCode
}

func sortedKeys(m map[string]model.TaskExecutionResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
