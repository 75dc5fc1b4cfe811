// Package executor implements the Batch Executor: drives a
// wave-based execution plan, consulting the cache before spawning
// processes for misses, retrying failures, and propagating failures per
// the configured on-failure policy.
//
// Grounded on turborepo's internal/core.scheduler (wave-driven execution
// loop) and internal/runcache (cache-consult-then-execute orchestration
// around a single task), generalized from turborepo's single on_failure
// semantics (it always continues) to a three-way
// Continue/SkipNextBatches/SkipDependents policy.
package executor

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/omni-build/omni/internal/cache"
	"github.com/omni-build/omni/internal/fingerprint"
	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
	"github.com/omni-build/omni/internal/taskgraph"
)

// OnFailure is the closed policy set governing what happens after a task fails.
type OnFailure int

const (
	// Continue runs every remaining task regardless of earlier failures.
	Continue OnFailure = iota
	// SkipNextBatches skips every task in every wave after the one a
	// failure first appeared in.
	SkipNextBatches
	// SkipDependents skips only tasks whose dependency failed.
	SkipDependents
)

// Presenter is the sink for per-task process output, grounded on
// turborepo's runcache.MuxOutputPresenter. The core only ever writes
// into it; rendering is out of scope.
type Presenter interface {
	Stdout(fullName string) (io.WriteCloser, error)
	Stderr(fullName string) (io.WriteCloser, error)
	// ReplayLogs streams previously captured log bytes for a cache hit.
	ReplayLogs(fullName string, logs []byte) error
}

// EnvResolver resolves a task's fully layered environment (Workspace env
// <- Project env <- Task env). Kept as an interface
// so the executor doesn't import internal/env directly, matching how
// turborepo's scheduler takes an EnvVarsOnCacheKeyIgnored-style collaborator
// rather than owning env resolution itself.
type EnvResolver interface {
	Resolve(ctx context.Context, node model.TaskExecutionNode, roots omnipath.RootMap) (map[string]string, error)
}

// Options holds the executor's policy knobs.
type Options struct {
	MaxConcurrentTasks int
	IgnoreDependencies bool
	OnFailure          OnFailure
	DryRun             bool
	ReplayCachedLogs   bool
	NoCache            bool
	Force              bool
	MaxRetries         uint8
	RetryInterval      time.Duration
}

// Executor drives a Plan to completion.
type Executor struct {
	graph     *taskgraph.Graph
	store     *cache.Store
	collector *fingerprint.Collector
	presenter Presenter
	env       EnvResolver
	opts      Options
	logger    hclog.Logger

	sem *semaphore.Weighted
}

// New builds an Executor.
func New(graph *taskgraph.Graph, store *cache.Store, collector *fingerprint.Collector, presenter Presenter, env EnvResolver, opts Options, logger hclog.Logger) *Executor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = runtime.NumCPU() * 4
	}
	return &Executor{
		graph:     graph,
		store:     store,
		collector: collector,
		presenter: presenter,
		env:       env,
		opts:      opts,
		logger:    logger.Named("executor"),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrentTasks)),
	}
}

// Run executes every wave of plan in order and returns one result per task
// keyed by full name ("project#task").
func (e *Executor) Run(ctx context.Context, plan *taskgraph.Plan, roots omnipath.RootMap) (map[string]model.TaskExecutionResult, error) {
	results := map[string]model.TaskExecutionResult{}
	digests := map[string]model.Digest{}

	failureSeen := false

	for waveIndex, wave := range plan.Waves {
		if failureSeen && e.opts.OnFailure == SkipNextBatches {
			for _, fullName := range wave {
				results[fullName] = model.TaskExecutionResult{FullName: fullName, Kind: model.ResultSkipped, SkipReason: model.SkipPreviousBatchFailure}
			}
			continue
		}

		waveResults, err := e.runWave(ctx, wave, results, digests, roots)
		if err != nil {
			return results, fmt.Errorf("executor: wave %d: %w", waveIndex, err)
		}
		for fullName, res := range waveResults {
			results[fullName] = res
			if res.Kind == model.ResultCompleted {
				digests[fullName] = res.Digest
			}
			if res.Kind == model.ResultErrored {
				failureSeen = true
			}
		}
	}

	return results, nil
}

type builtTaskContext struct {
	node              model.TaskExecutionNode
	env               map[string]string
	dependencyDigests []model.Digest
	roots             omnipath.RootMap
	skip              *model.SkipReason
}

func (e *Executor) runWave(ctx context.Context, wave []string, priorResults map[string]model.TaskExecutionResult, priorDigests map[string]model.Digest, roots omnipath.RootMap) (map[string]model.TaskExecutionResult, error) {
	results := map[string]model.TaskExecutionResult{}

	contexts := make([]*builtTaskContext, 0, len(wave))
	for _, fullName := range wave {
		node, ok := e.graph.Node(fullName)
		if !ok {
			return nil, fmt.Errorf("graph: unknown task %q in plan", fullName)
		}

		taskRoots := omnipath.RootMap{Workspace: roots.Workspace, Project: node.ProjectDir}
		btc := &builtTaskContext{node: node, roots: taskRoots}
		for _, dep := range node.DependencyFullNames {
			if d, ok := priorDigests[dep]; ok {
				btc.dependencyDigests = append(btc.dependencyDigests, d)
			}
		}

		if reason := e.dependencySkipReason(node, priorResults); reason != nil {
			btc.skip = reason
			contexts = append(contexts, btc)
			continue
		}

		env, err := e.env.Resolve(ctx, node, roots)
		if err != nil {
			return nil, fmt.Errorf("expansion: resolving env for %s: %w", fullName, err)
		}
		btc.env = env

		node, err = expandTemplates(node, templateContext(node, env))
		if err != nil {
			return nil, fmt.Errorf("expansion: %s: %w", fullName, err)
		}
		btc.node = node

		enabled, err := evalEnabled(node.Enabled, templateContext(node, env))
		if err != nil {
			e.logger.Warn("enabled expression failed to evaluate, treating as disabled", "task", fullName, "error", err)
			enabled = false
		}
		if !enabled {
			reason := model.SkipDisabled
			btc.skip = &reason
		}

		contexts = append(contexts, btc)
	}

	for _, btc := range contexts {
		if btc.skip != nil {
			results[btc.node.FullName] = model.TaskExecutionResult{FullName: btc.node.FullName, Kind: model.ResultSkipped, SkipReason: *btc.skip}
		}
	}

	runnable := make([]*builtTaskContext, 0, len(contexts))
	for _, btc := range contexts {
		if btc.skip == nil {
			runnable = append(runnable, btc)
		}
	}

	hits, err := e.consultCache(runnable)
	if err != nil {
		return nil, err
	}

	var misses []*builtTaskContext
	for i, btc := range runnable {
		hit := hits[i]
		if hit == nil {
			misses = append(misses, btc)
			continue
		}
		if e.opts.ReplayCachedLogs && hit.LogsPath != "" {
			if logsBytes, err := readLogs(hit.LogsPath); err == nil {
				if err := e.presenter.ReplayLogs(btc.node.FullName, logsBytes); err != nil {
					e.logger.Warn("failed to replay cached logs", "task", btc.node.FullName, "error", err)
				}
			}
		}
		if !e.opts.DryRun {
			if err := restoreHit(hit); err != nil {
				e.logger.Warn("failed to restore cached outputs", "task", btc.node.FullName, "error", err)
			}
		}
		results[btc.node.FullName] = model.TaskExecutionResult{
			FullName: btc.node.FullName,
			Kind:     model.ResultCompleted,
			Digest:   hit.Record.Digest,
			ExitCode: hit.Record.ExitCode,
			CacheHit: true,
		}
	}

	execResults, err := e.executeMisses(ctx, misses)
	if err != nil {
		return nil, err
	}
	for fullName, res := range execResults {
		results[fullName] = res
	}

	if err := e.writeCache(misses, execResults); err != nil {
		return nil, err
	}

	return results, nil
}

// dependencySkipReason decides whether node must be skipped because one of
// its dependencies failed or was itself skipped because of such a failure.
func (e *Executor) dependencySkipReason(node model.TaskExecutionNode, priorResults map[string]model.TaskExecutionResult) *model.SkipReason {
	if e.opts.OnFailure != SkipDependents || e.opts.IgnoreDependencies {
		return nil
	}
	for _, dep := range node.DependencyFullNames {
		res, ok := priorResults[dep]
		if !ok {
			continue
		}
		if res.Kind == model.ResultErrored || (res.Kind == model.ResultSkipped && res.SkipReason == model.SkipDependeeTaskFailure) {
			reason := model.SkipDependeeTaskFailure
			return &reason
		}
	}
	return nil
}

func (e *Executor) consultCache(contexts []*builtTaskContext) ([]*cache.Hit, error) {
	if e.opts.Force || e.opts.NoCache || len(contexts) == 0 {
		return make([]*cache.Hit, len(contexts)), nil
	}
	tasks := make([]fingerprint.TaskInput, len(contexts))
	for i, btc := range contexts {
		tasks[i] = toTaskInput(btc)
	}
	return e.store.GetMany(tasks)
}

func toTaskInput(btc *builtTaskContext) fingerprint.TaskInput {
	return fingerprint.TaskInput{
		Node:              btc.node,
		Roots:             btc.roots,
		DependencyDigests: btc.dependencyDigests,
		Env:               btc.env,
	}
}

func (e *Executor) executeMisses(ctx context.Context, misses []*builtTaskContext) (map[string]model.TaskExecutionResult, error) {
	results := map[string]model.TaskExecutionResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(misses))

	for _, btc := range misses {
		btc := btc
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return results, fmt.Errorf("executor: acquiring concurrency slot: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)

			res, err := e.runOne(ctx, btc)
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			results[btc.node.FullName] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Executor) runOne(ctx context.Context, btc *builtTaskContext) (model.TaskExecutionResult, error) {
	fullName := btc.node.FullName
	if e.opts.DryRun {
		return model.TaskExecutionResult{FullName: fullName, Kind: model.ResultCompleted, ExitCode: 0}, nil
	}

	digests, err := e.collector.Collect(fingerprint.CollectConfig{ComputeDigests: true}, []fingerprint.TaskInput{toTaskInput(btc)})
	if err != nil {
		return model.TaskExecutionResult{}, fmt.Errorf("fingerprint: %s: %w", fullName, err)
	}
	digest := digests[0].Digest

	var lastExit int
	var lastErr error
	tries := 0

	maxRetries := e.opts.MaxRetries
	if btc.node.MaxRetries > maxRetries {
		maxRetries = btc.node.MaxRetries
	}
	retryInterval := e.opts.RetryInterval
	if btc.node.RetryInterval > 0 {
		retryInterval = btc.node.RetryInterval
	}

	bo := backoff.NewConstantBackOff(retryInterval)
	start := time.Now()

	for attempt := 0; attempt <= int(maxRetries); attempt++ {
		tries++
		exitCode, runErr := e.spawn(ctx, btc)
		lastExit, lastErr = exitCode, runErr
		if runErr == nil && exitCode == 0 {
			break
		}
		if attempt < int(maxRetries) {
			e.logger.Debug("task failed, retrying", "task", fullName, "attempt", attempt+1, "exit_code", exitCode)
			time.Sleep(bo.NextBackOff())
		}
	}

	elapsed := time.Since(start)

	if lastErr != nil {
		return model.TaskExecutionResult{FullName: fullName, Kind: model.ResultErrored, ErrorMessage: lastErr.Error(), Tries: tries}, nil
	}
	if lastExit != 0 {
		return model.TaskExecutionResult{FullName: fullName, Kind: model.ResultErrored, ErrorMessage: fmt.Sprintf("exit code %d", lastExit), Tries: tries}, nil
	}

	return model.TaskExecutionResult{
		FullName: fullName,
		Kind:     model.ResultCompleted,
		Digest:   digest,
		ExitCode: lastExit,
		Elapsed:  elapsed,
		Tries:    tries,
	}, nil
}

func (e *Executor) writeCache(misses []*builtTaskContext, execResults map[string]model.TaskExecutionResult) error {
	if e.opts.NoCache || len(misses) == 0 {
		return nil
	}

	var entries []cache.NewEntry
	for _, btc := range misses {
		if !btc.node.Cache.CacheExecution || btc.node.Persistent {
			continue
		}
		res, ok := execResults[btc.node.FullName]
		if !ok || res.Kind != model.ResultCompleted {
			continue
		}
		entries = append(entries, cache.NewEntry{
			Task:              toTaskInput(btc),
			Digest:            res.Digest,
			ExecutionDuration: res.Elapsed,
			ExitCode:          res.ExitCode,
			ExecutionTime:     time.Now(),
		})
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := e.store.CacheMany(entries); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}
