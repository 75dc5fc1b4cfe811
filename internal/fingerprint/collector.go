// Package fingerprint implements the Fingerprint Collector:
// for a set of tasks, it resolves declared input/output glob sets against
// the workspace tree in a single filesystem walk and computes a
// content-addressed digest for each task binding resolved input contents,
// declared outputs, selected env vars, the command string, and dependency
// digests.
//
// Grounded on turborepo's internal/taskhash.Tracker (two-phase hash:
// CalculateFileHashes then CalculateTaskHash) and internal/hashing +
// internal/globby (glob-universe walking), generalized from turborepo's
// single npm/yarn-workspace model to arbitrary OmniPath-rooted globs.
package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/karrick/godirwalk"
	"github.com/mr-tron/base58"
	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

// hashWorkerCount bounds the file-hashing worker pool digest uses, mirroring
// turborepo's taskhash.Tracker.CalculateFileHashes fixed worker channel.
const hashWorkerCount = 8

// CollectConfig toggles which parts of collection a caller needs: different
// call sites (executor, pruner, a hash reporter) want different subsets of
// this work.
type CollectConfig struct {
	CollectInputFiles  bool
	CollectOutputFiles bool
	ComputeDigests     bool
	ResolveCacheDirs   bool
}

// TaskInput is everything the Collector needs about one task to fingerprint
// it: the materialized node, the roots its OmniPaths resolve against, its
// already-known dependency digests (the caller need not sort them; the
// Collector sorts defensively), and its fully layered environment.
type TaskInput struct {
	Node              model.TaskExecutionNode
	Roots             omnipath.RootMap
	DependencyDigests []model.Digest
	Env               map[string]string
}

// Result is the per-task output of a Collect call. Only the fields the
// requested CollectConfig asked for are populated.
type Result struct {
	FullName    string
	InputFiles  []omnipath.Path
	OutputFiles []omnipath.Path
	Digest      model.Digest
	CacheDir    string // "<base58(hash(project))>/output/<base58(digest)>"
}

// Collector performs the filesystem walk and hashing. It holds a logger
// and the ignore file names to honor; it is stateless across calls beyond
// that, so it is safe to reuse and share across goroutines.
type Collector struct {
	logger          hclog.Logger
	workspaceIgnore string // e.g. ".omniignore", read from each walk root and its ancestor directories
}

// New builds a Collector. workspaceIgnoreFile is the workspace-specific
// ignore file name consulted in addition to .gitignore; pass "" to disable it.
func New(logger hclog.Logger, workspaceIgnoreFile string) *Collector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Collector{logger: logger.Named("fingerprint"), workspaceIgnore: workspaceIgnoreFile}
}

// Collect fingerprints every task in `tasks` against the given
// CollectConfig. Glob-compile errors, file-metadata errors, and walker
// errors propagate; missing files are
// silently absent from a digest so a later rename/delete changes it.
func (c *Collector) Collect(cfg CollectConfig, tasks []TaskInput) ([]Result, error) {
	compiled, err := c.compileTaskGlobs(tasks)
	if err != nil {
		return nil, err
	}

	universe, err := c.globUniverse(tasks)
	if err != nil {
		return nil, err
	}

	var matchKind map[string]map[string]bool // fullName -> absPath -> isInput
	if cfg.CollectInputFiles || cfg.CollectOutputFiles || cfg.ComputeDigests {
		matchKind, err = c.walkAndMatch(universe, compiled)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(tasks))
	for _, ti := range tasks {
		fullName := ti.Node.FullName
		res := Result{FullName: fullName}

		var inputAbs, outputAbs []string
		for absPath, isInput := range matchKind[fullName] {
			if isInput {
				inputAbs = append(inputAbs, absPath)
			} else {
				outputAbs = append(outputAbs, absPath)
			}
		}
		sort.Strings(inputAbs)
		sort.Strings(outputAbs)

		if cfg.CollectInputFiles {
			for _, abs := range inputAbs {
				res.InputFiles = append(res.InputFiles, omnipath.Rooted(abs, ti.Roots))
			}
		}
		if cfg.CollectOutputFiles {
			for _, abs := range outputAbs {
				res.OutputFiles = append(res.OutputFiles, omnipath.Rooted(abs, ti.Roots))
			}
		}

		if cfg.ComputeDigests {
			digest, err := c.digest(ti, inputAbs)
			if err != nil {
				return nil, fmt.Errorf("fingerprint: %s: %w", fullName, err)
			}
			res.Digest = digest
		}

		if cfg.ResolveCacheDirs {
			res.CacheDir = CacheEntryDir(ti.Node.ProjectName, res.Digest)
		}

		results = append(results, res)
	}

	return results, nil
}

// CacheEntryDir derives "<base58(hash(project))>/output/<base58(digest)>",
// the on-disk layout a cache entry lives under.
func CacheEntryDir(projectName string, digest model.Digest) string {
	projectDirName := base58.Encode(HashBytes([]byte(projectName)))
	return filepath.Join(projectDirName, "output", base58.Encode(digest[:]))
}

// digest combines a task's inputs into its content digest: seeded with
// each input file's rooted path and content hash in path order (so a
// renamed input changes the digest while the project directory's absolute
// location does not), then folded with sorted dependency
// digests, the sorted env KV block, sorted output globs, and the task
// identity string, in that fixed order.
func (c *Collector) digest(ti TaskInput, inputAbsPaths []string) (model.Digest, error) {
	t := newTree()

	leafHashes, err := hashFilesConcurrently(inputAbsPaths)
	if err != nil {
		return model.Digest{}, err
	}
	for i, h := range leafHashes {
		if h != "" {
			t.Add(omnipath.Rooted(inputAbsPaths[i], ti.Roots).String() + "\n" + h)
		}
	}

	depHexes := make([]string, 0, len(ti.DependencyDigests))
	for _, d := range ti.DependencyDigests {
		depHexes = append(depHexes, fmt.Sprintf("%x", d))
	}
	sort.Strings(depHexes)
	for _, h := range depHexes {
		t.Add(h)
	}

	keys := append([]string(nil), ti.Node.Cache.KeyEnvKeys...)
	sort.Strings(keys)
	var envBuilder strings.Builder
	for _, k := range keys {
		v, ok := ti.Env[k]
		if !ok {
			fmt.Fprintf(&envBuilder, "%s=\n", k)
			continue
		}
		fmt.Fprintf(&envBuilder, "%s=%s\n", k, v)
	}
	t.Add(envBuilder.String())

	outputGlobs := pathsToStrings(ti.Node.Cache.CacheOutputFiles)
	sort.Strings(outputGlobs)
	for _, g := range outputGlobs {
		t.Add(g)
	}

	t.Add(fmt.Sprintf("%s#%s: %s", ti.Node.ProjectName, ti.Node.TaskName, ti.Node.Command))

	return t.Root(), nil
}

// hashFilesConcurrently content-hashes each of paths on a bounded worker
// pool and returns the leaf hashes in the same order as paths, so the
// caller can fold them into a digest deterministically regardless of which
// worker finished first. A vanished file (readable at walk time, gone by
// read time) yields an empty entry rather than an error; any other read
// error is returned.
func hashFilesConcurrently(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	if len(paths) == 0 {
		return out, nil
	}

	type job struct {
		idx  int
		path string
	}
	jobs := make(chan job, len(paths))
	for i, p := range paths {
		jobs <- job{idx: i, path: p}
	}
	close(jobs)

	workers := hashWorkerCount
	if workers > len(paths) {
		workers = len(paths)
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				content, err := readFile(j.path)
				if err != nil {
					if os.IsNotExist(err) {
						// A file that vanished between walk and read is the
						// same as "absent": it simply does not contribute to
						// the hash.
						continue
					}
					return err
				}
				out[j.idx] = leafHash(content)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func pathsToStrings(paths []omnipath.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	return out
}

type compiledTask struct {
	fullName string
	inputs   []glob.Glob
	outputs  []glob.Glob
}

func (c *Collector) compileTaskGlobs(tasks []TaskInput) ([]compiledTask, error) {
	var errs *multierror.Error
	out := make([]compiledTask, 0, len(tasks))
	for _, ti := range tasks {
		ct := compiledTask{fullName: ti.Node.FullName}
		for _, p := range ti.Node.Cache.KeyInputFiles {
			abs, err := p.Resolve(ti.Roots)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("filter: %s: %w", ti.Node.FullName, err))
				continue
			}
			g, err := glob.Compile(filepath.ToSlash(abs), '/')
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("filter: %s: invalid input glob %q: %w", ti.Node.FullName, p.Raw, err))
				continue
			}
			ct.inputs = append(ct.inputs, g)
		}
		for _, p := range ti.Node.Cache.CacheOutputFiles {
			abs, err := p.Resolve(ti.Roots)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("filter: %s: %w", ti.Node.FullName, err))
				continue
			}
			g, err := glob.Compile(filepath.ToSlash(abs), '/')
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("filter: %s: invalid output glob %q: %w", ti.Node.FullName, p.Raw, err))
				continue
			}
			ct.outputs = append(ct.outputs, g)
		}
		out = append(out, ct)
	}
	if errs.ErrorOrNil() != nil {
		return nil, errs
	}
	return out, nil
}

// globUniverse unions every task's resolved input+output OmniPaths and
// returns the topmost containing directories to walk from, so a single
// filesystem pass covers every task at once. It also returns the
// "forced include" set: every declared
// non-glob literal path, and all of its ancestors up to the workspace
// root, so ignore semantics can never hide an explicitly declared path.
func (c *Collector) globUniverse(tasks []TaskInput) (universe, error) {
	roots := map[string]struct{}{}
	forced := map[string]struct{}{}

	for _, ti := range tasks {
		all := append(append([]omnipath.Path{}, ti.Node.Cache.KeyInputFiles...), ti.Node.Cache.CacheOutputFiles...)
		for _, p := range all {
			abs, err := p.Resolve(ti.Roots)
			if err != nil {
				continue
			}
			base := globBaseDir(abs)
			roots[base] = struct{}{}

			if !strings.ContainsAny(p.Raw, "*?[{") {
				forceAncestors(forced, abs, ti.Roots.Workspace)
			}
		}
	}

	topmost := topmostDirs(roots)
	return universe{roots: topmost, forced: forced}, nil
}

type universe struct {
	roots  []string
	forced map[string]struct{}
}

// globBaseDir returns the longest non-wildcard prefix directory of a glob
// pattern, e.g. "/ws/p1/src/**/*.txt" -> "/ws/p1/src".
func globBaseDir(pattern string) string {
	segments := strings.Split(filepath.ToSlash(pattern), "/")
	var base []string
	for _, seg := range segments {
		if strings.ContainsAny(seg, "*?[{") {
			break
		}
		base = append(base, seg)
	}
	if len(base) == 0 {
		return string(filepath.Separator)
	}
	dir := strings.Join(base, "/")
	// If the full pattern had no wildcard at all, walk its parent so the
	// literal file itself is still visited by Walk's callback.
	if dir == filepath.ToSlash(pattern) {
		dir = filepath.ToSlash(filepath.Dir(pattern))
	}
	return filepath.FromSlash(dir)
}

func forceAncestors(forced map[string]struct{}, abs, workspaceRoot string) {
	forced[abs] = struct{}{}
	dir := filepath.Dir(abs)
	for {
		forced[dir] = struct{}{}
		if dir == workspaceRoot || dir == filepath.Dir(dir) {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// topmostDirs reduces a set of directories to only those not already
// contained within another member of the set.
func topmostDirs(dirs map[string]struct{}) []string {
	all := make([]string, 0, len(dirs))
	for d := range dirs {
		all = append(all, d)
	}
	sort.Strings(all)

	var out []string
	for _, d := range all {
		contained := false
		for _, existing := range out {
			if d == existing || strings.HasPrefix(d, existing+string(filepath.Separator)) {
				contained = true
				break
			}
		}
		if !contained {
			out = append(out, d)
		}
	}
	return out
}

// walkAndMatch performs the single filesystem walk from the universe's
// topmost roots, honoring VCS-ignore semantics and
// the forced-include overrides, and tests every visited file against every
// task's compiled input/output globsets.
func (c *Collector) walkAndMatch(u universe, tasks []compiledTask) (map[string]map[string]bool, error) {
	matchKind := map[string]map[string]bool{}
	for _, t := range tasks {
		matchKind[t.fullName] = map[string]bool{}
	}

	ignore := c.loadIgnore(u.roots)

	var errs *multierror.Error
	for _, root := range u.roots {
		if !pathExists(root) {
			continue
		}
		err := godirwalk.Walk(root, &godirwalk.Options{
			Unsorted: true,
			Callback: func(osPathname string, de *godirwalk.Dirent) error {
				if de.IsDir() {
					return nil
				}
				if _, forced := u.forced[osPathname]; !forced && ignore != nil && ignore.MatchesPath(osPathname) {
					return nil
				}
				for _, t := range tasks {
					isInput := matchAny(t.inputs, osPathname)
					isOutput := matchAny(t.outputs, osPathname)
					if isInput {
						matchKind[t.fullName][osPathname] = true
					}
					if isOutput {
						if _, already := matchKind[t.fullName][osPathname]; !already {
							matchKind[t.fullName][osPathname] = false
						}
					}
				}
				return nil
			},
			ErrorCallback: func(osPathname string, err error) godirwalk.ErrorAction {
				errs = multierror.Append(errs, fmt.Errorf("filesystem: walking %s: %w", osPathname, err))
				return godirwalk.SkipNode
			},
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("filesystem: walk from %s: %w", root, err))
		}
	}

	if errs.ErrorOrNil() != nil {
		return nil, errs
	}
	return matchKind, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(filepath.ToSlash(path)) {
			return true
		}
	}
	return false
}

// loadIgnore builds a single combined matcher from the .gitignore and
// workspace-specific ignore files found in each topmost walk root and in
// every ancestor directory of it up to the filesystem root. This is a
// deliberate simplification of full per-directory .gitignore layering (git
// itself re-evaluates ignore files at every directory level); the pack's
// only VCS-ignore library (sabhiram/go-gitignore) operates over a flat
// pattern list, so patterns from every discovered ignore file are merged
// into one matcher rather than re-compiled per directory.
func (c *Collector) loadIgnore(roots []string) *gitignore.GitIgnore {
	var lines []string
	seen := map[string]struct{}{}
	for _, root := range roots {
		dir := root
		for {
			if _, ok := seen[dir]; !ok {
				seen[dir] = struct{}{}
				lines = append(lines, readIgnoreLines(filepath.Join(dir, ".gitignore"))...)
				if c.workspaceIgnore != "" {
					lines = append(lines, readIgnoreLines(filepath.Join(dir, c.workspaceIgnore))...)
				}
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if len(lines) == 0 {
		return nil
	}
	gi, err := gitignore.CompileIgnoreLines(lines...)
	if err != nil {
		c.logger.Warn("failed to compile ignore patterns", "error", err)
		return nil
	}
	return gi
}
