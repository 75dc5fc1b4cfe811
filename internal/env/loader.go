// Package env implements the Environment Loader: walks from
// a start directory up to the workspace root collecting `.env`-style
// files in precedence order, expands `$VAR`/`${VAR:-fallback}`/`$(cmd)`
// constructs, and caches the result per start directory.
//
// Grounded on turborepo's internal/env (EnvironmentVariableMap layering)
// for the ambient Go shape, and on the Rust originals
// env/src/{lexer,expand}/mod.rs for lexing and expansion semantics.
package env

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

// defaultMarkerExtensions is the extension list tried in order when
// looking for the workspace-root marker file.
var defaultMarkerExtensions = []string{"yaml", "yml", "json", "toml"}

const defaultMarkerBase = "workspace.omni"

// DefaultFiles is the default env-file list, `{ENV}` still unsubstituted.
var DefaultFiles = []string{".env", ".env.local", ".env.{ENV}", ".env.{ENV}.local"}

// Config configures a Loader.
type Config struct {
	// Env is substituted for "{ENV}" in Files, e.g. "production".
	Env string
	// Files overrides DefaultFiles when non-nil.
	Files []string
	// MarkerBase overrides the workspace-root marker's base name.
	MarkerBase string
	// MarkerExtensions overrides the marker's tried extensions.
	MarkerExtensions []string
	// AllowExec enables `$(command)` substitution. Left false, a
	// command-substitution construct is passed through unexpanded.
	AllowExec bool
	// IncludeProcessEnv seeds the accumulated map with os.Environ()
	// before any file is loaded, so file values can reference shell env.
	IncludeProcessEnv bool
}

// Loader walks directory trees collecting and expanding env files,
// caching the merged result per start directory.
type Loader struct {
	cfg    Config
	logger hclog.Logger

	mu    sync.Mutex
	cache map[string]Map
}

// New builds a Loader.
func New(cfg Config, logger hclog.Logger) *Loader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Files == nil {
		cfg.Files = DefaultFiles
	}
	if cfg.MarkerBase == "" {
		cfg.MarkerBase = defaultMarkerBase
	}
	if cfg.MarkerExtensions == nil {
		cfg.MarkerExtensions = defaultMarkerExtensions
	}
	return &Loader{
		cfg:    cfg,
		logger: logger.Named("env"),
		cache:  map[string]Map{},
	}
}

// Load returns the fully layered, expanded env map for startDir: every
// directory from the workspace root down to startDir contributes its env
// files in order, later files overriding earlier ones.
func (l *Loader) Load(ctx context.Context, startDir string) (Map, error) {
	startDir = filepath.Clean(startDir)

	l.mu.Lock()
	if cached, ok := l.cache[startDir]; ok {
		l.mu.Unlock()
		return cached.Clone(), nil
	}
	l.mu.Unlock()

	root, err := l.findWorkspaceRoot(startDir)
	if err != nil {
		return nil, err
	}

	dirs, err := dirChain(root, startDir)
	if err != nil {
		return nil, err
	}

	accumulated := Map{}
	if l.cfg.IncludeProcessEnv {
		accumulated = fromOSEnviron(os.Environ())
	}

	for _, dir := range dirs {
		for _, pattern := range l.cfg.Files {
			name := substituteEnvName(pattern, l.cfg.Env)
			path := filepath.Join(dir, name)
			content, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("env: reading %s: %w", path, err)
			}

			pairs, err := parseFile(string(content))
			if err != nil {
				return nil, fmt.Errorf("env: parsing %s: %w", path, err)
			}

			opts := ExpandOptions{AllowExec: l.cfg.AllowExec, Cwd: dir}
			for _, p := range pairs {
				expanded, err := expandText(ctx, p.Value, accumulated, opts)
				if err != nil {
					return nil, fmt.Errorf("env: expanding %s in %s: %w", p.Key, path, err)
				}
				accumulated[p.Key] = expanded
			}
		}
	}

	l.mu.Lock()
	l.cache[startDir] = accumulated
	l.mu.Unlock()

	return accumulated.Clone(), nil
}

func parseFile(content string) ([]Pair, error) {
	tokens, err := lex(content)
	if err != nil {
		return nil, err
	}
	return parse(tokens)
}

func substituteEnvName(pattern, env string) string {
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		if i+5 <= len(pattern) && pattern[i:i+5] == "{ENV}" {
			out = append(out, env...)
			i += 4
			continue
		}
		out = append(out, pattern[i])
	}
	return string(out)
}

// findWorkspaceRoot walks upward from startDir until a directory contains
// the workspace-root marker file. Its absence is a fatal load error.
func (l *Loader) findWorkspaceRoot(startDir string) (string, error) {
	dir := startDir
	for {
		for _, ext := range l.cfg.MarkerExtensions {
			candidate := filepath.Join(dir, l.cfg.MarkerBase+"."+ext)
			if _, err := os.Stat(candidate); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("env: no workspace-root marker (%s.{%v}) found above %s", l.cfg.MarkerBase, l.cfg.MarkerExtensions, startDir)
		}
		dir = parent
	}
}

// dirChain returns every directory from root down to leaf, inclusive,
// root-first, so callers can load env files from root downward.
func dirChain(root, leaf string) ([]string, error) {
	rel, err := filepath.Rel(root, leaf)
	if err != nil {
		return nil, fmt.Errorf("env: %s is not under workspace root %s: %w", leaf, root, err)
	}
	if rel == "." {
		return []string{root}, nil
	}
	parts := splitPath(rel)
	dirs := make([]string, 0, len(parts)+1)
	cur := root
	dirs = append(dirs, cur)
	for _, p := range parts {
		cur = filepath.Join(cur, p)
		dirs = append(dirs, cur)
	}
	return dirs, nil
}

// splitPath breaks a relative path into its individual components,
// root-first.
func splitPath(rel string) []string {
	var out []string
	cur := filepath.Clean(rel)
	for cur != "." && cur != string(filepath.Separator) && cur != "" {
		dir, file := filepath.Split(cur)
		out = append([]string{file}, out...)
		cur = filepath.Clean(dir)
	}
	return out
}

// Resolve implements executor.EnvResolver: it layers the workspace-level
// env (loaded at the workspace root) under the project-level env (loaded
// at the project directory) under the task's own declared Env map, so
// task env wins over project env wins over workspace env.
func (l *Loader) Resolve(ctx context.Context, node model.TaskExecutionNode, roots omnipath.RootMap) (map[string]string, error) {
	result := Map{}

	if roots.Workspace != "" {
		workspaceEnv, err := l.Load(ctx, roots.Workspace)
		if err != nil {
			return nil, err
		}
		result.Union(workspaceEnv)
	}

	if node.ProjectDir != "" {
		projectEnv, err := l.Load(ctx, node.ProjectDir)
		if err != nil {
			return nil, err
		}
		result.Union(projectEnv)
	}

	if len(node.Env) > 0 {
		opts := ExpandOptions{AllowExec: l.cfg.AllowExec, Cwd: node.ProjectDir}
		keys := make([]string, 0, len(node.Env))
		for k := range node.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			expanded, err := expandText(ctx, node.Env[k], result, opts)
			if err != nil {
				return nil, fmt.Errorf("env: expanding %s in task %s: %w", k, node.FullName, err)
			}
			result[k] = expanded
		}
	}

	return result.ToStringMap(), nil
}
