package executor

import (
	"fmt"
	"strings"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

// templateContext builds the variable set a task's `{IDENT}` placeholders
// resolve against: its fully layered env plus a handful of built-ins.
func templateContext(node model.TaskExecutionNode, env map[string]string) map[string]string {
	ctx := make(map[string]string, len(env)+3)
	for k, v := range env {
		ctx[k] = v
	}
	ctx["PROJECT_NAME"] = node.ProjectName
	ctx["TASK_NAME"] = node.TaskName
	ctx["PROJECT_DIR"] = node.ProjectDir
	return ctx
}

// expandTemplates renders `{IDENT}` placeholders in a task's command and
// cache input/output globs against ctx, returning a new node so the
// Task Execution Graph's stored node is never mutated in place. Only
// fields actually containing the `{` marker are touched.
func expandTemplates(node model.TaskExecutionNode, ctx map[string]string) (model.TaskExecutionNode, error) {
	out := node

	if strings.Contains(node.Command, "{") {
		expanded, err := expandString(node.Command, ctx)
		if err != nil {
			return node, fmt.Errorf("expanding command: %w", err)
		}
		out.Command = expanded
	}

	newCache := node.Cache
	if needsExpansion(node.Cache.KeyInputFiles) {
		expanded, err := expandPaths(node.Cache.KeyInputFiles, ctx)
		if err != nil {
			return node, fmt.Errorf("expanding key_input_files: %w", err)
		}
		newCache.KeyInputFiles = expanded
	}
	if needsExpansion(node.Cache.CacheOutputFiles) {
		expanded, err := expandPaths(node.Cache.CacheOutputFiles, ctx)
		if err != nil {
			return node, fmt.Errorf("expanding cache_output_files: %w", err)
		}
		newCache.CacheOutputFiles = expanded
	}
	out.Cache = newCache

	return out, nil
}

func needsExpansion(paths []omnipath.Path) bool {
	for _, p := range paths {
		if strings.Contains(p.Raw, "{") {
			return true
		}
	}
	return false
}

func expandPaths(paths []omnipath.Path, ctx map[string]string) ([]omnipath.Path, error) {
	out := make([]omnipath.Path, len(paths))
	for i, p := range paths {
		raw, err := expandString(p.Raw, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = omnipath.Path{Anchor: p.Anchor, Raw: raw}
	}
	return out, nil
}

// expandString replaces every `{IDENT}` occurrence in s with ctx[IDENT].
// An unresolvable identifier is an Expansion-class error:
// unlike the `enabled` expression engine, template rendering is expected
// to fail loudly on a bad reference rather than silently produce an empty
// string.
func expandString(s string, ctx map[string]string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		open := strings.IndexByte(s[i:], '{')
		if open == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+open])
		start := i + open
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return "", fmt.Errorf("unterminated template placeholder in %q", s)
		}
		ident := s[start+1 : start+end]
		val, ok := ctx[ident]
		if !ok {
			return "", fmt.Errorf("unresolved template identifier %q", ident)
		}
		b.WriteString(val)
		i = start + end + 1
	}
	return b.String(), nil
}
