package executor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/omni-build/omni/internal/cache"
)

// spawn runs one task's command to completion: argv is
// ["/bin/sh", "-c", command], cwd is the project directory, env is the
// fully resolved map, stdout/stderr are
// plumbed to the presenter. Interactive/persistent tasks keep stdin open;
// everything else runs with stdin closed.
func (e *Executor) spawn(ctx context.Context, btc *builtTaskContext) (int, error) {
	node := btc.node

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", node.Command)
	cmd.Dir = node.ProjectDir
	cmd.Env = flattenEnv(btc.env)

	stdout, err := e.presenter.Stdout(node.FullName)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	stderr, err := e.presenter.Stderr(node.FullName)
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if node.Interactive || node.Persistent {
		cmd.Stdin = os.Stdin
	} else {
		cmd.Stdin = nil
	}

	runErr := cmd.Run()
	if runErr == nil {
		return 0, nil
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if code < 0 {
			// Signal-terminated: report a synthetic nonzero exit.
			return 255, nil
		}
		return code, nil
	}

	return 0, runErr
}

// flattenEnv turns a map into the sorted "KEY=VALUE" slice os/exec wants.
// Sorting keeps process launches deterministic for tests and logs.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func readLogs(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// restoreHit hard-links (falling back to copy) every cached output file
// back to its original location when absent.
func restoreHit(hit *cache.Hit) error {
	for _, originalAbs := range hit.ResolvedFiles {
		if fileExists(originalAbs) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(originalAbs), 0o755); err != nil {
			return err
		}
		if err := hardLinkOrCopy(filepath.Join(hit.EntryDir, cachedPathFor(hit, originalAbs)), originalAbs); err != nil {
			return err
		}
	}
	return nil
}

func cachedPathFor(hit *cache.Hit, originalAbs string) string {
	for cachedPath, abs := range hit.ResolvedFiles {
		if abs == originalAbs {
			return cachedPath
		}
	}
	return ""
}

func hardLinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
