package env

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

func writeEnvFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoaderLayersRootAndLeafFiles(t *testing.T) {
	root := t.TempDir()
	writeEnvFile(t, root, "workspace.omni.yaml", "name: ws\n")
	writeEnvFile(t, root, ".env", "FOO=root\nBAR=root\n")

	leaf := filepath.Join(root, "packages", "a")
	require.NoError(t, os.MkdirAll(leaf, 0o755))
	writeEnvFile(t, leaf, ".env", "FOO=leaf\n")

	l := New(Config{}, nil)
	got, err := l.Load(context.Background(), leaf)
	require.NoError(t, err)
	require.Equal(t, "leaf", got["FOO"])
	require.Equal(t, "root", got["BAR"])
}

func TestLoaderEnvLocalOverridesEnv(t *testing.T) {
	root := t.TempDir()
	writeEnvFile(t, root, "workspace.omni.yaml", "")
	writeEnvFile(t, root, ".env", "FOO=base\n")
	writeEnvFile(t, root, ".env.local", "FOO=local\n")

	l := New(Config{}, nil)
	got, err := l.Load(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "local", got["FOO"])
}

func TestLoaderSubstitutesEnvNameToken(t *testing.T) {
	root := t.TempDir()
	writeEnvFile(t, root, "workspace.omni.yaml", "")
	writeEnvFile(t, root, ".env.production", "FOO=prod\n")

	l := New(Config{Env: "production"}, nil)
	got, err := l.Load(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "prod", got["FOO"])
}

func TestLoaderExpandsAgainstAccumulatedMap(t *testing.T) {
	root := t.TempDir()
	writeEnvFile(t, root, "workspace.omni.yaml", "")
	writeEnvFile(t, root, ".env", "BASE=hello\nDERIVED=${BASE}_world\n")

	l := New(Config{}, nil)
	got, err := l.Load(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "hello_world", got["DERIVED"])
}

func TestLoaderCachesPerStartDirectory(t *testing.T) {
	root := t.TempDir()
	writeEnvFile(t, root, "workspace.omni.yaml", "")
	writeEnvFile(t, root, ".env", "FOO=one\n")

	l := New(Config{}, nil)
	first, err := l.Load(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "one", first["FOO"])

	writeEnvFile(t, root, ".env", "FOO=two\n")

	second, err := l.Load(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "one", second["FOO"], "cached result should not reflect the file change")
}

func TestLoaderMissingMarkerIsFatal(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{}, nil)
	_, err := l.Load(context.Background(), dir)
	require.Error(t, err)
}

func TestLoaderResolveLayersWorkspaceProjectAndTaskEnv(t *testing.T) {
	root := t.TempDir()
	writeEnvFile(t, root, "workspace.omni.yaml", "")
	writeEnvFile(t, root, ".env", "FOO=workspace\nBAR=workspace\n")

	projectDir := filepath.Join(root, "a")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	writeEnvFile(t, projectDir, ".env", "FOO=project\n")

	l := New(Config{}, nil)
	node := model.TaskExecutionNode{
		ProjectDir: projectDir,
		Env:        map[string]string{"FOO": "task"},
	}
	roots := omnipath.RootMap{Workspace: root, Project: projectDir}

	got, err := l.Resolve(context.Background(), node, roots)
	require.NoError(t, err)
	require.Equal(t, "task", got["FOO"])
	require.Equal(t, "workspace", got["BAR"])
}
