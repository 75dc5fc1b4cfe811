package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func taskInput(fullName, projectName, taskName, projectDir string, roots omnipath.RootMap) TaskInput {
	return TaskInput{
		Node: model.TaskExecutionNode{
			FullName:    fullName,
			ProjectName: projectName,
			TaskName:    taskName,
			ProjectDir:  projectDir,
			Command:     "build",
			Cache: model.CacheInfo{
				KeyInputFiles:    []omnipath.Path{omnipath.NewProjectRooted("src/**")},
				CacheOutputFiles: []omnipath.Path{omnipath.NewProjectRooted("dist/**")},
				KeyEnvKeys:       []string{"NODE_ENV"},
			},
		},
		Roots: roots,
		Env:   map[string]string{"NODE_ENV": "production"},
	}
}

func TestCollectDigestIsStableAcrossRuns(t *testing.T) {
	ws := t.TempDir()
	projectDir := filepath.Join(ws, "pkg-a")
	writeFile(t, filepath.Join(projectDir, "src", "index.js"), "console.log(1)")
	roots := omnipath.RootMap{Project: projectDir, Workspace: ws}

	ti := taskInput("pkg-a#build", "pkg-a", "build", projectDir, roots)
	c := New(nil, ".omniignore")

	r1, err := c.Collect(CollectConfig{CollectInputFiles: true, ComputeDigests: true, ResolveCacheDirs: true}, []TaskInput{ti})
	require.NoError(t, err)
	r2, err := c.Collect(CollectConfig{CollectInputFiles: true, ComputeDigests: true, ResolveCacheDirs: true}, []TaskInput{ti})
	require.NoError(t, err)

	require.Len(t, r1, 1)
	require.Equal(t, r1[0].Digest, r2[0].Digest)
	require.False(t, r1[0].Digest.IsZero())
	require.NotEmpty(t, r1[0].CacheDir)
	require.Len(t, r1[0].InputFiles, 1)
}

func TestCollectDigestChangesWithFileContent(t *testing.T) {
	ws := t.TempDir()
	projectDir := filepath.Join(ws, "pkg-a")
	srcFile := filepath.Join(projectDir, "src", "index.js")
	writeFile(t, srcFile, "console.log(1)")
	roots := omnipath.RootMap{Project: projectDir, Workspace: ws}
	ti := taskInput("pkg-a#build", "pkg-a", "build", projectDir, roots)
	c := New(nil, ".omniignore")

	before, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{ti})
	require.NoError(t, err)

	writeFile(t, srcFile, "console.log(2)")
	after, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{ti})
	require.NoError(t, err)

	require.NotEqual(t, before[0].Digest, after[0].Digest)
}

func TestCollectDigestChangesWithDependencyDigest(t *testing.T) {
	ws := t.TempDir()
	projectDir := filepath.Join(ws, "pkg-a")
	writeFile(t, filepath.Join(projectDir, "src", "index.js"), "console.log(1)")
	roots := omnipath.RootMap{Project: projectDir, Workspace: ws}

	base := taskInput("pkg-a#build", "pkg-a", "build", projectDir, roots)
	withDep := base
	withDep.DependencyDigests = []model.Digest{{1, 2, 3}}

	c := New(nil, ".omniignore")
	r1, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{base})
	require.NoError(t, err)
	r2, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{withDep})
	require.NoError(t, err)

	require.NotEqual(t, r1[0].Digest, r2[0].Digest)
}

func TestCollectRespectsGitignore(t *testing.T) {
	ws := t.TempDir()
	projectDir := filepath.Join(ws, "pkg-a")
	writeFile(t, filepath.Join(projectDir, "src", "index.js"), "console.log(1)")
	writeFile(t, filepath.Join(projectDir, "src", "index.log"), "noise")
	writeFile(t, filepath.Join(projectDir, ".gitignore"), "*.log\n")
	roots := omnipath.RootMap{Project: projectDir, Workspace: ws}

	ti := TaskInput{
		Node: model.TaskExecutionNode{
			FullName:    "pkg-a#build",
			ProjectName: "pkg-a",
			TaskName:    "build",
			ProjectDir:  projectDir,
			Command:     "build",
			Cache: model.CacheInfo{
				KeyInputFiles: []omnipath.Path{omnipath.NewProjectRooted("src/*")},
			},
		},
		Roots: roots,
	}

	c := New(nil, ".omniignore")
	r, err := c.Collect(CollectConfig{CollectInputFiles: true}, []TaskInput{ti})
	require.NoError(t, err)
	require.Len(t, r, 1)
	for _, p := range r[0].InputFiles {
		require.NotContains(t, p.Raw, ".log")
	}
}

func TestCollectDigestUnaffectedByProjectDirRename(t *testing.T) {
	ws := t.TempDir()
	projectDir := filepath.Join(ws, "pkg-a")
	writeFile(t, filepath.Join(projectDir, "src", "index.js"), "console.log(1)")
	roots := omnipath.RootMap{Project: projectDir, Workspace: ws}
	ti := taskInput("pkg-a#build", "pkg-a", "build", projectDir, roots)

	c := New(nil, ".omniignore")
	before, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{ti})
	require.NoError(t, err)

	renamedDir := filepath.Join(ws, "pkg-a-renamed")
	require.NoError(t, os.Rename(projectDir, renamedDir))
	renamedRoots := omnipath.RootMap{Project: renamedDir, Workspace: ws}
	renamedTi := taskInput("pkg-a#build", "pkg-a", "build", renamedDir, renamedRoots)

	after, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{renamedTi})
	require.NoError(t, err)

	require.Equal(t, before[0].Digest, after[0].Digest, "the project directory's absolute path must not feed the digest, only file contents and the project name")
}

func TestCollectOutputFilesDoNotFeedDigest(t *testing.T) {
	ws := t.TempDir()
	projectDir := filepath.Join(ws, "pkg-a")
	writeFile(t, filepath.Join(projectDir, "src", "index.js"), "console.log(1)")
	roots := omnipath.RootMap{Project: projectDir, Workspace: ws}
	ti := taskInput("pkg-a#build", "pkg-a", "build", projectDir, roots)

	c := New(nil, ".omniignore")
	before, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{ti})
	require.NoError(t, err)

	writeFile(t, filepath.Join(projectDir, "dist", "index.js"), "built output")
	after, err := c.Collect(CollectConfig{ComputeDigests: true}, []TaskInput{ti})
	require.NoError(t, err)

	require.Equal(t, before[0].Digest, after[0].Digest)
}
