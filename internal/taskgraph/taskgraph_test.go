package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni-build/omni/internal/graph"
	"github.com/omni-build/omni/internal/model"
)

func buildGraph(t *testing.T, projects ...model.Project) *Graph {
	t.Helper()
	pg := graph.New(nil)
	for _, p := range projects {
		require.NoError(t, pg.AddProject(p))
	}
	require.NoError(t, pg.AddDependencyEdges())
	tg, err := Build(pg, nil)
	require.NoError(t, err)
	return tg
}

// Scenario 5.
func TestUpstreamDependencyTwoWaves(t *testing.T) {
	tg := buildGraph(t,
		model.Project{Name: "a", Tasks: map[string]model.Task{
			"build": {Command: "build-a"},
		}},
		model.Project{Name: "b", Dependencies: []string{"a"}, Tasks: map[string]model.Task{
			"build": {Command: "build-b", Dependencies: []model.TaskDependency{model.Upstream("build")}},
		}},
	)

	plan, err := tg.Plan(func(string) bool { return true })
	require.NoError(t, err)
	require.Len(t, plan.Waves, 2)
	require.Equal(t, []string{"a#build"}, plan.Waves[0])
	require.Equal(t, []string{"b#build"}, plan.Waves[1])
}

// Invariant 1,v), wave(u) < wave(v).
func TestWaveOrderingInvariant(t *testing.T) {
	tg := buildGraph(t,
		model.Project{Name: "base", Tasks: map[string]model.Task{
			"build": {Command: "echo base"},
		}},
		model.Project{Name: "mid", Dependencies: []string{"base"}, Tasks: map[string]model.Task{
			"build": {Command: "echo mid", Dependencies: []model.TaskDependency{model.Upstream("build")}},
		}},
		model.Project{Name: "top", Dependencies: []string{"mid"}, Tasks: map[string]model.Task{
			"build": {Command: "echo top", Dependencies: []model.TaskDependency{model.Upstream("build")}},
		}},
	)

	plan, err := tg.Plan(func(string) bool { return true })
	require.NoError(t, err)

	for _, fullName := range tg.AllFullNames() {
		node, _ := tg.Node(fullName)
		for _, dep := range node.DependencyFullNames {
			require.Less(t, plan.WaveIndex(dep), plan.WaveIndex(fullName))
		}
	}
}

func TestOwnDependency(t *testing.T) {
	tg := buildGraph(t, model.Project{Name: "a", Tasks: map[string]model.Task{
		"build": {Command: "build"},
		"test":  {Command: "test", Dependencies: []model.TaskDependency{model.Own("build")}},
	}})

	plan, err := tg.Plan(func(string) bool { return true })
	require.NoError(t, err)
	require.Less(t, plan.WaveIndex("a#build"), plan.WaveIndex("a#test"))
}

func TestOwnDependencyOnUndefinedTaskIsFatal(t *testing.T) {
	pg := graph.New(nil)
	require.NoError(t, pg.AddProject(model.Project{Name: "a", Tasks: map[string]model.Task{
		"test": {Command: "test", Dependencies: []model.TaskDependency{model.Own("build")}},
	}}))
	require.NoError(t, pg.AddDependencyEdges())
	_, err := Build(pg, nil)
	require.Error(t, err)
}

func TestExplicitProjectDependency(t *testing.T) {
	tg := buildGraph(t,
		model.Project{Name: "a", Tasks: map[string]model.Task{"gen": {Command: "gen"}}},
		model.Project{Name: "b", Tasks: map[string]model.Task{
			"build": {Command: "build", Dependencies: []model.TaskDependency{model.ExplicitProject("a", "gen")}},
		}},
	)
	plan, err := tg.Plan(func(string) bool { return true })
	require.NoError(t, err)
	require.Less(t, plan.WaveIndex("a#gen"), plan.WaveIndex("b#build"))
}

func TestTaskGraphCycleIsRejected(t *testing.T) {
	pg := graph.New(nil)
	require.NoError(t, pg.AddProject(model.Project{Name: "a", Tasks: map[string]model.Task{
		"build": {Command: "build", Dependencies: []model.TaskDependency{model.Own("test")}},
		"test":  {Command: "test", Dependencies: []model.TaskDependency{model.Own("build")}},
	}}))
	require.NoError(t, pg.AddDependencyEdges())
	_, err := Build(pg, nil)
	require.Error(t, err)
}

// Upstream chains through projects that don't define the task.
func TestUpstreamSkipsTaskLessAncestors(t *testing.T) {
	tg := buildGraph(t,
		model.Project{Name: "root", Tasks: map[string]model.Task{"build": {Command: "root-build"}}},
		model.Project{Name: "middle", Dependencies: []string{"root"}},
		model.Project{Name: "leaf", Dependencies: []string{"middle"}, Tasks: map[string]model.Task{
			"build": {Command: "leaf-build", Dependencies: []model.TaskDependency{model.Upstream("build")}},
		}},
	)
	plan, err := tg.Plan(func(string) bool { return true })
	require.NoError(t, err)
	require.Less(t, plan.WaveIndex("root#build"), plan.WaveIndex("leaf#build"))
}
