package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni-build/omni/internal/model"
)

func mustGraph(t *testing.T, projects ...model.Project) *ProjectGraph {
	t.Helper()
	pg := New(nil)
	for _, p := range projects {
		require.NoError(t, pg.AddProject(p))
	}
	require.NoError(t, pg.AddDependencyEdges())
	return pg
}

func TestDuplicateProjectNameIsFatal(t *testing.T) {
	pg := New(nil)
	require.NoError(t, pg.AddProject(model.Project{Name: "a"}))
	err := pg.AddProject(model.Project{Name: "a"})
	require.Error(t, err)
}

func TestMissingDependencyTargetIsFatal(t *testing.T) {
	pg := New(nil)
	require.NoError(t, pg.AddProject(model.Project{Name: "app", Dependencies: []string{"missing"}}))
	err := pg.AddDependencyEdges()
	require.Error(t, err)
}

func TestCycleIsRejected(t *testing.T) {
	pg := New(nil)
	require.NoError(t, pg.AddProject(model.Project{Name: "a", Dependencies: []string{"b"}}))
	require.NoError(t, pg.AddProject(model.Project{Name: "b", Dependencies: []string{"a"}}))
	err := pg.AddDependencyEdges()
	require.Error(t, err)
}

func TestDirectAndTransitiveDependencies(t *testing.T) {
	pg := mustGraph(t,
		model.Project{Name: "a"},
		model.Project{Name: "b", Dependencies: []string{"a"}},
		model.Project{Name: "c", Dependencies: []string{"b"}},
	)

	direct, err := pg.DirectDependencies("c")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, direct)

	trans, err := pg.TransitiveDependencies("c")
	require.NoError(t, err)
	require.True(t, trans.Includes("a"))
	require.True(t, trans.Includes("b"))
	require.Equal(t, 2, trans.Len())

	transA, err := pg.TransitiveDependencies("a")
	require.NoError(t, err)
	require.Equal(t, 0, transA.Len())
}

func TestToposortDependeesFirst(t *testing.T) {
	pg := mustGraph(t,
		model.Project{Name: "app", Dependencies: []string{"lib"}},
		model.Project{Name: "lib"},
	)
	order, err := pg.Toposort()
	require.NoError(t, err)
	require.Equal(t, []string{"lib", "app"}, order)
}
