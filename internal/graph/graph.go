// Package graph holds the Project Graph: the directed
// acyclic graph of projects and their static dependencies. It answers
// reachability and topological queries the Task Execution Graph (package
// taskgraph) builds on.
//
// Modeled directly on turborepo's internal/graph.CompleteGraph, trimmed to
// just the workspace-dependency DAG: project/task metadata is out of scope
// here, owned by package model.
package graph

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/util"
)

// ProjectGraph is the DAG of projects. Edges run dependee -> dependent so
// that a topological walk visits dependees first, matching turborepo's
// WorkspaceGraph orientation.
type ProjectGraph struct {
	g        dag.AcyclicGraph
	projects map[string]model.Project
	logger   hclog.Logger
}

// New constructs an empty ProjectGraph.
func New(logger hclog.Logger) *ProjectGraph {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ProjectGraph{
		g:        dag.AcyclicGraph{},
		projects: map[string]model.Project{},
		logger:   logger.Named("project-graph"),
	}
}

// AddProject registers a project. A duplicate name is a fatal load error.
func (pg *ProjectGraph) AddProject(p model.Project) error {
	if _, exists := pg.projects[p.Name]; exists {
		return fmt.Errorf("config: duplicate project name %q", p.Name)
	}
	pg.projects[p.Name] = p
	pg.g.Add(p.Name)
	return nil
}

// AddDependencyEdges wires every project's declared dependency list into
// graph edges. Must be called after every project has been added via
// AddProject. A missing target is fatal;
// an edge that would create a cycle is rejected and the cycle reported.
func (pg *ProjectGraph) AddDependencyEdges() error {
	for _, name := range pg.sortedProjectNames() {
		p := pg.projects[name]
		for _, depName := range p.Dependencies {
			if _, ok := pg.projects[depName]; !ok {
				return fmt.Errorf("graph: project %q depends on unknown project %q", name, depName)
			}
			// Dependee -> dependent: depName is depended upon by name.
			edge := dag.BasicEdge(depName, name)
			pg.g.Connect(edge)
			if cycles := pg.g.Cycles(); len(cycles) > 0 {
				pg.g.RemoveEdge(edge)
				return fmt.Errorf("graph: cyclic project dependency detected: %s", describeCycles(cycles))
			}
		}
	}
	return nil
}

func describeCycles(cycles [][]dag.Vertex) string {
	lines := make([]string, 0, len(cycles))
	for _, cycle := range cycles {
		names := make([]string, 0, len(cycle))
		for _, v := range cycle {
			names = append(names, dag.VertexName(v))
		}
		lines = append(lines, fmt.Sprintf("[%s]", joinStrings(names)))
	}
	return joinStrings(lines)
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// Lookup returns a project by name.
func (pg *ProjectGraph) Lookup(name string) (model.Project, bool) {
	p, ok := pg.projects[name]
	return p, ok
}

// Names returns every registered project's name, sorted.
func (pg *ProjectGraph) Names() []string {
	return pg.sortedProjectNames()
}

func (pg *ProjectGraph) sortedProjectNames() []string {
	names := make([]string, 0, len(pg.projects))
	for n := range pg.projects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DirectDependencies returns the projects that `name` directly depends on.
// Ordering is edge-insertion order reversed (newest first); callers
// needing a stable order must sort by name themselves.
func (pg *ProjectGraph) DirectDependencies(name string) ([]string, error) {
	if _, ok := pg.projects[name]; !ok {
		return nil, fmt.Errorf("graph: unknown project %q", name)
	}
	// Edges into name were connected in the order of its declared
	// dependency list, so that list (restricted to connected edges and
	// deduplicated) is the insertion order.
	upSet := pg.g.UpEdges(name)
	seen := util.NewSet()
	out := make([]string, 0, upSet.Len())
	for _, dep := range pg.projects[name].Dependencies {
		if seen.Includes(dep) || !upSet.Include(dep) {
			continue
		}
		seen.Add(dep)
		out = append(out, dep)
	}
	reverse(out)
	return out, nil
}

// TransitiveDependencies returns every project reachable by following
// dependency edges from `name`, computed as a DFS post-order walk over the
// reversed adjacency. Edges in the underlying DAG run
// dependee -> dependent, so the set of things `name` transitively depends
// on is the transitive closure of its *incoming* edges: dag.Descendents
// walks exactly that direction (the mirror image of dag.Ancestors, which
// walks outgoing edges).
func (pg *ProjectGraph) TransitiveDependencies(name string) (util.Set, error) {
	if _, ok := pg.projects[name]; !ok {
		return nil, fmt.Errorf("graph: unknown project %q", name)
	}
	deps, err := pg.g.Descendents(name)
	if err != nil {
		return nil, fmt.Errorf("graph: transitive dependencies of %q: %w", name, err)
	}
	out := util.NewSet()
	for _, v := range deps.List() {
		out.Add(dag.VertexName(v))
	}
	return out, nil
}

// Toposort returns every project in dependee-first order (Kahn's
// algorithm over the DAG's edges). Cycle detection runs again as a safety
// net even though AddDependencyEdges already checked, since Toposort may
// be called on a graph mutated after construction in tests.
func (pg *ProjectGraph) Toposort() ([]string, error) {
	if cycles := pg.g.Cycles(); len(cycles) > 0 {
		return nil, fmt.Errorf("graph: cyclic project dependency detected: %s", describeCycles(cycles))
	}

	indegree := map[string]int{}
	for _, name := range pg.sortedProjectNames() {
		indegree[name] = pg.g.UpEdges(name).Len()
	}

	queue := make([]string, 0)
	for _, name := range pg.sortedProjectNames() {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(pg.projects))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		next := make([]string, 0)
		for _, v := range pg.g.DownEdges(cur).List() {
			dependent := dag.VertexName(v)
			indegree[dependent]--
			if indegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
		sort.Strings(queue)
	}

	if len(order) != len(pg.projects) {
		return nil, fmt.Errorf("graph: toposort could not order all projects; cycle likely")
	}
	return order, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
