// Package taskgraph implements the Task Execution Graph:
// expansion of (project, task) pairs into a second DAG whose edges follow
// each task's declared dependencies, plus the batched wave scheduler built
// on top of it.
//
// Grounded on turborepo's internal/core.Engine (dependency-edge building)
// and internal/core.scheduler (wave-style traversal), adapted so that the
// three TaskDependency variants (own, explicit-project, upstream) resolve
// to edges rather than turborepo's own/topo/package-task-dep shape.
package taskgraph

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"

	"github.com/omni-build/omni/internal/graph"
	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/util"
)

// Graph is the Task Execution Graph: one vertex per (project,task), edges
// from dependent to dependency (dag.BasicEdge(dependent, dependency), see
// connect), matching turborepo's own usage.
type Graph struct {
	g        dag.AcyclicGraph
	nodes    map[string]model.TaskExecutionNode
	projects *graph.ProjectGraph
	logger   hclog.Logger
}

// Build expands every (project, task) pair reachable from the given
// ProjectGraph into a Graph, resolving every task's TaskDependency list
// into edges. A missing Own/ExplicitProject target, or any cycle, is a
// fatal error.
func Build(projects *graph.ProjectGraph, logger hclog.Logger) (*Graph, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	tg := &Graph{
		g:        dag.AcyclicGraph{},
		nodes:    map[string]model.TaskExecutionNode{},
		projects: projects,
		logger:   logger.Named("task-graph"),
	}

	for _, projectName := range projects.Names() {
		p, _ := projects.Lookup(projectName)
		for taskName, task := range p.Tasks {
			fullName := util.TaskID(projectName, taskName)
			tg.nodes[fullName] = model.TaskExecutionNode{
				FullName:      fullName,
				ProjectName:   projectName,
				TaskName:      taskName,
				ProjectDir:    p.Dir,
				Command:       task.Command,
				Enabled:       task.Enabled,
				Interactive:   task.Interactive,
				Persistent:    task.Persistent,
				MaxRetries:    task.MaxRetries,
				RetryInterval: task.RetryInterval,
				Meta:          task.Meta,
				Cache:         task.Cache,
				Env:           task.Env,
			}
			tg.g.Add(fullName)
		}
	}

	for _, projectName := range projects.Names() {
		p, _ := projects.Lookup(projectName)
		for taskName, task := range p.Tasks {
			toFullName := util.TaskID(projectName, taskName)
			deps, err := tg.resolveDependencies(projectName, task.Dependencies)
			if err != nil {
				return nil, err
			}
			sort.Strings(deps)
			node := tg.nodes[toFullName]
			node.DependencyFullNames = deps
			tg.nodes[toFullName] = node

			for _, fromFullName := range deps {
				if err := tg.connect(fromFullName, toFullName); err != nil {
					return nil, err
				}
			}
		}
	}

	return tg, nil
}

func (tg *Graph) connect(fromFullName, toFullName string) error {
	// Source = dependent, Target = dependency: toFullName depends on
	// fromFullName, matching the dag.Ancestors(v) == "v's dependencies"
	// convention turborepo's own engine relies on.
	edge := dag.BasicEdge(toFullName, fromFullName)
	tg.g.Connect(edge)
	if cycles := tg.g.Cycles(); len(cycles) > 0 {
		tg.g.RemoveEdge(edge)
		return fmt.Errorf("graph: cyclic task dependency detected involving %s -> %s", fromFullName, toFullName)
	}
	return nil
}

// resolveDependencies turns a task's declared TaskDependency list into a
// deduplicated set of "project#task" full names.
func (tg *Graph) resolveDependencies(projectName string, deps []model.TaskDependency) ([]string, error) {
	seen := util.NewSet()
	for _, dep := range deps {
		switch dep.Kind {
		case model.DependencyOwn:
			fullName := util.TaskID(projectName, dep.Task)
			if _, ok := tg.nodes[fullName]; !ok {
				return nil, fmt.Errorf("graph: task %q declares Own dependency on undefined task %q", util.TaskID(projectName, dep.Task), dep.Task)
			}
			seen.Add(fullName)

		case model.DependencyExplicitProject:
			if _, ok := tg.projects.Lookup(dep.Project); !ok {
				return nil, fmt.Errorf("graph: explicit project dependency references unknown project %q", dep.Project)
			}
			fullName := util.TaskID(dep.Project, dep.Task)
			if _, ok := tg.nodes[fullName]; !ok {
				return nil, fmt.Errorf("graph: explicit project dependency references undefined task %q in project %q", dep.Task, dep.Project)
			}
			seen.Add(fullName)

		case model.DependencyUpstream:
			found, err := tg.resolveUpstream(projectName, dep.Task)
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				seen.Add(f)
			}

		default:
			return nil, fmt.Errorf("graph: unknown task dependency kind %d", dep.Kind)
		}
	}
	return seen.List(), nil
}

// resolveUpstream walks direct project dependencies transitively; for each
// that defines taskName, it adds an edge from its (project,taskName). A
// chain of projects that do not define taskName is walked through without
// adding an edge, carrying the original dependent identity forward so the
// first ancestor that does define it is still connected.
func (tg *Graph) resolveUpstream(projectName, taskName string) ([]string, error) {
	var out []string
	visited := util.NewSet()
	queue, err := tg.projects.DirectDependencies(projectName)
	if err != nil {
		return nil, err
	}
	for len(queue) > 0 {
		depProjectName := queue[0]
		queue = queue[1:]
		if visited.Includes(depProjectName) {
			continue
		}
		visited.Add(depProjectName)

		depProject, ok := tg.projects.Lookup(depProjectName)
		if !ok {
			return nil, fmt.Errorf("graph: upstream dependency references unknown project %q", depProjectName)
		}
		if _, defines := depProject.Tasks[taskName]; defines {
			out = append(out, util.TaskID(depProjectName, taskName))
			// stop walking past the first ancestor that defines the task
			continue
		}

		// keep walking through task-less ancestors
		grandparents, err := tg.projects.DirectDependencies(depProjectName)
		if err != nil {
			return nil, err
		}
		queue = append(queue, grandparents...)
	}
	return out, nil
}

// Node returns the materialized node for a full task name.
func (tg *Graph) Node(fullName string) (model.TaskExecutionNode, bool) {
	n, ok := tg.nodes[fullName]
	return n, ok
}

// AllFullNames returns every task's full name, sorted.
func (tg *Graph) AllFullNames() []string {
	names := make([]string, 0, len(tg.nodes))
	for n := range tg.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Selector decides whether a given full task name is in scope for a plan.
type Selector func(fullName string) bool

// Plan is a batched execution plan: a list of waves, each a set of tasks
// runnable in parallel.
type Plan struct {
	Waves [][]string
}

// WaveIndex returns the index of the wave fullName was scheduled into, or
// -1 if it was never scheduled (e.g. not selected).
func (p *Plan) WaveIndex(fullName string) int {
	for i, wave := range p.Waves {
		for _, f := range wave {
			if f == fullName {
				return i
			}
		}
	}
	return -1
}

// Plan computes the batched execution plan for the tasks selected by
// `selected`: repeatedly compute the set of
// not-yet-scheduled selected tasks whose selected dependencies have
// already been scheduled; emit as the next wave; stop when empty. An
// unsatisfiable dependency is flagged fatal before scheduling begins.
func (tg *Graph) Plan(selected Selector) (*Plan, error) {
	selectedSet := util.NewSet()
	for _, fullName := range tg.AllFullNames() {
		if selected(fullName) {
			selectedSet.Add(fullName)
		}
	}

	// Fatal pre-check: every selected task's selected dependencies must
	// themselves be reachable within the selected set.
	for _, fullName := range selectedSet.List() {
		node := tg.nodes[fullName]
		for _, dep := range node.DependencyFullNames {
			if selectedSet.Includes(dep) {
				continue
			}
			// A non-selected dependency is only acceptable if nothing in
			// the selection actually depends on it being scheduled, i.e.
			// we just don't execute it — this is fine. It only becomes
			// unsatisfiable if the dependency itself doesn't exist.
			if _, ok := tg.nodes[dep]; !ok {
				return nil, fmt.Errorf("taskgraph: task %q depends on undefined task %q", fullName, dep)
			}
		}
	}

	scheduled := util.NewSet()
	var waves [][]string

	remaining := selectedSet.Copy()
	for remaining.Len() > 0 {
		var wave []string
		for _, fullName := range sortedList(remaining) {
			node := tg.nodes[fullName]
			ready := true
			for _, dep := range node.DependencyFullNames {
				if selectedSet.Includes(dep) && !scheduled.Includes(dep) {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, fullName)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("taskgraph: unsatisfiable dependency set among %v; cannot make scheduling progress", sortedList(remaining))
		}
		for _, fullName := range wave {
			scheduled.Add(fullName)
			remaining.Delete(fullName)
		}
		waves = append(waves, wave)
	}

	return &Plan{Waves: waves}, nil
}

func sortedList(s util.Set) []string {
	l := s.List()
	sort.Strings(l)
	return l
}
