// Package model holds the data records the core operates on: the
// already-validated, already-merged project and task records a workspace
// is reduced to before execution planning begins. Nothing in this package
// parses configuration; it is the shape configuration is expected to
// already be in by the time it reaches the core, mirroring how
// turborepo's core consumes an already-loaded fs.PackageJSON /
// fs.TurboJSON rather than parsing them itself.
package model

import (
	"time"

	"github.com/omni-build/omni/internal/omnipath"
)

// Project is a single workspace member: a directory with a project-marker
// file, contributing tasks.
type Project struct {
	Name         string
	Dir          string // absolute, OS-native
	Dependencies []string
	Tasks        map[string]Task
}

// DependencyKind distinguishes the three shapes a TaskDependency can take.
// It is a closed, tagged-union style enum: dispatch on Kind, never embed
// behavior in it.
type DependencyKind int

const (
	// DependencyOwn depends on a named task in the same project.
	DependencyOwn DependencyKind = iota
	// DependencyExplicitProject depends on a named task in a named project.
	DependencyExplicitProject
	// DependencyUpstream depends on the same-named task in every transitive
	// project dependency that defines it.
	DependencyUpstream
)

// TaskDependency is the sum type Own, ExplicitProject, or
// Upstream. Only the fields relevant to Kind are populated; callers must
// switch on Kind before reading Project/Task.
type TaskDependency struct {
	Kind    DependencyKind
	Project string // only set when Kind == DependencyExplicitProject
	Task    string
}

// Own builds an Own{task} dependency.
func Own(task string) TaskDependency {
	return TaskDependency{Kind: DependencyOwn, Task: task}
}

// ExplicitProject builds an ExplicitProject{project, task} dependency.
func ExplicitProject(project, task string) TaskDependency {
	return TaskDependency{Kind: DependencyExplicitProject, Project: project, Task: task}
}

// Upstream builds an Upstream{task} dependency.
func Upstream(task string) TaskDependency {
	return TaskDependency{Kind: DependencyUpstream, Task: task}
}

// CacheInfo is the per-(project,task) cache configuration.
type CacheInfo struct {
	CacheExecution   bool
	KeyInputFiles    []omnipath.Path
	KeyEnvKeys       []string // must be kept sorted by the loader; Collector re-sorts defensively
	CacheOutputFiles []omnipath.Path
	CacheLogs        bool
}

// Task is a named command attached to a Project.
type Task struct {
	Command       string
	Dependencies  []TaskDependency
	Enabled       string // template expression; "true"/"" both mean statically enabled
	Interactive   bool
	Persistent    bool
	MaxRetries    uint8
	RetryInterval time.Duration
	Meta          map[string]string
	Cache         CacheInfo
	Env           map[string]string
}

// TaskExecutionNode is a materialized (project, task) pair,: a
// fully resolved node of the Task Execution Graph with all the strings a
// scheduler or collector needs already pulled out of the Project/Task pair
// that produced it.
type TaskExecutionNode struct {
	FullName          string // "project#task"
	ProjectName       string
	TaskName          string
	ProjectDir        string
	Command           string
	Enabled           string
	Interactive       bool
	Persistent        bool
	MaxRetries        uint8
	RetryInterval     time.Duration
	Meta              map[string]string
	Cache             CacheInfo
	Env               map[string]string
	DependencyFullNames []string // resolved "project#task" full names, sorted
}

// Digest is a fixed-width content-addressed fingerprint: 32 bytes from a
// cryptographic hash.
type Digest [32]byte

// IsZero reports whether the digest was never assigned.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// CachedFile records one cached output file: its path relative to the
// entry directory, and the OmniPath it was originally declared/resolved at.
type CachedFile struct {
	CachedPath   string // relative to the entry directory
	OriginalPath omnipath.Path
}

// CachedTaskExecution is the persisted record for one cache entry,
type CachedTaskExecution struct {
	ProjectName        string
	TaskName           string
	Digest             Digest
	Command            string
	ExecutionDuration   time.Duration
	ExitCode           int
	ExecutionTime      time.Time // UTC
	DependencyDigests  []Digest
	LogsPath           string // relative to entry dir, empty if none captured
	Files              []CachedFile
}

// SkipReason is the closed set of reasons a task can be skipped without
// being executed.
type SkipReason int

const (
	// SkipPreviousBatchFailure: on_failure=SkipNextBatches and an earlier
	// wave had a failure.
	SkipPreviousBatchFailure SkipReason = iota
	// SkipDependeeTaskFailure: on_failure=SkipDependents and a dependency
	// of this task failed.
	SkipDependeeTaskFailure
	// SkipDisabled: the task's enabled expression evaluated to false.
	SkipDisabled
)

func (r SkipReason) String() string {
	switch r {
	case SkipPreviousBatchFailure:
		return "PreviousBatchFailure"
	case SkipDependeeTaskFailure:
		return "DependeeTaskFailure"
	case SkipDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// ResultKind tags which variant of TaskExecutionResult is populated.
type ResultKind int

const (
	ResultCompleted ResultKind = iota
	ResultErrored
	ResultSkipped
)

// TaskExecutionResult is the sum type. Exactly one of the
// Kind-specific field groups is meaningful, selected by Kind.
type TaskExecutionResult struct {
	FullName string
	Kind     ResultKind

	// Completed fields.
	Digest   Digest
	ExitCode int
	Elapsed  time.Duration
	CacheHit bool
	Tries    int

	// Errored fields.
	ErrorMessage string

	// Skipped fields.
	SkipReason SkipReason
}
