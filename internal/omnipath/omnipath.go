// Package omnipath teaches the Go type system about workspace-relative
// paths the way turbopath teaches it about absolute/anchored/unix paths:
// a path carries the root it is anchored to instead of being a bare
// string. The anchor is a runtime tag: resolving against a RootMap that
// lacks the needed root is reported as an error by Resolve.
package omnipath

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Anchor names the root an OmniPath is expressed relative to.
type Anchor int

const (
	// AnchorNone means the path is either already absolute or is left
	// unrooted and resolved relative to the process cwd.
	AnchorNone Anchor = iota
	// AnchorProject roots the path at the owning task's project directory.
	AnchorProject
	// AnchorWorkspace roots the path at the workspace root.
	AnchorWorkspace
)

func (a Anchor) String() string {
	switch a {
	case AnchorProject:
		return "project"
	case AnchorWorkspace:
		return "workspace"
	default:
		return "none"
	}
}

// Path is a path that may be anchored to the workspace root or a project
// root. It carries the raw (forward-slash, unresolved) path string plus
// which anchor it should be resolved against. Two OmniPaths with identical
// Raw but different Anchor are different paths until resolved.
type Path struct {
	Anchor Anchor
	Raw    string
}

// New constructs an unrooted OmniPath from a raw string.
func New(raw string) Path {
	return Path{Anchor: AnchorNone, Raw: filepath.ToSlash(raw)}
}

// NewProjectRooted constructs a project-anchored OmniPath.
func NewProjectRooted(raw string) Path {
	return Path{Anchor: AnchorProject, Raw: filepath.ToSlash(raw)}
}

// NewWorkspaceRooted constructs a workspace-anchored OmniPath.
func NewWorkspaceRooted(raw string) Path {
	return Path{Anchor: AnchorWorkspace, Raw: filepath.ToSlash(raw)}
}

// String renders the OmniPath in its wire form, e.g. "<workspace>/dist/**".
func (p Path) String() string {
	if p.Anchor == AnchorNone {
		return p.Raw
	}
	return fmt.Sprintf("<%s>/%s", p.Anchor, p.Raw)
}

// RootMap pairs each anchor with a concrete, absolute base directory.
// Anchored OmniPaths resolve through a RootMap; an unrooted relative path
// is resolved against the process working directory.
type RootMap struct {
	Project   string
	Workspace string
}

// Resolve turns an OmniPath into an absolute, OS-native filesystem path.
func (p Path) Resolve(roots RootMap) (string, error) {
	switch p.Anchor {
	case AnchorProject:
		if roots.Project == "" {
			return "", fmt.Errorf("omnipath: cannot resolve %q: no project root in RootMap", p.Raw)
		}
		return filepath.Join(roots.Project, filepath.FromSlash(p.Raw)), nil
	case AnchorWorkspace:
		if roots.Workspace == "" {
			return "", fmt.Errorf("omnipath: cannot resolve %q: no workspace root in RootMap", p.Raw)
		}
		return filepath.Join(roots.Workspace, filepath.FromSlash(p.Raw)), nil
	default:
		if filepath.IsAbs(p.Raw) {
			return filepath.Clean(filepath.FromSlash(p.Raw)), nil
		}
		abs, err := filepath.Abs(filepath.FromSlash(p.Raw))
		if err != nil {
			return "", fmt.Errorf("omnipath: cannot resolve unrooted path %q: %w", p.Raw, err)
		}
		return abs, nil
	}
}

// Rooted takes an absolute filesystem path and re-expresses it as an
// OmniPath anchored to whichever of project/workspace contains it,
// preferring the project root (the narrower anchor) when both contain it.
// Falls back to an unrooted absolute OmniPath.
func Rooted(absPath string, roots RootMap) Path {
	if roots.Project != "" {
		if rel, ok := relIfContained(roots.Project, absPath); ok {
			return NewProjectRooted(rel)
		}
	}
	if roots.Workspace != "" {
		if rel, ok := relIfContained(roots.Workspace, absPath); ok {
			return NewWorkspaceRooted(rel)
		}
	}
	return New(absPath)
}

func relIfContained(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
