package util

import (
	"fmt"
	"strings"
)

// TaskDelimiter separates a project name from a task name in a full task
// identifier, e.g. "web#build".
const TaskDelimiter = "#"

// TaskID returns the full identifier for a (project, task) pair.
func TaskID(projectName, taskName string) string {
	return fmt.Sprintf("%s%s%s", projectName, TaskDelimiter, taskName)
}

// SplitTaskID splits a full task identifier back into its project and task
// names. Panics are avoided: a malformed id without a delimiter returns the
// whole string as the project name and an empty task name, which callers
// must treat as "not found" rather than dereference blindly.
func SplitTaskID(taskID string) (projectName, taskName string) {
	idx := strings.Index(taskID, TaskDelimiter)
	if idx < 0 {
		return taskID, ""
	}
	return taskID[:idx], taskID[idx+1:]
}
