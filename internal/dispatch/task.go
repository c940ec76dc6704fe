// Package dispatch launches the maintenance helper for one repository on
// behalf of the repository's owner and classifies the outcome.
package dispatch

import (
	"encoding/json"
	"strings"

	apperrors "github.com/scalar/service/internal/errors"
)

// Task names one maintenance step understood by the helper executable.
type Task string

const (
	TaskFetch        Task = "fetch"
	TaskLooseObjects Task = "loose-objects"
	TaskPackFiles    Task = "pack-files"
	TaskCommitGraph  Task = "commit-graph"
	TaskConfig       Task = "config"
)

// Tasks lists every task in the order the scheduler registers them.
var Tasks = []Task{TaskConfig, TaskFetch, TaskLooseObjects, TaskPackFiles, TaskCommitGraph}

// ParseTask accepts a task name case-insensitively.
func ParseTask(name string) (Task, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, t := range Tasks {
		if string(t) == want {
			return t, nil
		}
	}
	return "", apperrors.InvalidTask(name)
}

// RespectsPause reports whether a maintenance pause suppresses the task.
// Config only repairs repository settings and always runs.
func (t Task) RespectsPause() bool {
	return t != TaskConfig
}

func (t Task) String() string { return string(t) }

// InternalParams is the JSON handed to the helper after --internal_use_only.
type InternalParams struct {
	ServiceName      string `json:"ServiceName,omitempty"`
	StartedByService bool   `json:"StartedByService"`
}

// BuildArgs returns the helper's argument vector for one task.
func BuildArgs(task Task, repoRoot string, params InternalParams) ([]string, error) {
	if _, err := ParseTask(string(task)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Internal("encode internal parameters", err)
	}
	return []string{
		"maintenance",
		repoRoot,
		"--task", string(task),
		"--internal_use_only", string(raw),
	}, nil
}
