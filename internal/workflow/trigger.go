package workflow

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Event is a repository event. Branch is the pushed branch, or the base branch
// of a pull request. Paths are the changed files.
type Event struct {
	Name   string
	Branch string
	Paths  []string
}

// Triggered reports whether ev starts the workflow.
func (w *Workflow) Triggered(ev Event) (bool, error) {
	var filter *Filter
	switch ev.Name {
	case EventPush:
		filter = w.On.Push
	case EventPullRequest:
		filter = w.On.PullRequest
	default:
		return false, errors.Errorf("unsupported event %q", ev.Name)
	}
	if filter == nil {
		return false, nil
	}

	return filter.accepts(ev)
}

func (f *Filter) accepts(ev Event) (bool, error) {
	if len(f.Branches) > 0 && len(f.BranchesIgnore) > 0 {
		return false, errors.New("branches and branches-ignore cannot be used together")
	}
	if len(f.Paths) > 0 && len(f.PathsIgnore) > 0 {
		return false, errors.New("paths and paths-ignore cannot be used together")
	}

	branch := strings.TrimPrefix(ev.Branch, "refs/heads/")
	switch {
	case len(f.Branches) > 0:
		ok, err := matchAny(f.Branches, []string{branch})
		if err != nil || !ok {
			return false, err
		}
	case len(f.BranchesIgnore) > 0:
		ok, err := matchAll(f.BranchesIgnore, []string{branch})
		if err != nil || ok {
			return false, err
		}
	}

	switch {
	case len(f.Paths) > 0:
		return matchAny(f.Paths, ev.Paths)
	case len(f.PathsIgnore) > 0:
		ignored, err := matchAll(f.PathsIgnore, ev.Paths)
		return !ignored, err
	default:
		return true, nil
	}
}

// matchAny reports whether one of values is selected by patterns.
func matchAny(patterns, values []string) (bool, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if match(compiled, v) {
			return true, nil
		}
	}

	return false, nil
}

// matchAll reports whether every value is selected by patterns. It is false for no values.
func matchAll(patterns, values []string) (bool, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if !match(compiled, v) {
			return false, nil
		}
	}

	return len(values) > 0, nil
}
