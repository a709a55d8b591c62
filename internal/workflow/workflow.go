// Package workflow loads GitHub Actions workflow definitions and evaluates their
// triggers, concurrency groups and steps.
package workflow

import (
	"io"
	"os"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Workflow is the subset of a workflow definition understood by this package.
type Workflow struct {
	Name        string            `yaml:"name"`
	On          Triggers          `yaml:"on"`
	Concurrency *Concurrency      `yaml:"concurrency"`
	Env         map[string]string `yaml:"env"`
	Jobs        map[string]*Job   `yaml:"jobs"`
}

// Triggers holds the events that start the workflow. A nil filter means the event is not listened to.
type Triggers struct {
	PullRequest *Filter
	Push        *Filter
}

// Filter restricts an event to branches and changed paths.
type Filter struct {
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Paths          []string `yaml:"paths"`
	PathsIgnore    []string `yaml:"paths-ignore"`
}

// Concurrency configures the concurrency group of the workflow runs.
type Concurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

type Job struct {
	Name  string            `yaml:"name"`
	Env   map[string]string `yaml:"env"`
	Steps []Step            `yaml:"steps"`
}

type Step struct {
	ID   string            `yaml:"id"`
	Name string            `yaml:"name"`
	Uses string            `yaml:"uses"`
	Run  string            `yaml:"run"`
	Env  map[string]string `yaml:"env"`
}

// DisplayName is the name shown for the step in logs and results.
func (s Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case s.Run != "":
		return "Run " + firstLine(s.Run)
	default:
		return s.ID
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}

	return s
}

// Load parses a workflow definition.
func Load(r io.Reader) (*Workflow, error) {
	wf := &Workflow{}
	err := yaml.NewDecoder(r).Decode(wf)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode workflow")
	}

	for id, job := range wf.Jobs {
		if job == nil {
			return nil, errors.Errorf("job %s is empty", id)
		}
		for i, step := range job.Steps {
			if step.Run == "" && step.Uses == "" {
				return nil, errors.Errorf("job %s: step %d has neither run nor uses", id, i)
			}
			if step.Run != "" && step.Uses != "" {
				return nil, errors.Errorf("job %s: step %d has both run and uses", id, i)
			}
		}
	}

	return wf, nil
}

// LoadFile parses the workflow definition at path.
func LoadFile(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open workflow %s", path)
	}
	defer f.Close()

	return Load(f)
}

// UnmarshalYAML accepts the event name, list of event names and mapping forms of "on".
func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		t.set(node.Value, &Filter{})

		return nil
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return errors.Errorf("line %d: event must be a name", item.Line)
			}
			t.set(item.Value, &Filter{})
		}

		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			filter := &Filter{}
			value := node.Content[i+1]
			if value.Kind == yaml.MappingNode {
				err := value.Decode(filter)
				if err != nil {
					return errors.Wrapf(err, "event %s", node.Content[i].Value)
				}
			}
			t.set(node.Content[i].Value, filter)
		}

		return nil
	default:
		return errors.Errorf("line %d: unsupported on section", node.Line)
	}
}

// set records the filter of an event. Other events are ignored.
func (t *Triggers) set(event string, filter *Filter) {
	switch event {
	case EventPush:
		t.Push = filter
	case EventPullRequest:
		t.PullRequest = filter
	}
}

// UnmarshalYAML accepts both "concurrency: group" and the mapping form.
func (c *Concurrency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Group = node.Value

		return nil
	}

	type plain Concurrency

	return node.Decode((*plain)(c))
}

var expression = regexp.MustCompile(`\$\{\{\s*github\.(workflow|ref)\s*\}\}`)

// ConcurrencyGroup returns the concurrency group of a run on ref, or an empty
// string when runs are not grouped.
func (w *Workflow) ConcurrencyGroup(ref string) string {
	if w.Concurrency == nil || w.Concurrency.Group == "" {
		return ""
	}

	return expression.ReplaceAllStringFunc(w.Concurrency.Group, func(match string) string {
		switch expression.FindStringSubmatch(match)[1] {
		case "workflow":
			return w.Name
		default:
			return ref
		}
	})
}

// CancelInProgress reports whether a new run cancels the running one of its group.
func (w *Workflow) CancelInProgress() bool {
	return w.Concurrency != nil && w.Concurrency.CancelInProgress
}
