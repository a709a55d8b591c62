package workflow

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "success"
	StepFailed    StepStatus = "failure"
	// StepSkipped marks "uses" steps: external actions are not executed.
	StepSkipped StepStatus = "skipped"
	StepNotRun  StepStatus = "not run"
)

type StepResult struct {
	Name     string
	Status   StepStatus
	Duration time.Duration
	Err      error
}

// StepExecutor runs the command of a "run" step with the given environment.
type StepExecutor interface {
	Execute(ctx context.Context, command string, env []string) error
}

// ShellExecutor runs commands with "sh -e -c", like the runner default shell.
type ShellExecutor struct {
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

func (e *ShellExecutor) Execute(ctx context.Context, command string, env []string) error {
	cmd := exec.CommandContext(ctx, "sh", "-e", "-c", command)
	cmd.Dir = e.Dir
	cmd.Env = env
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	err := cmd.Run()
	if err != nil {
		return errors.Wrap(err, "command failed")
	}

	return nil
}

// Runner executes the steps of a job one after the other.
type Runner struct {
	executor StepExecutor
	env      map[string]string
	baseEnv  []string
	logger   *zap.Logger
}

// NewRunner returns a runner for the jobs of wf. Commands see the process
// environment overlaid with the workflow, job and step env sections.
func NewRunner(wf *Workflow, executor StepExecutor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		executor: executor,
		env:      wf.Env,
		baseEnv:  os.Environ(),
		logger:   logger,
	}
}

// Run executes the steps of job in order. The first failing step stops the job:
// the remaining steps are reported as not run and the failure is returned.
func (r *Runner) Run(ctx context.Context, job *Job) ([]StepResult, error) {
	results := make([]StepResult, 0, len(job.Steps))

	var runErr error
	for _, step := range job.Steps {
		name := step.DisplayName()
		if runErr != nil {
			results = append(results, StepResult{Name: name, Status: StepNotRun})
			continue
		}
		if ctx.Err() != nil {
			runErr = errors.Wrapf(context.Cause(ctx), "job stopped before step %q", name)
			results = append(results, StepResult{Name: name, Status: StepNotRun})
			continue
		}

		if step.Uses != "" {
			r.logger.Info("skipping action step", zap.String("step", name), zap.String("uses", step.Uses))
			results = append(results, StepResult{Name: name, Status: StepSkipped})
			continue
		}

		r.logger.Info("running step", zap.String("step", name))
		start := time.Now()
		err := r.executor.Execute(ctx, step.Run, r.environ(job, step))
		res := StepResult{Name: name, Status: StepSucceeded, Duration: time.Since(start)}
		if err != nil {
			res.Status = StepFailed
			res.Err = err
			runErr = errors.Wrapf(err, "step %q", name)
			r.logger.Error("step failed", zap.String("step", name), zap.Duration("duration", res.Duration), zap.Error(err))
		} else {
			r.logger.Info("step succeeded", zap.String("step", name), zap.Duration("duration", res.Duration))
		}
		results = append(results, res)
	}

	return results, runErr
}

func (r *Runner) environ(job *Job, step Step) []string {
	merged := map[string]string{}
	for _, layer := range []map[string]string{r.env, job.Env, step.Env} {
		for k, v := range layer {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(r.baseEnv)+len(merged))
	for _, entry := range r.baseEnv {
		name, _, _ := strings.Cut(entry, "=")
		if _, ok := merged[name]; !ok {
			env = append(env, entry)
		}
	}

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		env = append(env, k+"="+merged[k])
	}

	return env
}
