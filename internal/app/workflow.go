package app

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/internal/workflow"
)

type WorkflowCmd struct {
	Check WorkflowCheckCmd `cmd:"" help:"Tell whether an event triggers the workflow"`
	Run   WorkflowRunCmd   `cmd:"" help:"Run the steps of a job locally"`
}

type WorkflowCheckCmd struct {
	File   string   `required:"" type:"existingfile" help:"Workflow definition"`
	Event  string   `required:"" enum:"push,pull_request" help:"Event name"`
	Branch string   `default:"main" help:"Pushed branch, or base branch of the pull request"`
	Ref    string   `help:"Git ref used for the concurrency group (default: refs/heads/<branch>)"`
	Paths  []string `help:"Changed paths"`
}

type WorkflowRunCmd struct {
	File string `required:"" type:"existingfile" help:"Workflow definition"`
	Job  string `required:"" help:"Job id"`
	Ref  string `default:"refs/heads/main" help:"Git ref used for the concurrency group"`
}

func runWorkflowCheck(rc runContext) error {
	cmd := rc.cli.Workflow.Check
	wf, err := workflow.LoadFile(cmd.File)
	if err != nil {
		return err
	}

	triggered, err := wf.Triggered(workflow.Event{Name: cmd.Event, Branch: cmd.Branch, Paths: cmd.Paths})
	if err != nil {
		return err
	}

	ref := cmd.Ref
	if ref == "" {
		ref = "refs/heads/" + cmd.Branch
	}
	_, err = fmt.Fprintf(rc.deps.Out, "triggered=%t\nconcurrency-group=%s\ncancel-in-progress=%t\n",
		triggered, wf.ConcurrencyGroup(ref), wf.CancelInProgress())

	return err
}

func runWorkflowRun(rc runContext) error {
	cmd := rc.cli.Workflow.Run
	wf, err := workflow.LoadFile(cmd.File)
	if err != nil {
		return err
	}
	job, ok := wf.Jobs[cmd.Job]
	if !ok {
		return errors.Errorf("job %s not found in %s", cmd.Job, cmd.File)
	}

	ctx := rc.ctx
	if group := wf.ConcurrencyGroup(cmd.Ref); group != "" {
		runCtx, release, err := rc.deps.Groups.Acquire(ctx, group, wf.CancelInProgress())
		if err != nil {
			return err
		}
		defer release()
		ctx = runCtx
		rc.logger.Debug("concurrency group acquired", zap.String("group", group))
	}

	results, err := workflow.NewRunner(wf, rc.deps.Executor, rc.logger).Run(ctx, job)
	for _, res := range results {
		fmt.Fprintf(rc.deps.Out, "%-10s %s\n", res.Status, res.Name)
	}

	return err
}
