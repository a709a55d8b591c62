package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

func prepareRootStep[O any](pipe *Pipeline, step *model.Step[O], opts ...StepOption[O]) error {
	for _, opt := range opts {
		opt(step)
	}
	for _, opt := range pipe.opts {
		err := opt.PrepareStep(model.StartStep.Details, step.Details)
		if err != nil {
			return errors.Wrap(err, "unable to run before step function")
		}
	}

	return nil
}

// AddRootStep adds a producer to the pipeline. stepFn pushes elements to rootChan,
// which is closed once stepFn returns.
func AddRootStep[O any](p *Pipeline, name string, stepFn func(ctx context.Context, rootChan chan<- O) error, opts ...StepOption[O]) (*model.Step[O], error) {
	if p == nil {
		return nil, ErrPipelineMustBeSet
	}

	step := &model.Step[O]{
		Details: &model.StepInfo{
			Type:       model.RootStepType,
			Name:       name,
			Concurrent: 1,
		},
		Output: make(chan O),
	}

	err := prepareRootStep(p, step, opts...)
	if err != nil {
		return nil, err
	}

	p.addStage(name, func(ctx context.Context) error {
		defer close(step.Output)

		return stepFn(ctx, step.Output)
	})

	return step, nil
}
