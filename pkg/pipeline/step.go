package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

func sequentialOneToOneFn[I any, O any](ctx context.Context, pipe *Pipeline, goIdx int, input *model.Step[I], output *model.Step[O], oneToOneFn func(context.Context, I) (O, error)) error {
	for {
		start := time.Now()
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "go routine %d", goIdx)
		case in, ok := <-input.Output:
			if !ok {
				return nil
			}
			startFn := time.Now()
			out, err := oneToOneFn(ctx, in)
			if err != nil {
				return errors.Wrapf(err, "go routine %d", goIdx)
			}
			endFn := time.Since(startFn)

			// we check the context again to make sure all go routines currently running
			// stop to add new elements to the pipeline
			select {
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "go routine %d", goIdx)
			case output.Output <- out:
				for _, opt := range pipe.opts {
					err := opt.OnStepOutput(input.Details, output.Details, time.Since(start), endFn)
					if err != nil {
						return errors.Wrap(err, "unable to run on step output function")
					}
				}
			}
		}
	}
}

func concurrentOneToOneFn[I any, O any](ctx context.Context, pipe *Pipeline, input *model.Step[I], output *model.Step[O], oneToOneFn func(context.Context, I) (O, error)) error {
	errGrp, dCtx := errgroup.WithContext(ctx)
	// starts many consumers concurrently
	// each consumer stops as soon as an error happens
	for goIdx := 0; goIdx < output.Details.Concurrent; goIdx++ {
		localGoIdx := goIdx
		errGrp.Go(func() error {
			return sequentialOneToOneFn(dCtx, pipe, localGoIdx, input, output, oneToOneFn)
		})
	}

	return errGrp.Wait()
}

func oneToOne[I any, O any](ctx context.Context, pipe *Pipeline, input *model.Step[I], output *model.Step[O], oneToOneFn func(context.Context, I) (O, error)) error {
	if output.Details.Concurrent <= 1 {
		return sequentialOneToOneFn(ctx, pipe, 0, input, output, oneToOneFn)
	}

	return concurrentOneToOneFn(ctx, pipe, input, output, oneToOneFn)
}

func prepareStep[I, O any](pipe *Pipeline, name string, input *model.Step[I], opts ...StepOption[O]) (*model.Step[O], error) {
	step := &model.Step[O]{
		Details: &model.StepInfo{
			Type:       model.NormalStepType,
			Name:       name,
			Concurrent: 1,
		},
		Output: make(chan O),
	}
	for _, opt := range opts {
		opt(step)
	}

	for _, opt := range pipe.opts {
		err := opt.PrepareStep(input.Details, step.Details)
		if err != nil {
			return nil, errors.Wrap(err, "unable to run before step function")
		}
	}

	return step, nil
}

// AddStepOneToOne adds a step producing one output element for every input element.
// With StepConcurrency the elements are processed by several workers and the output order is not preserved.
func AddStepOneToOne[I any, O any](pipe *Pipeline, name string, input *model.Step[I], oneToOneFn func(context.Context, I) (O, error), opts ...StepOption[O]) (*model.Step[O], error) {
	if pipe == nil {
		return nil, ErrPipelineMustBeSet
	}
	if input == nil {
		return nil, ErrInputMustBeSet
	}

	step, err := prepareStep(pipe, name, input, opts...)
	if err != nil {
		return nil, err
	}

	pipe.addStage(name, func(ctx context.Context) error {
		defer close(step.Output)

		return oneToOne(ctx, pipe, input, step, oneToOneFn)
	})

	return step, nil
}
