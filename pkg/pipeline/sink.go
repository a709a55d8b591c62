package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

// AddSink adds the last stage of the pipeline. sinkFn is called sequentially for every element of input.
func AddSink[I any](pipe *Pipeline, name string, input *model.Step[I], sinkFn func(ctx context.Context, input I) error) error {
	if pipe == nil {
		return ErrPipelineMustBeSet
	}
	if input == nil {
		return ErrInputMustBeSet
	}
	step := &model.Step[I]{
		Details: &model.StepInfo{
			Type:       model.SinkStepType,
			Name:       name,
			Concurrent: 1,
		},
	}
	for _, opt := range pipe.opts {
		err := opt.PrepareSink(input.Details, step.Details)
		if err != nil {
			return errors.Wrap(err, "unable to run before sink function")
		}
	}

	pipe.addStage(name, func(ctx context.Context) error {
		err := runSink(ctx, pipe, input, step, sinkFn)
		if err != nil {
			return err
		}
		for _, opt := range pipe.opts {
			err := opt.AfterSink(step.Details, time.Since(pipe.startTime))
			if err != nil {
				return errors.Wrap(err, "unable to run after sink function")
			}
		}

		return nil
	})

	return nil
}

func runSink[I any](ctx context.Context, pipe *Pipeline, input, step *model.Step[I], sinkFn func(ctx context.Context, input I) error) error {
	for {
		startInputChan := time.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-input.Output:
			if !ok {
				return nil
			}
			endInputChan := time.Since(startInputChan)

			startFn := time.Now()
			err := sinkFn(ctx, in)
			if err != nil {
				return err
			}
			endFn := time.Since(startFn)
			for _, opt := range pipe.opts {
				err := opt.OnSinkOutput(input.Details, step.Details, endInputChan+endFn, endFn)
				if err != nil {
					return errors.Wrap(err, "unable to run on sink output function")
				}
			}
		}
	}
}
