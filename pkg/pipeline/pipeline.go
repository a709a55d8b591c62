package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/askiada/go-actions-cache/pkg/pipeline/model"
)

// Pipeline is a pipeline of steps.
type Pipeline struct {
	ctx       context.Context
	stages    *stages
	opts      []model.PipelineOption
	startTime time.Time
	goFn      []func(ctx context.Context)
	ran       bool
}

// New creates a new pipeline. Stages are only started by Run.
func New(ctx context.Context, opts ...model.PipelineOption) (*Pipeline, error) {
	pipe := &Pipeline{
		ctx:       ctx,
		stages:    &stages{},
		startTime: time.Now(),
		opts:      opts,
	}

	for _, opt := range opts {
		err := opt.New()
		if err != nil {
			return nil, errors.Wrap(err, "unable to apply pipeline option")
		}
	}

	return pipe, nil
}

// addStage registers the goroutine of a stage and the channel it reports its error on.
func (p *Pipeline) addStage(name string, fn func(ctx context.Context) error) {
	errC := make(chan error, 1)
	p.stages.add(name, errC)
	p.goFn = append(p.goFn, func(ctx context.Context) {
		defer close(errC)
		err := fn(ctx)
		if err != nil {
			errC <- err
		}
	})
}

// Run starts the pipeline and waits for it to finish.
// The first stage error cancels every stage and is returned as a *StageError
// once all stages have exited.
func (p *Pipeline) Run() error {
	if p.ran {
		return errors.WithStack(ErrAlreadyRan)
	}
	p.ran = true

	dCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(len(p.goFn))
	for _, fn := range p.goFn {
		fn := fn
		go func() {
			defer wg.Done()
			fn(dCtx)
		}()
	}

	var failed *StageError
	for stageErr := range collect(p.stages.list) {
		if failed == nil {
			failed = stageErr
			cancel()
		}
	}
	wg.Wait()

	if failed != nil {
		return failed
	}

	return p.finishRun()
}

func (p *Pipeline) finishRun() error {
	for _, opt := range p.opts {
		err := opt.Finish()
		if err != nil {
			return errors.Wrap(err, "unable to finish pipeline option")
		}
	}

	return nil
}
