package pipeline

import "github.com/askiada/go-actions-cache/pkg/pipeline/model"

type StepOption[O any] func(s *model.Step[O])

// StepConcurrency sets the number of workers reading the input of a step.
func StepConcurrency[O any](concurrent int) StepOption[O] {
	return func(s *model.Step[O]) {
		s.Details.Concurrent = concurrent
	}
}

// StepBufferSize gives the output channel of a step a buffer.
func StepBufferSize[O any](bufferSize int) StepOption[O] {
	return func(s *model.Step[O]) {
		s.Output = make(chan O, bufferSize)
	}
}
