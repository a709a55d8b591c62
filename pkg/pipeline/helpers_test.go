package pipeline_test

import (
	"context"
	"testing"
)

func rootFn(t *testing.T, total int) func(ctx context.Context, rootChan chan<- int) error {
	t.Helper()

	return func(ctx context.Context, rootChan chan<- int) error {
		for i := 0; i < total; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rootChan <- i:
			}
		}

		return nil
	}
}

func collectSink(t *testing.T, got *[]int) func(ctx context.Context, input int) error {
	t.Helper()

	return func(ctx context.Context, input int) error {
		*got = append(*got, input)

		return nil
	}
}
