// Package pipeline provides a pipeline for processing data.
//
// The pipeline package offers a convenient way to process data using a series of stages. Each stage in the pipeline
// performs a specific operation on the data and passes it to the next stage through a channel. A stage can run
// several workers reading from the same input channel, which is how the cache client transfers archive chunks in
// parallel while keeping a bound on the number of in-flight requests.
//
// The pipeline stops on the first encountered error: the failing stage is reported, every other stage is cancelled
// through the context, and Run only returns once all the goroutines started by the pipeline have exited.
//
// Options implementing model.PipelineOption are notified when stages are created, every time an element moves
// between stages, and when the pipeline finishes. The measure and drawer sub-packages provide such options.
package pipeline
