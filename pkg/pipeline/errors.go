package pipeline

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrPipelineMustBeSet = errors.New("p must be set")
	ErrInputMustBeSet    = errors.New("input must be set")
	ErrAlreadyRan        = errors.New("pipeline already ran")
)

// StageError is the error of the first stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stage is a registered stage and the channel its goroutine reports on.
type stage struct {
	name string
	errC <-chan error
}

type stages struct {
	mu   sync.Mutex
	list []stage
}

func (s *stages) add(name string, errC <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, stage{name: name, errC: errC})
}

// collect fans the stage errors in. The returned channel is closed once every
// stage has closed its own channel. It holds one error per stage, so stages
// never block after Run stops reading.
func collect(list []stage) <-chan *StageError {
	out := make(chan *StageError, len(list))

	var wg sync.WaitGroup
	wg.Add(len(list))
	for _, st := range list {
		go func(st stage) {
			defer wg.Done()
			if st.errC == nil {
				return
			}
			for err := range st.errC {
				out <- &StageError{Stage: st.name, Err: err}
			}
		}(st)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
