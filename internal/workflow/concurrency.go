package workflow

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrSuperseded is returned to a run waiting for its group when a newer run takes its place.
	ErrSuperseded = errors.New("superseded by a newer run")
	// ErrCancelledByNewerRun is the cancellation cause of a running run.
	ErrCancelledByNewerRun = errors.New("cancelled by a newer run")
)

// Groups serialises runs sharing a concurrency group. A group has at most one
// running and one pending run: a new run always replaces the pending one.
type Groups struct {
	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	running *run
	pending *waiter
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type waiter struct {
	superseded chan struct{}
}

func NewGroups() *Groups {
	return &Groups{groups: map[string]*group{}}
}

// Acquire starts a run in group key. When the group is busy the running run is
// cancelled if cancelInProgress is set, and Acquire waits for it to release the
// group. The returned context is cancelled, with ErrCancelledByNewerRun as cause,
// when a newer run cancels this one. release must be called when the run ends.
func (g *Groups) Acquire(ctx context.Context, key string, cancelInProgress bool) (context.Context, func(), error) {
	g.mu.Lock()
	grp, ok := g.groups[key]
	if !ok {
		grp = &group{}
		g.groups[key] = grp
	}
	if grp.pending != nil {
		close(grp.pending.superseded)
		grp.pending = nil
	}
	if grp.running == nil {
		runCtx, release := g.start(ctx, key, grp)
		g.mu.Unlock()

		return runCtx, release, nil
	}

	if cancelInProgress {
		grp.running.cancel(ErrCancelledByNewerRun)
	}
	w := &waiter{superseded: make(chan struct{})}
	grp.pending = w
	running := grp.running
	g.mu.Unlock()

	select {
	case <-running.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		if grp.pending != w {
			return nil, nil, errors.WithStack(ErrSuperseded)
		}
		grp.pending = nil
		runCtx, release := g.start(ctx, key, grp)

		return runCtx, release, nil
	case <-w.superseded:
		return nil, nil, errors.WithStack(ErrSuperseded)
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		if grp.pending == w {
			grp.pending = nil
		}

		return nil, nil, ctx.Err()
	}
}

// start must be called with g.mu held and no running run in grp.
func (g *Groups) start(ctx context.Context, key string, grp *group) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	grp.running = r

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()

			cancel(context.Canceled)
			grp.running = nil
			if grp.pending == nil && g.groups[key] == grp {
				delete(g.groups, key)
			}
			close(r.done)
		})
	}

	return runCtx, release
}
