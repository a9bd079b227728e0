package sshclient

import (
	"context"
	"errors"
	"time"
)

// worker waits for one blocking remote operation, bounded by its timeout.
type worker struct {
	id      uint64
	op      Op
	target  string
	timeout time.Duration

	finished chan struct{}
}

func (w *worker) busy() bool {
	select {
	case <-w.finished:
		return false
	default:
		return true
	}
}

func (w *worker) run(base context.Context, done chan<- Completion, fn func(context.Context) (string, error)) {
	ctx, cancel := base, context.CancelFunc(func() {})
	if w.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, w.timeout)
	}
	defer cancel()

	type result struct {
		out string
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := fn(ctx)
		res <- result{out: out, err: err}
	}()

	c := Completion{ID: w.id, Op: w.op, Target: w.target}
	select {
	case r := <-res:
		c.Output, c.Err = r.out, r.err
		c.TimedOut = errors.Is(r.err, context.DeadlineExceeded)
	case <-ctx.Done():
		if base.Err() != nil {
			// transport closed: nobody is waiting for this any more
			close(w.finished)
			return
		}
		c.TimedOut = true
		c.Err = ctx.Err()
	}

	// mark the slot free before the completion is seen, so the receiver can
	// start the next operation right away
	close(w.finished)

	if base.Err() != nil {
		return
	}
	select {
	case done <- c:
	case <-base.Done():
	}
}
