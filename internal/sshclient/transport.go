package sshclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Op identifies which transport primitive produced a Completion.
type Op int

const (
	OpExec Op = iota + 1
	OpOOBExec
	OpGet
	OpPut
)

func (o Op) String() string {
	switch o {
	case OpExec:
		return "exec"
	case OpOOBExec:
		return "oob-exec"
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Completion is sent exactly once per started operation.
type Completion struct {
	ID       uint64
	Op       Op
	Target   string
	Output   string
	TimedOut bool
	Err      error
}

var (
	ErrAlreadyRunning = errors.New("transport: operation already running")
	ErrClosed         = errors.New("transport: closed")
)

// operation ids are unique for the whole process so completions from a
// discarded transport can never be mistaken for current ones
var opSeq atomic.Uint64

// Transport runs at most one primary exec, one get and one put at a time, plus
// an independent out-of-band exec, each on its own worker goroutine.
type Transport struct {
	remote Remote
	done   chan<- Completion

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	exec   *worker
	oob    *worker
	get    *worker
	put    *worker
}

// NewTransport takes ownership of remote. Completions are delivered on done,
// which is owned by the caller and may outlive the transport.
func NewTransport(remote Remote, done chan<- Completion) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		remote: remote,
		done:   done,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *Transport) Exec(cmd string, timeout time.Duration) (uint64, error) {
	return t.start(&t.exec, OpExec, cmd, timeout, func(ctx context.Context) (string, error) {
		return t.remote.Run(ctx, cmd)
	})
}

// OOBExec runs cmd on the out-of-band channel, concurrently with the primary
// operations.
func (t *Transport) OOBExec(cmd string, timeout time.Duration) (uint64, error) {
	return t.start(&t.oob, OpOOBExec, cmd, timeout, func(ctx context.Context) (string, error) {
		return t.remote.Run(ctx, cmd)
	})
}

func (t *Transport) Get(remotePath, localPath string, timeout time.Duration) (uint64, error) {
	return t.start(&t.get, OpGet, remotePath, timeout, func(ctx context.Context) (string, error) {
		return "", t.remote.Download(ctx, remotePath, localPath)
	})
}

func (t *Transport) Put(localPath, remotePath string, timeout time.Duration) (uint64, error) {
	return t.start(&t.put, OpPut, remotePath, timeout, func(ctx context.Context) (string, error) {
		return "", t.remote.Upload(ctx, localPath, remotePath)
	})
}

// Idle reports whether no primary exec, get or put is outstanding.
func (t *Transport) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idle := true
	for _, slot := range []**worker{&t.exec, &t.get, &t.put} {
		if !reclaim(slot) {
			idle = false
		}
	}
	return idle
}

// OOBIdle reports whether the out-of-band channel is free.
func (t *Transport) OOBIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return reclaim(&t.oob)
}

// Close abandons in-flight operations (their completions are dropped) and
// closes the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	return t.remote.Close()
}

func (t *Transport) start(slot **worker, op Op, target string, timeout time.Duration, fn func(context.Context) (string, error)) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if !reclaim(slot) {
		return 0, fmt.Errorf("%s %s: %w", op, target, ErrAlreadyRunning)
	}

	w := &worker{
		id:       opSeq.Add(1),
		op:       op,
		target:   target,
		timeout:  timeout,
		finished: make(chan struct{}),
	}
	*slot = w
	go w.run(t.ctx, t.done, fn)
	return w.id, nil
}

// reclaim clears a finished worker out of its slot and reports whether the
// slot is free.
func reclaim(slot **worker) bool {
	if *slot == nil {
		return true
	}
	if (*slot).busy() {
		return false
	}
	*slot = nil
	return true
}
