package sshclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

type blockingRemote struct {
	release chan struct{}
	closed  bool
}

func (r *blockingRemote) wait(ctx context.Context) error {
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *blockingRemote) Run(ctx context.Context, cmd string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return "out:" + cmd, nil
}

func (r *blockingRemote) Download(ctx context.Context, remotePath, localPath string) error {
	return r.wait(ctx)
}

func (r *blockingRemote) Upload(ctx context.Context, localPath, remotePath string) error {
	return r.wait(ctx)
}

func (r *blockingRemote) Close() error {
	r.closed = true
	return nil
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion delivered")
		return Completion{}
	}
}

func TestTransportRejectsSecondPrimaryExec(t *testing.T) {
	r := &blockingRemote{release: make(chan struct{})}
	done := make(chan Completion, 4)
	tr := NewTransport(r, done)
	defer tr.Close()

	id, err := tr.Exec("hostname", time.Second)
	if err != nil {
		t.Fatal("first exec failed: ", err)
	}
	if _, err := tr.Exec("uptime", time.Second); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning for second exec, got %v", err)
	}
	if tr.Idle() {
		t.Error("transport reported idle with an exec outstanding")
	}

	// the out-of-band channel is independent
	if _, err := tr.OOBExec("squeue", time.Second); err != nil {
		t.Errorf("oob exec should run alongside the primary channel, got %v", err)
	}
	// get and put have their own slots
	if _, err := tr.Get("a", "b", time.Second); err != nil {
		t.Errorf("get should not conflict with exec, got %v", err)
	}
	if _, err := tr.Get("c", "d", time.Second); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning for second get, got %v", err)
	}

	close(r.release)
	seen := map[Op]Completion{}
	for i := 0; i < 3; i++ {
		c := waitCompletion(t, done)
		seen[c.Op] = c
	}
	if c := seen[OpExec]; c.ID != id || c.Output != "out:hostname" || c.TimedOut || c.Err != nil {
		t.Errorf("unexpected exec completion %+v", c)
	}
	if !tr.Idle() || !tr.OOBIdle() {
		t.Error("transport should be idle once every worker finished")
	}
}

func TestTransportTimeout(t *testing.T) {
	r := &blockingRemote{release: make(chan struct{})}
	done := make(chan Completion, 1)
	tr := NewTransport(r, done)
	defer tr.Close()

	if _, err := tr.Put("local", "remote", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, done)
	if !c.TimedOut {
		t.Errorf("expected timed out completion, got %+v", c)
	}
	if c.Op != OpPut || c.Target != "remote" {
		t.Errorf("completion should describe the put, got %+v", c)
	}
	if !tr.Idle() {
		t.Error("timed out worker should be reclaimed")
	}
}

func TestTransportCloseDropsInFlight(t *testing.T) {
	r := &blockingRemote{release: make(chan struct{})}
	done := make(chan Completion, 1)
	tr := NewTransport(r, done)

	if _, err := tr.Exec("sleep", time.Minute); err != nil {
		t.Fatal(err)
	}
	tr.Close()
	if !r.closed {
		t.Error("closing the transport should close the remote")
	}
	if _, err := tr.Exec("again", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	select {
	case c := <-done:
		t.Errorf("abandoned operation should not complete, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOperationIDsAreUnique(t *testing.T) {
	r := &blockingRemote{release: make(chan struct{})}
	close(r.release)
	done := make(chan Completion, 2)
	a := NewTransport(r, done)
	b := NewTransport(r, done)

	ida, _ := a.Exec("x", time.Second)
	idb, _ := b.Exec("x", time.Second)
	if ida == idb {
		t.Errorf("two transports handed out the same operation id %d", ida)
	}
	waitCompletion(t, done)
	waitCompletion(t, done)
}
