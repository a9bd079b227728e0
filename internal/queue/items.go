package queue

import (
	"fmt"
	"time"
)

// Executor is the part of the transport that queue items drive.
type Executor interface {
	Exec(cmd string, timeout time.Duration) (uint64, error)
	Get(remotePath, localPath string, timeout time.Duration) (uint64, error)
	Put(localPath, remotePath string, timeout time.Duration) (uint64, error)
}

// Result is what the transport reported for an item that started work.
type Result struct {
	Output   string
	TimedOut bool
	Err      error
}

// Failed reports whether the operation timed out or returned an error.
func (r Result) Failed() bool { return r.TimedOut || r.Err != nil }

type Kind int

const (
	KindLocalCall Kind = iota + 1
	KindRemoteExec
	KindGetFile
	KindPutFile
)

func (k Kind) String() string {
	switch k {
	case KindLocalCall:
		return "local"
	case KindRemoteExec:
		return "exec"
	case KindGetFile:
		return "get"
	case KindPutFile:
		return "put"
	default:
		return "unknown"
	}
}

// Item is one step in the serialized pipeline. Apply returns true when the
// transport is now busy with the item and a completion must be awaited, false
// when there was nothing to do. The set of kinds is closed.
type Item interface {
	Kind() Kind
	Apply(ex Executor) (bool, error)
	Finish(r Result)
	String() string

	sealed()
}

// LocalCall runs Fn on the control goroutine without touching the transport.
type LocalCall struct {
	Name string
	Fn   func()
}

func (c *LocalCall) Kind() Kind { return KindLocalCall }

func (c *LocalCall) Apply(Executor) (bool, error) {
	if c.Fn != nil {
		c.Fn()
	}
	return false, nil
}

func (c *LocalCall) Finish(Result) {}

func (c *LocalCall) String() string { return "local " + c.Name }

func (*LocalCall) sealed() {}

// RemoteExec runs Command on the primary channel and hands the collected
// stdout to Handler. Skip, when set and true, drops the command unrun.
type RemoteExec struct {
	Command string
	Timeout time.Duration
	Skip    func() bool
	Handler func(r Result)
}

func (e *RemoteExec) Kind() Kind { return KindRemoteExec }

func (e *RemoteExec) Apply(ex Executor) (bool, error) {
	if e.Skip != nil && e.Skip() {
		return false, nil
	}
	if _, err := ex.Exec(e.Command, e.Timeout); err != nil {
		return false, err
	}
	return true, nil
}

func (e *RemoteExec) Finish(r Result) {
	if e.Handler != nil {
		e.Handler(r)
	}
}

func (e *RemoteExec) String() string { return "exec " + e.Command }

func (*RemoteExec) sealed() {}

// GetFile downloads Remote into Local unless Skip says no transfer is needed.
type GetFile struct {
	Remote  string
	Local   string
	Timeout time.Duration
	Skip    func() bool
	Done    func(r Result)
}

func (g *GetFile) Kind() Kind { return KindGetFile }

func (g *GetFile) Apply(ex Executor) (bool, error) {
	if g.Skip != nil && g.Skip() {
		return false, nil
	}
	if _, err := ex.Get(g.Remote, g.Local, g.Timeout); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GetFile) Finish(r Result) {
	if g.Done != nil {
		g.Done(r)
	}
}

func (g *GetFile) String() string { return fmt.Sprintf("get %s -> %s", g.Remote, g.Local) }

func (*GetFile) sealed() {}

// PutFile uploads Local to Remote unless Skip says no transfer is needed.
type PutFile struct {
	Local   string
	Remote  string
	Timeout time.Duration
	Skip    func() bool
	Done    func(r Result)
}

func (p *PutFile) Kind() Kind { return KindPutFile }

func (p *PutFile) Apply(ex Executor) (bool, error) {
	if p.Skip != nil && p.Skip() {
		return false, nil
	}
	if _, err := ex.Put(p.Local, p.Remote, p.Timeout); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PutFile) Finish(r Result) {
	if p.Done != nil {
		p.Done(r)
	}
}

func (p *PutFile) String() string { return fmt.Sprintf("put %s -> %s", p.Local, p.Remote) }

func (*PutFile) sealed() {}
