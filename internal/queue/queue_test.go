package queue

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tastythames/slurm-runner/internal/sshclient"
)

type fakeExecutor struct {
	calls    []string
	timeouts []time.Duration
	next     uint64
	fail     error
}

func (f *fakeExecutor) issue(call string, timeout time.Duration) (uint64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.next++
	f.calls = append(f.calls, call)
	f.timeouts = append(f.timeouts, timeout)
	return f.next, nil
}

func (f *fakeExecutor) Exec(cmd string, timeout time.Duration) (uint64, error) {
	return f.issue("exec "+cmd, timeout)
}

func (f *fakeExecutor) Get(remotePath, localPath string, timeout time.Duration) (uint64, error) {
	return f.issue("get "+remotePath, timeout)
}

func (f *fakeExecutor) Put(localPath, remotePath string, timeout time.Duration) (uint64, error) {
	return f.issue("put "+remotePath, timeout)
}

func TestPumpAppliesInOrderAndWaits(t *testing.T) {
	q := New(time.Minute)
	ex := &fakeExecutor{}
	var order []string

	q.Push(&LocalCall{Name: "a", Fn: func() { order = append(order, "a") }})
	q.Push(&RemoteExec{Command: "mkdir -p x", Handler: func(r Result) { order = append(order, "exec:"+r.Output) }})
	q.Push(&LocalCall{Name: "b", Fn: func() { order = append(order, "b") }})
	q.Push(&PutFile{Local: "l", Remote: "r", Timeout: time.Second})

	if err := q.Pump(ex); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, []string{"a"}) {
		t.Errorf("local call should run and the exec should block the rest, got %v", order)
	}
	if !reflect.DeepEqual(ex.calls, []string{"exec mkdir -p x"}) {
		t.Errorf("unexpected transport calls %v", ex.calls)
	}
	if ex.timeouts[0] != time.Minute {
		t.Errorf("default timeout not applied, got %s", ex.timeouts[0])
	}

	// pumping again while running must not apply anything
	q.Pump(ex)
	if len(ex.calls) != 1 || !q.Running() {
		t.Errorf("queue advanced past a running item: %v", ex.calls)
	}

	if !q.Complete(sshclient.Completion{ID: 1, Output: "ok"}) {
		t.Fatal("completion for the front item was rejected")
	}
	q.Pump(ex)
	if !reflect.DeepEqual(order, []string{"a", "exec:ok", "b"}) {
		t.Errorf("unexpected order %v", order)
	}
	if !reflect.DeepEqual(ex.calls, []string{"exec mkdir -p x", "put r"}) {
		t.Errorf("unexpected transport calls %v", ex.calls)
	}
	if ex.timeouts[1] != time.Second {
		t.Errorf("item timeout should override the default, got %s", ex.timeouts[1])
	}
	if q.Len() != 1 {
		t.Errorf("expected only the put to remain, got %v", q.Describe())
	}
}

func TestSkippedTransfersDoNotBlock(t *testing.T) {
	q := New(time.Minute)
	ex := &fakeExecutor{}
	skip := func() bool { return true }

	q.Push(&PutFile{Local: "a", Remote: "a", Skip: skip})
	q.Push(&GetFile{Remote: "b", Local: "b", Skip: skip})
	q.Push(&GetFile{Remote: "c", Local: "c", Skip: func() bool { return false }})

	q.Pump(ex)
	if !reflect.DeepEqual(ex.calls, []string{"get c"}) {
		t.Errorf("skipped items should be passed over in the same pump, got %v", ex.calls)
	}
	if q.Len() != 1 {
		t.Errorf("expected the started get to be the only item left, got %d", q.Len())
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	q := New(time.Minute)
	ex := &fakeExecutor{}
	finished := 0
	q.Push(&RemoteExec{Command: "ls", Handler: func(Result) { finished++ }})
	q.Pump(ex)

	if q.Complete(sshclient.Completion{ID: 99}) {
		t.Error("completion with a foreign id must be rejected")
	}
	if finished != 0 || q.Len() != 1 {
		t.Error("stale completion should not finish the item")
	}
}

func TestResetFrontRetriesSameItem(t *testing.T) {
	q := New(time.Minute)
	ex := &fakeExecutor{}
	q.Push(&RemoteExec{Command: "first"})
	q.Push(&RemoteExec{Command: "second"})
	q.Pump(ex)

	if !q.ResetFront() {
		t.Error("front item was running, ResetFront should report it")
	}
	if q.Complete(sshclient.Completion{ID: 1}) {
		t.Error("completion of the abandoned attempt must be ignored")
	}

	q.Pump(ex)
	if !reflect.DeepEqual(ex.calls, []string{"exec first", "exec first"}) {
		t.Errorf("the same item should be retried, got %v", ex.calls)
	}
}

func TestApplyErrorKeepsItem(t *testing.T) {
	q := New(time.Minute)
	boom := errors.New("connection lost")
	ex := &fakeExecutor{fail: boom}
	q.Push(&RemoteExec{Command: "first"})

	err := q.Pump(ex)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped apply error, got %v", err)
	}
	if q.Len() != 1 || q.Running() {
		t.Error("failed item should stay at the front and not be running")
	}
}

func TestTimedOutCompletionStillAdvances(t *testing.T) {
	q := New(time.Minute)
	ex := &fakeExecutor{}
	var got Result
	q.Push(&GetFile{Remote: "r", Local: "l", Done: func(r Result) { got = r }})
	q.Pump(ex)
	q.Complete(sshclient.Completion{ID: 1, TimedOut: true})
	if !got.TimedOut || !got.Failed() {
		t.Errorf("timeout should be reported to the item, got %+v", got)
	}
	if q.Len() != 0 {
		t.Error("a timed out item is finished, not retried")
	}
}
