package queue

import (
	"fmt"
	"time"

	"github.com/tastythames/slurm-runner/internal/sshclient"
)

type entry struct {
	seq     uint64
	item    Item
	running bool
	opID    uint64
}

// Queue applies items strictly one after another: item i+1 is never applied
// before item i has completed. It is not safe for concurrent use; the owner
// serializes access.
type Queue struct {
	entries []*entry
	seq     uint64

	// timeout used for items that do not set their own
	timeout time.Duration
}

func New(defaultTimeout time.Duration) *Queue {
	return &Queue{timeout: defaultTimeout}
}

// Push appends it and returns its sequence id.
func (q *Queue) Push(it Item) uint64 {
	q.seq++
	q.entries = append(q.entries, &entry{seq: q.seq, item: it})
	return q.seq
}

func (q *Queue) Len() int { return len(q.entries) }

// Running reports whether the front item is waiting for a completion.
func (q *Queue) Running() bool {
	return len(q.entries) > 0 && q.entries[0].running
}

// Pump applies items from the front until one starts remote work or the queue
// is empty. Items reporting no work are dropped immediately. On an apply error
// the offending item stays at the front, not running, and the error is
// returned.
func (q *Queue) Pump(ex Executor) error {
	for len(q.entries) > 0 {
		e := q.entries[0]
		if e.running {
			return nil
		}

		rec := &recorder{ex: ex, timeout: q.timeout}
		started, err := e.item.Apply(rec)
		if err != nil {
			return fmt.Errorf("apply #%d %s: %w", e.seq, e.item, err)
		}
		if started {
			if !rec.issued {
				return fmt.Errorf("apply #%d %s: reported work without starting an operation", e.seq, e.item)
			}
			e.running = true
			e.opID = rec.id
			return nil
		}
		q.popFront(e)
	}
	return nil
}

// Complete routes a transport completion to the front item. It returns false
// when the completion does not belong to it (stale or unknown operation).
func (q *Queue) Complete(c sshclient.Completion) bool {
	if len(q.entries) == 0 {
		return false
	}
	e := q.entries[0]
	if !e.running || e.opID != c.ID {
		return false
	}
	q.popFront(e)
	e.item.Finish(Result{Output: c.Output, TimedOut: c.TimedOut, Err: c.Err})
	return true
}

// ResetFront marks the front item as not running so the next Pump applies it
// again from scratch.
func (q *Queue) ResetFront() bool {
	if len(q.entries) == 0 {
		return false
	}
	e := q.entries[0]
	was := e.running
	e.running = false
	e.opID = 0
	return was
}

// Describe lists the pending items, front first.
func (q *Queue) Describe() []string {
	out := make([]string, 0, len(q.entries))
	for _, e := range q.entries {
		s := fmt.Sprintf("#%d %s", e.seq, e.item)
		if e.running {
			s += " (running)"
		}
		out = append(out, s)
	}
	return out
}

func (q *Queue) popFront(e *entry) {
	if len(q.entries) > 0 && q.entries[0] == e {
		q.entries[0] = nil
		q.entries = q.entries[1:]
	}
}

// recorder captures the operation id an item started and fills in the
// default timeout.
type recorder struct {
	ex      Executor
	timeout time.Duration

	issued bool
	id     uint64
}

func (r *recorder) to(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return r.timeout
}

func (r *recorder) note(id uint64, err error) (uint64, error) {
	if err == nil {
		r.issued = true
		r.id = id
	}
	return id, err
}

func (r *recorder) Exec(cmd string, timeout time.Duration) (uint64, error) {
	return r.note(r.ex.Exec(cmd, r.to(timeout)))
}

func (r *recorder) Get(remotePath, localPath string, timeout time.Duration) (uint64, error) {
	return r.note(r.ex.Get(remotePath, localPath, r.to(timeout)))
}

func (r *recorder) Put(localPath, remotePath string, timeout time.Duration) (uint64, error) {
	return r.note(r.ex.Put(localPath, remotePath, r.to(timeout)))
}
