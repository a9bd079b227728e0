package slurm

import (
	"fmt"
	"sort"
	"time"
)

// handle addresses an arena slot; gen guards against reuse of a freed slot.
type handle struct {
	idx uint32
	gen uint32
}

type slot struct {
	gen uint32
	rec *record
}

type arena struct {
	slots []slot
	free  []uint32
}

func (a *arena) insert(r *record) handle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].rec = r
		return handle{idx: idx, gen: a.slots[idx].gen}
	}
	a.slots = append(a.slots, slot{gen: 1, rec: r})
	return handle{idx: uint32(len(a.slots) - 1), gen: 1}
}

func (a *arena) get(h handle) (*record, bool) {
	if int(h.idx) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.idx]
	if s.gen != h.gen || s.rec == nil {
		return nil, false
	}
	return s.rec, true
}

func (a *arena) remove(h handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	a.slots[h.idx].rec = nil
	a.slots[h.idx].gen++
	a.free = append(a.free, h.idx)
	return true
}

type remoteKey struct {
	remoteID int
	task     int
}

// record is one tracked job. Every field is guarded by the manager lock.
type record struct {
	id      JobID
	name    string
	seq     uint64
	h       handle
	proc    *Process
	info    ProcessInfo
	state   State
	err     error
	onEvent func(Event)

	// bumped on every start and on start failure; queued steps of an older
	// attempt are skipped
	attempt int
	// when the remote id was assigned, to ignore squeue listings issued earlier
	assignedAt time.Time
}

// jobTable stores records densely and indexes them by JobID and by the
// (remote id, task) pair reported by the scheduler.
type jobTable struct {
	arena    arena
	byID     map[JobID]handle
	byRemote map[remoteKey]handle
}

func newJobTable() *jobTable {
	return &jobTable{
		byID:     make(map[JobID]handle),
		byRemote: make(map[remoteKey]handle),
	}
}

func (t *jobTable) add(r *record) {
	r.h = t.arena.insert(r)
	t.byID[r.id] = r.h
	if r.info.RemoteID != 0 {
		t.byRemote[remoteKey{r.info.RemoteID, r.info.Task}] = r.h
	}
}

func (t *jobTable) lookup(id JobID) (*record, error) {
	h, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	r, ok := t.arena.get(h)
	if !ok {
		delete(t.byID, id)
		return nil, fmt.Errorf("%w: %s (stale handle)", ErrUnknownJob, id)
	}
	return r, nil
}

func (t *jobTable) lookupRemote(remoteID, task int) (*record, error) {
	k := remoteKey{remoteID, task}
	h, ok := t.byRemote[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnknownTask, remoteID, task)
	}
	r, ok := t.arena.get(h)
	if !ok || r.info.RemoteID != remoteID || r.info.Task != task {
		delete(t.byRemote, k)
		return nil, fmt.Errorf("%w: %d.%d (stale index)", ErrUnknownTask, remoteID, task)
	}
	return r, nil
}

func (t *jobTable) assignRemote(r *record, remoteID, task int) {
	t.clearRemote(r)
	r.info.RemoteID = remoteID
	r.info.Task = task
	t.byRemote[remoteKey{remoteID, task}] = r.h
}

func (t *jobTable) clearRemote(r *record) {
	if r.info.RemoteID != 0 {
		k := remoteKey{r.info.RemoteID, r.info.Task}
		if h, ok := t.byRemote[k]; ok && h == r.h {
			delete(t.byRemote, k)
		}
	}
	r.info.RemoteID = 0
	r.info.Task = 0
}

func (t *jobTable) remove(r *record) {
	t.clearRemote(r)
	delete(t.byID, r.id)
	t.arena.remove(r.h)
}

func (t *jobTable) len() int { return len(t.byID) }

// all returns live records in creation order.
func (t *jobTable) all() []*record {
	out := make([]*record, 0, len(t.byID))
	for _, s := range t.arena.slots {
		if s.rec != nil {
			out = append(out, s.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// withRemote returns the records of one scheduler job, ordered by task.
func (t *jobTable) withRemote(remoteID int) []*record {
	var out []*record
	for _, r := range t.all() {
		if r.info.RemoteID == remoteID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.Task < out[j].info.Task })
	return out
}
