package slurm

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func newRecord(t *jobTable, seq uint64) *record {
	r := &record{id: uuid.New(), seq: seq}
	t.add(r)
	return r
}

func TestArenaRejectsStaleHandle(t *testing.T) {
	var a arena
	r1 := &record{}
	h1 := a.insert(r1)
	if got, ok := a.get(h1); !ok || got != r1 {
		t.Fatal("fresh handle did not resolve")
	}
	if !a.remove(h1) {
		t.Fatal("remove failed")
	}

	r2 := &record{}
	h2 := a.insert(r2)
	if h2.idx != h1.idx {
		t.Fatalf("expected slot %d to be reused, got %d", h1.idx, h2.idx)
	}
	if _, ok := a.get(h1); ok {
		t.Error("stale handle resolved after slot reuse")
	}
	if got, ok := a.get(h2); !ok || got != r2 {
		t.Error("new handle did not resolve")
	}
	if a.remove(h1) {
		t.Error("removing through a stale handle succeeded")
	}
}

func TestJobTableRemoteIndex(t *testing.T) {
	tbl := newJobTable()
	a := newRecord(tbl, 1)
	b := newRecord(tbl, 2)

	tbl.assignRemote(a, 17, 0)
	tbl.assignRemote(b, 17, 1)

	if r, err := tbl.lookupRemote(17, 1); err != nil || r != b {
		t.Fatalf("lookup 17.1: got %v, %v", r, err)
	}
	if _, err := tbl.lookupRemote(17, 2); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	if rs := tbl.withRemote(17); len(rs) != 2 || rs[0] != a || rs[1] != b {
		t.Errorf("withRemote returned %v", rs)
	}

	tbl.clearRemote(a)
	if a.info.RemoteID != 0 || a.info.Task != 0 {
		t.Error("clearRemote left the remote id set")
	}
	if _, err := tbl.lookupRemote(17, 0); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("cleared task still resolves: %v", err)
	}

	tbl.remove(b)
	if _, err := tbl.lookup(b.id); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("removed job still resolves: %v", err)
	}
	if _, err := tbl.lookupRemote(17, 1); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("removed job still indexed by remote id: %v", err)
	}
	if tbl.len() != 1 {
		t.Errorf("expected 1 live record, got %d", tbl.len())
	}
}

func TestJobTableAllKeepsCreationOrder(t *testing.T) {
	tbl := newJobTable()
	a := newRecord(tbl, 1)
	b := newRecord(tbl, 2)
	tbl.remove(a)
	c := newRecord(tbl, 3) // takes a's slot

	all := tbl.all()
	if len(all) != 2 || all[0] != b || all[1] != c {
		t.Errorf("unexpected order %v", all)
	}
}
