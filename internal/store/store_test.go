package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tastythames/slurm-runner/internal/slurm"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadActive(t *testing.T) {
	s := openTemp(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	submitted := slurm.StoredJob{
		ID:    uuid.New(),
		Name:  "a",
		State: slurm.StateWaitingInQueue,
		Info: slurm.ProcessInfo{
			Tool:            slurm.ToolInfo{Name: "tool", LocalPath: "/opt/tool.tar.gz", Exe: "bin/tool"},
			Params:          []string{"-v"},
			OutputDir:       "/tmp/out",
			ExpectedOutputs: []string{"out.txt"},
			WorkDir:         "slurm-runner/jobs/a",
			RemoteID:        42,
			Task:            3,
			LastStdoutLine:  7,
		},
		UpdatedAt: now,
	}
	idle := slurm.StoredJob{ID: uuid.New(), Name: "b", State: slurm.StateIdle, UpdatedAt: now.Add(time.Second)}

	for _, j := range []slurm.StoredJob{submitted, idle} {
		if err := s.Save(j); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.LoadActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active job, got %d", len(active))
	}
	got := active[0]
	if got.ID != submitted.ID || got.Name != "a" || got.State != slurm.StateWaitingInQueue {
		t.Errorf("unexpected job %+v", got)
	}
	if got.Info.RemoteID != 42 || got.Info.Task != 3 || got.Info.LastStdoutLine != 7 || got.Info.Tool.Exe != "bin/tool" {
		t.Errorf("info not round-tripped: %+v", got.Info)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("updated_at %s, want %s", got.UpdatedAt, now)
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != idle.ID {
		t.Errorf("list should return both jobs, newest first: %+v", all)
	}
}

func TestSaveReplacesAndDelete(t *testing.T) {
	s := openTemp(t)
	j := slurm.StoredJob{ID: uuid.New(), Name: "a", State: slurm.StateWaitingInQueue, Info: slurm.ProcessInfo{RemoteID: 5}}
	if err := s.Save(j); err != nil {
		t.Fatal(err)
	}

	// finished: remote id cleared
	j.State = slurm.StateIdle
	j.Info.RemoteID = 0
	if err := s.Save(j); err != nil {
		t.Fatal(err)
	}
	active, err := s.LoadActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("finished job still active: %+v", active)
	}

	if err := s.Delete(j.ID); err != nil {
		t.Fatal(err)
	}
	all, _ := s.List()
	if len(all) != 0 {
		t.Errorf("deleted job still listed: %+v", all)
	}
}
