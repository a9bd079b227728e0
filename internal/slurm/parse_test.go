package slurm

import (
	"errors"
	"testing"
)

func TestParseSubmission(t *testing.T) {
	id, err := ParseSubmission("Submitted batch job 42\n")
	if err != nil || id != 42 {
		t.Fatalf("got %d, %v; want 42", id, err)
	}

	// module load noise before the line is fine
	id, err = ParseSubmission("Lmod: loading slurm\nSubmitted batch job 1017\n")
	if err != nil || id != 1017 {
		t.Fatalf("got %d, %v; want 1017", id, err)
	}

	for _, out := range []string{"", "sbatch: error: invalid partition specified", "Submitted batch job 0"} {
		if _, err := ParseSubmission(out); !errors.Is(err, ErrSubmitParse) {
			t.Errorf("%q: expected ErrSubmitParse, got %v", out, err)
		}
	}
}

func TestParseSqueue(t *testing.T) {
	out := "             17     part1     test     user  R       0:05      1 node01\n" +
		"   18_[1-3]   long  array  user PD  0:00  3 (Resources)\n" +
		"garbage line\n"
	entries := ParseSqueue(out)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}

	e := entries[0]
	if e.JobID != 17 || e.Partition != "part1" || e.Name != "test" || e.User != "user" ||
		e.State != "R" || e.Time != "0:05" || e.Nodes != 1 || e.NodeList != "node01" {
		t.Errorf("unexpected first entry %+v", e)
	}
	if e.Pending() {
		t.Error("running job reported as pending")
	}

	if entries[1].JobID != 18 || !entries[1].Pending() || entries[1].NodeList != "(Resources)" {
		t.Errorf("unexpected array entry %+v", entries[1])
	}
}

func TestParseStdout(t *testing.T) {
	out := "42      1\t0: hello\n" +
		"42      2\t1: world\n" +
		"43     10\tplain\n" +
		"42      3\t0: \n"
	lines := ParseStdout(out)
	want := []StdoutLine{
		{JobID: 42, Line: 1, Task: 0, Text: "hello"},
		{JobID: 42, Line: 2, Task: 1, Text: "world"},
		{JobID: 43, Line: 10, Task: AllTasks, Text: "plain"},
		{JobID: 42, Line: 3, Task: 0, Text: ""},
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %+v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %+v, want %+v", i, lines[i], want[i])
		}
	}
}

func TestParseListing(t *testing.T) {
	names := ParseListing("job.sh\r\nout.txt\n\nresult.dat\n")
	if len(names) != 3 || names[0] != "job.sh" || names[1] != "out.txt" || names[2] != "result.dat" {
		t.Errorf("unexpected listing %q", names)
	}
}
