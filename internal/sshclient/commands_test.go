package sshclient

import (
	"testing"
	"time"
)

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"plain/path.txt": "plain/path.txt",
		"":               "''",
		"with space":     "'with space'",
		"it's":           `'it'"'"'s'`,
		"$HOME":          "'$HOME'",
	}
	for in, want := range tests {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %s, expected %s", in, got, want)
		}
	}
}

func TestCmdSbatch(t *testing.T) {
	got := CmdSbatch("runs/b1/sbatch.sh", SbatchOptions{Tasks: 3, Partition: "short", Account: "proj1", TimeLimit: 90*time.Minute + time.Second})
	want := "module load slurm; sbatch -D ~ -n3 --partition=short --account=proj1 --time=91 runs/b1/sbatch.sh"
	if got != want {
		t.Errorf("got %q\nexpected %q", got, want)
	}

	got = CmdSbatch("s.sh", SbatchOptions{})
	if got != "module load slurm; sbatch -D ~ -n1 s.sh" {
		t.Errorf("unexpected minimal sbatch %q", got)
	}
}

func TestCmdExtractIfNewer(t *testing.T) {
	got := CmdExtractIfNewer("tools/eplus", "eplus.tar", ".extracted")
	want := "cd tools/eplus && if [ ! -e .extracted ] || [ eplus.tar -nt .extracted ]; then tar -xvf eplus.tar && touch .extracted; fi"
	if got != want {
		t.Errorf("got %q\nexpected %q", got, want)
	}
}

func TestCmdStdoutTail(t *testing.T) {
	got := CmdStdoutTail([]StdoutCursor{{JobID: 17, After: 4}, {JobID: 18}})
	want := "if [ -f slurm-17.out ]; then cat -n slurm-17.out | sed -n '5,$p' | sed 's/^/17 /'; fi; " +
		"if [ -f slurm-18.out ]; then cat -n slurm-18.out | sed -n '1,$p' | sed 's/^/18 /'; fi"
	if got != want {
		t.Errorf("got %q\nexpected %q", got, want)
	}
}

func TestCredentialsAddr(t *testing.T) {
	c := Credentials{Host: "hpc.example.org"}
	if got := c.Addr(2222); got != "hpc.example.org:2222" {
		t.Errorf("unexpected addr %s", got)
	}
	c.Port = 22
	if got := c.Addr(2222); got != "hpc.example.org:22" {
		t.Errorf("explicit port should win, got %s", got)
	}
	if c != (Credentials{Host: "hpc.example.org", Port: 22}) {
		t.Error("credentials should compare equal field by field")
	}
}
