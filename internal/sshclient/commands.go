package sshclient

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Quote makes s safe to splice into a POSIX shell command line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func CmdMkdir(dir string) string { return "mkdir -p " + Quote(dir) }

func CmdChmodExec(p string) string { return "chmod +x " + Quote(p) }

func CmdSha1Sum(p string) string { return "sha1sum " + Quote(p) }

func CmdListDir(dir string) string { return "ls -A1 " + Quote(dir) }

// CmdCopy copies a file that already lives on the cluster.
func CmdCopy(src, dst string) string {
	return fmt.Sprintf("mkdir -p %s && cp -f %s %s", Quote(path.Dir(dst)), Quote(src), Quote(dst))
}

// CmdExtractIfNewer unpacks archive inside dir unless the stamp file is at
// least as new as the archive.
func CmdExtractIfNewer(dir, archive, stamp string) string {
	a, s := Quote(archive), Quote(stamp)
	return fmt.Sprintf("cd %s && if [ ! -e %s ] || [ %s -nt %s ]; then tar -xvf %s && touch %s; fi",
		Quote(dir), s, a, s, a, s)
}

// SbatchOptions are the scheduler flags passed on submission.
type SbatchOptions struct {
	Tasks     int
	Partition string
	Account   string
	TimeLimit time.Duration
}

func CmdSbatch(script string, o SbatchOptions) string {
	n := o.Tasks
	if n < 1 {
		n = 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, "module load slurm; sbatch -D ~ -n%d", n)
	if o.Partition != "" {
		b.WriteString(" --partition=" + Quote(o.Partition))
	}
	if o.Account != "" {
		b.WriteString(" --account=" + Quote(o.Account))
	}
	if o.TimeLimit > 0 {
		mins := int((o.TimeLimit + time.Minute - 1) / time.Minute)
		fmt.Fprintf(&b, " --time=%d", mins)
	}
	b.WriteString(" " + Quote(script))
	return b.String()
}

func CmdSqueue() string { return "module load slurm; squeue -h -u $USER" }

// StdoutCursor names a scheduler job and the last stdout line already read.
type StdoutCursor struct {
	JobID int
	After int
}

// CmdStdoutTail prints the unread lines of each job's slurm-<id>.out,
// numbered by cat -n and prefixed with the job id.
func CmdStdoutTail(cursors []StdoutCursor) string {
	parts := make([]string, 0, len(cursors))
	for _, c := range cursors {
		f := fmt.Sprintf("slurm-%d.out", c.JobID)
		parts = append(parts, fmt.Sprintf(
			"if [ -f %s ]; then cat -n %s | sed -n '%d,$p' | sed 's/^/%d /'; fi",
			f, f, c.After+1, c.JobID))
	}
	return strings.Join(parts, "; ")
}
