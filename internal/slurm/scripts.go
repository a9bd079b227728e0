package slurm

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tastythames/slurm-runner/internal/sshclient"
)

const (
	jobScriptName = "job.sh"
	stdinName     = "stdin"
	sbatchName    = "sbatch.sh"
	srunConfName  = "srun.conf"
	extractStamp  = ".extracted"
)

// homeRel renders a remote path for a shell script that may change directory:
// relative paths are anchored at $HOME, where sbatch -D ~ starts the job.
func homeRel(p string) string {
	if path.IsAbs(p) {
		return sshclient.Quote(p)
	}
	return `"$HOME"/` + sshclient.Quote(p)
}

// JobScript renders the per-job shell script.
func JobScript(info ProcessInfo, root string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "cd %s || exit 1\n", homeRel(info.WorkDir))
	b.WriteString(homeRel(info.Tool.RemoteExe(root)))
	for _, p := range info.Params {
		b.WriteString(" " + sshclient.Quote(p))
	}
	if info.Stdin != "" {
		b.WriteString(" < " + stdinName)
	}
	b.WriteString("\n")
	return b.String()
}

// SrunConf maps task index to job script for srun --multi-prog. Paths are
// relative to the submission directory (the home directory).
func SrunConf(scripts []string) string {
	var b strings.Builder
	for i, s := range scripts {
		fmt.Fprintf(&b, "%d /bin/sh %s\n", i, s)
	}
	return b.String()
}

// SbatchScript renders the batch wrapper that starts every task of a batch.
func SbatchScript(name, srunConf string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", name)
	b.WriteString("module load slurm 2>/dev/null\n")
	fmt.Fprintf(&b, "srun --label --multi-prog %s\n", sshclient.Quote(srunConf))
	return b.String()
}

func writeScratch(dir, name, content string, mode os.FileMode) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}
