package slurm

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var submitRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseSubmission extracts the job id from sbatch output.
func ParseSubmission(out string) (int, error) {
	m := submitRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrSubmitParse, strings.TrimSpace(out))
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrSubmitParse, m[1])
	}
	return id, nil
}

// QueueEntry is one line of `squeue -h` default output.
type QueueEntry struct {
	JobID     int
	Partition string
	Name      string
	User      string
	State     string
	Time      string
	Nodes     int
	NodeList  string
}

// Pending reports whether the scheduler has not started the job yet.
func (e QueueEntry) Pending() bool {
	switch e.State {
	case "PD", "CF", "RQ", "RH", "RF", "RS", "S":
		return true
	}
	return false
}

// "   17   part1  name  user  R  0:05   1  node01"
// array jobs show as 17_3 or 17_[4-9]; only the base id matters here
var squeueRe = regexp.MustCompile(`^\s*(\d+)(?:_\S*)?\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\d+)\s*(.*)$`)

func ParseSqueue(out string) []QueueEntry {
	var res []QueueEntry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := squeueRe.FindStringSubmatch(strings.TrimRight(sc.Text(), "\r"))
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		nodes, _ := strconv.Atoi(m[7])
		res = append(res, QueueEntry{
			JobID:     id,
			Partition: m[2],
			Name:      m[3],
			User:      m[4],
			State:     m[5],
			Time:      m[6],
			Nodes:     nodes,
			NodeList:  strings.TrimSpace(m[8]),
		})
	}
	return res
}

// AllTasks marks a stdout line without a task label, such as a
// slurmstepd message.
const AllTasks = -1

// StdoutLine is one line of a job's output as produced by the stdout tail
// command: "<jobid> <lineno>\t<task>: <text>".
type StdoutLine struct {
	JobID int
	Line  int
	Task  int
	Text  string
}

var stdoutRe = regexp.MustCompile(`^(\d+)\s+(\d+)\t(?:\s*(\d+): ?)?(.*)$`)

// ParseStdout has no line length limit; a line the parser skipped would be
// requested again on every poll.
func ParseStdout(out string) []StdoutLine {
	var res []StdoutLine
	for _, raw := range strings.Split(out, "\n") {
		m := stdoutRe.FindStringSubmatch(strings.TrimRight(raw, "\r"))
		if m == nil {
			continue
		}
		jobID, _ := strconv.Atoi(m[1])
		line, _ := strconv.Atoi(m[2])
		task := AllTasks
		if m[3] != "" {
			task, _ = strconv.Atoi(m[3])
		}
		res = append(res, StdoutLine{JobID: jobID, Line: line, Task: task, Text: m[4]})
	}
	return res
}

// ParseListing splits `ls -A1` output into names.
func ParseListing(out string) []string {
	var names []string
	for _, ln := range strings.Split(out, "\n") {
		ln = strings.TrimRight(ln, "\r")
		if ln == "" {
			continue
		}
		names = append(names, ln)
	}
	return names
}
