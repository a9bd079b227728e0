package slurm

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobID identifies a tracked job for its whole lifetime, independent of the
// numeric id the scheduler assigns.
type JobID = uuid.UUID

var (
	ErrUnknownJob   = errors.New("slurm: unknown job")
	ErrUnknownTask  = errors.New("slurm: no job for remote id/task")
	ErrJobActive    = errors.New("slurm: job is active")
	ErrSubmitParse  = errors.New("slurm: could not read job id from sbatch output")
	ErrNotConnected = errors.New("slurm: not connected")
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateWaitingInQueue
	StateProcessing
	StateFinishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateWaitingInQueue:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateFinishing:
		return "finishing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active is true from Starting up to and including Finishing.
func (s State) Active() bool { return s != StateIdle }

// ToolInfo describes the executable a job runs. LocalPath is either a tar
// archive (unpacked on the cluster) or a single executable.
type ToolInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version,omitempty"`
	LocalPath     string `json:"local_path"`
	Exe           string `json:"exe,omitempty"`
	OutputPattern string `json:"output_pattern,omitempty"`
}

var archiveSuffixes = []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz"}

func (t ToolInfo) IsArchive() bool {
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(t.LocalPath, s) {
			return true
		}
	}
	return false
}

func (t ToolInfo) RemoteDir(root string) string {
	name := t.Name
	if t.Version != "" {
		name += "-" + t.Version
	}
	return path.Join(root, "tools", name)
}

func (t ToolInfo) RemoteUpload(root string) string {
	return path.Join(t.RemoteDir(root), path.Base(toSlash(t.LocalPath)))
}

// RemoteExe is the executable path on the cluster.
func (t ToolInfo) RemoteExe(root string) string {
	if t.Exe == "" {
		return t.RemoteUpload(root)
	}
	if path.IsAbs(t.Exe) {
		return t.Exe
	}
	return path.Join(t.RemoteDir(root), t.Exe)
}

func (t ToolInfo) outputRegexp() (*regexp.Regexp, error) {
	if t.OutputPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(t.OutputPattern)
	if err != nil {
		return nil, fmt.Errorf("tool %s output pattern: %w", t.Name, err)
	}
	return re, nil
}

// RequiredFile is an input placed in the job working directory. Source is a
// local path unless RemoteSource is set, in which case it already lives on the
// cluster and is copied there.
type RequiredFile struct {
	Source       string `json:"source"`
	Dest         string `json:"dest,omitempty"`
	RemoteSource bool   `json:"remote_source,omitempty"`
}

// FileInfo describes an output retrieved from a finished job.
type FileInfo struct {
	Name       string `json:"name"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	Digest     string `json:"digest,omitempty"`
}

// ProcessInfo is the orchestrator's bookkeeping for one job.
type ProcessInfo struct {
	Tool            ToolInfo       `json:"tool"`
	RequiredFiles   []RequiredFile `json:"required_files,omitempty"`
	Params          []string       `json:"params,omitempty"`
	OutputDir       string         `json:"output_dir"`
	ExpectedOutputs []string       `json:"expected_outputs,omitempty"`
	Stdin           string         `json:"stdin,omitempty"`

	WorkDir    string `json:"work_dir"`
	ScriptPath string `json:"script_path,omitempty"`

	// 0 until the scheduler accepted the submission
	RemoteID           int  `json:"remote_id"`
	Task               int  `json:"task"`
	LastStdoutLine     int  `json:"last_stdout_line"`
	FinalListRequested bool `json:"final_list_requested"`
	NeedsBatching      bool `json:"needs_batching"`
}

func (p ProcessInfo) clone() ProcessInfo {
	c := p
	c.RequiredFiles = append([]RequiredFile(nil), p.RequiredFiles...)
	c.Params = append([]string(nil), p.Params...)
	c.ExpectedOutputs = append([]string(nil), p.ExpectedOutputs...)
	return c
}

// Request is what a caller supplies to create a job.
type Request struct {
	Name            string
	Tool            ToolInfo
	RequiredFiles   []RequiredFile
	Params          []string
	OutputDir       string
	ExpectedOutputs []string
	Stdin           string

	// OnEvent, if set, receives this job's events after the manager's sinks.
	OnEvent func(Event)
}

type EventKind int

const (
	EventStatusChanged EventKind = iota + 1
	EventStarted
	EventStdout
	EventOutputFile
	EventFinished
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status"
	case EventStarted:
		return "started"
	case EventStdout:
		return "stdout"
	case EventOutputFile:
		return "output"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a notification about one job.
type Event struct {
	Kind     EventKind
	Job      JobID
	Name     string
	State    State
	RemoteID int
	Task     int
	Text     string
	File     *FileInfo
	Err      error
	At       time.Time
}

// EventSink receives every event the manager emits. Publish is called outside
// the manager lock and must not block for long.
type EventSink interface {
	Publish(ev Event)
}

// StoredJob is the persisted form of a job record.
type StoredJob struct {
	ID        JobID
	Name      string
	State     State
	Info      ProcessInfo
	UpdatedAt time.Time
}

// Store persists job records so remote jobs can be picked up again after a
// restart.
type Store interface {
	Save(j StoredJob) error
	Delete(id JobID) error
	LoadActive() ([]StoredJob, error)
}

func toSlash(p string) string { return strings.ReplaceAll(p, `\`, "/") }
