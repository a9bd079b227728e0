package slurm

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultPumpInterval   = 500 * time.Millisecond
	DefaultPollInterval   = 2500 * time.Millisecond
	DefaultPollJitter     = 500 * time.Millisecond
	DefaultOpTimeout      = 10 * time.Minute
	DefaultPollTimeout    = 30 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxStdoutJobs  = 10
	DefaultRemoteRoot     = "slurm-runner"
)

// ConfigOptions tunes submission and the manager's timers.
type ConfigOptions struct {
	// scheduler flags
	MaxRunTime time.Duration
	Partition  string
	Account    string

	PumpInterval time.Duration
	PollInterval time.Duration
	PollJitter   time.Duration
	// cron spec for grouping queued jobs, e.g. "@every 5m"
	BatchSchedule   string
	DisableBatching bool

	OpTimeout      time.Duration
	PollTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxStdoutJobs  int

	// RemoteRoot is relative to the login directory unless absolute.
	RemoteRoot string
	// ScratchDir holds generated scripts before upload.
	ScratchDir string
}

func (o ConfigOptions) withDefaults() ConfigOptions {
	if o.PumpInterval <= 0 {
		o.PumpInterval = DefaultPumpInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollJitter < 0 {
		o.PollJitter = 0
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.MaxStdoutJobs <= 0 {
		o.MaxStdoutJobs = DefaultMaxStdoutJobs
	}
	if o.RemoteRoot == "" {
		o.RemoteRoot = DefaultRemoteRoot
	}
	if o.ScratchDir == "" {
		o.ScratchDir = filepath.Join(os.TempDir(), "slurm-runner")
	}
	return o
}
