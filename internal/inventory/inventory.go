package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tastythames/slurm-runner/internal/slurm"
	"github.com/tastythames/slurm-runner/internal/sshclient"
)

type Inventory struct {
	Cluster Cluster         `yaml:"cluster"`
	Slurm   SlurmConfig     `yaml:"slurm"`
	Redis   RedisConfig     `yaml:"redis"`
	Tools   map[string]Tool `yaml:"tools"`
	Jobs    []Job           `yaml:"jobs"`

	// directory of the inventory file; relative paths resolve against it
	dir string
}

type Cluster struct {
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port"`
	User       string     `yaml:"user"`
	KnownHosts string     `yaml:"known_hosts"`
	Auth       AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Mode         string `yaml:"mode"`          // "password_env", "password_file", "key" or "agent"
	PasswordEnv  string `yaml:"password_env"`  // e.g. SLURM_PASSWORD
	PasswordFile string `yaml:"password_file"` // first line is used
	KeyPath      string `yaml:"key_path"`
	PublicKey    string `yaml:"public_key_path"`
}

type SlurmConfig struct {
	Partition       string        `yaml:"partition"`
	Account         string        `yaml:"account"`
	MaxRunTime      time.Duration `yaml:"max_run_time"`
	PumpInterval    time.Duration `yaml:"pump_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollJitter      time.Duration `yaml:"poll_jitter"`
	BatchSchedule   string        `yaml:"batch_schedule"`
	DisableBatching bool          `yaml:"disable_batching"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxStdoutJobs   int           `yaml:"max_stdout_jobs"`
	RemoteRoot      string        `yaml:"remote_root"`
	ScratchDir      string        `yaml:"scratch_dir"`
}

// RedisConfig enables the redis event sink when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	MaxEvents int64  `yaml:"max_events"`
}

type Tool struct {
	Version       string `yaml:"version"`
	Path          string `yaml:"path"`
	Exe           string `yaml:"exe"`
	OutputPattern string `yaml:"output_pattern"`
}

type Job struct {
	Name            string   `yaml:"name"`
	Tool            string   `yaml:"tool"`
	Params          []string `yaml:"params"`
	Inputs          []Input  `yaml:"inputs"`
	OutputDir       string   `yaml:"output_dir"`
	ExpectedOutputs []string `yaml:"expected_outputs"`
	Stdin           string   `yaml:"stdin"`
}

type Input struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
	// Remote marks a source that already lives on the cluster.
	Remote bool `yaml:"remote"`
}

func Load(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	inv.dir = filepath.Dir(path)

	// normalize defaults
	c := &inv.Cluster
	if c.Host == "" {
		return nil, fmt.Errorf("inventory %s: cluster.host is required", path)
	}
	if c.User == "" {
		c.User = os.Getenv("USER")
	}
	if c.Auth.Mode == "" {
		switch {
		case c.Auth.KeyPath != "":
			c.Auth.Mode = "key"
		case c.Auth.PasswordFile != "":
			c.Auth.Mode = "password_file"
		default:
			c.Auth.Mode = "password_env"
		}
	}
	if c.Auth.Mode == "password_env" && c.Auth.PasswordEnv == "" {
		c.Auth.PasswordEnv = "SLURM_PASSWORD"
	}
	if inv.Tools == nil {
		inv.Tools = map[string]Tool{}
	}
	for i := range inv.Jobs {
		j := &inv.Jobs[i]
		if j.Name == "" {
			j.Name = fmt.Sprintf("job-%d", i+1)
		}
		if j.OutputDir == "" {
			j.OutputDir = filepath.Join("output", j.Name)
		}
		if _, ok := inv.Tools[j.Tool]; !ok {
			return nil, fmt.Errorf("inventory %s: job %s uses unknown tool %q", path, j.Name, j.Tool)
		}
	}

	return &inv, nil
}

func (inv *Inventory) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || inv.dir == "" {
		return p
	}
	return filepath.Join(inv.dir, p)
}

// Credentials builds the login for the cluster. Passwords are read from the
// environment or a file, never from the inventory itself.
func (inv *Inventory) Credentials() (sshclient.Credentials, error) {
	c := inv.Cluster
	creds := sshclient.Credentials{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
	}
	switch c.Auth.Mode {
	case "password_env":
		creds.Password = os.Getenv(c.Auth.PasswordEnv)
	case "password_file":
		b, err := os.ReadFile(inv.resolve(c.Auth.PasswordFile))
		if err != nil {
			return creds, fmt.Errorf("read password file: %w", err)
		}
		creds.Password, _, _ = strings.Cut(strings.TrimRight(string(b), "\r\n"), "\n")
	case "key":
		creds.PrivateKeyPath = inv.resolve(c.Auth.KeyPath)
		creds.PublicKeyPath = inv.resolve(c.Auth.PublicKey)
		// key passphrase, if any
		if c.Auth.PasswordEnv != "" {
			creds.Password = os.Getenv(c.Auth.PasswordEnv)
		}
	case "agent":
		creds.PublicKeyPath = inv.resolve(c.Auth.PublicKey)
	default:
		return creds, fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	return creds, nil
}

// SSHConfig overlays inventory settings on the environment defaults.
func (inv *Inventory) SSHConfig(base sshclient.Config) sshclient.Config {
	if inv.Cluster.Port != 0 {
		base.Port = inv.Cluster.Port
	}
	if inv.Cluster.KnownHosts != "" {
		base.KnownHostsPath = inv.resolve(inv.Cluster.KnownHosts)
	}
	if inv.Cluster.Auth.Mode == "agent" {
		base.UseAgent = true
	}
	return base
}

func (inv *Inventory) Options() slurm.ConfigOptions {
	s := inv.Slurm
	return slurm.ConfigOptions{
		MaxRunTime:      s.MaxRunTime,
		Partition:       s.Partition,
		Account:         s.Account,
		PumpInterval:    s.PumpInterval,
		PollInterval:    s.PollInterval,
		PollJitter:      s.PollJitter,
		BatchSchedule:   s.BatchSchedule,
		DisableBatching: s.DisableBatching,
		OpTimeout:       s.OpTimeout,
		PollTimeout:     s.PollTimeout,
		ConnectTimeout:  s.ConnectTimeout,
		MaxStdoutJobs:   s.MaxStdoutJobs,
		RemoteRoot:      s.RemoteRoot,
		ScratchDir:      inv.resolve(s.ScratchDir),
	}
}

func (inv *Inventory) tool(name string) slurm.ToolInfo {
	t := inv.Tools[name]
	return slurm.ToolInfo{
		Name:          name,
		Version:       t.Version,
		LocalPath:     inv.resolve(t.Path),
		Exe:           t.Exe,
		OutputPattern: t.OutputPattern,
	}
}

// Requests turns the job list into job requests, in file order.
func (inv *Inventory) Requests() []slurm.Request {
	out := make([]slurm.Request, 0, len(inv.Jobs))
	for _, j := range inv.Jobs {
		req := slurm.Request{
			Name:            j.Name,
			Tool:            inv.tool(j.Tool),
			Params:          j.Params,
			OutputDir:       inv.resolve(j.OutputDir),
			ExpectedOutputs: j.ExpectedOutputs,
			Stdin:           j.Stdin,
		}
		for _, in := range j.Inputs {
			src := in.Source
			if !in.Remote {
				src = inv.resolve(src)
			}
			req.RequiredFiles = append(req.RequiredFiles, slurm.RequiredFile{
				Source:       src,
				Dest:         in.Dest,
				RemoteSource: in.Remote,
			})
		}
		out = append(out, req)
	}
	return out
}

// ToolNames lists the configured tools, sorted.
func (inv *Inventory) ToolNames() []string {
	names := make([]string, 0, len(inv.Tools))
	for n := range inv.Tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
