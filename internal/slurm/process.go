package slurm

// Process is the caller-facing handle of one job. Its methods are safe for
// concurrent use; all state lives in the Manager.
type Process struct {
	id JobID
	m  *Manager
}

func (p *Process) ID() JobID { return p.id }

// Start queues upload and submission of the job. Starting a job that is
// already active returns ErrJobActive.
func (p *Process) Start() error { return p.m.Start(p.id) }

func (p *Process) State() State {
	s, _ := p.m.state(p.id)
	return s
}

// Running is true while the job is starting, queued, running or finishing.
func (p *Process) Running() bool { return p.State().Active() }

// Info returns a copy of the job's bookkeeping.
func (p *Process) Info() ProcessInfo {
	info, _ := p.m.info(p.id)
	return info
}

// Err returns the last start failure, if any.
func (p *Process) Err() error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	r, err := p.m.jobs.lookup(p.id)
	if err != nil {
		return err
	}
	return r.err
}

func (p *Process) Name() string {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	r, err := p.m.jobs.lookup(p.id)
	if err != nil {
		return ""
	}
	return r.name
}
