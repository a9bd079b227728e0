package slurm

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tastythames/slurm-runner/internal/cache"
	"github.com/tastythames/slurm-runner/internal/queue"
	"github.com/tastythames/slurm-runner/internal/scheduler"
	"github.com/tastythames/slurm-runner/internal/sshclient"
)

// Dialer opens the transport's underlying connection.
type Dialer interface {
	Dial(ctx context.Context, creds sshclient.Credentials) (sshclient.Remote, error)
}

type DialFunc func(ctx context.Context, creds sshclient.Credentials) (sshclient.Remote, error)

func (f DialFunc) Dial(ctx context.Context, creds sshclient.Credentials) (sshclient.Remote, error) {
	return f(ctx, creds)
}

// SSHDialer dials real SSH connections.
type SSHDialer struct {
	Config sshclient.Config
	Prompt sshclient.Prompter
}

func (d SSHDialer) Dial(ctx context.Context, creds sshclient.Credentials) (sshclient.Remote, error) {
	c, err := sshclient.Dial(ctx, d.Config, creds, d.Prompt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Option func(*Manager)

func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

func WithSinks(sinks ...EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type pollKind int

const (
	pollSqueue pollKind = iota + 1
	pollStdout
)

type oobRequest struct {
	kind     pollKind
	issuedAt time.Time
}

type pendingEvent struct {
	ev Event
	fn func(Event)
}

// Manager submits jobs to a SLURM cluster and tracks them until their outputs
// are retrieved. One goroutine (Run) drives it; every piece of state below mu
// is guarded by mu, and transport workers only talk back through completions.
type Manager struct {
	opts   ConfigOptions
	batch  *scheduler.BatchSchedule
	dialer Dialer
	store  Store
	sinks  []EventSink
	now    func() time.Time

	ticks       chan scheduler.Tick
	completions chan sshclient.Completion
	pumpSched   *scheduler.Scheduler
	pollSched   *scheduler.Scheduler

	mu        sync.Mutex
	creds     sshclient.Credentials
	connErr   error
	transport *sshclient.Transport
	queue     *queue.Queue
	jobs      *jobTable
	sums      *cache.Checksums
	oob       map[uint64]oobRequest
	pending   []pendingEvent

	seq          uint64
	batchSeq     int
	lastBatch    time.Time
	forceBatch   bool
	pollTurn     int
	stdoutOffset int
}

func NewManager(creds sshclient.Credentials, opts ConfigOptions, dialer Dialer, options ...Option) (*Manager, error) {
	opts = opts.withDefaults()
	batch, err := scheduler.ParseBatchSchedule(opts.BatchSchedule)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:        opts,
		batch:       batch,
		dialer:      dialer,
		now:         time.Now,
		ticks:       make(chan scheduler.Tick, 2),
		completions: make(chan sshclient.Completion, 16),
		creds:       creds,
		queue:       queue.New(opts.OpTimeout),
		jobs:        newJobTable(),
		sums:        cache.NewChecksums(),
		oob:         make(map[uint64]oobRequest),
	}
	for _, o := range options {
		o(m)
	}

	m.pumpSched = scheduler.NewScheduler(scheduler.Options{
		Kind:     scheduler.TickPump,
		Interval: opts.PumpInterval,
		TickCh:   m.ticks,
	})
	m.pollSched = scheduler.NewScheduler(scheduler.Options{
		Kind:     scheduler.TickPoll,
		Interval: opts.PollInterval,
		Jitter:   opts.PollJitter,
		TickCh:   m.ticks,
	})
	return m, nil
}

// Run drives the manager until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	log.Printf("slurm: manager running (pump=%s poll=%s batch=%s)", m.opts.PumpInterval, m.opts.PollInterval, m.batch)
	go m.pumpSched.Run(ctx)
	go m.pollSched.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case tk := <-m.ticks:
			switch tk.Kind {
			case scheduler.TickPump:
				m.do(m.pump)
			case scheduler.TickPoll:
				m.do(m.poll)
			}
		case c := <-m.completions:
			m.do(func() { m.handleCompletion(c) })
		}
	}
}

// Close drops the connection. Tracked jobs are kept and an operation that
// was in flight runs again on the next connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetConnection()
}

// SetCredentials replaces the login. A failed connection attempt is retried
// only when the credentials differ from the ones that failed.
func (m *Manager) SetCredentials(creds sshclient.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if creds == m.creds {
		return
	}
	if m.transport != nil {
		m.resetConnection()
	}
	m.creds = creds
	m.connErr = nil
}

// FlushBatch makes the next pump build a batch regardless of the schedule.
func (m *Manager) FlushBatch() {
	m.mu.Lock()
	m.forceBatch = true
	m.mu.Unlock()
}

// do runs fn under the lock and dispatches the events it produced after the
// lock is released.
func (m *Manager) do(fn func()) {
	m.mu.Lock()
	fn()
	evs := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range evs {
		for _, s := range m.sinks {
			s.Publish(p.ev)
		}
		if p.fn != nil {
			p.fn(p.ev)
		}
	}
}

func (m *Manager) pump() {
	m.maybeBatch()
	m.pumpQueue()
}

func (m *Manager) maybeBatch() {
	now := m.now()
	if !m.forceBatch && !m.batch.Due(m.lastBatch, now) {
		return
	}
	m.lastBatch = now
	m.forceBatch = false
	m.buildBatch()
}

func (m *Manager) pumpQueue() {
	if m.queue.Len() == 0 {
		return
	}
	t, err := m.connect()
	if err != nil {
		return
	}
	if !t.Idle() {
		return
	}
	if err := m.queue.Pump(t); err != nil {
		log.Printf("slurm: %v; resetting connection", err)
		m.resetConnection()
	}
}

// connect returns the live transport, dialing if there is none. After a
// failed dial it refuses to retry until the credentials change.
func (m *Manager) connect() (*sshclient.Transport, error) {
	if m.transport != nil {
		return m.transport, nil
	}
	if m.connErr != nil {
		return nil, m.connErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	remote, err := m.dialer.Dial(ctx, m.creds)
	if err != nil {
		m.connErr = fmt.Errorf("%w: %s: %v", ErrNotConnected, m.creds.Host, err)
		log.Printf("slurm: %v (not retrying until credentials change)", m.connErr)
		for _, r := range m.jobs.all() {
			if r.state.Active() {
				m.emit(r, Event{Kind: EventError, Err: m.connErr})
			}
		}
		return nil, m.connErr
	}
	log.Printf("slurm: connected to %s", m.creds.Host)
	m.transport = sshclient.NewTransport(remote, m.completions)
	return m.transport, nil
}

// resetConnection abandons in-flight work. The front queue item is marked
// not running so it is applied again on a fresh connection.
func (m *Manager) resetConnection() {
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	if m.queue.ResetFront() {
		log.Printf("slurm: %s will be retried on a new connection", m.queue.Describe()[0])
	}
	m.oob = make(map[uint64]oobRequest)
}

func (m *Manager) handleCompletion(c sshclient.Completion) {
	if c.Op == sshclient.OpOOBExec {
		m.handlePoll(c)
		return
	}
	if c.TimedOut {
		log.Printf("slurm: %s %s timed out", c.Op, c.Target)
	}
	if !m.queue.Complete(c) {
		log.Printf("slurm: ignoring stale completion #%d (%s %s)", c.ID, c.Op, c.Target)
		return
	}
	m.pumpQueue()
}

func (m *Manager) poll() {
	if len(m.remoteIDs()) == 0 {
		return
	}
	t, err := m.connect()
	if err != nil {
		return
	}
	if !t.OOBIdle() {
		return
	}

	m.pollTurn++
	if m.pollTurn%2 == 1 {
		m.pollSqueue(t)
	} else {
		m.pollStdout(t)
	}
}

func (m *Manager) pollSqueue(t *sshclient.Transport) {
	issued := m.now()
	id, err := t.OOBExec(sshclient.CmdSqueue(), m.opts.PollTimeout)
	if err != nil {
		log.Printf("slurm: squeue: %v", err)
		return
	}
	m.oob[id] = oobRequest{kind: pollSqueue, issuedAt: issued}
}

func (m *Manager) pollStdout(t *sshclient.Transport) {
	ids := m.remoteIDs()
	n := len(ids)
	limit := m.opts.MaxStdoutJobs
	if limit > n {
		limit = n
	}
	start := m.stdoutOffset % n

	cursors := make([]sshclient.StdoutCursor, 0, limit)
	for i := 0; i < limit; i++ {
		rid := ids[(start+i)%n]
		after := -1
		for _, r := range m.jobs.withRemote(rid) {
			if after < 0 || r.info.LastStdoutLine < after {
				after = r.info.LastStdoutLine
			}
		}
		cursors = append(cursors, sshclient.StdoutCursor{JobID: rid, After: after})
	}
	m.stdoutOffset = (start + limit) % n

	id, err := t.OOBExec(sshclient.CmdStdoutTail(cursors), m.opts.PollTimeout)
	if err != nil {
		log.Printf("slurm: stdout poll: %v", err)
		return
	}
	m.oob[id] = oobRequest{kind: pollStdout, issuedAt: m.now()}
}

func (m *Manager) handlePoll(c sshclient.Completion) {
	req, ok := m.oob[c.ID]
	if !ok {
		return
	}
	delete(m.oob, c.ID)

	if c.TimedOut {
		log.Printf("slurm: poll timed out: %s", c.Target)
		return
	}
	switch req.kind {
	case pollSqueue:
		// a failed listing says nothing about which jobs ended
		if c.Err != nil {
			log.Printf("slurm: squeue failed: %v", c.Err)
			return
		}
		m.applySqueue(ParseSqueue(c.Output), req.issuedAt)
	case pollStdout:
		m.applyStdout(c.Output)
	}
}

// remoteIDs lists the distinct scheduler job ids currently tracked.
func (m *Manager) remoteIDs() []int {
	seen := map[int]bool{}
	var ids []int
	for _, r := range m.jobs.all() {
		if rid := r.info.RemoteID; rid != 0 && !seen[rid] {
			seen[rid] = true
			ids = append(ids, rid)
		}
	}
	sort.Ints(ids)
	return ids
}

func (m *Manager) setState(r *record, s State) {
	if r.state == s {
		return
	}
	log.Printf("slurm: job %s %s -> %s", r.id, r.state, s)
	r.state = s
	m.emit(r, Event{Kind: EventStatusChanged})
}

func (m *Manager) emit(r *record, ev Event) {
	ev.Job = r.id
	ev.Name = r.name
	ev.State = r.state
	ev.RemoteID = r.info.RemoteID
	ev.Task = r.info.Task
	ev.At = m.now()
	m.pending = append(m.pending, pendingEvent{ev: ev, fn: r.onEvent})
}

func (m *Manager) save(r *record) {
	if m.store == nil {
		return
	}
	err := m.store.Save(StoredJob{
		ID:        r.id,
		Name:      r.name,
		State:     r.state,
		Info:      r.info.clone(),
		UpdatedAt: m.now(),
	})
	if err != nil {
		log.Printf("slurm: persist job %s: %v", r.id, err)
	}
}

func (m *Manager) state(id JobID) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.jobs.lookup(id)
	if err != nil {
		return StateIdle, err
	}
	return r.state, nil
}

func (m *Manager) info(id JobID) (ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.jobs.lookup(id)
	if err != nil {
		return ProcessInfo{}, err
	}
	return r.info.clone(), nil
}

// Lookup returns the handle of a tracked job.
func (m *Manager) Lookup(id JobID) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.jobs.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.proc, nil
}

// Processes returns every tracked job in creation order.
func (m *Manager) Processes() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.jobs.all()
	out := make([]*Process, 0, len(all))
	for _, r := range all {
		out = append(out, r.proc)
	}
	return out
}

// Remove forgets a job that is not active. Completed jobs are never removed
// automatically.
func (m *Manager) Remove(id JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.jobs.lookup(id)
	if err != nil {
		return err
	}
	if r.state.Active() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, r.state)
	}
	m.jobs.remove(r)
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			log.Printf("slurm: forget job %s: %v", id, err)
		}
	}
	_ = os.RemoveAll(filepath.Join(m.opts.ScratchDir, id.String()))
	return nil
}

// Idle reports whether nothing is queued, batched or active.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() > 0 {
		return false
	}
	for _, r := range m.jobs.all() {
		if r.state.Active() || r.info.NeedsBatching {
			return false
		}
	}
	return true
}

// Stats is a point-in-time summary for metrics.
type Stats struct {
	Jobs          map[State]int
	QueueLen      int
	Connected     bool
	ConnErr       error
	LocalDigests  int
	RemoteDigests int
	PumpTicks     uint64
	PumpDropped   uint64
	PollTicks     uint64
	PollDropped   uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Jobs:      map[State]int{},
		QueueLen:  m.queue.Len(),
		Connected: m.transport != nil,
		ConnErr:   m.connErr,
	}
	for _, r := range m.jobs.all() {
		s.Jobs[r.state]++
	}
	m.mu.Unlock()

	s.LocalDigests, s.RemoteDigests = m.sums.Len()
	s.PumpTicks, s.PumpDropped = m.pumpSched.Stats()
	s.PollTicks, s.PollDropped = m.pollSched.Stats()
	return s
}
