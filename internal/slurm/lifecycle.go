package slurm

import (
	"errors"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/tastythames/slurm-runner/internal/queue"
	"github.com/tastythames/slurm-runner/internal/sshclient"
)

// CreateProcess registers a new job in the Idle state.
func (m *Manager) CreateProcess(req Request) (*Process, error) {
	if req.Tool.Name == "" || req.Tool.LocalPath == "" {
		return nil, fmt.Errorf("job %q: tool name and local path are required", req.Name)
	}
	if req.Tool.IsArchive() && req.Tool.Exe == "" {
		return nil, fmt.Errorf("job %q: tool %s is an archive and needs an executable path", req.Name, req.Tool.Name)
	}
	if _, err := req.Tool.outputRegexp(); err != nil {
		return nil, err
	}
	if req.OutputDir == "" {
		return nil, fmt.Errorf("job %q: output directory is required", req.Name)
	}

	id := uuid.New()
	info := ProcessInfo{
		Tool:            req.Tool,
		RequiredFiles:   append([]RequiredFile(nil), req.RequiredFiles...),
		Params:          append([]string(nil), req.Params...),
		OutputDir:       req.OutputDir,
		ExpectedOutputs: append([]string(nil), req.ExpectedOutputs...),
		Stdin:           req.Stdin,
		WorkDir:         path.Join(m.opts.RemoteRoot, "jobs", id.String()),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.track(id, req.Name, info, StateIdle, req.OnEvent)
	m.save(r)
	return r.proc, nil
}

func (m *Manager) track(id JobID, name string, info ProcessInfo, state State, onEvent func(Event)) *record {
	m.seq++
	if name == "" {
		name = id.String()[:8]
	}
	r := &record{
		id:      id,
		name:    name,
		seq:     m.seq,
		info:    info,
		state:   state,
		onEvent: onEvent,
	}
	r.proc = &Process{id: id, m: m}
	m.jobs.add(r)
	return r
}

// Recover reloads jobs that had been submitted when the store was last
// written and resumes polling them. Nothing is resubmitted.
func (m *Manager) Recover() ([]*Process, error) {
	if m.store == nil {
		return nil, nil
	}
	stored, err := m.store.LoadActive()
	if err != nil {
		return nil, fmt.Errorf("load stored jobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var procs []*Process
	for _, s := range stored {
		if _, err := m.jobs.lookup(s.ID); err == nil {
			continue
		}
		if s.Info.RemoteID == 0 {
			continue
		}
		info := s.Info
		info.FinalListRequested = false
		info.NeedsBatching = false
		r := m.track(s.ID, s.Name, info, StateWaitingInQueue, nil)
		procs = append(procs, r.proc)
		log.Printf("slurm: recovered job %s (%s) as scheduler job %d.%d", r.id, r.name, info.RemoteID, info.Task)
	}
	return procs, nil
}

// Start queues everything needed to run the job: tool, inputs, job script,
// and either a direct submission or a place in the next batch.
func (m *Manager) Start(id JobID) error {
	var err error
	m.do(func() { err = m.start(id) })
	return err
}

func (m *Manager) start(id JobID) error {
	r, err := m.jobs.lookup(id)
	if err != nil {
		return err
	}
	if r.state.Active() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, r.state)
	}

	r.attempt++
	r.err = nil
	r.info.LastStdoutLine = 0
	r.info.FinalListRequested = false
	r.info.NeedsBatching = false

	items, err := m.startItems(r)
	if err != nil {
		r.attempt++
		r.err = err
		return err
	}
	for _, it := range items {
		m.queue.Push(it)
	}
	m.setState(r, StateStarting)
	m.save(r)
	return nil
}

// stale reports true once the given start attempt of a job is no longer
// current (failed, restarted or removed).
func (m *Manager) stale(id JobID, attempt int) func() bool {
	return func() bool {
		r, err := m.jobs.lookup(id)
		return err != nil || r.attempt != attempt
	}
}

func (m *Manager) failer(id JobID, attempt int) func(error) {
	return func(err error) {
		r, lerr := m.jobs.lookup(id)
		if lerr != nil {
			log.Printf("slurm: %v", lerr)
			return
		}
		if r.attempt != attempt {
			return
		}
		m.failStart(r, err)
	}
}

func (m *Manager) failStart(r *record, err error) {
	log.Printf("slurm: job %s (%s) start failed: %v", r.id, r.name, err)
	r.err = err
	r.attempt++
	r.info.NeedsBatching = false
	m.jobs.clearRemote(r)
	m.setState(r, StateIdle)
	m.emit(r, Event{Kind: EventError, Err: err})
	m.save(r)
}

func resultErr(res queue.Result) error {
	if res.Err != nil {
		return res.Err
	}
	if res.TimedOut {
		return errors.New("timed out")
	}
	return nil
}

func checkStep(what string, fail func(error)) func(queue.Result) {
	return func(res queue.Result) {
		if res.Failed() {
			fail(fmt.Errorf("%s: %w", what, resultErr(res)))
		}
	}
}

func (m *Manager) startItems(r *record) ([]queue.Item, error) {
	skip := m.stale(r.id, r.attempt)
	fail := m.failer(r.id, r.attempt)
	root := m.opts.RemoteRoot
	info := &r.info
	var items []queue.Item

	// tool
	tool := info.Tool
	toolDir := tool.RemoteDir(root)
	items = append(items, &queue.RemoteExec{
		Command: sshclient.CmdMkdir(toolDir),
		Skip:    skip,
		Handler: checkStep("create tool directory", fail),
	})
	up, err := m.uploadItems(tool.LocalPath, tool.RemoteUpload(root), skip, fail)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	items = append(items, up...)
	if tool.IsArchive() {
		items = append(items, &queue.RemoteExec{
			Command: sshclient.CmdExtractIfNewer(toolDir, path.Base(tool.RemoteUpload(root)), extractStamp),
			Skip:    skip,
			Handler: checkStep("extract tool", fail),
		})
	}
	items = append(items, &queue.RemoteExec{
		Command: sshclient.CmdChmodExec(tool.RemoteExe(root)),
		Skip:    skip,
		Handler: checkStep("chmod tool", fail),
	})

	// inputs
	items = append(items, &queue.RemoteExec{
		Command: sshclient.CmdMkdir(info.WorkDir),
		Skip:    skip,
		Handler: checkStep("create work directory", fail),
	})
	for _, f := range info.RequiredFiles {
		dest := f.Dest
		if dest == "" {
			dest = path.Base(toSlash(f.Source))
		}
		if !path.IsAbs(dest) {
			dest = path.Join(info.WorkDir, dest)
		}
		if f.RemoteSource {
			items = append(items, &queue.RemoteExec{
				Command: sshclient.CmdCopy(f.Source, dest),
				Skip:    skip,
				Handler: checkStep("copy "+f.Source, fail),
			})
			continue
		}
		up, err := m.uploadItems(f.Source, dest, skip, fail)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", f.Source, err)
		}
		items = append(items, up...)
	}

	scratch := filepath.Join(m.opts.ScratchDir, r.id.String())
	if info.Stdin != "" {
		local, err := writeScratch(scratch, stdinName, info.Stdin, 0o644)
		if err != nil {
			return nil, err
		}
		up, err := m.uploadItems(local, path.Join(info.WorkDir, stdinName), skip, fail)
		if err != nil {
			return nil, err
		}
		items = append(items, up...)
	}

	// job script
	info.ScriptPath = path.Join(info.WorkDir, jobScriptName)
	local, err := writeScratch(scratch, jobScriptName, JobScript(*info, root), 0o755)
	if err != nil {
		return nil, err
	}
	up, err = m.uploadItems(local, info.ScriptPath, skip, fail)
	if err != nil {
		return nil, err
	}
	items = append(items, up...)
	items = append(items, &queue.RemoteExec{
		Command: sshclient.CmdChmodExec(info.ScriptPath),
		Skip:    skip,
		Handler: checkStep("chmod job script", fail),
	})

	if m.opts.DisableBatching {
		sub, err := m.submissionItems([]*record{r}, skip)
		if err != nil {
			return nil, err
		}
		return append(items, sub...), nil
	}

	id := r.id
	items = append(items, &queue.LocalCall{
		Name: "batch " + id.String(),
		Fn: func() {
			if skip() {
				return
			}
			rec, err := m.jobs.lookup(id)
			if err != nil {
				log.Printf("slurm: %v", err)
				return
			}
			rec.info.NeedsBatching = true
			m.save(rec)
		},
	})
	return items, nil
}

// uploadItems queues a checksum-gated upload: the remote digest is refreshed
// right before the transfer, which is skipped only when both digests are known
// and equal.
func (m *Manager) uploadItems(local, remote string, skip func() bool, fail func(error)) ([]queue.Item, error) {
	if _, err := m.sums.UpdateLocal(local); err != nil {
		return nil, err
	}
	return []queue.Item{
		&queue.RemoteExec{
			Command: sshclient.CmdSha1Sum(remote),
			Skip:    skip,
			Handler: func(res queue.Result) { m.sums.UpdateRemote(remote, res.Output) },
		},
		&queue.PutFile{
			Local:  local,
			Remote: remote,
			Skip: func() bool {
				if skip != nil && skip() {
					return true
				}
				if m.sums.Match(local, remote) {
					log.Printf("slurm: %s unchanged on cluster, not uploading", remote)
					return true
				}
				return false
			},
			Done: func(res queue.Result) {
				if res.Failed() {
					m.sums.SetRemote(remote, "")
					fail(fmt.Errorf("upload %s: %w", local, resultErr(res)))
					return
				}
				if sum, ok := m.sums.Local(local); ok {
					m.sums.SetRemote(remote, sum)
				}
			},
		},
	}, nil
}

// buildBatch submits every job waiting for a batch as one multi-program
// allocation, one task per job.
func (m *Manager) buildBatch() {
	var recs []*record
	for _, r := range m.jobs.all() {
		if r.info.NeedsBatching {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		return
	}
	for _, r := range recs {
		r.info.NeedsBatching = false
	}

	items, err := m.submissionItems(recs, nil)
	if err != nil {
		for _, r := range recs {
			m.failStart(r, err)
		}
		return
	}
	for _, it := range items {
		m.queue.Push(it)
	}
	log.Printf("slurm: batching %d job(s)", len(recs))
}

// submissionItems writes sbatch.sh and srun.conf for recs (task i runs
// recs[i]) and queues their upload and the sbatch call.
func (m *Manager) submissionItems(recs []*record, skip func() bool) ([]queue.Item, error) {
	m.batchSeq++
	name := fmt.Sprintf("%s-%03d", m.now().UTC().Format("20060102T150405"), m.batchSeq)
	remoteDir := path.Join(m.opts.RemoteRoot, "batches", name)
	localDir := filepath.Join(m.opts.ScratchDir, "batches", name)

	ids := make([]JobID, len(recs))
	attempts := make([]int, len(recs))
	scripts := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.id
		attempts[i] = r.attempt
		scripts[i] = r.info.ScriptPath
	}

	confRemote := path.Join(remoteDir, srunConfName)
	confLocal, err := writeScratch(localDir, srunConfName, SrunConf(scripts), 0o644)
	if err != nil {
		return nil, err
	}
	sbRemote := path.Join(remoteDir, sbatchName)
	sbLocal, err := writeScratch(localDir, sbatchName, SbatchScript("slurm-runner", confRemote), 0o755)
	if err != nil {
		return nil, err
	}

	aborted := false
	guard := func() bool { return aborted || (skip != nil && skip()) }
	fail := func(err error) {
		aborted = true
		m.failSubmission(ids, attempts, err)
	}

	return []queue.Item{
		&queue.PutFile{Local: confLocal, Remote: confRemote, Skip: guard, Done: checkStep("upload "+srunConfName, fail)},
		&queue.PutFile{Local: sbLocal, Remote: sbRemote, Skip: guard, Done: checkStep("upload "+sbatchName, fail)},
		&queue.RemoteExec{
			Command: sshclient.CmdChmodExec(sbRemote),
			Skip:    guard,
			Handler: checkStep("chmod "+sbatchName, fail),
		},
		&queue.RemoteExec{
			Command: sshclient.CmdSbatch(sbRemote, sshclient.SbatchOptions{
				Tasks:     len(recs),
				Partition: m.opts.Partition,
				Account:   m.opts.Account,
				TimeLimit: m.opts.MaxRunTime,
			}),
			Skip:    guard,
			Handler: func(res queue.Result) { m.handleSubmission(ids, attempts, res) },
		},
	}, nil
}

func (m *Manager) failSubmission(ids []JobID, attempts []int, err error) {
	for i, id := range ids {
		r, lerr := m.jobs.lookup(id)
		if lerr != nil {
			log.Printf("slurm: %v", lerr)
			continue
		}
		if r.attempt == attempts[i] {
			m.failStart(r, err)
		}
	}
}

// handleSubmission assigns the scheduler job id to every job of a
// submission, task i to ids[i]. Unreadable output fails them all.
func (m *Manager) handleSubmission(ids []JobID, attempts []int, res queue.Result) {
	remoteID, err := ParseSubmission(res.Output)
	if err != nil {
		if res.Failed() {
			err = fmt.Errorf("%w (sbatch: %v)", err, resultErr(res))
		}
		log.Printf("slurm: sbatch result: %s", spew.Sdump(res))
		m.failSubmission(ids, attempts, err)
		return
	}

	now := m.now()
	for i, id := range ids {
		r, lerr := m.jobs.lookup(id)
		if lerr != nil {
			log.Printf("slurm: submission %d: %v", remoteID, lerr)
			continue
		}
		if r.attempt != attempts[i] {
			continue
		}
		m.jobs.assignRemote(r, remoteID, i)
		r.assignedAt = now
		r.info.LastStdoutLine = 0
		r.info.FinalListRequested = false
		m.setState(r, StateWaitingInQueue)
		m.emit(r, Event{Kind: EventStarted})
		m.save(r)
	}
	log.Printf("slurm: submitted scheduler job %d with %d task(s)", remoteID, len(ids))
}

// applySqueue updates job states from a scheduler listing. A job that is
// absent from a listing issued after it was submitted has ended and its
// outputs are requested, once.
func (m *Manager) applySqueue(entries []QueueEntry, issuedAt time.Time) {
	running := mapset.NewSet()
	pending := mapset.NewSet()
	for _, e := range entries {
		running.Add(e.JobID)
		if e.Pending() {
			pending.Add(e.JobID)
		}
	}

	for _, r := range m.jobs.all() {
		rid := r.info.RemoteID
		if rid == 0 {
			continue
		}
		if running.Contains(rid) {
			if r.state == StateFinishing {
				continue
			}
			if pending.Contains(rid) {
				m.setState(r, StateWaitingInQueue)
			} else {
				m.setState(r, StateProcessing)
			}
			continue
		}
		if r.info.FinalListRequested || r.assignedAt.After(issuedAt) {
			continue
		}
		m.requestFinalList(r)
	}
}

func (m *Manager) requestFinalList(r *record) {
	r.info.FinalListRequested = true
	m.setState(r, StateFinishing)
	m.save(r)

	id := r.id
	// pick up whatever stdout the last poll missed before reporting completion
	m.queue.Push(&queue.RemoteExec{
		Command: sshclient.CmdStdoutTail([]sshclient.StdoutCursor{{JobID: r.info.RemoteID, After: r.info.LastStdoutLine}}),
		Handler: func(res queue.Result) { m.applyStdout(res.Output) },
	})
	m.queue.Push(&queue.RemoteExec{
		Command: sshclient.CmdListDir(r.info.WorkDir),
		Handler: func(res queue.Result) { m.handleListing(id, res) },
	})
}

func (m *Manager) handleListing(id JobID, res queue.Result) {
	r, err := m.jobs.lookup(id)
	if err != nil {
		log.Printf("slurm: output listing: %v", err)
		return
	}
	if res.Failed() && strings.TrimSpace(res.Output) == "" {
		// let the next squeue poll ask again
		log.Printf("slurm: listing %s failed: %v", r.info.WorkDir, resultErr(res))
		r.info.FinalListRequested = false
		return
	}

	re, _ := r.info.Tool.outputRegexp()
	expected := map[string]bool{}
	for _, name := range r.info.ExpectedOutputs {
		expected[name] = true
	}

	found := map[string]bool{}
	for _, name := range ParseListing(res.Output) {
		if !expected[name] && (re == nil || !re.MatchString(name)) {
			continue
		}
		found[name] = true
		m.queueDownload(r, name)
	}
	for _, name := range r.info.ExpectedOutputs {
		if !found[name] {
			m.emit(r, Event{Kind: EventError, Err: fmt.Errorf("expected output %s not produced", name)})
		}
	}

	m.queue.Push(&queue.LocalCall{
		Name: "finish " + id.String(),
		Fn:   func() { m.finishJob(id) },
	})
}

func (m *Manager) queueDownload(r *record, name string) {
	id := r.id
	remote := path.Join(r.info.WorkDir, name)
	local := filepath.Join(r.info.OutputDir, name)

	// a missing local file simply has no digest and forces the download
	_, _ = m.sums.UpdateLocal(local)

	failed := false
	m.queue.Push(&queue.RemoteExec{
		Command: sshclient.CmdSha1Sum(remote),
		Handler: func(res queue.Result) { m.sums.UpdateRemote(remote, res.Output) },
	})
	m.queue.Push(&queue.GetFile{
		Remote: remote,
		Local:  local,
		Skip: func() bool {
			if m.sums.Match(local, remote) {
				log.Printf("slurm: %s already up to date", local)
				return true
			}
			return false
		},
		Done: func(res queue.Result) {
			if !res.Failed() {
				return
			}
			failed = true
			if rec, err := m.jobs.lookup(id); err == nil {
				m.emit(rec, Event{Kind: EventError, Err: fmt.Errorf("download %s: %w", remote, resultErr(res))})
			}
		},
	})
	m.queue.Push(&queue.LocalCall{
		Name: "output " + name,
		Fn: func() {
			if failed {
				return
			}
			sum, err := m.sums.UpdateLocal(local)
			if err != nil {
				log.Printf("slurm: output %s: %v", local, err)
				return
			}
			rec, err := m.jobs.lookup(id)
			if err != nil {
				log.Printf("slurm: %v", err)
				return
			}
			m.emit(rec, Event{Kind: EventOutputFile, File: &FileInfo{
				Name:       name,
				RemotePath: remote,
				LocalPath:  local,
				Digest:     sum,
			}})
		},
	})
}

func (m *Manager) finishJob(id JobID) {
	r, err := m.jobs.lookup(id)
	if err != nil {
		log.Printf("slurm: finish: %v", err)
		return
	}
	m.emit(r, Event{Kind: EventFinished})
	m.jobs.clearRemote(r)
	r.info.FinalListRequested = false
	r.info.LastStdoutLine = 0
	m.setState(r, StateIdle)
	m.save(r)
	log.Printf("slurm: job %s (%s) complete", r.id, r.name)
}

// applyStdout delivers unread stdout lines to their jobs. Lines are numbered
// per scheduler job, so after a read every task of that job has consumed
// everything up to the highest line seen.
func (m *Manager) applyStdout(out string) {
	lines := ParseStdout(out)
	if len(lines) == 0 {
		return
	}

	maxLine := map[int]int{}
	chunks := map[handle]*strings.Builder{}
	var order []*record
	misses := 0
	var lastMiss error

	for _, ln := range lines {
		if ln.Line > maxLine[ln.JobID] {
			maxLine[ln.JobID] = ln.Line
		}
		var targets []*record
		if ln.Task == AllTasks {
			// scheduler messages concern every task of the job
			targets = m.jobs.withRemote(ln.JobID)
		} else if r, err := m.jobs.lookupRemote(ln.JobID, ln.Task); err == nil {
			targets = []*record{r}
		} else {
			lastMiss = err
		}
		if len(targets) == 0 {
			misses++
			if lastMiss == nil {
				lastMiss = fmt.Errorf("%w: %d", ErrUnknownTask, ln.JobID)
			}
			continue
		}
		for _, r := range targets {
			if ln.Line <= r.info.LastStdoutLine {
				continue
			}
			b, ok := chunks[r.h]
			if !ok {
				b = &strings.Builder{}
				chunks[r.h] = b
				order = append(order, r)
			}
			b.WriteString(ln.Text)
			b.WriteByte('\n')
		}
	}
	if misses > 0 {
		log.Printf("slurm: %d stdout line(s) without a tracked job: %v", misses, lastMiss)
	}

	for _, r := range order {
		m.emit(r, Event{Kind: EventStdout, Text: chunks[r.h].String()})
	}
	for rid, hi := range maxLine {
		for _, r := range m.jobs.withRemote(rid) {
			if r.info.LastStdoutLine < hi {
				r.info.LastStdoutLine = hi
				m.save(r)
			}
		}
	}
}
