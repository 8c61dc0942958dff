// Package transfer runs and supervises copy subprocesses and feeds the
// durable transfer queue that dispatches them. The driver owns the
// process lifecycle; the queue owns ordering, slot acquisition and
// retry policy.
package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/keymat"
	"github.com/tidesync/tidesync/internal/rsync"
	"github.com/tidesync/tidesync/internal/utils"
)

// DefaultTimeout bounds a transfer's wall clock when the job sets none.
const DefaultTimeout = time.Hour

// termGrace is the pause between SIGTERM and SIGKILL on cancellation.
const termGrace = 5 * time.Second

// stderrTailSize bounds the stderr lines kept for classification.
const stderrTailSize = 20

// ProcState is the lifecycle phase of one copy subprocess.
type ProcState string

const (
	ProcPending   ProcState = "pending"
	ProcStarting  ProcState = "starting"
	ProcRunning   ProcState = "running"
	ProcCompleted ProcState = "completed"
	ProcFailed    ProcState = "failed"
	ProcCancelled ProcState = "cancelled"
	ProcTimeout   ProcState = "timeout"
)

func (s ProcState) Terminal() bool {
	switch s {
	case ProcCompleted, ProcFailed, ProcCancelled, ProcTimeout:
		return true
	}
	return false
}

// Request describes one transfer hand-off from the queue.
type Request struct {
	TransferID string // assigned when empty
	JobID      string
	FileID     string
	Filename   string

	// Copy tool endpoints, already in remote-spec form where needed.
	Source string
	Dest   string
	// LocalDest, when set, is the local destination directory checked
	// for writability during pre-flight.
	LocalDest string

	Opts    rsync.Options
	SSHPort int

	// Via, when set, execs the copy tool on that host over SSH instead
	// of locally. Server-to-server jobs run the copy on the target host,
	// which must hold key trust toward the source host; Password and
	// PrivateKey then authenticate the Via hop.
	Via *RemoteExec

	// Exactly one auth channel: password rides the SSHPASS env of an
	// sshpass wrapper, key material becomes an ephemeral -i file.
	Password   string
	PrivateKey string

	TotalBytes int64
	Timeout    time.Duration

	// Ping, when set, probes remote reachability during pre-flight.
	// Failures only warn.
	Ping func(context.Context) error
}

// RemoteExec names the host a Via request execs the copy tool on.
type RemoteExec struct {
	Username string
	Host     string
	Port     int
}

// Status is a point-in-time snapshot of one transfer process.
type Status struct {
	TransferID string    `json:"transfer_id"`
	JobID      string    `json:"job_id"`
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	State      ProcState `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Progress   float64   `json:"progress"`
	Bytes      int64     `json:"bytes"`
	Speed      string    `json:"speed,omitempty"`
	ETA        string    `json:"eta,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Result is the terminal outcome handed to the queue.
type Result struct {
	TransferID string
	JobID      string
	FileID     string
	State      ProcState
	ExitCode   int
	Err        error
	Stats      *rsync.Stats
	// Started reports whether the subprocess ever spawned; cancellation
	// before spawn rolls the record back instead of failing it.
	Started bool
}

// DriverStats aggregates lifetime counters.
type DriverStats struct {
	Active    int `json:"active"`
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	TimedOut  int `json:"timed_out"`
}

type proc struct {
	mu     sync.Mutex
	status Status
	cmd    *exec.Cmd
	// cancelReason is set before the kill so the supervisor can map the
	// exit correctly.
	cancelReason string
	timedOut     bool
	sawOutput    bool
	keyPath      string
	done         chan struct{}
}

func (p *proc) snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *proc) setState(s ProcState) {
	p.mu.Lock()
	p.status.State = s
	p.mu.Unlock()
}

// Swapped in tests so no real copy tool or SSH client is needed.
var (
	probeTool  = rsync.Probe
	probeSSH   = rsync.ProbeSSH
	newCommand = exec.Command
)

// Driver starts, tracks and terminates copy subprocesses, bounded by a
// global process cap.
type Driver struct {
	bus      *events.Bus
	keys     *keymat.Manager
	maxProcs int

	mu    sync.Mutex
	procs map[string]*proc
	stats DriverStats

	results chan Result
}

func NewDriver(bus *events.Bus, keys *keymat.Manager, maxProcs int) *Driver {
	return &Driver{
		bus:      bus,
		keys:     keys,
		maxProcs: maxProcs,
		procs:    make(map[string]*proc),
		results:  make(chan Result, 128),
	}
}

// Results delivers one terminal Result per started transfer.
func (d *Driver) Results() <-chan Result {
	return d.results
}

// Start runs pre-flight, spawns the subprocess and returns once it has
// been observed to start. Progress is delivered through the event bus
// and the terminal outcome through Results.
func (d *Driver) Start(ctx context.Context, req Request) (string, error) {
	if req.TransferID == "" {
		req.TransferID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	p := &proc{
		status: Status{
			TransferID: req.TransferID,
			JobID:      req.JobID,
			FileID:     req.FileID,
			Filename:   req.Filename,
			State:      ProcPending,
			StartedAt:  time.Now(),
		},
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if d.activeLocked() >= d.maxProcs {
		d.mu.Unlock()
		return "", errdefs.New(errdefs.CodeResourceExhausted,
			"process cap %d reached, transfer %s refused", d.maxProcs, req.TransferID)
	}
	if _, exists := d.procs[req.TransferID]; exists {
		d.mu.Unlock()
		return "", errdefs.New(errdefs.CodeConflict, "transfer %s already tracked", req.TransferID)
	}
	d.procs[req.TransferID] = p
	d.stats.Started++
	d.mu.Unlock()

	if err := d.preflight(ctx, req); err != nil {
		d.finish(p, req, Result{State: ProcFailed, ExitCode: -1, Err: err})
		return "", err
	}

	keyPath := ""
	if req.PrivateKey != "" {
		var err error
		keyPath, err = d.keys.Write(req.PrivateKey)
		if err != nil {
			d.finish(p, req, Result{State: ProcFailed, ExitCode: -1, Err: err})
			return "", err
		}
		p.keyPath = keyPath
	}

	name, args, env := buildCommand(req, keyPath)
	cmd := newCommand(name, args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.finish(p, req, Result{State: ProcFailed, ExitCode: -1,
			Err: errdefs.Wrap(errdefs.CodeSpawn, err, "open stdout pipe")})
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.finish(p, req, Result{State: ProcFailed, ExitCode: -1,
			Err: errdefs.Wrap(errdefs.CodeSpawn, err, "open stderr pipe")})
		return "", err
	}

	p.setState(ProcStarting)
	d.publishProgress(p, req, 0, nil, events.TransferStarting)

	if err := cmd.Start(); err != nil {
		werr := errdefs.Wrap(errdefs.CodeSpawn, err, "spawn copy process")
		d.finish(p, req, Result{State: ProcFailed, ExitCode: -1, Err: werr})
		return "", werr
	}

	p.mu.Lock()
	p.cmd = cmd
	p.status.PID = cmd.Process.Pid
	p.mu.Unlock()

	slog.Info("copy process started",
		"transfer", req.TransferID, "job", req.JobID, "file", req.Filename, "pid", cmd.Process.Pid)

	go d.supervise(p, req, cmd, stdout, stderr)
	return req.TransferID, nil
}

// preflight validates the environment before spawning. Checks run in
// parallel; a missing tool or unwritable destination aborts, a silent
// remote only warns.
func (d *Driver) preflight(ctx context.Context, req Request) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := probeTool(gctx)
		if err != nil {
			return err
		}
		if !v.Supported() {
			slog.Warn("copy tool below supported generation", "version", v.String())
		}
		return nil
	})
	g.Go(func() error { return probeSSH() })
	if req.LocalDest != "" {
		g.Go(func() error { return checkDestWritable(req.LocalDest) })
	}
	if req.Ping != nil {
		g.Go(func() error {
			if err := req.Ping(gctx); err != nil {
				slog.Warn("remote host unreachable before transfer",
					"transfer", req.TransferID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errdefs.CodeOf(err) != "" {
			return err
		}
		return errdefs.Wrap(errdefs.CodeValidation, err, "transfer pre-flight")
	}
	return nil
}

// checkDestWritable accepts a destination whose nearest existing
// ancestor is a writable directory; the missing tail is created by the
// copy tool.
func checkDestWritable(dir string) error {
	p := dir
	for {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return errdefs.New(errdefs.CodeValidation, "destination component %s is not a directory", p)
			}
			if !utils.IsWritable(p) {
				return errdefs.New(errdefs.CodeValidation, "destination %s is not writable", p)
			}
			return nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return errdefs.New(errdefs.CodeValidation, "destination root %s does not exist", p)
		}
		p = parent
	}
}

// buildCommand assembles argv and env. Passwords never appear in argv.
func buildCommand(req Request, keyPath string) (name string, args, env []string) {
	if req.Via != nil {
		return buildViaCommand(req, keyPath)
	}
	if req.Password != "" {
		args = req.Opts.Build(req.Source, req.Dest, rsync.PasswordTransport(req.SSHPort))
		return "sshpass", append([]string{"-e", rsync.Binary}, args...), []string{"SSHPASS=" + req.Password}
	}
	return rsync.Binary, req.Opts.Build(req.Source, req.Dest, rsync.SSHTransport(req.SSHPort, keyPath)), nil
}

// buildViaCommand wraps the copy argv in an ssh exec on the Via host.
// The inner hop from Via to the other endpoint rides the host's own
// key trust; credentials cover the outer hop only.
func buildViaCommand(req Request, keyPath string) (name string, args, env []string) {
	inner := req.Opts.Build(req.Source, req.Dest, rsync.SSHTransport(req.SSHPort, ""))

	outer := rsync.SSHArgs(req.Via.Port, keyPath, req.Password == "")
	outer = append(outer, fmt.Sprintf("%s@%s", req.Via.Username, req.Via.Host), rsync.Binary)
	outer = append(outer, inner...)

	if req.Password != "" {
		return "sshpass", append([]string{"-e", "ssh"}, outer...), []string{"SSHPASS=" + req.Password}
	}
	return "ssh", outer, nil
}

func (d *Driver) supervise(p *proc, req Request, cmd *exec.Cmd, stdout, stderr io.ReadCloser) {
	parser := rsync.NewParser()
	var tailMu sync.Mutex
	var stderrTail []string
	var statsBuf strings.Builder

	timer := time.AfterFunc(req.Timeout, func() {
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
		slog.Warn("transfer wall clock exceeded, terminating",
			"transfer", req.TransferID, "timeout", req.Timeout)
		d.terminate(p)
	})
	defer timer.Stop()

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			line := sc.Text()
			d.markRunning(p, req)
			if tick := parser.ParseLine(line); tick != nil {
				d.applyTick(p, req, tick)
				continue
			}
			if statsBuf.Len() < 16*1024 {
				statsBuf.WriteString(line)
				statsBuf.WriteByte('\n')
			}
		}
	}()

	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			d.markRunning(p, req)
			tailMu.Lock()
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > stderrTailSize {
				stderrTail = stderrTail[1:]
			}
			tailMu.Unlock()
			d.bus.Log(events.LogWarn, "copy", req.JobID, line)
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(p.done)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	timedOut, cancelReason := p.timedOut, p.cancelReason
	p.mu.Unlock()
	tailMu.Lock()
	tail := append([]string(nil), stderrTail...)
	tailMu.Unlock()

	res := Result{ExitCode: exitCode, Started: true}
	switch {
	case timedOut:
		res.State = ProcTimeout
		res.Err = errdefs.New(errdefs.CodeTimeout, "transfer exceeded %s wall clock", req.Timeout)
	case cancelReason != "":
		res.State = ProcCancelled
		res.Err = errdefs.New(errdefs.CodeTransfer, "transfer cancelled: %s", cancelReason)
	case waitErr == nil && exitCode == 0:
		res.State = ProcCompleted
		res.Stats = rsync.ParseStats(statsBuf.String())
	default:
		res.State = ProcFailed
		res.Err = classifyFailure(exitCode, tail)
	}

	d.finish(p, req, res)
}

func (d *Driver) markRunning(p *proc, req Request) {
	p.mu.Lock()
	first := !p.sawOutput
	p.sawOutput = true
	if first && p.status.State == ProcStarting {
		p.status.State = ProcRunning
	}
	p.mu.Unlock()
	if first {
		d.publishProgress(p, req, 0, nil, events.TransferTransferring)
	}
}

func (d *Driver) applyTick(p *proc, req Request, tick *rsync.ProgressTick) {
	p.mu.Lock()
	p.status.Progress = tick.Percent
	p.status.Bytes = tick.Bytes
	p.status.Speed = tick.Speed
	p.status.ETA = tick.ETA
	p.mu.Unlock()
	d.publishProgress(p, req, tick.Percent, tick, events.TransferTransferring)
}

func (d *Driver) publishProgress(p *proc, req Request, progress float64, tick *rsync.ProgressTick, status events.TransferStatus) {
	snap := p.snapshot()
	payload := &events.ProgressPayload{
		TransferID: req.TransferID,
		FileID:     req.FileID,
		JobID:      req.JobID,
		Filename:   req.Filename,
		Progress:   progress,
		TotalBytes: req.TotalBytes,
		Status:     status,
		ElapsedMs:  time.Since(snap.StartedAt).Milliseconds(),
		TS:         time.Now().UnixMilli(),
	}
	if tick != nil {
		payload.BytesTransferred = tick.Bytes
		payload.Speed = tick.Speed
		payload.SpeedBps = tick.SpeedBps
		payload.ETA = tick.ETA
		payload.ETASeconds = tick.ETASeconds
	}
	d.bus.Publish(payload)
}

// finish records the terminal state, cleans key material, publishes
// the closing events and hands the result to the queue.
func (d *Driver) finish(p *proc, req Request, res Result) {
	res.TransferID = req.TransferID
	res.JobID = req.JobID
	res.FileID = req.FileID

	now := time.Now()
	p.mu.Lock()
	p.status.State = res.State
	p.status.EndedAt = now
	p.status.ExitCode = res.ExitCode
	if res.Err != nil {
		p.status.Error = res.Err.Error()
	}
	if res.State == ProcCompleted {
		p.status.Progress = 100
	}
	keyPath := p.keyPath
	p.keyPath = ""
	p.mu.Unlock()

	if keyPath != "" {
		if err := d.keys.Cleanup(keyPath); err != nil {
			slog.Warn("key material cleanup failed", "transfer", req.TransferID, "error", err)
		}
	}

	d.mu.Lock()
	switch res.State {
	case ProcCompleted:
		d.stats.Completed++
	case ProcCancelled:
		d.stats.Cancelled++
	case ProcTimeout:
		d.stats.TimedOut++
	default:
		d.stats.Failed++
	}
	d.mu.Unlock()

	switch res.State {
	case ProcCompleted:
		d.publishProgress(p, req, 100, nil, events.TransferCompleted)
		slog.Info("copy process completed",
			"transfer", req.TransferID, "job", req.JobID, "file", req.Filename)
	default:
		d.publishProgress(p, req, p.snapshot().Progress, nil, events.TransferFailed)
		if res.Err != nil {
			d.bus.Publish(&events.ErrorPayload{
				JobID:   req.JobID,
				Type:    errorType(res.Err),
				Message: res.Err.Error(),
				Details: map[string]any{"transfer_id": req.TransferID, "exit_code": res.ExitCode},
				TS:      time.Now().UnixMilli(),
			})
		}
		slog.Warn("copy process ended",
			"transfer", req.TransferID, "job", req.JobID, "state", res.State, "exit", res.ExitCode, "error", res.Err)
	}

	d.results <- res
}

// Cancel terminates a tracked transfer. Returns false when the id is
// unknown or already terminal.
func (d *Driver) Cancel(transferID, reason string) bool {
	d.mu.Lock()
	p, ok := d.procs[transferID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	if p.status.State.Terminal() || p.cancelReason != "" {
		p.mu.Unlock()
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	p.cancelReason = reason
	p.mu.Unlock()

	d.terminate(p)
	return true
}

// terminate sends SIGTERM to the process group, waits the grace and
// escalates to SIGKILL.
func (d *Driver) terminate(p *proc) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if err := signalGroup(pid, sigTerm); err != nil {
		slog.Debug("terminate signal failed", "pid", pid, "error", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(termGrace):
	}
	if alive, err := process.PidExists(int32(pid)); err == nil && !alive {
		return
	}
	slog.Warn("copy process ignored SIGTERM, killing group", "pid", pid)
	if err := signalGroup(pid, sigKill); err != nil {
		slog.Debug("kill signal failed", "pid", pid, "error", err)
	}
}

// Status returns a snapshot of one tracked transfer.
func (d *Driver) Status(transferID string) (Status, bool) {
	d.mu.Lock()
	p, ok := d.procs[transferID]
	d.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return p.snapshot(), true
}

// ListActive snapshots every non-terminal transfer.
func (d *Driver) ListActive() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Status
	for _, p := range d.procs {
		if snap := p.snapshot(); !snap.State.Terminal() {
			out = append(out, snap)
		}
	}
	return out
}

// LiveTransferIDs reports the transfers whose process is still tracked
// as running. Recovery uses this for orphan detection.
func (d *Driver) LiveTransferIDs() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := make(map[string]struct{})
	for id, p := range d.procs {
		if !p.snapshot().State.Terminal() {
			live[id] = struct{}{}
		}
	}
	return live
}

// Stats returns lifetime counters plus the current active count.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Active = d.activeLocked()
	return s
}

func (d *Driver) activeLocked() int {
	n := 0
	for _, p := range d.procs {
		if !p.snapshot().State.Terminal() {
			n++
		}
	}
	return n
}

// Cleanup drops terminal snapshots older than olderThan and reports
// how many were removed.
func (d *Driver) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, p := range d.procs {
		snap := p.snapshot()
		if snap.State.Terminal() && !snap.EndedAt.IsZero() && snap.EndedAt.Before(cutoff) {
			delete(d.procs, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels every active transfer and waits for their
// supervisors, bounded by ctx.
func (d *Driver) Shutdown(ctx context.Context) {
	d.mu.Lock()
	var active []*proc
	for _, p := range d.procs {
		if !p.snapshot().State.Terminal() {
			active = append(active, p)
		}
	}
	d.mu.Unlock()

	for _, p := range active {
		d.Cancel(p.snapshot().TransferID, "shutdown")
	}
	for _, p := range active {
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
	}
}
