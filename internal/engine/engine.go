// Package engine owns and wires the daemon: store, event bus, SSH
// executor, state machine, slot controller, transfer pipeline,
// scanner, scheduler, recovery, websocket fan-out and the HTTP front.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidesync/tidesync/internal/config"
	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/httpd"
	"github.com/tidesync/tidesync/internal/keymat"
	"github.com/tidesync/tidesync/internal/recovery"
	"github.com/tidesync/tidesync/internal/rsync"
	"github.com/tidesync/tidesync/internal/scan"
	"github.com/tidesync/tidesync/internal/scheduler"
	"github.com/tidesync/tidesync/internal/slots"
	"github.com/tidesync/tidesync/internal/sshx"
	"github.com/tidesync/tidesync/internal/state"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/torrent"
	"github.com/tidesync/tidesync/internal/transfer"
	"github.com/tidesync/tidesync/internal/wshub"
)

// stopGrace bounds the reverse-order shutdown.
const stopGrace = 10 * time.Second

// Engine is the assembled daemon.
type Engine struct {
	cfg *config.Config

	store    *store.Store
	bus      *events.Bus
	keys     *keymat.Manager
	remote   *sshx.Executor
	state    *state.Manager
	slots    *slots.Controller
	driver   *transfer.Driver
	queue    *transfer.Queue
	scanner  *scan.Scanner
	sched    *scheduler.Scheduler
	recovery *recovery.Service
	torrents *torrent.Runner
	hub      *wshub.Hub
	web      *httpd.Server

	wg sync.WaitGroup
}

// New opens the store and wires every component. Nothing runs until
// Run.
func New(cfg *config.Config) (*Engine, error) {
	st, err := store.Open(cfg.StoreURI)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, store: st}
	e.bus = events.NewBus()
	e.keys = keymat.NewManager("")
	e.remote = sshx.NewExecutor(sshx.DefaultOptions())
	e.state = state.NewManager(st, e.bus)
	e.slots = slots.NewController(st)
	e.driver = transfer.NewDriver(e.bus, e.keys, cfg.MaxGlobalConcurrentProcesses)
	e.queue = transfer.NewQueue(st, e.state, e.slots, e.driver, e.bus, e.buildRequest,
		transfer.QueueConfig{SyncInterval: cfg.QueueSyncInterval()})
	e.scanner = scan.NewScanner(st, e.remote, e.queue, e.bus)
	e.sched = scheduler.New(st, &probingRunner{
		scanner: e.scanner,
		remote:  e.remote,
		bus:     e.bus,
	}, cfg.ScanConcurrentMax)
	e.recovery = recovery.NewService(st, e.state, e.slots, e.queue, e.driver, e.bus)
	e.recovery.TickInterval = cfg.RecoveryTickInterval()
	e.torrents = torrent.NewRunner(st)
	e.hub = wshub.NewHub(e.bus)
	e.web = httpd.New(cfg, e.hub)
	return e, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Recovery boots before anything dispatches.
func (e *Engine) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	if err := e.start(egCtx); err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		e.stop(sctx)
		return err
	}

	eg.Go(func() error { return e.web.Start(egCtx) })

	stopped := make(chan struct{})
	go func() {
		<-egCtx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		e.stop(sctx)
		close(stopped)
	}()

	err := eg.Wait()
	<-stopped
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.remote.Start(ctx); err != nil {
		return err
	}
	e.hub.Run(ctx)

	if _, err := e.recovery.Boot(ctx); err != nil {
		return err
	}

	e.queue.Start(ctx)
	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	e.recovery.Start(ctx)
	e.watchCompletions(ctx)

	slog.Info("engine started", "store", e.cfg.StoreURI, "port", e.cfg.BindPort)
	return nil
}

// stop unwinds the start sequence in reverse.
func (e *Engine) stop(ctx context.Context) {
	e.sched.Stop()
	e.queue.Stop()
	e.recovery.Stop()
	e.torrents.Stop()
	e.driver.Shutdown(ctx)
	e.hub.Shutdown(ctx)
	e.remote.Stop()
	e.wg.Wait()
	e.bus.Close()
	// Per-transfer cleanup already removed its own key file; this
	// catches files left behind by transfers killed mid-flight.
	if err := e.keys.CleanupAll(); err != nil {
		slog.Warn("key material cleanup", "error", err)
	}
	if err := e.store.Close(); err != nil {
		slog.Warn("store close", "error", err)
	}
	slog.Info("engine stopped")
}

// Close releases resources without a Run cycle. For the offline
// subcommands.
func (e *Engine) Close() error {
	e.torrents.Stop()
	e.bus.Close()
	if err := e.keys.CleanupAll(); err != nil {
		slog.Warn("key material cleanup", "error", err)
	}
	return e.store.Close()
}

// Recover runs one full offline recovery pass.
func (e *Engine) Recover(ctx context.Context) (*recovery.Counters, error) {
	return e.recovery.Boot(ctx)
}

// EmergencyReset force-resets every in-flight record.
func (e *Engine) EmergencyReset(ctx context.Context) (int, error) {
	return e.recovery.EmergencyReset(ctx)
}

// watchCompletions feeds finished downloads to the post-action runner.
func (e *Engine) watchCompletions(ctx context.Context) {
	ch, cancel := e.bus.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				p, ok := ev.Payload.(*events.FileStatePayload)
				if !ok || p.NewState != store.StateSynced || p.OldState != store.StateTransferring {
					continue
				}
				e.schedulePostAction(ctx, p)
			}
		}
	}()
}

// schedulePostAction re-reads job and record so a stale event can
// never fire an action for changed configuration. Upload completions
// never act on the source-side torrent daemon.
func (e *Engine) schedulePostAction(ctx context.Context, p *events.FileStatePayload) {
	job, err := e.store.GetJob(ctx, p.JobID)
	if err != nil || job == nil {
		return
	}
	if job.PostAction.Kind == store.ActionNone || job.PostAction.Kind == "" {
		return
	}
	if job.Direction == store.DirectionUpload {
		return
	}
	rec, err := e.store.GetFile(ctx, p.FileID)
	if err != nil || rec == nil {
		return
	}
	e.torrents.Schedule(job, rec)
}

// uploadDirection mirrors the queue's rule: remote is always the
// source-server side, and bidirectional jobs push the files only the
// target side has.
func uploadDirection(job *store.Job, rec *store.FileRecord) bool {
	switch job.Direction {
	case store.DirectionUpload:
		return true
	case store.DirectionBidirectional:
		return rec.LocalExists && !rec.RemoteExists
	default:
		return false
	}
}

// buildRequest resolves endpoints and credentials for one dispatched
// record. Local-target jobs run the copy tool on this host;
// server-target jobs exec it on the target host over SSH, which must
// hold key trust toward the source host.
func (e *Engine) buildRequest(ctx context.Context, job *store.Job, rec *store.FileRecord, transferID string) (transfer.Request, error) {
	src, err := e.store.GetServer(ctx, job.SourceServerID)
	if err != nil {
		return transfer.Request{}, err
	}
	if src == nil {
		return transfer.Request{}, errdefs.New(errdefs.CodeNotFound, "server %s not found", job.SourceServerID)
	}

	req := transfer.Request{
		TransferID: transferID,
		JobID:      job.ID,
		FileID:     rec.ID,
		Filename:   rec.Filename,
		Opts:       rsync.JobOptions(job.Options),
		Timeout:    e.cfg.TransferDefaultTimeout(),
	}
	req.Opts.Mkpath = strings.Contains(rec.RelativePath, "/")
	remotePath := path.Join(job.SourcePath, rec.RelativePath)

	if job.LocalTarget() {
		local := filepath.Join(job.TargetPath, filepath.FromSlash(rec.RelativePath))
		req.Source = rsync.RemoteSpec(src.Username, src.Host, remotePath)
		req.Dest = local
		req.LocalDest = filepath.Dir(local)
		req.SSHPort = src.Port
		req.Password = src.Password
		req.PrivateKey = src.PrivateKey
		req.TotalBytes = rec.RemoteSize
		req.Ping = func(pctx context.Context) error {
			_, err := e.remote.Exists(pctx, src, job.SourcePath)
			return err
		}
		return req, nil
	}

	tgt, err := e.store.GetServer(ctx, *job.TargetServerID)
	if err != nil {
		return transfer.Request{}, err
	}
	if tgt == nil {
		return transfer.Request{}, errdefs.New(errdefs.CodeNotFound, "server %s not found", *job.TargetServerID)
	}

	targetPath := path.Join(job.TargetPath, rec.RelativePath)
	req.Via = &transfer.RemoteExec{Username: tgt.Username, Host: tgt.Host, Port: tgt.Port}
	req.Password = tgt.Password
	req.PrivateKey = tgt.PrivateKey
	req.SSHPort = src.Port

	if uploadDirection(job, rec) {
		req.Source = targetPath
		req.Dest = rsync.RemoteSpec(src.Username, src.Host, remotePath)
		req.TotalBytes = rec.LocalSize
	} else {
		req.Source = rsync.RemoteSpec(src.Username, src.Host, remotePath)
		req.Dest = targetPath
		req.TotalBytes = rec.RemoteSize
	}
	req.Ping = func(pctx context.Context) error {
		_, err := e.remote.Exists(pctx, tgt, job.TargetPath)
		return err
	}
	return req, nil
}

// probingRunner tests the source server connection before every
// scheduled scan and reports each probe on the bus, so subscribers in
// the server's rooms see reachability alongside scan results. A failed
// probe skips the scan.
type probingRunner struct {
	scanner *scan.Scanner
	remote  sshx.Remote
	bus     *events.Bus
}

func (r *probingRunner) Compare(ctx context.Context, job *store.Job, sourceSrv, targetSrv *store.Server) (*scan.Stats, error) {
	started := time.Now()
	_, err := r.remote.Test(ctx, sourceSrv)

	p := &events.ConnectionTestPayload{
		ServerID:   sourceSrv.ID,
		ServerName: sourceSrv.Name,
		Success:    err == nil,
		DurationMs: time.Since(started).Milliseconds(),
		TS:         time.Now().UnixMilli(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	r.bus.Publish(p)

	if err != nil {
		return nil, err
	}
	return r.scanner.Compare(ctx, job, sourceSrv, targetSrv)
}

// Check is one validate-system probe result.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// ValidateSystem probes the external pieces the daemon depends on.
func ValidateSystem(ctx context.Context, cfg *config.Config) []Check {
	var checks []Check

	if v, err := rsync.Probe(ctx); err != nil {
		checks = append(checks, Check{Name: "copy tool", Detail: err.Error()})
	} else {
		detail := v.String()
		if !v.Supported() {
			detail += " (below supported generation)"
		}
		checks = append(checks, Check{Name: "copy tool", OK: v.Supported(), Detail: detail})
	}

	if err := rsync.ProbeSSH(); err != nil {
		checks = append(checks, Check{Name: "ssh client", Detail: err.Error()})
	} else {
		checks = append(checks, Check{Name: "ssh client", OK: true})
	}

	if st, err := store.Open(cfg.StoreURI); err != nil {
		checks = append(checks, Check{Name: "store", Detail: err.Error()})
	} else {
		st.Close()
		checks = append(checks, Check{Name: "store", OK: true, Detail: cfg.StoreURI})
	}
	return checks
}
