// Package scan compares the two sides of a job and reconciles the
// store's file records against what it finds. The remote side comes
// from pooled SSH listings, the local side from the filesystem walker;
// classification never touches records the transfer machinery owns.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/sshx"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/utils"
	"github.com/tidesync/tidesync/internal/walker"
)

// mtimeTolerance is the clock slack allowed before two sides count as
// modified. Remote mtimes come from ls with whole-second resolution.
const mtimeTolerance = 2 // seconds

// Enqueuer is the transfer-queue surface auto-queue uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID string, prio store.Priority, source string) (bool, error)
}

// Stats summarizes one comparison pass.
type Stats struct {
	Found      int   `json:"found"`
	Added      int   `json:"added"`
	Updated    int   `json:"updated"`
	Removed    int   `json:"removed"`
	Queued     int   `json:"queued"`
	DurationMs int64 `json:"duration_ms"`
}

// Scanner runs job comparisons. One scan per job at a time; a second
// Compare for the same job returns conflict.
type Scanner struct {
	store  *store.Store
	remote sshx.Remote
	queue  Enqueuer
	bus    *events.Bus

	// WalkOptions shape the local side of every scan.
	WalkOptions walker.Options

	mu      sync.Mutex
	running map[string]bool
}

func NewScanner(st *store.Store, remote sshx.Remote, queue Enqueuer, bus *events.Bus) *Scanner {
	return &Scanner{
		store:   st,
		remote:  remote,
		queue:   queue,
		bus:     bus,
		running: make(map[string]bool),
	}
}

// Running reports whether a scan is in flight for the job.
func (s *Scanner) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[jobID]
}

// Compare scans both sides of the job, reconciles records, rolls up
// directory aggregates and auto-queues eligible files. targetSrv is
// nil for local-target jobs.
func (s *Scanner) Compare(ctx context.Context, job *store.Job, sourceSrv, targetSrv *store.Server) (*Stats, error) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeConflict, "scan already running for job %s", job.Name)
	}
	s.running[job.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	start := time.Now()
	s.bus.Log(events.LogInfo, "scan", job.ID, fmt.Sprintf("scan started for %s", job.Name))

	var remoteSide, localSide map[string]sideEntry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.listRemote(gctx, sourceSrv, job.SourcePath)
		remoteSide = m
		return err
	})
	g.Go(func() error {
		var m map[string]sideEntry
		var err error
		if targetSrv != nil {
			m, err = s.listRemote(gctx, targetSrv, job.TargetPath)
		} else {
			m, err = s.walkLocal(job.TargetPath)
		}
		localSide = m
		return err
	})
	if err := g.Wait(); err != nil {
		s.bus.Publish(&events.ErrorPayload{
			JobID:   job.ID,
			Type:    events.ErrorScan,
			Message: err.Error(),
			TS:      time.Now().UnixMilli(),
		})
		return nil, errdefs.Wrap(errdefs.CodeScan, err, "scan %s", job.Name)
	}

	recs := classify(remoteSide, localSide)

	bulk, err := s.store.BulkReplaceFiles(ctx, job.ID, recs)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateDirectoryAggregates(ctx, job.ID, aggregate(recs)); err != nil {
		return nil, err
	}

	queued := 0
	if job.AutoQueue.Enabled {
		queued, err = s.autoQueue(ctx, job)
		if err != nil {
			slog.Warn("auto queue pass failed", "job", job.Name, "error", err)
		}
	}

	now := time.Now()
	if err := s.store.TouchJobScan(ctx, job.ID, now.UnixMilli()); err != nil {
		slog.Warn("record scan time failed", "job", job.Name, "error", err)
	}

	stats := &Stats{
		Found:      bulk.Found,
		Added:      bulk.Added,
		Updated:    bulk.Updated,
		Removed:    bulk.Removed,
		Queued:     queued,
		DurationMs: time.Since(start).Milliseconds(),
	}

	s.bus.Publish(&events.ScanCompletePayload{
		JobID:        job.ID,
		JobName:      job.Name,
		RemotePath:   job.SourcePath,
		LocalPath:    job.TargetPath,
		FilesFound:   stats.Found,
		FilesAdded:   stats.Added,
		FilesUpdated: stats.Updated,
		FilesRemoved: stats.Removed,
		DurationMs:   stats.DurationMs,
		TS:           now.UnixMilli(),
	})
	slog.Info("scan complete",
		"job", job.Name, "found", stats.Found, "added", stats.Added,
		"updated", stats.Updated, "removed", stats.Removed,
		"queued", stats.Queued, "duration", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// sideEntry is one path observed on either side.
type sideEntry struct {
	Size        int64
	Mtime       int64
	IsDirectory bool
}

// listRemote walks the remote tree through repeated directory
// listings. A subdirectory that fails to list is logged and skipped so
// one bad directory cannot abort the scan; a failing root does.
func (s *Scanner) listRemote(ctx context.Context, srv *store.Server, root string) (map[string]sideEntry, error) {
	out := make(map[string]sideEntry)

	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		infos, err := s.remote.List(ctx, srv, dir)
		if err != nil {
			if rel == "" {
				return err
			}
			slog.Warn("remote subdirectory skipped", "server", srv.Name, "path", dir, "error", err)
			return nil
		}
		for _, info := range infos {
			r := info.Name
			if rel != "" {
				r = rel + "/" + info.Name
			}
			entry := sideEntry{Mtime: info.Mtime, IsDirectory: info.IsDirectory}
			if !info.IsDirectory {
				entry.Size = info.Size
			}
			out[r] = entry
			if info.IsDirectory {
				if err := walk(path.Join(dir, info.Name), r); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(utils.NormPath(root), ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scanner) walkLocal(root string) (map[string]sideEntry, error) {
	res, err := walker.Walk(root, s.WalkOptions)
	if err != nil {
		return nil, err
	}
	for _, we := range res.Errors {
		slog.Warn("local walk entry skipped", "path", we.Path, "error", we.Error)
	}
	out := make(map[string]sideEntry, len(res.Files))
	for _, f := range res.Files {
		out[f.RelPath] = sideEntry{
			Size:        f.Size,
			Mtime:       f.Mtime,
			IsDirectory: f.IsDirectory,
		}
	}
	return out, nil
}

// classify builds one record per path in the union of the two sides.
func classify(remote, local map[string]sideEntry) []*store.FileRecord {
	paths := make(map[string]struct{}, len(remote)+len(local))
	for p := range remote {
		paths[p] = struct{}{}
	}
	for p := range local {
		paths[p] = struct{}{}
	}

	recs := make([]*store.FileRecord, 0, len(paths))
	for p := range paths {
		r, onRemote := remote[p]
		l, onLocal := local[p]

		parent := path.Dir(p)
		if parent == "." {
			parent = ""
		}
		rec := &store.FileRecord{
			RelativePath: p,
			Filename:     path.Base(p),
			ParentPath:   parent,
			IsDirectory:  (onRemote && r.IsDirectory) || (onLocal && l.IsDirectory),
			SyncState:    classifyState(r, onRemote, l, onLocal),
		}
		if onRemote {
			rec.RemoteExists = true
			rec.RemoteSize = r.Size
			rec.RemoteMtime = r.Mtime
			rec.RemoteIsDir = r.IsDirectory
		}
		if onLocal {
			rec.LocalExists = true
			rec.LocalSize = l.Size
			rec.LocalMtime = l.Mtime
			rec.LocalIsDir = l.IsDirectory
		}
		recs = append(recs, rec)
	}
	return recs
}

// classifyState applies the equality rule: same size and mtimes within
// tolerance mean synced, both-present-but-different means desynced.
func classifyState(r sideEntry, onRemote bool, l sideEntry, onLocal bool) store.SyncState {
	switch {
	case onRemote && !onLocal:
		return store.StateRemoteOnly
	case !onRemote && onLocal:
		return store.StateLocalOnly
	}
	if r.IsDirectory || l.IsDirectory {
		return store.StateSynced
	}
	if r.Size == l.Size && absDiff(r.Mtime, l.Mtime) < mtimeTolerance {
		return store.StateSynced
	}
	return store.StateDesynced
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// aggregate rolls file sizes and counts up into every ancestor
// directory, deepest first.
func aggregate(recs []*store.FileRecord) []store.DirAggregate {
	type agg struct {
		size  int64
		count int64
	}
	dirs := make(map[string]*agg)
	for _, rec := range recs {
		if rec.IsDirectory {
			if _, ok := dirs[rec.RelativePath]; !ok {
				dirs[rec.RelativePath] = &agg{}
			}
		}
	}
	for _, rec := range recs {
		if rec.IsDirectory {
			continue
		}
		size := rec.RemoteSize
		if !rec.RemoteExists {
			size = rec.LocalSize
		}
		for dir := path.Dir(rec.RelativePath); dir != "." && dir != "/"; dir = path.Dir(dir) {
			a, ok := dirs[dir]
			if !ok {
				a = &agg{}
				dirs[dir] = a
			}
			a.size += size
			a.count++
		}
	}

	out := make([]store.DirAggregate, 0, len(dirs))
	for dir, a := range dirs {
		out = append(out, store.DirAggregate{RelativePath: dir, Size: a.size, Count: a.count})
	}
	// Deepest first so parents read settled child values.
	sort.Slice(out, func(i, j int) bool {
		di := strings.Count(out[i].RelativePath, "/")
		dj := strings.Count(out[j].RelativePath, "/")
		if di != dj {
			return di > dj
		}
		return out[i].RelativePath < out[j].RelativePath
	})
	return out
}

// autoQueue enqueues files the job's predicate accepts. Direction
// picks the eligible states: downloads pull remote_only, uploads push
// local_only, both reclaim desynced; bidirectional leaves desynced to
// the operator.
func (s *Scanner) autoQueue(ctx context.Context, job *store.Job) (int, error) {
	var states []store.SyncState
	switch job.Direction {
	case store.DirectionUpload:
		states = []store.SyncState{store.StateLocalOnly, store.StateDesynced}
	case store.DirectionBidirectional:
		states = []store.SyncState{store.StateRemoteOnly, store.StateLocalOnly}
	default:
		states = []store.SyncState{store.StateRemoteOnly, store.StateDesynced}
	}

	isDir := false
	recs, err := s.store.FindFiles(ctx, store.FileQuery{
		JobID:       job.ID,
		States:      states,
		IsDirectory: &isDir,
		OrderBy:     "relative_path",
	})
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, rec := range recs {
		if !Match(job.AutoQueue, rec) {
			continue
		}
		ok, err := s.queue.Enqueue(ctx, rec.ID, store.PriorityNormal, "auto_scan")
		if err != nil {
			slog.Warn("auto queue enqueue failed", "file", rec.Filename, "error", err)
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}
