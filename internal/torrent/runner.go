package torrent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/store"
)

// newAPI builds the wire client for a server's torrent daemon.
// Swappable in tests.
var newAPI = func(tc *store.TorrentClient) API { return NewClient(tc) }

// Runner schedules post-transfer torrent actions. Actions are keyed
// by job and the transferred file's top-level name, so a multi-file
// torrent fires its action once no matter how many files complete.
type Runner struct {
	store *store.Store

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewRunner(st *store.Store) *Runner {
	return &Runner{
		store:  st,
		timers: make(map[string]*time.Timer),
	}
}

// topLevelName is the first path element of a relative path; for a
// torrent that is the torrent's display name.
func topLevelName(relativePath string) string {
	name, _, found := strings.Cut(relativePath, "/")
	if !found {
		return relativePath
	}
	return name
}

// Schedule arms the job's post action for the completed record.
// Re-scheduling the same (job, name) pair resets the delay.
func (r *Runner) Schedule(job *store.Job, rec *store.FileRecord) {
	if job.PostAction.Kind == store.ActionNone || job.PostAction.Kind == "" {
		return
	}
	name := topLevelName(rec.RelativePath)
	delay := time.Duration(job.PostAction.DelayMinutes) * time.Minute
	key := job.ID + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		r.execute(job.ID, name)
	})
	slog.Debug("post action scheduled",
		"job", job.Name, "name", name, "kind", job.PostAction.Kind, "delay", delay)
}

// Pending reports how many actions are armed.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop disarms every pending action.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}

// execute re-reads the job and server at fire time; a vanished job or
// server drops the action, and wire failures only warn. Post actions
// never affect file state.
func (r *Runner) execute(jobID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout*2)
	defer cancel()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		slog.Debug("post action dropped, job gone", "job", jobID, "name", name)
		return
	}
	if job.PostAction.Kind == store.ActionNone {
		return
	}

	srv, err := r.store.GetServer(ctx, job.SourceServerID)
	if err != nil || srv == nil {
		slog.Debug("post action dropped, server gone", "job", job.Name, "name", name)
		return
	}
	if srv.TorrentClient == nil {
		slog.Warn("post action configured but server has no torrent client",
			"job", job.Name, "server", srv.Name)
		return
	}

	api := newAPI(srv.TorrentClient)
	switch job.PostAction.Kind {
	case store.ActionRemove:
		err = api.Remove(ctx, name, false)
	case store.ActionRemoveData:
		err = api.Remove(ctx, name, true)
	case store.ActionSetLabel:
		err = api.SetLabel(ctx, name, job.PostAction.Label)
	}
	if err != nil {
		slog.Warn("post action failed",
			"job", job.Name, "name", name, "kind", job.PostAction.Kind, "error", err)
		return
	}
	slog.Info("post action applied", "job", job.Name, "name", name, "kind", job.PostAction.Kind)
}
