package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/scan"
	"github.com/tidesync/tidesync/internal/store"
)

// fakeRunner records Compare calls and can block to simulate slow
// scans.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (f *fakeRunner) Compare(ctx context.Context, job *store.Job, _, _ *store.Server) (*scan.Stats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job.ID)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return &scan.Stats{}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedServer(t *testing.T, st *store.Store) *store.Server {
	t.Helper()
	srv := &store.Server{
		Name:     "seed",
		Host:     "seed.example.net",
		Username: "sync",
		Password: "hunter2",
	}
	require.NoError(t, st.CreateServer(context.Background(), srv))
	return srv
}

func seedJob(t *testing.T, st *store.Store, srv *store.Server, name string, lastScan *int64) *store.Job {
	t.Helper()
	job := &store.Job{
		Name:           name,
		SourceServerID: srv.ID,
		SourcePath:     "/data/complete",
		TargetPath:     t.TempDir(),
		Enabled:        true,
		LastScanAt:     lastScan,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	if lastScan != nil {
		// CreateJob does not persist last_scan_at; stamp it directly.
		require.NoError(t, st.TouchJobScan(context.Background(), job.ID, *lastScan))
	}
	return job
}

func TestStartRunsDueJobs(t *testing.T) {
	st := newStore(t)
	srv := seedServer(t, st)
	job := seedJob(t, st, srv, "due-now", nil)

	runner := &fakeRunner{}
	s := New(st, runner, 2)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return runner.callCount() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	runner.mu.Lock()
	assert.Equal(t, job.ID, runner.calls[0])
	runner.mu.Unlock()

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.Completed, 1)
}

func TestRecentlyScannedJobWaits(t *testing.T) {
	st := newStore(t)
	srv := seedServer(t, st)
	last := time.Now().UnixMilli()
	seedJob(t, st, srv, "fresh", &last)

	runner := &fakeRunner{}
	s := New(st, runner, 2)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	views := s.Jobs()
	require.Len(t, views, 1)
	assert.True(t, views[0].NextScan.After(time.Now().Add(30*time.Minute)),
		"a just-scanned job is due one interval out")

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, runner.callCount())
}

func TestConcurrentScanCap(t *testing.T) {
	st := newStore(t)
	srv := seedServer(t, st)
	for _, name := range []string{"job-a", "job-b", "job-c"} {
		seedJob(t, st, srv, name, nil)
	}

	runner := &fakeRunner{block: make(chan struct{})}
	s := New(st, runner, 1)
	require.NoError(t, s.Start(context.Background()))

	// Only one scan may hold the semaphore.
	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount())

	close(runner.block)
	require.Eventually(t, func() bool {
		return runner.callCount() == 3
	}, 5*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestUpsertDisabledRemovesJob(t *testing.T) {
	st := newStore(t)
	srv := seedServer(t, st)
	last := time.Now().UnixMilli()
	job := seedJob(t, st, srv, "togglable", &last)

	runner := &fakeRunner{}
	s := New(st, runner, 2)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	require.Len(t, s.Jobs(), 1)

	job.Enabled = false
	s.Upsert(job)
	assert.Empty(t, s.Jobs())
}

func TestRemoveDropsTimetableEntry(t *testing.T) {
	st := newStore(t)
	srv := seedServer(t, st)
	last := time.Now().UnixMilli()
	job := seedJob(t, st, srv, "removable", &last)

	runner := &fakeRunner{}
	s := New(st, runner, 2)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	s.Remove(job.ID)
	assert.Empty(t, s.Jobs())

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, runner.callCount())
}

func TestJobsOrderedByDueTime(t *testing.T) {
	st := newStore(t)
	srv := seedServer(t, st)

	soon := time.Now().Add(-55 * time.Minute).UnixMilli() // due in ~5 min
	later := time.Now().UnixMilli()                       // due in ~60 min
	a := seedJob(t, st, srv, "due-later", &later)
	b := seedJob(t, st, srv, "due-soon", &soon)

	runner := &fakeRunner{}
	s := New(st, runner, 2)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	views := s.Jobs()
	require.Len(t, views, 2)
	assert.Equal(t, b.ID, views[0].JobID)
	assert.Equal(t, a.ID, views[1].JobID)
}

func TestNextScanTime(t *testing.T) {
	now := time.Now()
	job := &store.Job{ScanIntervalMinutes: 60}

	assert.Equal(t, now, nextScanTime(job, now), "never-scanned jobs are due at once")

	recent := now.Add(-10 * time.Minute).UnixMilli()
	job.LastScanAt = &recent
	next := nextScanTime(job, now)
	assert.WithinDuration(t, now.Add(50*time.Minute), next, time.Second)

	old := now.Add(-3 * time.Hour).UnixMilli()
	job.LastScanAt = &old
	assert.Equal(t, now, nextScanTime(job, now), "overdue jobs are clamped to now")
}
