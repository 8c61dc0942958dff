// Package scheduler triggers job scans on their configured intervals.
// Due times live in a priority heap with lazy invalidation: upserting
// or removing a job bumps its generation and stale heap items fall out
// on pop. A weighted semaphore caps scans running at once; extra due
// jobs wait their turn.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/scan"
	"github.com/tidesync/tidesync/internal/store"
)

// DefaultMaxConcurrentScans bounds simultaneous scans across all jobs.
const DefaultMaxConcurrentScans = 2

// ScanRunner is the scanner surface the scheduler drives.
type ScanRunner interface {
	Compare(ctx context.Context, job *store.Job, sourceSrv, targetSrv *store.Server) (*scan.Stats, error)
}

// Stats counts scheduler activity since Start.
type Stats struct {
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Skipped   int `json:"skipped"`
	Completed int `json:"completed"`
	Failures  int `json:"failures"`
}

// JobView is one scheduled job as reported by Jobs.
type JobView struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	NextScan time.Time `json:"next_scan"`
}

type entry struct {
	job  *store.Job
	next time.Time
	gen  uint64
}

type heapItem struct {
	jobID string
	gen   uint64
}

// Scheduler owns the scan timetable.
type Scheduler struct {
	store  *store.Store
	runner ScanRunner
	sem    *semaphore.Weighted

	mu      sync.Mutex
	entries map[string]*entry
	heap    *queue.PriorityQueue[heapItem]
	jobLock map[string]*sync.Mutex
	stats   Stats
	genSeq  uint64

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, runner ScanRunner, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentScans
	}
	return &Scheduler{
		store:   st,
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		entries: make(map[string]*entry),
		heap:    queue.NewPriorityQueue[heapItem](),
		jobLock: make(map[string]*sync.Mutex),
		kick:    make(chan struct{}, 1),
	}
}

// Start loads every enabled job and begins ticking. Jobs scanned
// before keep their cadence: next = max(now, last_scan + interval).
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := time.Now()
	for _, job := range jobs {
		s.armLocked(job, nextScanTime(job, now))
	}
	s.mu.Unlock()

	lctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(lctx)

	slog.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop halts ticking and waits for in-flight scans.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.wg.Wait()
}

// Restart reloads the timetable from the store.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.heap = queue.NewPriorityQueue[heapItem]()
	s.mu.Unlock()
	return s.Start(ctx)
}

// Upsert schedules a job or re-arms an existing one. Disabled jobs
// are removed.
func (s *Scheduler) Upsert(job *store.Job) {
	s.mu.Lock()
	if !job.Enabled {
		delete(s.entries, job.ID)
		s.mu.Unlock()
		s.wake()
		return
	}
	s.armLocked(job, nextScanTime(job, time.Now()))
	s.mu.Unlock()
	s.wake()
}

// Remove drops a job from the timetable.
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	delete(s.entries, jobID)
	s.mu.Unlock()
	s.wake()
}

// Jobs returns the timetable ordered by due time.
func (s *Scheduler) Jobs() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobView, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobView{JobID: e.job.ID, Name: e.job.Name, NextScan: e.next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextScan.Before(out[j].NextScan) })
	return out
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// nextScanTime keeps a job's cadence across restarts.
func nextScanTime(job *store.Job, now time.Time) time.Time {
	interval := time.Duration(job.ScanIntervalMinutes) * time.Minute
	if job.LastScanAt == nil {
		return now
	}
	due := time.UnixMilli(*job.LastScanAt).Add(interval)
	if due.Before(now) {
		return now
	}
	return due
}

// armLocked records the entry and pushes a heap item for it. Callers
// hold s.mu.
func (s *Scheduler) armLocked(job *store.Job, next time.Time) {
	s.genSeq++
	s.entries[job.ID] = &entry{job: job, next: next, gen: s.genSeq}
	s.heap.Enqueue(heapItem{jobID: job.ID, gen: s.genSeq}, int(next.Unix()))
	s.stats.Scheduled++
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		item, ok := s.popCurrent()
		if !ok {
			// Empty timetable; sleep until something changes.
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
				continue
			}
		}

		s.mu.Lock()
		e := s.entries[item.jobID]
		s.mu.Unlock()
		if e == nil {
			continue
		}
		due := e.next

		if wait := time.Until(due); wait > 0 {
			// Not due yet: push back and sleep.
			s.mu.Lock()
			s.heap.Enqueue(item, int(due.Unix()))
			s.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.kick:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		// Due: re-arm first so a long scan cannot stall the cadence
		// bookkeeping, then run.
		s.mu.Lock()
		s.armLocked(e.job, time.Now().Add(time.Duration(e.job.ScanIntervalMinutes)*time.Minute))
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runJob(ctx, item.jobID)
	}
}

// popCurrent pops heap items until one matches a live entry
// generation. Stale items from upserts and removals are discarded.
func (s *Scheduler) popCurrent() (heapItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		item, ok := s.heap.Dequeue()
		if !ok {
			return heapItem{}, false
		}
		if e, live := s.entries[item.jobID]; live && e.gen == item.gen {
			return item, true
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	// Reload for fresh config; the job may have changed or vanished
	// while waiting on the semaphore.
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil || job == nil || !job.Enabled {
		s.bump(func(st *Stats) { st.Skipped++ })
		return
	}

	sourceSrv, err := s.store.GetServer(ctx, job.SourceServerID)
	if err != nil || sourceSrv == nil {
		slog.Warn("scan skipped, source server missing", "job", job.Name)
		s.bump(func(st *Stats) { st.Skipped++ })
		return
	}
	var targetSrv *store.Server
	if !job.LocalTarget() {
		targetSrv, err = s.store.GetServer(ctx, *job.TargetServerID)
		if err != nil || targetSrv == nil {
			slog.Warn("scan skipped, target server missing", "job", job.Name)
			s.bump(func(st *Stats) { st.Skipped++ })
			return
		}
	}

	s.bump(func(st *Stats) { st.Running++ })
	_, err = s.runner.Compare(ctx, job, sourceSrv, targetSrv)
	s.bump(func(st *Stats) {
		st.Running--
		if err != nil {
			st.Failures++
		} else {
			st.Completed++
		}
	})
	if err != nil {
		slog.Error("scheduled scan failed", "job", job.Name, "error", err)
	}
}

func (s *Scheduler) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobLock[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLock[jobID] = l
	}
	return l
}

func (s *Scheduler) bump(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}
