// Package recovery reconciles the store, the in-memory queue and the
// slot ledger after a crash or while the daemon runs. The boot pass
// blocks engine startup; a periodic tick repeats the consistency
// checks afterwards.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/slots"
	"github.com/tidesync/tidesync/internal/state"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/transfer"
)

const (
	// DefaultStuckThreshold is how long a record may sit in queued or
	// transferring before it counts as stuck.
	DefaultStuckThreshold = 30 * time.Minute

	// DefaultTickInterval re-runs the consistency checks while the
	// daemon is up.
	DefaultTickInterval = 5 * time.Minute

	// DefaultPruneAfter drops settled records not seen by a scan for
	// this long.
	DefaultPruneAfter = 30 * 24 * time.Hour
)

// Counters summarizes one recovery pass.
type Counters struct {
	Total         int `json:"total"`
	Stuck         int `json:"stuck"`
	Orphaned      int `json:"orphaned"`
	Recovered     int `json:"recovered"`
	Failures      int `json:"failures"`
	ReleasedSlots int `json:"released_slots"`
}

// Service runs the boot recovery sequence and the periodic tick.
type Service struct {
	store  *store.Store
	state  *state.Manager
	slots  *slots.Controller
	queue  *transfer.Queue
	driver *transfer.Driver
	bus    *events.Bus

	StuckThreshold time.Duration
	TickInterval   time.Duration
	PruneAfter     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(st *store.Store, sm *state.Manager, sc *slots.Controller, q *transfer.Queue, d *transfer.Driver, bus *events.Bus) *Service {
	return &Service{
		store:          st,
		state:          sm,
		slots:          sc,
		queue:          q,
		driver:         d,
		bus:            bus,
		StuckThreshold: DefaultStuckThreshold,
		TickInterval:   DefaultTickInterval,
		PruneAfter:     DefaultPruneAfter,
	}
}

// Boot runs the full recovery sequence and rebuilds the in-memory
// views. The engine must not start dispatching before this returns.
func (s *Service) Boot(ctx context.Context) (*Counters, error) {
	c, err := s.run(ctx, true)
	if err != nil {
		return c, err
	}
	slog.Info("boot recovery complete",
		"total", c.Total, "stuck", c.Stuck, "orphaned", c.Orphaned,
		"recovered", c.Recovered, "failures", c.Failures, "released_slots", c.ReleasedSlots)
	return c, nil
}

// Start launches the periodic tick. Boot should have run first.
func (s *Service) Start(ctx context.Context) {
	tctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				if _, err := s.run(tctx, false); err != nil {
					slog.Error("recovery tick failed", "error", err)
				}
			}
		}
	}()
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// run is one pass: stuck detection, orphan detection, slot
// validation, and on boot a rebuild of the in-memory views. Passes
// are serialized; running it twice back to back finds nothing the
// second time.
func (s *Service) run(ctx context.Context, boot bool) (*Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Counters{}

	if err := s.failStuck(ctx, c); err != nil {
		return c, err
	}
	if err := s.clearOrphans(ctx, c); err != nil {
		return c, err
	}
	if err := s.validateSlots(ctx, c); err != nil {
		return c, err
	}

	if boot {
		if _, err := s.slots.SyncWithStore(ctx); err != nil {
			return c, err
		}
		if s.queue != nil {
			n, err := s.queue.InitializeFromStore(ctx)
			if err != nil {
				return c, err
			}
			c.Recovered += n
		}
	}

	s.bus.Log(events.LogInfo, "recovery", "", fmt.Sprintf(
		"recovery_complete total=%d stuck=%d orphaned=%d recovered=%d failures=%d released_slots=%d",
		c.Total, c.Stuck, c.Orphaned, c.Recovered, c.Failures, c.ReleasedSlots))
	return c, nil
}

// failStuck force-fails records that sat in an in-flight state past
// the threshold. The failed transition releases slot and transfer
// bindings as a side effect.
func (s *Service) failStuck(ctx context.Context, c *Counters) error {
	cutoff := time.Now().Add(-s.StuckThreshold)
	recs, err := s.store.FindFiles(ctx, store.FileQuery{
		States:        []store.SyncState{store.StateQueued, store.StateTransferring},
		ChangedBefore: cutoff.UnixMilli(),
	})
	if err != nil {
		return err
	}

	for _, rec := range recs {
		c.Total++
		stuckFor := time.Since(time.UnixMilli(rec.LastStateChange))
		hadSlot := rec.JobSlot != nil

		transferID := ""
		if rec.ActiveTransferID != nil {
			transferID = *rec.ActiveTransferID
			s.driver.Cancel(transferID, "stuck_transfer")
		}
		ok, err := s.state.Transition(ctx, rec.ID, store.StateFailed, state.Opts{
			TransferID: transferID,
			Reason:     "stuck_transfer",
			Force:      true,
			Metadata: map[string]any{
				"original_state": string(rec.SyncState),
				"stuck_ms":       stuckFor.Milliseconds(),
			},
		})
		if err != nil || !ok {
			c.Failures++
			slog.Warn("stuck record not failed", "file", rec.Filename, "error", err)
			continue
		}
		c.Stuck++
		if hadSlot {
			c.ReleasedSlots++
		}
		s.bus.Publish(&events.ErrorPayload{
			JobID:   rec.JobID,
			Type:    events.ErrorTransfer,
			Message: fmt.Sprintf("transfer of %s stuck in %s for %s", rec.Filename, rec.SyncState, stuckFor.Round(time.Second)),
			TS:      time.Now().UnixMilli(),
		})
	}
	return nil
}

// clearOrphans rolls back transferring records whose driving process
// no longer exists. They are treated as never started.
func (s *Service) clearOrphans(ctx context.Context, c *Counters) error {
	bound := true
	recs, err := s.store.FindFiles(ctx, store.FileQuery{
		States:        []store.SyncState{store.StateTransferring},
		TransferBound: &bound,
	})
	if err != nil {
		return err
	}

	live := s.driver.LiveTransferIDs()
	for _, rec := range recs {
		if rec.ActiveTransferID == nil {
			continue
		}
		if _, ok := live[*rec.ActiveTransferID]; ok {
			continue
		}
		c.Total++
		target := store.StateRemoteOnly
		if rec.LocalExists && !rec.RemoteExists {
			target = store.StateLocalOnly
		}
		ok, err := s.state.Reset(ctx, rec.ID, target, "orphaned_transfer", true)
		if err != nil || !ok {
			c.Failures++
			slog.Warn("orphan not recovered", "file", rec.Filename, "error", err)
			continue
		}
		c.Orphaned++
		c.Recovered++
	}
	return nil
}

// validateSlots releases slots held by records in non-holding states
// and trims any job holding more slots than its cap, oldest
// assignment first.
func (s *Service) validateSlots(ctx context.Context, c *Counters) error {
	held := true

	// Slots leaked onto settled records.
	leaked, err := s.store.FindFiles(ctx, store.FileQuery{
		SlotHeld:  &held,
		NotStates: []store.SyncState{store.StateQueued, store.StateTransferring},
	})
	if err != nil {
		return err
	}
	for _, rec := range leaked {
		c.Total++
		if err := s.releaseSlot(ctx, rec.ID); err != nil {
			c.Failures++
			continue
		}
		c.ReleasedSlots++
	}

	// Jobs over their concurrency cap.
	holders, err := s.store.FindFiles(ctx, store.FileQuery{
		SlotHeld: &held,
		States:   []store.SyncState{store.StateQueued, store.StateTransferring},
		OrderBy:  "last_state_change",
	})
	if err != nil {
		return err
	}
	byJob := make(map[string][]*store.FileRecord)
	for _, rec := range holders {
		byJob[rec.JobID] = append(byJob[rec.JobID], rec)
	}
	for jobID, recs := range byJob {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil || job == nil {
			continue
		}
		max := job.Parallelism.MaxConcurrentTransfers
		if len(recs) <= max {
			continue
		}
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].LastStateChange < recs[j].LastStateChange
		})
		for _, rec := range recs[:len(recs)-max] {
			c.Total++
			if err := s.releaseSlot(ctx, rec.ID); err != nil {
				c.Failures++
				continue
			}
			c.ReleasedSlots++
			slog.Warn("over-cap slot released",
				"job", job.Name, "file", rec.Filename, "cap", max)
		}
	}
	return nil
}

func (s *Service) releaseSlot(ctx context.Context, fileID string) error {
	_, err := s.store.FindAndUpdateFile(ctx, fileID, nil, func(rec *store.FileRecord) error {
		rec.JobSlot = nil
		return nil
	})
	return err
}

// Prune deletes settled records not refreshed by a scan within the
// retention window. Returns the number of rows dropped.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.PruneAfter)
	n, err := s.store.DeleteFiles(ctx, store.FileQuery{
		States:     []store.SyncState{store.StateSynced, store.StateFailed},
		SeenBefore: cutoff.UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("pruned settled records", "count", n, "older_than", s.PruneAfter)
	}
	return n, nil
}

// EmergencyReset force-moves every in-flight record back to its
// pre-queue state and clears all transfer fields. Operator use only.
func (s *Service) EmergencyReset(ctx context.Context) (int, error) {
	recs, err := s.store.FindFiles(ctx, store.FileQuery{
		States: []store.SyncState{store.StateQueued, store.StateTransferring, store.StateFailed},
	})
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, rec := range recs {
		if rec.ActiveTransferID != nil {
			s.driver.Cancel(*rec.ActiveTransferID, "emergency_reset")
		}
		target := store.StateRemoteOnly
		if rec.LocalExists && !rec.RemoteExists {
			target = store.StateLocalOnly
		}
		ok, err := s.state.Transition(ctx, rec.ID, target, state.Opts{
			Reason:   "emergency_reset",
			Force:    true,
			Metadata: map[string]any{"emergency_reset": true},
		})
		if err != nil || !ok {
			slog.Warn("emergency reset skipped record", "file", rec.Filename, "error", err)
			continue
		}
		if _, err := s.store.FindAndUpdateFile(ctx, rec.ID, nil, func(r *store.FileRecord) error {
			r.Progress = 0
			r.RetryCount = 0
			r.StartedAt = nil
			r.CompletedAt = nil
			return nil
		}); err != nil {
			slog.Warn("emergency reset field clear failed", "file", rec.Filename, "error", err)
		}
		reset++
	}
	slog.Info("emergency reset complete", "records", reset)
	return reset, nil
}
