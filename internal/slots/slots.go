// Package slots hands out per-job concurrency slot numbers. Slots are
// small integers 0..max-1, reserved through an atomic store update and
// mirrored in memory for O(1) headroom checks. The store is the source
// of truth; the cache is rebuilt from it on demand.
package slots

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
)

// settingsTTL bounds how long a job's parallelism settings are served
// from cache.
const settingsTTL = 5 * time.Minute

const settingsCacheSize = 256

// SlotInfo describes one reserved slot.
type SlotInfo struct {
	Slot       int       `json:"slot"`
	TransferID string    `json:"transfer_id"`
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	AssignedAt time.Time `json:"assigned_at"`
}

type jobSlots struct {
	used   mapset.Set[int]
	info   map[int]SlotInfo
	loaded bool
}

func newJobSlots() *jobSlots {
	return &jobSlots{
		used: mapset.NewThreadUnsafeSet[int](),
		info: make(map[int]SlotInfo),
	}
}

// Controller allocates and releases slots for every job.
type Controller struct {
	store    *store.Store
	settings *expirable.LRU[string, int]

	mu   sync.Mutex
	jobs map[string]*jobSlots
}

func NewController(st *store.Store) *Controller {
	return &Controller{
		store:    st,
		settings: expirable.NewLRU[string, int](settingsCacheSize, nil, settingsTTL),
		jobs:     make(map[string]*jobSlots),
	}
}

// InvalidateSettings drops the cached parallelism for a job after an
// update. Already-reserved excess slots are not evicted; only future
// reservations see the new cap.
func (c *Controller) InvalidateSettings(jobID string) {
	c.settings.Remove(jobID)
}

// maxFor resolves max_concurrent_transfers, cache first.
func (c *Controller) maxFor(ctx context.Context, jobID string) (int, error) {
	if max, ok := c.settings.Get(jobID); ok {
		return max, nil
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, errdefs.New(errdefs.CodeNotFound, "job %s not found", jobID)
	}
	max := job.Parallelism.MaxConcurrentTransfers
	c.settings.Add(jobID, max)
	return max, nil
}

// slotsFor returns the job's in-memory slot set, rebuilding it from
// the store on first touch. Caller holds c.mu.
func (c *Controller) slotsFor(ctx context.Context, jobID string) (*jobSlots, error) {
	js, ok := c.jobs[jobID]
	if !ok {
		js = newJobSlots()
		c.jobs[jobID] = js
	}
	if js.loaded {
		return js, nil
	}

	held := true
	recs, err := c.store.FindFiles(ctx, store.FileQuery{
		JobID:    jobID,
		States:   []store.SyncState{store.StateQueued, store.StateTransferring},
		SlotHeld: &held,
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		slot := *rec.JobSlot
		js.used.Add(slot)
		info := SlotInfo{
			Slot:       slot,
			FileID:     rec.ID,
			Filename:   rec.Filename,
			AssignedAt: time.UnixMilli(rec.LastStateChange),
		}
		if rec.ActiveTransferID != nil {
			info.TransferID = *rec.ActiveTransferID
		}
		js.info[slot] = info
	}
	js.loaded = true
	return js, nil
}

// lowestFree returns the smallest unreserved slot below max.
func lowestFree(used mapset.Set[int], max int) (int, bool) {
	for slot := 0; slot < max; slot++ {
		if !used.Contains(slot) {
			return slot, true
		}
	}
	return 0, false
}

// AvailableSlot reports the slot the next reservation would get.
func (c *Controller) AvailableSlot(ctx context.Context, jobID string) (int, bool, error) {
	max, err := c.maxFor(ctx, jobID)
	if err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	js, err := c.slotsFor(ctx, jobID)
	if err != nil {
		return 0, false, err
	}
	slot, ok := lowestFree(js.used, max)
	return slot, ok, nil
}

// HasSlots reports whether the job has concurrency headroom.
func (c *Controller) HasSlots(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := c.AvailableSlot(ctx, jobID)
	return ok, err
}

// Reserve atomically binds the lowest free slot to fileID. The store
// write only succeeds while the record holds no slot and is not bound
// to a different transfer; a lost race returns ok=false.
func (c *Controller) Reserve(ctx context.Context, jobID, transferID, fileID, filename string) (int, bool, error) {
	max, err := c.maxFor(ctx, jobID)
	if err != nil {
		return 0, false, err
	}

	c.mu.Lock()
	js, err := c.slotsFor(ctx, jobID)
	if err != nil {
		c.mu.Unlock()
		return 0, false, err
	}
	slot, ok := lowestFree(js.used, max)
	if !ok {
		c.mu.Unlock()
		return 0, false, nil
	}
	// Hold the slot in memory across the store write so a concurrent
	// reservation cannot pick the same number.
	js.used.Add(slot)
	c.mu.Unlock()

	rec, err := c.store.FindAndUpdateFile(ctx, fileID,
		func(rec *store.FileRecord) bool {
			if rec.JobSlot != nil {
				return false
			}
			return rec.ActiveTransferID == nil || *rec.ActiveTransferID == transferID
		},
		func(rec *store.FileRecord) error {
			rec.JobSlot = &slot
			rec.ActiveTransferID = &transferID
			rec.LastStateChange = time.Now().UnixMilli()
			return nil
		},
	)
	if err != nil || rec == nil {
		c.mu.Lock()
		js.used.Remove(slot)
		delete(js.info, slot)
		c.mu.Unlock()
		return 0, false, err
	}

	c.mu.Lock()
	js.info[slot] = SlotInfo{
		Slot:       slot,
		TransferID: transferID,
		FileID:     fileID,
		Filename:   filename,
		AssignedAt: time.Now(),
	}
	c.mu.Unlock()

	slog.Debug("slot reserved", "job", jobID, "slot", slot, "transfer", transferID)
	return slot, true, nil
}

// Release frees one slot. The store-side field is cleared when a
// record still carries it.
func (c *Controller) Release(ctx context.Context, jobID string, slot int) error {
	c.mu.Lock()
	var fileID string
	if js, ok := c.jobs[jobID]; ok {
		if info, ok := js.info[slot]; ok {
			fileID = info.FileID
		}
		js.used.Remove(slot)
		delete(js.info, slot)
	}
	c.mu.Unlock()

	if fileID == "" {
		// Memory knows nothing about the slot; look for a store-side
		// holder left over from a previous run.
		recs, err := c.store.FindFiles(ctx, store.FileQuery{JobID: jobID})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.JobSlot != nil && *rec.JobSlot == slot {
				fileID = rec.ID
				break
			}
		}
		if fileID == "" {
			return nil
		}
	}

	_, err := c.store.FindAndUpdateFile(ctx, fileID,
		func(rec *store.FileRecord) bool {
			return rec.JobSlot != nil && *rec.JobSlot == slot
		},
		func(rec *store.FileRecord) error {
			rec.JobSlot = nil
			if !rec.SyncState.HoldsSlot() {
				rec.ActiveTransferID = nil
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	slog.Debug("slot released", "job", jobID, "slot", slot)
	return nil
}

// ReleaseTransfer frees the slot bound to a transfer id, if any.
func (c *Controller) ReleaseTransfer(ctx context.Context, jobID, transferID string) error {
	c.mu.Lock()
	slot := -1
	if js, ok := c.jobs[jobID]; ok {
		for s, info := range js.info {
			if info.TransferID == transferID {
				slot = s
				break
			}
		}
	}
	c.mu.Unlock()

	if slot < 0 {
		return nil
	}
	return c.Release(ctx, jobID, slot)
}

// Active reports how many slots the job currently holds in memory.
func (c *Controller) Active(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if js, ok := c.jobs[jobID]; ok {
		return js.used.Cardinality()
	}
	return 0
}

// SlotInfos snapshots the job's reserved slots, ordered by number.
func (c *Controller) SlotInfos(jobID string) []SlotInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	js, ok := c.jobs[jobID]
	if !ok {
		return nil
	}
	infos := make([]SlotInfo, 0, len(js.info))
	for slot := range js.used.Iter() {
		if info, ok := js.info[slot]; ok {
			infos = append(infos, info)
		}
	}
	sortSlotInfos(infos)
	return infos
}

func sortSlotInfos(infos []SlotInfo) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].Slot < infos[j-1].Slot; j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

// ForceReleaseAll clears every slot of a job, in memory and in the
// store, and reports how many went away.
func (c *Controller) ForceReleaseAll(ctx context.Context, jobID string) (int, error) {
	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()

	held := true
	recs, err := c.store.FindFiles(ctx, store.FileQuery{JobID: jobID, SlotHeld: &held})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, rec := range recs {
		_, err := c.store.FindAndUpdateFile(ctx, rec.ID,
			func(r *store.FileRecord) bool { return r.JobSlot != nil },
			func(r *store.FileRecord) error {
				r.JobSlot = nil
				if !r.SyncState.HoldsSlot() {
					r.ActiveTransferID = nil
				}
				return nil
			},
		)
		if err != nil {
			return released, err
		}
		released++
	}
	if released > 0 {
		slog.Info("slots force released", "job", jobID, "count", released)
	}
	return released, nil
}

// SyncStats summarizes one reconciliation pass.
type SyncStats struct {
	Jobs       int `json:"jobs"`
	Rebuilt    int `json:"rebuilt"`
	Violations int `json:"violations"`
}

// SyncWithStore drops every in-memory slot set and rebuilds it from
// the store, logging any job holding more slots than its cap. Excess
// slots are not evicted here; recovery owns that.
func (c *Controller) SyncWithStore(ctx context.Context) (*SyncStats, error) {
	held := true
	recs, err := c.store.FindFiles(ctx, store.FileQuery{
		States:   []store.SyncState{store.StateQueued, store.StateTransferring},
		SlotHeld: &held,
	})
	if err != nil {
		return nil, err
	}

	byJob := make(map[string][]*store.FileRecord)
	for _, rec := range recs {
		byJob[rec.JobID] = append(byJob[rec.JobID], rec)
	}

	c.mu.Lock()
	c.jobs = make(map[string]*jobSlots)
	for jobID, jobRecs := range byJob {
		js := newJobSlots()
		for _, rec := range jobRecs {
			slot := *rec.JobSlot
			js.used.Add(slot)
			info := SlotInfo{
				Slot:       slot,
				FileID:     rec.ID,
				Filename:   rec.Filename,
				AssignedAt: time.UnixMilli(rec.LastStateChange),
			}
			if rec.ActiveTransferID != nil {
				info.TransferID = *rec.ActiveTransferID
			}
			js.info[slot] = info
		}
		js.loaded = true
		c.jobs[jobID] = js
	}
	c.mu.Unlock()

	stats := &SyncStats{Jobs: len(byJob), Rebuilt: len(recs)}
	for jobID, jobRecs := range byJob {
		max, err := c.maxFor(ctx, jobID)
		if err != nil {
			slog.Warn("slot sync cannot resolve job settings", "job", jobID, "error", err)
			continue
		}
		if len(jobRecs) > max {
			stats.Violations++
			slog.Warn("job holds more slots than its cap",
				"job", jobID, "used", len(jobRecs), "max", max)
		}
	}
	return stats, nil
}
