package transfer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/slots"
	"github.com/tidesync/tidesync/internal/state"
	"github.com/tidesync/tidesync/internal/store"
)

// maxRetryDelay caps exponential retry backoff.
const maxRetryDelay = 5 * time.Minute

// drainInterval is the fallback drain pass when no kick arrives.
const drainInterval = time.Second

// QueueItem is one in-memory queue entry mirroring a queued record.
type QueueItem struct {
	FileID     string
	JobID      string
	TransferID string
	Filename   string
	Priority   store.Priority
	Upload     bool
}

// RequestBuilder turns a dispatched record into a driver request. The
// engine wires server resolution and argv assembly in here.
type RequestBuilder func(ctx context.Context, job *store.Job, rec *store.FileRecord, transferID string) (Request, error)

// QueueConfig tunes the transfer queue.
type QueueConfig struct {
	// SyncInterval is the store reconciliation period.
	SyncInterval time.Duration
	// RefuseWhenFull rejects enqueues for jobs with no concurrency
	// headroom instead of parking them.
	RefuseWhenFull bool
}

// QueueSyncStats summarizes one reconciliation pass.
type QueueSyncStats struct {
	InMemory int `json:"in_memory"`
	InStore  int `json:"in_store"`
	Requeued int `json:"requeued"`
	Dropped  int `json:"dropped"`
}

// Queue orders pending transfers and dispatches them through the
// driver. The store is the durable view; the heap is a cache over it.
type Queue struct {
	store  *store.Store
	state  *state.Manager
	slots  *slots.Controller
	driver *Driver
	bus    *events.Bus
	build  RequestBuilder
	cfg    QueueConfig

	mu     sync.Mutex
	member map[string]QueueItem // fileID -> queued entry
	timers map[string]*time.Timer
	pq     *queue.PriorityQueue[QueueItem]

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(st *store.Store, sm *state.Manager, sc *slots.Controller, drv *Driver, bus *events.Bus, build RequestBuilder, cfg QueueConfig) *Queue {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	return &Queue{
		store:  st,
		state:  sm,
		slots:  sc,
		driver: drv,
		bus:    bus,
		build:  build,
		cfg:    cfg,
		member: make(map[string]QueueItem),
		timers: make(map[string]*time.Timer),
		pq:     queue.NewPriorityQueue[QueueItem](),
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the dispatch, result and reconciliation loops.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		q.dispatchLoop(ctx)
	}()
	go func() {
		defer q.wg.Done()
		q.resultLoop(ctx)
	}()
}

// Stop cancels the loops and pending retry timers.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue places a file on the queue. Returns false without error when
// the file is already queued or transferring, or when the job is full
// under refuse_when_full.
func (q *Queue) Enqueue(ctx context.Context, fileID string, prio store.Priority, source string) (bool, error) {
	rec, err := q.store.GetFile(ctx, fileID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, errdefs.New(errdefs.CodeNotFound, "file %s not found", fileID)
	}
	if rec.SyncState.HoldsSlot() {
		return false, nil
	}

	job, err := q.store.GetJob(ctx, rec.JobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, errdefs.New(errdefs.CodeNotFound, "job %s not found", rec.JobID)
	}

	if q.cfg.RefuseWhenFull {
		has, err := q.slots.HasSlots(ctx, rec.JobID)
		if err != nil {
			return false, err
		}
		if !has {
			slog.Debug("enqueue refused, job full", "job", rec.JobID, "file", rec.Filename)
			return false, nil
		}
	}

	transferID := uuid.NewString()
	ok, err := q.state.Transition(ctx, fileID, store.StateQueued, state.Opts{
		TransferID: transferID,
		Reason:     source,
		Priority:   prio,
		Source:     source,
		Upload:     uploadKind(job, rec),
	})
	if err != nil || !ok {
		return false, err
	}

	item := QueueItem{
		FileID:     fileID,
		JobID:      rec.JobID,
		TransferID: transferID,
		Filename:   rec.Filename,
		Priority:   prio,
		Upload:     uploadKind(job, rec),
	}
	q.push(item)
	return true, nil
}

func (q *Queue) push(item QueueItem) {
	q.mu.Lock()
	q.member[item.FileID] = item
	q.mu.Unlock()
	q.pq.Enqueue(item, int(item.Priority))
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// uploadKind decides the transfer direction for one record. remote is
// always the source-server side; bidirectional jobs upload the files
// only the target side has.
func uploadKind(job *store.Job, rec *store.FileRecord) bool {
	switch job.Direction {
	case store.DirectionUpload:
		return true
	case store.DirectionBidirectional:
		return rec.SyncState == store.StateLocalOnly || (rec.LocalExists && !rec.RemoteExists)
	default:
		return false
	}
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	syncTick := time.NewTicker(q.cfg.SyncInterval)
	drainTick := time.NewTicker(drainInterval)
	defer syncTick.Stop()
	defer drainTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-drainTick.C:
		case <-syncTick.C:
			if _, err := q.SyncWithStore(ctx); err != nil {
				slog.Warn("queue sync failed", "error", err)
			}
		}
		q.drain(ctx)
	}
}

// drain dispatches every ready item whose job has headroom.
func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := q.pq.DequeueFunc(func(it QueueItem) bool {
			has, err := q.slots.HasSlots(ctx, it.JobID)
			return err == nil && has
		})
		if !ok {
			return
		}
		if !q.dispatch(ctx, item) {
			return
		}
	}
}

// dispatch hands one item to the driver. The false return stops the
// current drain pass so a parked item is not immediately re-popped.
func (q *Queue) dispatch(ctx context.Context, item QueueItem) bool {
	q.mu.Lock()
	delete(q.member, item.FileID)
	q.mu.Unlock()

	rec, err := q.store.GetFile(ctx, item.FileID)
	if err != nil || rec == nil || rec.SyncState != store.StateQueued {
		return true
	}
	if rec.ActiveTransferID == nil || *rec.ActiveTransferID != item.TransferID {
		// Record was re-queued under a different transfer since this
		// entry was pushed; the durable view wins.
		return true
	}

	slot, ok, err := q.slots.Reserve(ctx, item.JobID, item.TransferID, item.FileID, item.Filename)
	if err != nil || !ok {
		if err != nil {
			slog.Warn("slot reservation failed", "job", item.JobID, "file", item.Filename, "error", err)
		}
		q.push(item)
		return false
	}

	ok, err = q.state.Transition(ctx, item.FileID, store.StateTransferring, state.Opts{
		TransferID: item.TransferID,
		Reason:     "dispatch",
		Upload:     item.Upload,
	})
	if err != nil || !ok {
		q.releaseSlot(ctx, item.JobID, slot)
		slog.Warn("dispatch transition refused", "file", item.FileID, "error", err)
		return true
	}

	job, err := q.store.GetJob(ctx, item.JobID)
	if err != nil || job == nil {
		q.undoDispatch(ctx, item, slot)
		return false
	}
	req, err := q.build(ctx, job, rec, item.TransferID)
	if err != nil {
		q.releaseSlot(ctx, item.JobID, slot)
		if _, ferr := q.state.MarkFailed(ctx, item.FileID, err, item.TransferID); ferr != nil {
			slog.Error("mark failed after build error", "file", item.FileID, "error", ferr)
		}
		return true
	}
	req.TransferID = item.TransferID

	if _, err := q.driver.Start(ctx, req); err != nil {
		if errdefs.IsCode(err, errdefs.CodeResourceExhausted) {
			// Global cap: park the item again and retry on the next
			// drain pass.
			q.undoDispatch(ctx, item, slot)
			return false
		}
		// Any other start failure already produced a terminal Result;
		// the result loop releases the slot and fails the record.
		return true
	}
	return true
}

// undoDispatch rolls a record back to queued after a reversible
// dispatch failure.
func (q *Queue) undoDispatch(ctx context.Context, item QueueItem, slot int) {
	if _, err := q.state.Transition(ctx, item.FileID, store.StateQueued, state.Opts{
		TransferID: item.TransferID,
		Reason:     "dispatch_deferred",
	}); err != nil {
		slog.Warn("dispatch rollback failed", "file", item.FileID, "error", err)
	}
	q.releaseSlot(ctx, item.JobID, slot)
	q.push(item)
}

func (q *Queue) releaseSlot(ctx context.Context, jobID string, slot int) {
	if err := q.slots.Release(ctx, jobID, slot); err != nil {
		slog.Warn("slot release failed", "job", jobID, "slot", slot, "error", err)
	}
}

func (q *Queue) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-q.driver.Results():
			q.handleResult(ctx, res)
		}
	}
}

// handleResult applies one terminal driver outcome: release the slot
// first so a refused transition can never wedge the job, then move the
// record, then drain.
func (q *Queue) handleResult(ctx context.Context, res Result) {
	if err := q.slots.ReleaseTransfer(ctx, res.JobID, res.TransferID); err != nil {
		slog.Warn("slot release failed", "transfer", res.TransferID, "error", err)
	}

	switch res.State {
	case ProcCompleted:
		q.handleComplete(ctx, res)
	case ProcCancelled:
		q.handleCancelled(ctx, res)
	default:
		q.handleFailed(ctx, res)
	}
	q.wake()
}

func (q *Queue) handleComplete(ctx context.Context, res Result) {
	upload := false
	if rec, err := q.store.GetFile(ctx, res.FileID); err == nil && rec != nil {
		if job, err := q.store.GetJob(ctx, rec.JobID); err == nil && job != nil {
			upload = uploadKind(job, rec)
		}
	}
	md := map[string]any{}
	if res.Stats != nil {
		md["bytes"] = res.Stats.BytesReceived + res.Stats.BytesSent
		md["files"] = res.Stats.FilesTransferred
	}
	ok, err := q.state.Transition(ctx, res.FileID, store.StateSynced, state.Opts{
		TransferID: res.TransferID,
		Reason:     "transfer_complete",
		Metadata:   md,
		Upload:     upload,
	})
	if err != nil || !ok {
		slog.Warn("completion transition refused", "file", res.FileID, "error", err)
	}
}

func (q *Queue) handleCancelled(ctx context.Context, res Result) {
	if res.Started {
		reason := "cancelled"
		if _, err := q.state.Transition(ctx, res.FileID, store.StateFailed, state.Opts{
			TransferID: res.TransferID,
			Reason:     reason,
			Metadata:   map[string]any{"cancelled": true},
		}); err != nil {
			slog.Warn("cancel transition failed", "file", res.FileID, "error", err)
		}
		return
	}
	q.rollbackToPreQueue(ctx, res.FileID, res.TransferID, "cancelled_before_start")
}

// rollbackToPreQueue returns a never-started record to its observation
// state.
func (q *Queue) rollbackToPreQueue(ctx context.Context, fileID, transferID, reason string) {
	rec, err := q.store.GetFile(ctx, fileID)
	if err != nil || rec == nil {
		return
	}
	target := store.StateRemoteOnly
	if rec.LocalExists && !rec.RemoteExists {
		target = store.StateLocalOnly
	}
	if _, err := q.state.Transition(ctx, fileID, target, state.Opts{
		TransferID: transferID,
		Reason:     reason,
	}); err != nil {
		slog.Warn("pre-queue rollback failed", "file", fileID, "error", err)
	}
}

func (q *Queue) handleFailed(ctx context.Context, res Result) {
	cause := res.Err
	if cause == nil {
		cause = errdefs.New(errdefs.CodeTransfer, "copy process exited %d", res.ExitCode)
	}
	if _, err := q.state.MarkFailed(ctx, res.FileID, cause, res.TransferID); err != nil {
		slog.Error("mark failed", "file", res.FileID, "error", err)
		return
	}
	q.maybeRetry(ctx, res.FileID)
}

// retryDelay doubles per attempt from the job's base delay, capped.
func retryDelay(policy store.RetryPolicy, retryCount int) time.Duration {
	delay := time.Duration(policy.RetryDelayMs) * time.Millisecond
	if retryCount > 1 {
		delay = time.Duration(float64(delay) * math.Pow(2, float64(retryCount-1)))
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// maybeRetry schedules a backed-off re-enqueue while the job's retry
// budget lasts.
func (q *Queue) maybeRetry(ctx context.Context, fileID string) {
	rec, err := q.store.GetFile(ctx, fileID)
	if err != nil || rec == nil {
		return
	}
	job, err := q.store.GetJob(ctx, rec.JobID)
	if err != nil || job == nil {
		return
	}
	policy := job.RetryPolicy
	if policy.MaxRetries <= 0 || rec.RetryCount > policy.MaxRetries {
		if policy.MaxRetries > 0 {
			slog.Warn("transfer retries exhausted",
				"file", rec.Filename, "job", rec.JobID, "retries", rec.RetryCount)
		}
		return
	}

	delay := retryDelay(policy, rec.RetryCount)
	slog.Info("transfer retry scheduled",
		"file", rec.Filename, "job", rec.JobID, "attempt", rec.RetryCount, "delay", delay)

	q.mu.Lock()
	if t, ok := q.timers[fileID]; ok {
		t.Stop()
	}
	q.timers[fileID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, fileID)
		q.mu.Unlock()
		if _, err := q.Enqueue(context.Background(), fileID, rec.QueuePriority, "retry"); err != nil {
			slog.Warn("retry enqueue failed", "file", fileID, "error", err)
		}
	})
	q.mu.Unlock()
}

// Cancel aborts a queued or transferring file. Running transfers are
// terminated through the driver; parked items roll back to their
// observation state.
func (q *Queue) Cancel(ctx context.Context, fileID, reason string) (bool, error) {
	rec, err := q.store.GetFile(ctx, fileID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, errdefs.New(errdefs.CodeNotFound, "file %s not found", fileID)
	}

	switch rec.SyncState {
	case store.StateTransferring:
		if rec.ActiveTransferID != nil && q.driver.Cancel(*rec.ActiveTransferID, reason) {
			return true, nil
		}
		// No live process behind the record; force it back to its
		// observation state the way recovery clears orphans. A plain
		// transition would be rejected from transferring.
		tid := ""
		if rec.ActiveTransferID != nil {
			tid = *rec.ActiveTransferID
		}
		q.slots.ReleaseTransfer(ctx, rec.JobID, tid)
		target := store.StateRemoteOnly
		if rec.LocalExists && !rec.RemoteExists {
			target = store.StateLocalOnly
		}
		if _, err := q.state.Reset(ctx, fileID, target, "cancelled_before_start", true); err != nil {
			slog.Warn("cancel rollback failed", "file", fileID, "error", err)
		}
		return true, nil
	case store.StateQueued:
		q.pq.RemoveFunc(func(it QueueItem) bool { return it.FileID == fileID })
		q.mu.Lock()
		delete(q.member, fileID)
		q.mu.Unlock()
		tid := ""
		if rec.ActiveTransferID != nil {
			tid = *rec.ActiveTransferID
		}
		q.rollbackToPreQueue(ctx, fileID, tid, "cancelled_before_start")
		return true, nil
	default:
		return false, nil
	}
}

// InitializeFromStore rebuilds the in-memory view from persisted
// queued records, preserving priority and arrival order.
func (q *Queue) InitializeFromStore(ctx context.Context) (int, error) {
	recs, err := q.store.FindFiles(ctx, store.FileQuery{
		States:  []store.SyncState{store.StateQueued},
		OrderBy: "queue_order",
	})
	if err != nil {
		return 0, err
	}

	jobs := make(map[string]*store.Job)
	for _, rec := range recs {
		job, ok := jobs[rec.JobID]
		if !ok {
			job, err = q.store.GetJob(ctx, rec.JobID)
			if err != nil {
				return 0, err
			}
			jobs[rec.JobID] = job
		}
		if job == nil {
			continue
		}
		q.restore(ctx, job, rec)
	}
	slog.Info("queue rebuilt from store", "items", len(recs))
	return len(recs), nil
}

func (q *Queue) restore(ctx context.Context, job *store.Job, rec *store.FileRecord) {
	transferID := ""
	if rec.ActiveTransferID != nil {
		transferID = *rec.ActiveTransferID
	}
	if transferID == "" {
		// Pre-restart enqueue stamped no transfer id; bind one now.
		transferID = uuid.NewString()
		tid := transferID
		if _, err := q.store.FindAndUpdateFile(ctx, rec.ID,
			func(r *store.FileRecord) bool { return r.SyncState == store.StateQueued },
			func(r *store.FileRecord) error {
				r.ActiveTransferID = &tid
				return nil
			},
		); err != nil {
			slog.Warn("restore transfer id bind failed", "file", rec.ID, "error", err)
			return
		}
	}
	q.push(QueueItem{
		FileID:     rec.ID,
		JobID:      rec.JobID,
		TransferID: transferID,
		Filename:   rec.Filename,
		Priority:   rec.QueuePriority,
		Upload:     uploadKind(job, rec),
	})
}

// SyncWithStore reconciles both directions: store-side queued records
// missing from memory are re-added, memory entries with no queued
// record are dropped.
func (q *Queue) SyncWithStore(ctx context.Context) (*QueueSyncStats, error) {
	recs, err := q.store.FindFiles(ctx, store.FileQuery{
		States:  []store.SyncState{store.StateQueued},
		OrderBy: "queue_order",
	})
	if err != nil {
		return nil, err
	}

	inStore := make(map[string]*store.FileRecord, len(recs))
	for _, rec := range recs {
		inStore[rec.ID] = rec
	}

	q.mu.Lock()
	inMem := make(map[string]QueueItem, len(q.member))
	for id, item := range q.member {
		inMem[id] = item
	}
	q.mu.Unlock()

	stats := &QueueSyncStats{InMemory: len(inMem), InStore: len(recs)}

	jobs := make(map[string]*store.Job)
	for id, rec := range inStore {
		if _, ok := inMem[id]; ok {
			continue
		}
		job, ok := jobs[rec.JobID]
		if !ok {
			job, err = q.store.GetJob(ctx, rec.JobID)
			if err != nil {
				return stats, err
			}
			jobs[rec.JobID] = job
		}
		if job == nil {
			continue
		}
		q.restore(ctx, job, rec)
		stats.Requeued++
	}

	for id := range inMem {
		if _, ok := inStore[id]; ok {
			continue
		}
		q.pq.RemoveFunc(func(it QueueItem) bool { return it.FileID == id })
		q.mu.Lock()
		delete(q.member, id)
		q.mu.Unlock()
		stats.Dropped++
	}

	if stats.Requeued > 0 || stats.Dropped > 0 {
		slog.Info("queue reconciled",
			"requeued", stats.Requeued, "dropped", stats.Dropped,
			"memory", stats.InMemory, "store", stats.InStore)
	}
	return stats, nil
}

// Len reports the in-memory queue depth.
func (q *Queue) Len() int {
	return q.pq.Len()
}
