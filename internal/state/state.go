// Package state owns every sync-state transition of a file record.
// Transitions are validated against the permitted-transition map and
// applied as one guarded compare-and-set; nothing else in the engine
// mutates transfer fields.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/store"
)

// permitted maps each state to the states it may move to. Identity
// transitions are always allowed and recovery may bypass the map with
// Force.
var permitted = map[store.SyncState][]store.SyncState{
	store.StateRemoteOnly:   {store.StateQueued, store.StateFailed},
	store.StateLocalOnly:    {store.StateQueued, store.StateFailed},
	store.StateQueued:       {store.StateTransferring, store.StateFailed, store.StateRemoteOnly, store.StateLocalOnly},
	store.StateTransferring: {store.StateSynced, store.StateFailed, store.StateQueued},
	store.StateFailed:       {store.StateQueued, store.StateRemoteOnly},
	store.StateSynced:       {store.StateDesynced, store.StateFailed},
	store.StateDesynced:     {store.StateQueued, store.StateFailed},
}

// Allowed reports whether from may move to to without force.
func Allowed(from, to store.SyncState) bool {
	if from == to {
		return true
	}
	for _, next := range permitted[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Opts carry the context of one transition.
type Opts struct {
	TransferID string
	Reason     string
	Metadata   map[string]any
	// Priority and Source persist the queue placement when entering
	// queued; zero values leave the record's columns untouched.
	Priority store.Priority
	Source   string
	// Force bypasses the permitted-transition map. Recovery only.
	Force bool
	// Upload marks the record's source side as local; on entering
	// synced the remote side is updated from it instead of the
	// default download direction.
	Upload bool
}

// Manager applies transitions and publishes the resulting events.
type Manager struct {
	store *store.Store
	bus   *events.Bus
}

func NewManager(st *store.Store, bus *events.Bus) *Manager {
	return &Manager{store: st, bus: bus}
}

// Transition moves one record to target. Returns false without error
// when the record is missing or the transition is not permitted; the
// caller decides whether a lost race matters.
func (m *Manager) Transition(ctx context.Context, fileID string, target store.SyncState, opts Opts) (bool, error) {
	if !target.Valid() {
		return false, errdefs.New(errdefs.CodeValidation, "target state %q is invalid", target)
	}

	var oldState store.SyncState
	rec, err := m.store.FindAndUpdateFile(ctx, fileID,
		func(rec *store.FileRecord) bool {
			if opts.Force || Allowed(rec.SyncState, target) {
				oldState = rec.SyncState
				return true
			}
			slog.Debug("transition rejected",
				"file", fileID, "from", rec.SyncState, "to", target, "reason", opts.Reason)
			return false
		},
		func(rec *store.FileRecord) error {
			applyTransition(rec, target, opts)
			return nil
		},
	)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	m.publish(rec, oldState, target, opts)
	return true, nil
}

// applyTransition writes the target state, its entry effects and the
// history entry onto rec.
func applyTransition(rec *store.FileRecord, target store.SyncState, opts Opts) {
	now := time.Now().UnixMilli()
	from := rec.SyncState

	rec.SyncState = target
	rec.LastStateChange = now
	if opts.TransferID != "" {
		rec.ActiveTransferID = &opts.TransferID
	}

	switch target {
	case store.StateQueued:
		if opts.Priority.Valid() {
			rec.QueuePriority = opts.Priority
		}
		if opts.Source != "" {
			rec.QueueSource = opts.Source
		}
	case store.StateTransferring:
		rec.StartedAt = &now
		rec.Progress = 0
	case store.StateSynced:
		rec.Progress = 100
		rec.CompletedAt = &now
		if opts.Upload {
			rec.RemoteExists = true
			rec.RemoteSize = rec.LocalSize
			rec.RemoteMtime = rec.LocalMtime
		} else {
			rec.LocalExists = true
			rec.LocalSize = rec.RemoteSize
			rec.LocalMtime = rec.RemoteMtime
		}
	case store.StateFailed:
		rec.CompletedAt = &now
		rec.RetryCount++
	}

	if !target.HoldsSlot() {
		rec.ActiveTransferID = nil
		rec.JobSlot = nil
		rec.Speed = ""
		rec.ETA = ""
	}

	rec.History = rec.History.Push(store.HistoryEntry{
		From:     from,
		To:       target,
		TS:       now,
		Reason:   opts.Reason,
		Metadata: opts.Metadata,
	})
}

func (m *Manager) publish(rec *store.FileRecord, from, to store.SyncState, opts Opts) {
	now := time.Now().UnixMilli()
	// transfer:status leads its file:state:update; both carry the
	// same transfer id.
	if opts.TransferID != "" {
		m.bus.Publish(&events.StatusPayload{
			TransferID: opts.TransferID,
			FileID:     rec.ID,
			JobID:      rec.JobID,
			Filename:   rec.Filename,
			OldStatus:  string(from),
			NewStatus:  string(to),
			TS:         now,
			Metadata:   opts.Metadata,
		})
	}
	m.bus.Publish(&events.FileStatePayload{
		JobID:        rec.JobID,
		FileID:       rec.ID,
		Filename:     rec.Filename,
		RelativePath: rec.RelativePath,
		OldState:     from,
		NewState:     to,
		TS:           now,
	})
}

// MarkFailed records a transfer failure with its classified error.
func (m *Manager) MarkFailed(ctx context.Context, fileID string, cause error, transferID string) (bool, error) {
	md := map[string]any{"error": cause.Error()}
	if code := errdefs.CodeOf(cause); code != "" {
		md["code"] = string(code)
	}
	return m.Transition(ctx, fileID, store.StateFailed, Opts{
		TransferID: transferID,
		Reason:     "transfer_failed",
		Metadata:   md,
	})
}

// Reset force-moves a record to target, optionally clearing every
// transfer field. Used by recovery and operator actions.
func (m *Manager) Reset(ctx context.Context, fileID string, target store.SyncState, reason string, clearTransfer bool) (bool, error) {
	if !target.Valid() {
		return false, errdefs.New(errdefs.CodeValidation, "target state %q is invalid", target)
	}

	var oldState store.SyncState
	rec, err := m.store.FindAndUpdateFile(ctx, fileID,
		func(rec *store.FileRecord) bool {
			oldState = rec.SyncState
			return true
		},
		func(rec *store.FileRecord) error {
			applyTransition(rec, target, Opts{Reason: reason, Force: true})
			if clearTransfer {
				rec.ActiveTransferID = nil
				rec.JobSlot = nil
				rec.Progress = 0
				rec.Speed = ""
				rec.ETA = ""
				rec.RetryCount = 0
				rec.StartedAt = nil
				rec.CompletedAt = nil
			}
			return nil
		},
	)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	m.publish(rec, oldState, target, Opts{Reason: reason})
	return true, nil
}

// History returns the most recent transitions of a record, newest
// last. limit <= 0 returns the full ring.
func (m *Manager) History(ctx context.Context, fileID string, limit int) (store.History, error) {
	rec, err := m.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errdefs.New(errdefs.CodeNotFound, "file %s not found", fileID)
	}
	h := rec.History
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

// BatchRequest is one transition in a batch.
type BatchRequest struct {
	FileID string
	Target store.SyncState
	Opts   Opts
}

// BatchResult summarizes a batch transition pass.
type BatchResult struct {
	Applied  int
	Rejected int
	Failures int
}

// BatchTransition applies each request independently; one failure does
// not stop the rest.
func (m *Manager) BatchTransition(ctx context.Context, reqs []BatchRequest) (*BatchResult, error) {
	res := &BatchResult{}
	var firstErr error
	for _, req := range reqs {
		ok, err := m.Transition(ctx, req.FileID, req.Target, req.Opts)
		switch {
		case err != nil:
			res.Failures++
			if firstErr == nil {
				firstErr = err
			}
		case ok:
			res.Applied++
		default:
			res.Rejected++
		}
	}
	return res, firstErr
}
