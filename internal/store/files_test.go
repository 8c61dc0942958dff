package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

func testFile(jobID, rel string) *FileRecord {
	return &FileRecord{
		JobID:        jobID,
		RelativePath: rel,
		Filename:     rel,
		RemoteExists: true,
		RemoteSize:   1000,
		RemoteMtime:  1700000000,
		SyncState:    StateRemoteOnly,
	}
}

func TestInsertFile_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	rec := testFile(jobID, "movies/a.mkv")
	rec.Filename = "a.mkv"
	rec.ParentPath = "movies"
	rec.History = History{{From: StateRemoteOnly, To: StateQueued, TS: 123, Reason: "auto_queue"}}
	require.NoError(t, s.InsertFile(ctx, rec))
	assert.True(t, utils.IsValidID(rec.ID))
	assert.NotZero(t, rec.AddedAt)

	got, err := s.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "movies/a.mkv", got.RelativePath)
	assert.Equal(t, "movies", got.ParentPath)
	assert.Equal(t, int64(1000), got.RemoteSize)
	assert.Equal(t, PriorityNormal, got.QueuePriority)
	require.Len(t, got.History, 1)
	assert.Equal(t, "auto_queue", got.History[0].Reason)

	byPath, err := s.GetFileByPath(ctx, jobID, "movies/a.mkv")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, rec.ID, byPath.ID)
}

func TestInsertFile_DuplicatePathConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	require.NoError(t, s.InsertFile(ctx, testFile(jobID, "a.txt")))
	err := s.InsertFile(ctx, testFile(jobID, "a.txt"))
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeConflict))

	// Same path under a different job is fine.
	require.NoError(t, s.InsertFile(ctx, testFile(utils.NewID(), "a.txt")))
}

func TestInsertFile_RejectsBadPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	bad := testFile(jobID, "../escape.txt")
	err := s.InsertFile(ctx, bad)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))

	bad = testFile(jobID, "ok.txt")
	bad.ParentPath = "/abs"
	err = s.InsertFile(ctx, bad)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))

	bad = testFile(jobID, "ok.txt")
	bad.DirectorySize = 10
	err = s.InsertFile(ctx, bad)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
}

func TestGetFile_MissingIsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetFile(context.Background(), utils.NewID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindAndUpdateFile_GuardPasses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testFile(utils.NewID(), "a.txt")
	require.NoError(t, s.InsertFile(ctx, rec))

	tid := "t-" + utils.TokenHex(4)
	updated, err := s.FindAndUpdateFile(ctx, rec.ID,
		func(r *FileRecord) bool { return r.SyncState == StateRemoteOnly },
		func(r *FileRecord) error {
			r.SyncState = StateQueued
			r.ActiveTransferID = &tid
			r.History = r.History.Push(HistoryEntry{From: StateRemoteOnly, To: StateQueued, TS: nowMillis()})
			return nil
		})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, StateQueued, updated.SyncState)
	require.NotNil(t, updated.ActiveTransferID)
	assert.Equal(t, tid, *updated.ActiveTransferID)

	got, err := s.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.SyncState)
	assert.Len(t, got.History, 1)
}

func TestFindAndUpdateFile_GuardRejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testFile(utils.NewID(), "a.txt")
	require.NoError(t, s.InsertFile(ctx, rec))

	updated, err := s.FindAndUpdateFile(ctx, rec.ID,
		func(r *FileRecord) bool { return r.SyncState == StateTransferring },
		func(r *FileRecord) error {
			r.SyncState = StateFailed
			return nil
		})
	require.NoError(t, err)
	assert.Nil(t, updated)

	got, err := s.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRemoteOnly, got.SyncState, "rejected update must not leak")
}

func TestFindAndUpdateFile_MissingIsNil(t *testing.T) {
	s := newTestStore(t)
	updated, err := s.FindAndUpdateFile(context.Background(), utils.NewID(), nil,
		func(r *FileRecord) error { return nil })
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestFindAndUpdateFile_FrozenFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testFile(utils.NewID(), "a.txt")
	require.NoError(t, s.InsertFile(ctx, rec))
	originalAdded := rec.AddedAt

	updated, err := s.FindAndUpdateFile(ctx, rec.ID, nil, func(r *FileRecord) error {
		r.RelativePath = "hijacked.txt"
		r.AddedAt = 1
		r.JobID = "other"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", updated.RelativePath)
	assert.Equal(t, originalAdded, updated.AddedAt)
	assert.Equal(t, rec.JobID, updated.JobID)
}

func TestFindAndUpdateFile_HistoryRing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testFile(utils.NewID(), "a.txt")
	require.NoError(t, s.InsertFile(ctx, rec))

	for i := 0; i < 25; i++ {
		_, err := s.FindAndUpdateFile(ctx, rec.ID, nil, func(r *FileRecord) error {
			r.History = r.History.Push(HistoryEntry{
				From: StateRemoteOnly, To: StateQueued, TS: int64(i), Reason: fmt.Sprintf("n%d", i),
			})
			return nil
		})
		require.NoError(t, err)
	}

	got, err := s.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 10)
	assert.Equal(t, "n15", got.History[0].Reason)
	assert.Equal(t, "n24", got.History[9].Reason)
}

func TestFindFiles_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	a := testFile(jobID, "a.txt")
	require.NoError(t, s.InsertFile(ctx, a))

	b := testFile(jobID, "b.txt")
	b.SyncState = StateQueued
	require.NoError(t, s.InsertFile(ctx, b))

	slot := 0
	tid := "t1"
	c := testFile(jobID, "c.txt")
	c.SyncState = StateTransferring
	c.JobSlot = &slot
	c.ActiveTransferID = &tid
	require.NoError(t, s.InsertFile(ctx, c))

	other := testFile(utils.NewID(), "d.txt")
	require.NoError(t, s.InsertFile(ctx, other))

	got, err := s.FindFiles(ctx, FileQuery{JobID: jobID})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.FindFiles(ctx, FileQuery{JobID: jobID, States: []SyncState{StateQueued, StateTransferring}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	held := true
	got, err = s.FindFiles(ctx, FileQuery{JobID: jobID, SlotHeld: &held})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c.txt", got[0].RelativePath)

	n, err := s.CountFiles(ctx, FileQuery{JobID: jobID, NotStates: []SyncState{StateRemoteOnly}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFindFiles_QueueOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	mk := func(rel string, prio Priority, added int64) {
		r := testFile(jobID, rel)
		r.SyncState = StateQueued
		r.QueuePriority = prio
		r.AddedAt = added
		require.NoError(t, s.InsertFile(ctx, r))
	}
	mk("late-normal.txt", PriorityNormal, 300)
	mk("high.txt", PriorityHigh, 200)
	mk("early-normal.txt", PriorityNormal, 100)
	mk("low.txt", PriorityLow, 50)

	got, err := s.FindFiles(ctx, FileQuery{JobID: jobID, States: []SyncState{StateQueued}, OrderBy: "queue_order"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "high.txt", got[0].RelativePath)
	assert.Equal(t, "early-normal.txt", got[1].RelativePath)
	assert.Equal(t, "late-normal.txt", got[2].RelativePath)
	assert.Equal(t, "low.txt", got[3].RelativePath)
}

func TestFindFiles_ChangedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()
	now := nowMillis()

	stale := testFile(jobID, "stale.txt")
	stale.SyncState = StateTransferring
	stale.LastStateChange = now - 45*time.Minute.Milliseconds()
	require.NoError(t, s.InsertFile(ctx, stale))

	fresh := testFile(jobID, "fresh.txt")
	fresh.SyncState = StateTransferring
	fresh.LastStateChange = now - time.Minute.Milliseconds()
	require.NoError(t, s.InsertFile(ctx, fresh))

	cutoff := now - 30*time.Minute.Milliseconds()
	got, err := s.FindFiles(ctx, FileQuery{
		States:        []SyncState{StateQueued, StateTransferring},
		ChangedBefore: cutoff,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale.txt", got[0].RelativePath)
}

func TestBulkReplaceFiles_FirstScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	scanned := []*FileRecord{
		testFile(jobID, "a.txt"),
		testFile(jobID, "dir"),
		testFile(jobID, "dir/b.txt"),
	}
	scanned[1].IsDirectory = true
	scanned[1].RemoteIsDir = true

	stats, err := s.BulkReplaceFiles(ctx, jobID, scanned)
	require.NoError(t, err)
	assert.Equal(t, &BulkStats{Found: 3, Added: 3, Updated: 0, Removed: 0}, stats)

	n, err := s.CountFiles(ctx, FileQuery{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBulkReplaceFiles_UnchangedRescan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	scan := func() []*FileRecord {
		return []*FileRecord{testFile(jobID, "a.txt"), testFile(jobID, "b.txt")}
	}
	_, err := s.BulkReplaceFiles(ctx, jobID, scan())
	require.NoError(t, err)

	stats, err := s.BulkReplaceFiles(ctx, jobID, scan())
	require.NoError(t, err)
	assert.Equal(t, &BulkStats{Found: 2, Added: 0, Updated: 0, Removed: 0}, stats)
}

func TestBulkReplaceFiles_UpdateAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	_, err := s.BulkReplaceFiles(ctx, jobID, []*FileRecord{
		testFile(jobID, "keep.txt"),
		testFile(jobID, "gone.txt"),
	})
	require.NoError(t, err)

	grown := testFile(jobID, "keep.txt")
	grown.RemoteSize = 2000
	stats, err := s.BulkReplaceFiles(ctx, jobID, []*FileRecord{grown})
	require.NoError(t, err)
	assert.Equal(t, &BulkStats{Found: 1, Added: 0, Updated: 1, Removed: 1}, stats)

	got, err := s.GetFileByPath(ctx, jobID, "keep.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.RemoteSize)

	gone, err := s.GetFileByPath(ctx, jobID, "gone.txt")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestBulkReplaceFiles_PreservesInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	slot := 0
	tid := "t1"
	inflight := testFile(jobID, "moving.bin")
	inflight.SyncState = StateTransferring
	inflight.JobSlot = &slot
	inflight.ActiveTransferID = &tid
	require.NoError(t, s.InsertFile(ctx, inflight))

	failed := testFile(jobID, "broken.bin")
	failed.SyncState = StateFailed
	failed.RetryCount = 2
	require.NoError(t, s.InsertFile(ctx, failed))

	// The rescan sees both paths again, classified as remote_only, and
	// no longer sees a third path.
	rescan := []*FileRecord{
		testFile(jobID, "moving.bin"),
		testFile(jobID, "broken.bin"),
	}
	_, err := s.BulkReplaceFiles(ctx, jobID, rescan)
	require.NoError(t, err)

	got, err := s.GetFileByPath(ctx, jobID, "moving.bin")
	require.NoError(t, err)
	assert.Equal(t, StateTransferring, got.SyncState, "in-flight state must survive scans")
	require.NotNil(t, got.JobSlot)
	assert.Equal(t, 0, *got.JobSlot)

	got, err = s.GetFileByPath(ctx, jobID, "broken.bin")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.SyncState, "failed state must survive scans")
	assert.Equal(t, 2, got.RetryCount)
}

func TestBulkReplaceFiles_NeverRemovesInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	queued := testFile(jobID, "queued.bin")
	queued.SyncState = StateQueued
	require.NoError(t, s.InsertFile(ctx, queued))

	// Scan sees nothing at all.
	_, err := s.BulkReplaceFiles(ctx, jobID, []*FileRecord{testFile(jobID, "other.bin")})
	require.NoError(t, err)

	got, err := s.GetFileByPath(ctx, jobID, "queued.bin")
	require.NoError(t, err)
	require.NotNil(t, got, "queued records must not be dropped by scans")
	assert.Equal(t, StateQueued, got.SyncState)
}

func TestBulkReplaceFiles_LargeBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	var scanned []*FileRecord
	for i := 0; i < 257; i++ {
		scanned = append(scanned, testFile(jobID, fmt.Sprintf("dir/f%04d.dat", i)))
	}
	stats, err := s.BulkReplaceFiles(ctx, jobID, scanned)
	require.NoError(t, err)
	assert.Equal(t, 257, stats.Added)

	n, err := s.CountFiles(ctx, FileQuery{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, int64(257), n)
}

func TestDeleteFiles_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()
	now := nowMillis()

	old := testFile(jobID, "old.txt")
	old.SyncState = StateSynced
	old.LastSeen = now - 40*24*time.Hour.Milliseconds()
	require.NoError(t, s.InsertFile(ctx, old))

	recent := testFile(jobID, "recent.txt")
	recent.SyncState = StateSynced
	require.NoError(t, s.InsertFile(ctx, recent))

	oldQueued := testFile(jobID, "old-queued.txt")
	oldQueued.SyncState = StateQueued
	oldQueued.LastSeen = now - 40*24*time.Hour.Milliseconds()
	require.NoError(t, s.InsertFile(ctx, oldQueued))

	removed, err := s.DeleteFiles(ctx, FileQuery{
		States:     []SyncState{StateSynced, StateFailed},
		SeenBefore: now - 30*24*time.Hour.Milliseconds(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := s.CountFiles(ctx, FileQuery{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpdateDirectoryAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := utils.NewID()

	dir := testFile(jobID, "movies")
	dir.IsDirectory = true
	require.NoError(t, s.InsertFile(ctx, dir))
	file := testFile(jobID, "movies/a.mkv")
	require.NoError(t, s.InsertFile(ctx, file))

	err := s.UpdateDirectoryAggregates(ctx, jobID, []DirAggregate{
		{RelativePath: "movies", Size: 1000, Count: 1},
		// Aggregates aimed at files are ignored.
		{RelativePath: "movies/a.mkv", Size: 999, Count: 9},
	})
	require.NoError(t, err)

	got, err := s.GetFileByPath(ctx, jobID, "movies")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.DirectorySize)
	assert.Equal(t, int64(1), got.FileCount)

	got, err = s.GetFileByPath(ctx, jobID, "movies/a.mkv")
	require.NoError(t, err)
	assert.Zero(t, got.DirectorySize)
}
