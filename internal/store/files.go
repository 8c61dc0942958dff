package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

// bulkBatchSize bounds rows per staged insert statement.
const bulkBatchSize = 100

const fileColumns = `id, job_id, relative_path, filename, is_directory, parent_path,
	remote_exists, remote_size, remote_mtime, remote_is_directory,
	local_exists, local_size, local_mtime, local_is_directory,
	sync_state, progress, speed, eta, retry_count, started_at, completed_at,
	active_transfer_id, job_concurrency_slot, queue_priority, queue_source,
	last_state_change, state_history, directory_size, file_count, last_seen, added_at`

const insertFileSQL = `INSERT INTO files (
	id, job_id, relative_path, filename, is_directory, parent_path,
	remote_exists, remote_size, remote_mtime, remote_is_directory,
	local_exists, local_size, local_mtime, local_is_directory,
	sync_state, progress, speed, eta, retry_count, started_at, completed_at,
	active_transfer_id, job_concurrency_slot, queue_priority, queue_source,
	last_state_change, state_history, directory_size, file_count, last_seen, added_at
) VALUES (
	:id, :job_id, :relative_path, :filename, :is_directory, :parent_path,
	:remote_exists, :remote_size, :remote_mtime, :remote_is_directory,
	:local_exists, :local_size, :local_mtime, :local_is_directory,
	:sync_state, :progress, :speed, :eta, :retry_count, :started_at, :completed_at,
	:active_transfer_id, :job_concurrency_slot, :queue_priority, :queue_source,
	:last_state_change, :state_history, :directory_size, :file_count, :last_seen, :added_at
)`

// id, job_id, relative_path and added_at are immutable after insert.
const updateFileSQL = `UPDATE files SET
	filename = :filename,
	is_directory = :is_directory,
	parent_path = :parent_path,
	remote_exists = :remote_exists,
	remote_size = :remote_size,
	remote_mtime = :remote_mtime,
	remote_is_directory = :remote_is_directory,
	local_exists = :local_exists,
	local_size = :local_size,
	local_mtime = :local_mtime,
	local_is_directory = :local_is_directory,
	sync_state = :sync_state,
	progress = :progress,
	speed = :speed,
	eta = :eta,
	retry_count = :retry_count,
	started_at = :started_at,
	completed_at = :completed_at,
	active_transfer_id = :active_transfer_id,
	job_concurrency_slot = :job_concurrency_slot,
	queue_priority = :queue_priority,
	queue_source = :queue_source,
	last_state_change = :last_state_change,
	state_history = :state_history,
	directory_size = :directory_size,
	file_count = :file_count,
	last_seen = :last_seen
WHERE id = :id`

// InsertFile persists a new record, assigning id and timestamps when
// unset.
func (s *Store) InsertFile(ctx context.Context, rec *FileRecord) error {
	now := nowMillis()
	if rec.ID == "" {
		rec.ID = utils.NewID()
	}
	if rec.SyncState == "" {
		rec.SyncState = StateRemoteOnly
	}
	if !rec.QueuePriority.Valid() {
		rec.QueuePriority = PriorityNormal
	}
	if rec.AddedAt == 0 {
		rec.AddedAt = now
	}
	if rec.LastSeen == 0 {
		rec.LastSeen = now
	}
	if rec.LastStateChange == 0 {
		rec.LastStateChange = now
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	if _, err := s.db.NamedExecContext(ctx, insertFileSQL, rec); err != nil {
		if isUniqueViolation(err) {
			return errdefs.Wrap(errdefs.CodeConflict, err, "file %s already recorded for job %s", rec.RelativePath, rec.JobID)
		}
		return errdefs.Wrap(errdefs.CodeSystem, err, "insert file record")
	}
	return nil
}

// GetFile fetches one record by id. Missing records return (nil, nil).
func (s *Store) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.GetContext(ctx, &rec, "SELECT "+fileColumns+" FROM files WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "get file %s", id)
	}
	return &rec, nil
}

// GetFileByPath fetches one record by its compound key.
func (s *Store) GetFileByPath(ctx context.Context, jobID, relativePath string) (*FileRecord, error) {
	var rec FileRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT "+fileColumns+" FROM files WHERE job_id = ? AND relative_path = ?",
		jobID, relativePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "get file %s/%s", jobID, relativePath)
	}
	return &rec, nil
}

// FindAndUpdateFile atomically loads, guards, mutates and writes back
// one record. The guard runs against the current row inside the write
// transaction; a nil guard always passes. apply mutates the record in
// place. Returns (nil, nil) when the record is missing or the guard
// rejects it, so callers can distinguish a lost race from an error.
//
// id, job_id, relative_path and added_at cannot be changed by apply;
// state history is trimmed to its ring size before the write.
func (s *Store) FindAndUpdateFile(
	ctx context.Context,
	fileID string,
	guard func(*FileRecord) bool,
	apply func(*FileRecord) error,
) (*FileRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "begin update")
	}
	defer tx.Rollback()

	var rec FileRecord
	err = tx.GetContext(ctx, &rec, "SELECT "+fileColumns+" FROM files WHERE id = ?", fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "load file %s", fileID)
	}

	if guard != nil && !guard(&rec) {
		return nil, nil
	}

	frozenID, frozenJob, frozenPath, frozenAdded := rec.ID, rec.JobID, rec.RelativePath, rec.AddedAt
	if err := apply(&rec); err != nil {
		return nil, err
	}
	rec.ID, rec.JobID, rec.RelativePath, rec.AddedAt = frozenID, frozenJob, frozenPath, frozenAdded
	if len(rec.History) > historyCap {
		rec.History = rec.History[len(rec.History)-historyCap:]
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if _, err := tx.NamedExecContext(ctx, updateFileSQL, &rec); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "write file %s", fileID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "commit update")
	}
	return &rec, nil
}

// FileQuery selects records by compound conditions. Zero values mean
// "no condition".
type FileQuery struct {
	JobID         string
	RelativePath  string
	States        []SyncState
	NotStates     []SyncState
	SlotHeld      *bool // job_concurrency_slot presence
	TransferBound *bool // active_transfer_id presence
	IsDirectory   *bool
	ChangedBefore int64 // last_state_change strictly older (unix ms)
	SeenBefore    int64 // last_seen strictly older (unix ms)
	OrderBy       string
	Desc          bool
	Limit         int
	Offset        int
}

var orderColumns = map[string]string{
	"added_at":          "added_at",
	"last_seen":         "last_seen",
	"last_state_change": "last_state_change",
	"relative_path":     "relative_path",
	// Queue order: priority class first, then arrival.
	"queue_order": "queue_priority ASC, added_at ASC",
}

func (q FileQuery) where() (string, []any, error) {
	conds := []string{"1=1"}
	var args []any

	if q.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, q.JobID)
	}
	if q.RelativePath != "" {
		conds = append(conds, "relative_path = ?")
		args = append(args, q.RelativePath)
	}
	if len(q.States) > 0 {
		conds = append(conds, inClause("sync_state", len(q.States)))
		args = append(args, statesToArgs(q.States)...)
	}
	if len(q.NotStates) > 0 {
		conds = append(conds, "NOT "+inClause("sync_state", len(q.NotStates)))
		args = append(args, statesToArgs(q.NotStates)...)
	}
	if q.SlotHeld != nil {
		if *q.SlotHeld {
			conds = append(conds, "job_concurrency_slot IS NOT NULL")
		} else {
			conds = append(conds, "job_concurrency_slot IS NULL")
		}
	}
	if q.TransferBound != nil {
		if *q.TransferBound {
			conds = append(conds, "active_transfer_id IS NOT NULL")
		} else {
			conds = append(conds, "active_transfer_id IS NULL")
		}
	}
	if q.IsDirectory != nil {
		conds = append(conds, "is_directory = ?")
		args = append(args, *q.IsDirectory)
	}
	if q.ChangedBefore > 0 {
		conds = append(conds, "last_state_change < ?")
		args = append(args, q.ChangedBefore)
	}
	if q.SeenBefore > 0 {
		conds = append(conds, "last_seen < ?")
		args = append(args, q.SeenBefore)
	}

	clause := strings.Join(conds, " AND ")
	if q.OrderBy != "" {
		col, ok := orderColumns[q.OrderBy]
		if !ok {
			return "", nil, errdefs.New(errdefs.CodeValidation, "order column %q is not sortable", q.OrderBy)
		}
		clause += " ORDER BY " + col
		if q.Desc && !strings.Contains(col, ",") {
			clause += " DESC"
		}
	}
	if q.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			clause += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}
	return clause, args, nil
}

// FindFiles returns all records matching the query.
func (s *Store) FindFiles(ctx context.Context, q FileQuery) ([]*FileRecord, error) {
	clause, args, err := q.where()
	if err != nil {
		return nil, err
	}
	var recs []*FileRecord
	err = s.db.SelectContext(ctx, &recs, "SELECT "+fileColumns+" FROM files WHERE "+clause, args...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "find files")
	}
	return recs, nil
}

// CountFiles counts records matching the query. Order and paging are
// ignored.
func (s *Store) CountFiles(ctx context.Context, q FileQuery) (int64, error) {
	q.OrderBy, q.Limit, q.Offset = "", 0, 0
	clause, args, err := q.where()
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM files WHERE "+clause, args...)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.CodeSystem, err, "count files")
	}
	return n, nil
}

// DeleteFiles removes records matching the query and reports how many
// went away.
func (s *Store) DeleteFiles(ctx context.Context, q FileQuery) (int64, error) {
	q.OrderBy, q.Limit, q.Offset = "", 0, 0
	clause, args, err := q.where()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE "+clause, args...)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.CodeSystem, err, "delete files")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BulkStats summarizes one bulk scan replacement.
type BulkStats struct {
	Found   int `json:"found"`
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

const createTempScanSQL = `CREATE TEMPORARY TABLE temp_scan (
	relative_path TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	filename TEXT NOT NULL,
	is_directory INTEGER NOT NULL,
	parent_path TEXT NOT NULL,
	remote_exists INTEGER NOT NULL,
	remote_size INTEGER NOT NULL,
	remote_mtime INTEGER NOT NULL,
	remote_is_directory INTEGER NOT NULL,
	local_exists INTEGER NOT NULL,
	local_size INTEGER NOT NULL,
	local_mtime INTEGER NOT NULL,
	local_is_directory INTEGER NOT NULL,
	sync_state TEXT NOT NULL,
	directory_size INTEGER NOT NULL,
	file_count INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	added_at INTEGER NOT NULL
)`

// Observation fields refreshed by a scan. The scanner never touches
// transfer fields; sync_state is reclassified only for records the
// transfer machinery does not own.
const applyTempScanSQL = `UPDATE files SET
	filename = t.filename,
	is_directory = t.is_directory,
	parent_path = t.parent_path,
	remote_exists = t.remote_exists,
	remote_size = t.remote_size,
	remote_mtime = t.remote_mtime,
	remote_is_directory = t.remote_is_directory,
	local_exists = t.local_exists,
	local_size = t.local_size,
	local_mtime = t.local_mtime,
	local_is_directory = t.local_is_directory,
	sync_state = CASE
		WHEN files.sync_state IN ('synced', 'remote_only', 'local_only', 'desynced') THEN t.sync_state
		ELSE files.sync_state
	END,
	directory_size = t.directory_size,
	file_count = t.file_count,
	last_seen = t.last_seen
FROM temp_scan t
WHERE files.job_id = ? AND files.relative_path = t.relative_path`

const countScanUpdatedSQL = `SELECT COUNT(*) FROM temp_scan t
JOIN files f ON f.job_id = ? AND f.relative_path = t.relative_path
WHERE f.remote_exists != t.remote_exists
   OR f.remote_size != t.remote_size
   OR f.remote_mtime != t.remote_mtime
   OR f.local_exists != t.local_exists
   OR f.local_size != t.local_size
   OR f.local_mtime != t.local_mtime
   OR (f.sync_state IN ('synced', 'remote_only', 'local_only', 'desynced') AND f.sync_state != t.sync_state)`

const insertScanNewSQL = `INSERT INTO files (
	id, job_id, relative_path, filename, is_directory, parent_path,
	remote_exists, remote_size, remote_mtime, remote_is_directory,
	local_exists, local_size, local_mtime, local_is_directory,
	sync_state, directory_size, file_count, last_state_change, last_seen, added_at
)
SELECT t.id, ?, t.relative_path, t.filename, t.is_directory, t.parent_path,
	t.remote_exists, t.remote_size, t.remote_mtime, t.remote_is_directory,
	t.local_exists, t.local_size, t.local_mtime, t.local_is_directory,
	t.sync_state, t.directory_size, t.file_count, t.last_seen, t.last_seen, t.added_at
FROM temp_scan t
LEFT JOIN files f ON f.job_id = ? AND f.relative_path = t.relative_path
WHERE f.id IS NULL`

const deleteScanMissingSQL = `DELETE FROM files
WHERE job_id = ?
  AND sync_state NOT IN ('queued', 'transferring')
  AND relative_path NOT IN (SELECT relative_path FROM temp_scan)`

// BulkReplaceFiles reconciles the job's records against one scan pass:
// unseen records are removed, new paths inserted, known paths updated,
// all inside one transaction staged through a temporary table so a
// failed scan leaves the previous records intact. Records currently
// queued or transferring are never removed or reclassified.
func (s *Store) BulkReplaceFiles(ctx context.Context, jobID string, scanned []*FileRecord) (*BulkStats, error) {
	now := nowMillis()
	for _, rec := range scanned {
		if rec.ID == "" {
			rec.ID = utils.NewID()
		}
		rec.JobID = jobID
		if !rec.QueuePriority.Valid() {
			rec.QueuePriority = PriorityNormal
		}
		if rec.AddedAt == 0 {
			rec.AddedAt = now
		}
		rec.LastSeen = now
		if rec.LastStateChange == 0 {
			rec.LastStateChange = now
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "begin bulk replace")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTempScanSQL); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "create staging table")
	}

	for batch := range slices.Chunk(scanned, bulkBatchSize) {
		sqlStr, args := buildTempScanInsert(batch)
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSystem, err, "stage scan batch")
		}
	}

	stats := &BulkStats{Found: len(scanned)}

	res, err := tx.ExecContext(ctx, deleteScanMissingSQL, jobID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "remove unseen files")
	}
	removed, _ := res.RowsAffected()
	stats.Removed = int(removed)

	if err := tx.GetContext(ctx, &stats.Updated, countScanUpdatedSQL, jobID); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "count updated files")
	}

	res, err = tx.ExecContext(ctx, insertScanNewSQL, jobID, jobID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "insert new files")
	}
	added, _ := res.RowsAffected()
	stats.Added = int(added)

	if _, err := tx.ExecContext(ctx, applyTempScanSQL, jobID); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "refresh existing files")
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE temp_scan"); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "drop staging table")
	}
	if err := tx.Commit(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "commit bulk replace")
	}
	return stats, nil
}

func buildTempScanInsert(batch []*FileRecord) (string, []any) {
	const cols = 18
	var sb strings.Builder
	sb.WriteString(`INSERT INTO temp_scan (
		relative_path, id, filename, is_directory, parent_path,
		remote_exists, remote_size, remote_mtime, remote_is_directory,
		local_exists, local_size, local_mtime, local_is_directory,
		sync_state, directory_size, file_count, last_seen, added_at
	) VALUES `)

	args := make([]any, 0, len(batch)*cols)
	row := "(" + placeholders(cols) + ")"
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(row)
		args = append(args,
			rec.RelativePath, rec.ID, rec.Filename, rec.IsDirectory, rec.ParentPath,
			rec.RemoteExists, rec.RemoteSize, rec.RemoteMtime, rec.RemoteIsDir,
			rec.LocalExists, rec.LocalSize, rec.LocalMtime, rec.LocalIsDir,
			string(rec.SyncState), rec.DirectorySize, rec.FileCount, rec.LastSeen, rec.AddedAt,
		)
	}
	return sb.String(), args
}

// DirAggregate carries one directory's rolled-up size and file count.
type DirAggregate struct {
	RelativePath string
	Size         int64
	Count        int64
}

// UpdateDirectoryAggregates writes rolled-up sizes computed by the
// scanner's second pass.
func (s *Store) UpdateDirectoryAggregates(ctx context.Context, jobID string, aggs []DirAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "begin aggregate update")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"UPDATE files SET directory_size = ?, file_count = ? WHERE job_id = ? AND relative_path = ? AND is_directory = 1")
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "prepare aggregate update")
	}
	defer stmt.Close()

	for _, agg := range aggs {
		if _, err := stmt.ExecContext(ctx, agg.Size, agg.Count, jobID, agg.RelativePath); err != nil {
			return errdefs.Wrap(errdefs.CodeSystem, err, "update aggregate for %s", agg.RelativePath)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "commit aggregate update")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
