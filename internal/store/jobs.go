package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

const jobColumns = `id, name, source_server_id, target_server_id, source_path, target_path,
	direction, enabled, scan_interval_minutes, options, retry_policy, parallelism,
	auto_queue, post_action, last_scan_at, created_at, updated_at`

const insertJobSQL = `INSERT INTO jobs (
	id, name, source_server_id, target_server_id, source_path, target_path,
	direction, enabled, scan_interval_minutes, options, retry_policy, parallelism,
	auto_queue, post_action, last_scan_at, created_at, updated_at
) VALUES (
	:id, :name, :source_server_id, :target_server_id, :source_path, :target_path,
	:direction, :enabled, :scan_interval_minutes, :options, :retry_policy, :parallelism,
	:auto_queue, :post_action, :last_scan_at, :created_at, :updated_at
)`

const updateJobSQL = `UPDATE jobs SET
	name = :name,
	source_server_id = :source_server_id,
	target_server_id = :target_server_id,
	source_path = :source_path,
	target_path = :target_path,
	direction = :direction,
	enabled = :enabled,
	scan_interval_minutes = :scan_interval_minutes,
	options = :options,
	retry_policy = :retry_policy,
	parallelism = :parallelism,
	auto_queue = :auto_queue,
	post_action = :post_action,
	last_scan_at = :last_scan_at,
	updated_at = :updated_at
WHERE id = :id`

// CreateJob validates and persists a new job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	job.SetDefaults()
	if job.ID == "" {
		job.ID = utils.NewID()
	}
	if err := job.Validate(); err != nil {
		return err
	}
	now := nowMillis()
	job.CreatedAt = now
	job.UpdatedAt = now

	if _, err := s.db.NamedExecContext(ctx, insertJobSQL, job); err != nil {
		if isUniqueViolation(err) {
			return errdefs.Wrap(errdefs.CodeConflict, err, "job %s already exists", job.ID)
		}
		return errdefs.Wrap(errdefs.CodeSystem, err, "insert job")
	}
	return nil
}

// UpdateJob validates and writes back an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	job.SetDefaults()
	if err := job.Validate(); err != nil {
		return err
	}
	job.UpdatedAt = nowMillis()

	res, err := s.db.NamedExecContext(ctx, updateJobSQL, job)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "update job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.CodeNotFound, "job %s not found", job.ID)
	}
	return nil
}

// GetJob fetches one job by id. Missing jobs return (nil, nil).
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "get job %s", id)
	}
	return &job, nil
}

// ListJobs returns jobs ordered by name; enabledOnly restricts to
// schedulable ones.
func (s *Store) ListJobs(ctx context.Context, enabledOnly bool) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name"

	var jobs []*Job
	if err := s.db.SelectContext(ctx, &jobs, query); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "list jobs")
	}
	return jobs, nil
}

// DeleteJob removes the job and its file records.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "begin job delete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE job_id = ?", id); err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "delete job files")
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.CodeNotFound, "job %s not found", id)
	}
	return tx.Commit()
}

// TouchJobScan records when the job was last scanned.
func (s *Store) TouchJobScan(ctx context.Context, id string, ts int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET last_scan_at = ?, updated_at = ? WHERE id = ?",
		ts, nowMillis(), id)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "touch job scan %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.CodeNotFound, "job %s not found", id)
	}
	return nil
}
