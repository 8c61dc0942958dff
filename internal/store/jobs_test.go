package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

func testJob() *Job {
	return &Job{
		Name:                "seedbox movies",
		SourceServerID:      utils.NewID(),
		SourcePath:          "/downloads/movies",
		TargetPath:          "/mnt/media/movies",
		Direction:           DirectionDownload,
		Enabled:             true,
		ScanIntervalMinutes: 30,
		RetryPolicy:         RetryPolicy{MaxRetries: 3, RetryDelayMs: 5000},
		Parallelism:         Parallelism{MaxConcurrentTransfers: 2, MaxConnectionsPerTransfer: 4},
		AutoQueue: AutoQueue{
			Enabled:         true,
			IncludePatterns: []string{"*.mkv"},
			ExcludePatterns: []string{"*.tmp"},
		},
		PostAction: PostAction{Kind: ActionNone},
	}
}

func TestCreateJob_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob()
	require.NoError(t, s.CreateJob(ctx, job))
	assert.True(t, utils.IsValidID(job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "seedbox movies", got.Name)
	assert.Equal(t, []string{"*.mkv"}, got.AutoQueue.IncludePatterns)
	assert.Equal(t, 2, got.Parallelism.MaxConcurrentTransfers)
	assert.True(t, got.LocalTarget())
	assert.Nil(t, got.LastScanAt)
}

func TestCreateJob_ValidationBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Job)
	}{
		{"interval below range", func(j *Job) { j.ScanIntervalMinutes = 4 }},
		{"interval above range", func(j *Job) { j.ScanIntervalMinutes = 10081 }},
		{"bad chmod", func(j *Job) { j.Options.Chmod = "899" }},
		{"chmod too long", func(j *Job) { j.Options.Chmod = "07555" }},
		{"retries above range", func(j *Job) { j.RetryPolicy.MaxRetries = 11 }},
		{"retry delay below range", func(j *Job) { j.RetryPolicy.RetryDelayMs = 500 }},
		{"retry delay above range", func(j *Job) { j.RetryPolicy.RetryDelayMs = 300001 }},
		{"zero concurrency normalized high", func(j *Job) { j.Parallelism.MaxConcurrentTransfers = 11 }},
		{"connections above range", func(j *Job) { j.Parallelism.MaxConnectionsPerTransfer = 21 }},
		{"action delay above range", func(j *Job) { j.PostAction = PostAction{Kind: ActionRemove, DelayMinutes: 1441} }},
		{"set_label without label", func(j *Job) { j.PostAction = PostAction{Kind: ActionSetLabel} }},
		{"relative source path", func(j *Job) { j.SourcePath = "downloads" }},
		{"traversal in target path", func(j *Job) { j.TargetPath = "/mnt/../etc" }},
		{"local target upload", func(j *Job) { j.Direction = DirectionUpload }},
		{"same source and target server", func(j *Job) {
			j.TargetServerID = &j.SourceServerID
			j.Direction = DirectionUpload
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := testJob()
			tc.mutate(job)
			err := s.CreateJob(ctx, job)
			require.Error(t, err)
			assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation), "got: %v", err)
		})
	}
}

func TestCreateJob_IntervalBoundsInclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := testJob()
	low.ScanIntervalMinutes = 5
	assert.NoError(t, s.CreateJob(ctx, low))

	high := testJob()
	high.ScanIntervalMinutes = 10080
	assert.NoError(t, s.CreateJob(ctx, high))
}

func TestCreateJob_ServerTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := utils.NewID()
	job := testJob()
	job.TargetServerID = &target
	job.Direction = DirectionUpload
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.LocalTarget())
	assert.Equal(t, DirectionUpload, got.Direction)
}

func TestUpdateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob()
	require.NoError(t, s.CreateJob(ctx, job))

	job.Name = "renamed"
	job.Enabled = false
	require.NoError(t, s.UpdateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.False(t, got.Enabled)

	missing := testJob()
	missing.ID = utils.NewID()
	err = s.UpdateJob(ctx, missing)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}

func TestListJobs_EnabledOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	on := testJob()
	require.NoError(t, s.CreateJob(ctx, on))
	off := testJob()
	off.Enabled = false
	require.NoError(t, s.CreateJob(ctx, off))

	all, err := s.ListJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, on.ID, enabled[0].ID)
}

func TestDeleteJob_CascadesFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob()
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.InsertFile(ctx, testFile(job.ID, "a.txt")))

	require.NoError(t, s.DeleteJob(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := s.CountFiles(ctx, FileQuery{JobID: job.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTouchJobScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob()
	require.NoError(t, s.CreateJob(ctx, job))

	ts := nowMillis()
	require.NoError(t, s.TouchJobScan(ctx, job.ID, ts))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScanAt)
	assert.Equal(t, ts, *got.LastScanAt)
}
