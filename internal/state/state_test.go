package state

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/utils"
)

func newFixture(t *testing.T) (*Manager, *store.Store, <-chan events.Event) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	return NewManager(st, bus), st, ch
}

func seedFile(t *testing.T, st *store.Store, state store.SyncState) *store.FileRecord {
	t.Helper()
	rec := &store.FileRecord{
		JobID:        utils.NewID(),
		RelativePath: "dir/a.txt",
		Filename:     "a.txt",
		ParentPath:   "dir",
		RemoteExists: true,
		RemoteSize:   1000,
		RemoteMtime:  1_700_000_000,
		SyncState:    state,
	}
	require.NoError(t, st.InsertFile(context.Background(), rec))
	return rec
}

func drain(ch <-chan events.Event) []events.Event {
	var evs []events.Event
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		from, to store.SyncState
		ok       bool
	}{
		{store.StateRemoteOnly, store.StateQueued, true},
		{store.StateRemoteOnly, store.StateFailed, true},
		{store.StateRemoteOnly, store.StateSynced, false},
		{store.StateQueued, store.StateTransferring, true},
		{store.StateQueued, store.StateRemoteOnly, true},
		{store.StateQueued, store.StateLocalOnly, true},
		{store.StateTransferring, store.StateSynced, true},
		{store.StateTransferring, store.StateQueued, true},
		{store.StateTransferring, store.StateRemoteOnly, false},
		{store.StateFailed, store.StateQueued, true},
		{store.StateFailed, store.StateSynced, false},
		{store.StateSynced, store.StateDesynced, true},
		{store.StateSynced, store.StateQueued, false},
		{store.StateDesynced, store.StateQueued, true},
		{store.StateLocalOnly, store.StateQueued, true},
		{store.StateLocalOnly, store.StateFailed, true},
		{store.StateLocalOnly, store.StateSynced, false},
		// Identity always passes.
		{store.StateSynced, store.StateSynced, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, Allowed(tc.from, tc.to))
		})
	}
}

func TestTransitionHappyPath(t *testing.T) {
	m, st, ch := newFixture(t)
	ctx := context.Background()
	rec := seedFile(t, st, store.StateRemoteOnly)

	ok, err := m.Transition(ctx, rec.ID, store.StateQueued, Opts{TransferID: "tr-1", Reason: "auto_queue"})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, got.SyncState)
	require.NotNil(t, got.ActiveTransferID)
	assert.Equal(t, "tr-1", *got.ActiveTransferID)
	require.Len(t, got.History, 1)
	assert.Equal(t, store.StateRemoteOnly, got.History[0].From)
	assert.Equal(t, "auto_queue", got.History[0].Reason)

	evs := drain(ch)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TopicTransferStatus, evs[0].Topic)
	assert.Equal(t, events.TopicFileState, evs[1].Topic)
}

func TestTransitionRejected(t *testing.T) {
	m, st, ch := newFixture(t)
	ctx := context.Background()
	rec := seedFile(t, st, store.StateSynced)

	ok, err := m.Transition(ctx, rec.ID, store.StateQueued, Opts{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := st.GetFile(ctx, rec.ID)
	assert.Equal(t, store.StateSynced, got.SyncState)
	assert.Empty(t, got.History)
	assert.Empty(t, drain(ch))
}

func TestTransitionForce(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()
	rec := seedFile(t, st, store.StateSynced)

	ok, err := m.Transition(ctx, rec.ID, store.StateQueued, Opts{Force: true, Reason: "recovery"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransitionMissingFile(t *testing.T) {
	m, _, _ := newFixture(t)
	ok, err := m.Transition(context.Background(), utils.NewID(), store.StateQueued, Opts{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntryEffects(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()

	t.Run("transferring sets start and zeroes progress", func(t *testing.T) {
		rec := seedFile(t, st, store.StateQueued)
		ok, err := m.Transition(ctx, rec.ID, store.StateTransferring, Opts{TransferID: "tr-2"})
		require.NoError(t, err)
		require.True(t, ok)

		got, _ := st.GetFile(ctx, rec.ID)
		require.NotNil(t, got.StartedAt)
		assert.Zero(t, got.Progress)
	})

	t.Run("synced copies remote metadata to local", func(t *testing.T) {
		rec := seedFile(t, st, store.StateQueued)
		_, err := st.FindAndUpdateFile(ctx, rec.ID, nil, func(r *store.FileRecord) error {
			r.SyncState = store.StateTransferring
			return nil
		})
		require.NoError(t, err)

		ok, err := m.Transition(ctx, rec.ID, store.StateSynced, Opts{})
		require.NoError(t, err)
		require.True(t, ok)

		got, _ := st.GetFile(ctx, rec.ID)
		assert.Equal(t, float64(100), got.Progress)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.LocalExists)
		assert.Equal(t, int64(1000), got.LocalSize)
		assert.Equal(t, int64(1_700_000_000), got.LocalMtime)
		assert.Nil(t, got.JobSlot)
		assert.Nil(t, got.ActiveTransferID)
	})

	t.Run("synced upload copies local metadata to remote", func(t *testing.T) {
		rec := seedFile(t, st, store.StateTransferring)
		_, err := st.FindAndUpdateFile(ctx, rec.ID, nil, func(r *store.FileRecord) error {
			r.RemoteExists = false
			r.RemoteSize = 0
			r.RemoteMtime = 0
			r.LocalExists = true
			r.LocalSize = 555
			r.LocalMtime = 1_700_000_100
			return nil
		})
		require.NoError(t, err)

		ok, err := m.Transition(ctx, rec.ID, store.StateSynced, Opts{Upload: true})
		require.NoError(t, err)
		require.True(t, ok)

		got, _ := st.GetFile(ctx, rec.ID)
		assert.True(t, got.RemoteExists)
		assert.Equal(t, int64(555), got.RemoteSize)
		assert.Equal(t, int64(1_700_000_100), got.RemoteMtime)
	})

	t.Run("failed bumps retry count", func(t *testing.T) {
		rec := seedFile(t, st, store.StateTransferring)
		ok, err := m.MarkFailed(ctx, rec.ID, errors.New("copy exited 23"), "tr-3")
		require.NoError(t, err)
		require.True(t, ok)

		got, _ := st.GetFile(ctx, rec.ID)
		assert.Equal(t, store.StateFailed, got.SyncState)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.CompletedAt)
		require.NotEmpty(t, got.History)
		assert.Equal(t, "transfer_failed", got.History[len(got.History)-1].Reason)
	})
}

func TestHistoryRingCapped(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()
	rec := seedFile(t, st, store.StateRemoteOnly)

	// Bounce between queued and remote_only well past the ring size.
	for i := 0; i < 8; i++ {
		ok, err := m.Transition(ctx, rec.ID, store.StateQueued, Opts{})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = m.Transition(ctx, rec.ID, store.StateRemoteOnly, Opts{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	hist, err := m.History(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 10)

	limited, err := m.History(ctx, rec.ID, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)
	assert.Equal(t, hist[len(hist)-3:], limited)
}

func TestReset(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()
	rec := seedFile(t, st, store.StateTransferring)
	slot := 2
	tid := "tr-9"
	_, err := st.FindAndUpdateFile(ctx, rec.ID, nil, func(r *store.FileRecord) error {
		r.JobSlot = &slot
		r.ActiveTransferID = &tid
		r.RetryCount = 4
		r.Progress = 37
		return nil
	})
	require.NoError(t, err)

	ok, err := m.Reset(ctx, rec.ID, store.StateRemoteOnly, "emergency_reset", true)
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := st.GetFile(ctx, rec.ID)
	assert.Equal(t, store.StateRemoteOnly, got.SyncState)
	assert.Nil(t, got.JobSlot)
	assert.Nil(t, got.ActiveTransferID)
	assert.Zero(t, got.RetryCount)
	assert.Zero(t, got.Progress)
	require.NotEmpty(t, got.History)
	assert.Equal(t, "emergency_reset", got.History[len(got.History)-1].Reason)
}

func TestBatchTransition(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()

	ok1 := seedFile(t, st, store.StateRemoteOnly)
	blocked := seedFile(t, st, store.StateSynced)

	res, err := m.BatchTransition(ctx, []BatchRequest{
		{FileID: ok1.ID, Target: store.StateQueued},
		{FileID: blocked.ID, Target: store.StateQueued},
		{FileID: utils.NewID(), Target: store.StateQueued},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Rejected)
	assert.Zero(t, res.Failures)
}
