package wshub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/events"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/utils"
)

type testConn struct {
	conn *websocket.Conn
}

func dialHub(t *testing.T, hub *Hub) *testConn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Accept(r.Context(), w, r); err != nil {
			t.Logf("accept: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return &testConn{conn: conn}
}

func (tc *testConn) send(t *testing.T, cmd Command) {
	t.Helper()
	data, err := jsonMarshal(cmd)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tc.conn.Write(ctx, websocket.MessageText, data))
}

// read returns the next frame as a decoded envelope.
func (tc *testConn) read(t *testing.T) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := tc.conn.Read(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, jsonUnmarshal(data, &out))
	return out
}

// readTopic skips frames until one with the wanted topic arrives.
func (tc *testConn) readTopic(t *testing.T, topic string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := tc.read(t)
		if frame["topic"] == topic {
			return frame
		}
	}
	t.Fatalf("no %s frame received", topic)
	return nil
}

func newHub(t *testing.T) (*Hub, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	hub := NewHub(bus)
	ctx, cancel := context.WithCancel(context.Background())
	hub.Run(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		hub.Shutdown(sctx)
		cancel()
	})
	return hub, bus
}

func TestHelloOnConnect(t *testing.T) {
	hub, _ := newHub(t)
	tc := dialHub(t, hub)

	frame := tc.readTopic(t, "hello")
	payload := frame["payload"].(map[string]any)
	assert.NotEmpty(t, payload["version"])
}

func TestSubscribeAndReceive(t *testing.T) {
	hub, bus := newHub(t)
	tc := dialHub(t, hub)
	tc.readTopic(t, "hello")

	jobID := utils.NewID()
	tc.send(t, Command{Action: "subscribe", Room: "job:" + jobID})
	joined := tc.readTopic(t, "room:joined")
	assert.Equal(t, "job:"+jobID, joined["payload"].(map[string]any)["room"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(&events.FileStatePayload{
		JobID:        jobID,
		FileID:       utils.NewID(),
		Filename:     "a.mkv",
		RelativePath: "a.mkv",
		OldState:     store.StateRemoteOnly,
		NewState:     store.StateQueued,
		TS:           time.Now().UnixMilli(),
	})

	frame := tc.readTopic(t, "file:state:update")
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "a.mkv", payload["filename"])
}

func TestRoomScoping(t *testing.T) {
	hub, bus := newHub(t)
	tc := dialHub(t, hub)
	tc.readTopic(t, "hello")

	mine := utils.NewID()
	other := utils.NewID()
	tc.send(t, Command{Action: "subscribe", Room: "job:" + mine})
	tc.readTopic(t, "room:joined")

	// An event for another job must not arrive; one for ours must.
	bus.Publish(&events.FileStatePayload{
		JobID: other, FileID: utils.NewID(), Filename: "other.mkv",
		RelativePath: "other.mkv", OldState: store.StateRemoteOnly,
		NewState: store.StateQueued, TS: time.Now().UnixMilli(),
	})
	bus.Publish(&events.FileStatePayload{
		JobID: mine, FileID: utils.NewID(), Filename: "mine.mkv",
		RelativePath: "mine.mkv", OldState: store.StateRemoteOnly,
		NewState: store.StateQueued, TS: time.Now().UnixMilli(),
	})

	frame := tc.readTopic(t, "file:state:update")
	assert.Equal(t, "mine.mkv", frame["payload"].(map[string]any)["filename"])
}

func TestAllJobsRoom(t *testing.T) {
	hub, bus := newHub(t)
	tc := dialHub(t, hub)
	tc.readTopic(t, "hello")

	tc.send(t, Command{Action: "subscribe", Room: events.RoomAllJobs})
	tc.readTopic(t, "room:joined")

	bus.Publish(&events.FileStatePayload{
		JobID: utils.NewID(), FileID: utils.NewID(), Filename: "any.mkv",
		RelativePath: "any.mkv", OldState: store.StateRemoteOnly,
		NewState: store.StateQueued, TS: time.Now().UnixMilli(),
	})
	frame := tc.readTopic(t, "file:state:update")
	assert.Equal(t, "any.mkv", frame["payload"].(map[string]any)["filename"])
}

func TestInvalidRoomRejected(t *testing.T) {
	hub, _ := newHub(t)
	tc := dialHub(t, hub)
	tc.readTopic(t, "hello")

	tc.send(t, Command{Action: "subscribe", Room: "job:nope"})
	frame := tc.readTopic(t, "room:error")
	assert.Equal(t, "job:nope", frame["payload"].(map[string]any)["room"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, bus := newHub(t)
	tc := dialHub(t, hub)
	tc.readTopic(t, "hello")

	jobID := utils.NewID()
	tc.send(t, Command{Action: "subscribe", Room: "job:" + jobID})
	tc.readTopic(t, "room:joined")
	tc.send(t, Command{Action: "unsubscribe", Room: "job:" + jobID})
	tc.readTopic(t, "room:left")

	bus.Publish(&events.FileStatePayload{
		JobID: jobID, FileID: utils.NewID(), Filename: "gone.mkv",
		RelativePath: "gone.mkv", OldState: store.StateRemoteOnly,
		NewState: store.StateQueued, TS: time.Now().UnixMilli(),
	})

	// Nothing should arrive; read must hit the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := tc.conn.Read(ctx)
	require.Error(t, err)
}

func TestValidRoom(t *testing.T) {
	id := utils.NewID()
	tests := []struct {
		room string
		ok   bool
	}{
		{"all-jobs", true},
		{"job:" + id, true},
		{"server:" + id, true},
		{"job:short", false},
		{"user:" + id, false},
		{"job:", false},
		{"", false},
		{id, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ok, ValidRoom(tc.room), tc.room)
	}
}
