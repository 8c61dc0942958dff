package sshx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
)

// fakeConn scripts remote command results without a live SSH server.
type fakeConn struct {
	mu      sync.Mutex
	results map[string]fakeResult
	closed  bool
	pings   int
	pingErr error
}

type fakeResult struct {
	stdout string
	stderr string
	code   int
	err    error
}

func (c *fakeConn) run(_ context.Context, cmd string) ([]byte, []byte, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[cmd]
	if !ok {
		return nil, nil, 0, nil
	}
	return []byte(res.stdout), []byte(res.stderr), res.code, res.err
}

func (c *fakeConn) keepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func stubDial(t *testing.T, dial func() (sshConn, error)) *atomic.Int64 {
	t.Helper()
	var dials atomic.Int64
	orig := dialSSH
	dialSSH = func(context.Context, *store.Server, time.Duration) (sshConn, error) {
		dials.Add(1)
		return dial()
	}
	t.Cleanup(func() { dialSSH = orig })
	return &dials
}

func testServer() *store.Server {
	return &store.Server{
		ID:       "63f1a2b3c4d5e6f708192a3b",
		Name:     "seed",
		Host:     "seed.example.net",
		Port:     22,
		Username: "sync",
		Password: "hunter2",
	}
}

func testPoolOptions() Options {
	return Options{
		MaxPerServer:   2,
		AcquireTimeout: 200 * time.Millisecond,
		DialTimeout:    time.Second,
		IdleTimeout:    time.Minute,
		ConnTTL:        time.Hour,
		KeepAlive:      time.Minute,
		ListTimeout:    time.Second,
		StatTimeout:    time.Second,
	}
}

func TestPoolReusesIdleConnection(t *testing.T) {
	dials := stubDial(t, func() (sshConn, error) { return &fakeConn{}, nil })
	p := newPool(testServer(), testPoolOptions())
	defer p.drain()

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, false)

	again, err := p.acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, pc, again)
	assert.Equal(t, int64(1), dials.Load())
	p.release(again, false)
}

func TestPoolDiscardsBrokenConnection(t *testing.T) {
	stubDial(t, func() (sshConn, error) { return &fakeConn{}, nil })
	p := newPool(testServer(), testPoolOptions())
	defer p.drain()

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, true)

	assert.Zero(t, p.idleCount())
	assert.True(t, pc.conn.(*fakeConn).closed)
}

func TestPoolCapBlocksUntilTimeout(t *testing.T) {
	stubDial(t, func() (sshConn, error) { return &fakeConn{}, nil })
	opts := testPoolOptions()
	opts.MaxPerServer = 1
	opts.AcquireTimeout = 50 * time.Millisecond
	p := newPool(testServer(), opts)
	defer p.drain()

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)

	_, err = p.acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeResourceExhausted))

	p.release(pc, false)
}

func TestPoolSweepEvictsExpired(t *testing.T) {
	stubDial(t, func() (sshConn, error) { return &fakeConn{}, nil })
	opts := testPoolOptions()
	p := newPool(testServer(), opts)
	defer p.drain()

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, false)
	require.Equal(t, 1, p.idleCount())

	p.sweep(time.Now().Add(opts.IdleTimeout + time.Second))
	assert.Zero(t, p.idleCount())
	assert.True(t, pc.conn.(*fakeConn).closed)
}

func TestPoolSweepDropsDeadKeepalives(t *testing.T) {
	conn := &fakeConn{pingErr: context.DeadlineExceeded}
	stubDial(t, func() (sshConn, error) { return conn, nil })
	opts := testPoolOptions()
	opts.KeepAlive = time.Millisecond
	p := newPool(testServer(), opts)
	defer p.drain()

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	p.release(pc, false)

	time.Sleep(5 * time.Millisecond)
	p.sweep(time.Now())
	assert.Zero(t, p.idleCount())
	assert.True(t, conn.closed)
}

func TestExecutorList(t *testing.T) {
	conn := &fakeConn{results: map[string]fakeResult{
		"LC_ALL=C ls -lAn --time-style=+%s -- '/data/complete'": {
			stdout: "-rw-r--r-- 1 1000 1000 2048 1700000000 movie.mkv\n",
		},
	}}
	stubDial(t, func() (sshConn, error) { return conn, nil })

	e := NewExecutor(testPoolOptions())
	defer e.Stop()

	infos, err := e.List(context.Background(), testServer(), "/data/complete")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "movie.mkv", infos[0].Name)
	assert.Equal(t, int64(2048), infos[0].Size)
}

func TestExecutorListClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   errdefs.Code
	}{
		{"missing directory", "ls: cannot access '/nope': No such file or directory", errdefs.CodeNotFound},
		{"permission denied", "ls: cannot open directory: Permission denied", errdefs.CodeForbidden},
		{"anything else", "ls: something exploded", errdefs.CodeConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{results: map[string]fakeResult{
				"LC_ALL=C ls -lAn --time-style=+%s -- '/data/complete'": {stderr: tt.stderr, code: 2},
			}}
			stubDial(t, func() (sshConn, error) { return conn, nil })

			e := NewExecutor(testPoolOptions())
			defer e.Stop()

			_, err := e.List(context.Background(), testServer(), "/data/complete")
			require.Error(t, err)
			assert.True(t, errdefs.IsCode(err, tt.want))
		})
	}
}

func TestExecutorExists(t *testing.T) {
	conn := &fakeConn{results: map[string]fakeResult{
		"test -e '/present'": {code: 0},
		"test -e '/absent'":  {code: 1},
	}}
	stubDial(t, func() (sshConn, error) { return conn, nil })

	e := NewExecutor(testPoolOptions())
	defer e.Stop()

	ok, err := e.Exists(context.Background(), testServer(), "/present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Exists(context.Background(), testServer(), "/absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutorTest(t *testing.T) {
	conn := &fakeConn{results: map[string]fakeResult{
		"echo tidesync-ok": {stdout: "tidesync-ok\n"},
	}}
	stubDial(t, func() (sshConn, error) { return conn, nil })

	e := NewExecutor(testPoolOptions())
	defer e.Stop()

	diag, err := e.Test(context.Background(), testServer())
	require.NoError(t, err)
	assert.True(t, diag.OK)
	assert.Equal(t, "tidesync-ok", diag.Output)
}
