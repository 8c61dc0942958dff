// Package sshx runs remote inspection commands (ls, stat, existence
// probes) over pooled SSH connections. It is the read-only side of the
// sync engine; bulk data movement belongs to the copy driver.
package sshx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
)

// Remote is the executor surface the scanner consumes.
type Remote interface {
	Test(ctx context.Context, srv *store.Server) (*Diagnostics, error)
	List(ctx context.Context, srv *store.Server, path string) ([]FileInfo, error)
	Stat(ctx context.Context, srv *store.Server, path string) (*FileInfo, error)
	Exists(ctx context.Context, srv *store.Server, path string) (bool, error)
}

// Diagnostics reports the outcome of a connection test.
type Diagnostics struct {
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Options tune pooling and per-operation deadlines.
type Options struct {
	MaxPerServer   int
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	ConnTTL        time.Duration
	KeepAlive      time.Duration
	ListTimeout    time.Duration
	StatTimeout    time.Duration
}

// DefaultOptions mirror the deadlines the copy tool transport uses.
func DefaultOptions() Options {
	return Options{
		MaxPerServer:   3,
		AcquireTimeout: 10 * time.Second,
		DialTimeout:    30 * time.Second,
		IdleTimeout:    30 * time.Second,
		ConnTTL:        5 * time.Minute,
		KeepAlive:      60 * time.Second,
		ListTimeout:    60 * time.Second,
		StatTimeout:    15 * time.Second,
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	if o.MaxPerServer <= 0 {
		o.MaxPerServer = def.MaxPerServer
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = def.AcquireTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.ConnTTL <= 0 {
		o.ConnTTL = def.ConnTTL
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = def.KeepAlive
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = def.ListTimeout
	}
	if o.StatTimeout <= 0 {
		o.StatTimeout = def.StatTimeout
	}
}

// Executor pools SSH connections per server and runs the inspection
// commands.
type Executor struct {
	opts Options

	mu    sync.Mutex
	pools map[string]*pool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewExecutor(opts Options) *Executor {
	opts.setDefaults()
	return &Executor{
		opts:  opts,
		pools: make(map[string]*pool),
		done:  make(chan struct{}),
	}
}

// Start launches the pool maintainer. It returns immediately.
func (e *Executor) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.maintain(ctx)
	slog.Debug("ssh executor start", "max_per_server", e.opts.MaxPerServer)
	return nil
}

// Stop drains every pool and stops the maintainer.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
	e.wg.Wait()

	e.mu.Lock()
	pools := make([]*pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.pools = make(map[string]*pool)
	e.mu.Unlock()

	for _, p := range pools {
		p.drain()
	}
	slog.Debug("ssh executor stopped")
}

func (e *Executor) maintain(ctx context.Context) {
	defer e.wg.Done()

	tick := time.NewTicker(e.opts.IdleTimeout / 2)
	defer tick.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case now := <-tick.C:
			e.mu.Lock()
			pools := make([]*pool, 0, len(e.pools))
			for _, p := range e.pools {
				pools = append(pools, p)
			}
			e.mu.Unlock()
			for _, p := range pools {
				p.sweep(now)
			}
		}
	}
}

func (e *Executor) poolFor(srv *store.Server) *pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[srv.ID]
	if !ok {
		p = newPool(srv, e.opts)
		e.pools[srv.ID] = p
	}
	return p
}

// Test opens a connection and runs a trivial echo, reporting latency
// and whatever diagnostics the failure produced.
func (e *Executor) Test(ctx context.Context, srv *store.Server) (*Diagnostics, error) {
	start := time.Now()
	stdout, _, code, err := e.exec(ctx, srv, "echo tidesync-ok", e.opts.StatTimeout)
	diag := &Diagnostics{DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		diag.Error = err.Error()
		return diag, err
	}
	if code != 0 || !strings.Contains(stdout, "tidesync-ok") {
		diag.Error = fmt.Sprintf("unexpected probe result (exit %d)", code)
		return diag, errdefs.New(errdefs.CodeConnection, "connection probe to %s failed", srv.Name)
	}
	diag.OK = true
	diag.Output = strings.TrimSpace(stdout)
	return diag, nil
}

// List enumerates one remote directory.
func (e *Executor) List(ctx context.Context, srv *store.Server, path string) ([]FileInfo, error) {
	if err := validateRemotePath(path); err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf("LC_ALL=C ls -lAn --time-style=+%%s -- %s", shellQuote(path))
	stdout, stderr, code, err := e.exec(ctx, srv, cmd, e.opts.ListTimeout)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, classifyRemoteFailure(stderr, "list %s on %s", path, srv.Name)
	}
	return parseLsLong(stdout, path), nil
}

// Stat inspects a single remote path.
func (e *Executor) Stat(ctx context.Context, srv *store.Server, path string) (*FileInfo, error) {
	if err := validateRemotePath(path); err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf("LC_ALL=C stat -c '%%F|%%s|%%Y|%%a|%%n' -- %s", shellQuote(path))
	stdout, stderr, code, err := e.exec(ctx, srv, cmd, e.opts.StatTimeout)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, classifyRemoteFailure(stderr, "stat %s on %s", path, srv.Name)
	}
	info, ok := parseStatLine(stdout)
	if !ok {
		return nil, errdefs.New(errdefs.CodeScan, "unparseable stat output for %s", path)
	}
	return &info, nil
}

// Exists probes a remote path. A clean exit 1 means "absent".
func (e *Executor) Exists(ctx context.Context, srv *store.Server, path string) (bool, error) {
	if err := validateRemotePath(path); err != nil {
		return false, err
	}
	cmd := fmt.Sprintf("test -e %s", shellQuote(path))
	_, stderr, code, err := e.exec(ctx, srv, cmd, e.opts.StatTimeout)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, classifyRemoteFailure(stderr, "probe %s on %s", path, srv.Name)
	}
}

// exec acquires a pooled connection, runs cmd under the per-op
// deadline and returns the remote result. Transport failures mark the
// connection broken so it is not reused.
func (e *Executor) exec(ctx context.Context, srv *store.Server, cmd string, timeout time.Duration) (string, string, int, error) {
	p := e.poolFor(srv)
	pc, err := p.acquire(ctx)
	if err != nil {
		return "", "", -1, err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, code, runErr := pc.conn.run(opCtx, cmd)
	p.release(pc, runErr != nil)

	if runErr != nil {
		if opCtx.Err() != nil && ctx.Err() == nil {
			return string(stdout), string(stderr), code,
				errdefs.Wrap(errdefs.CodeTimeout, runErr, "remote command exceeded %s on %s", timeout, srv.Name)
		}
		return string(stdout), string(stderr), code,
			errdefs.Wrap(errdefs.CodeConnection, runErr, "run remote command on %s", srv.Name)
	}
	return string(stdout), string(stderr), code, nil
}

// validateRemotePath accepts only non-empty absolute paths without
// parent traversal.
func validateRemotePath(path string) error {
	if path == "" {
		return errdefs.New(errdefs.CodeValidation, "remote path is empty")
	}
	if !strings.HasPrefix(path, "/") {
		return errdefs.New(errdefs.CodeValidation, "remote path %q is not absolute", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return errdefs.New(errdefs.CodeValidation, "remote path %q contains parent traversal", path)
		}
	}
	return nil
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func classifyRemoteFailure(stderr string, format string, args ...any) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "no such file"):
		return errdefs.New(errdefs.CodeNotFound, format+": %s", append(args, strings.TrimSpace(stderr))...)
	case strings.Contains(msg, "permission denied"):
		return errdefs.New(errdefs.CodeForbidden, format+": %s", append(args, strings.TrimSpace(stderr))...)
	default:
		return errdefs.New(errdefs.CodeConnection, format+": %s", append(args, strings.TrimSpace(stderr))...)
	}
}

var _ Remote = (*Executor)(nil)
