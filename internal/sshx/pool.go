package sshx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
)

// pooledConn wraps a live connection with the bookkeeping the sweeper
// needs.
type pooledConn struct {
	conn      sshConn
	createdAt time.Time
	idleSince time.Time
	lastPing  time.Time
}

// pool is the bounded per-server connection set. The slots channel
// caps checked-out connections; parked connections wait in idle (LIFO,
// so the freshest is reused first).
type pool struct {
	server *store.Server
	opts   Options
	slots  chan struct{}

	mu     sync.Mutex
	idle   []*pooledConn
	closed bool
}

func newPool(srv *store.Server, opts Options) *pool {
	return &pool{
		server: srv,
		opts:   opts,
		slots:  make(chan struct{}, opts.MaxPerServer),
	}
}

// acquire blocks for a free slot up to the acquire deadline, then
// reuses a fresh idle connection or dials a new one.
func (p *pool) acquire(ctx context.Context) (*pooledConn, error) {
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return nil, errdefs.New(errdefs.CodeResourceExhausted,
			"no ssh connection to %s available within %s", p.server.Name, p.opts.AcquireTimeout)
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.CodeSystem, ctx.Err(), "acquire ssh connection")
	}

	now := time.Now()
	p.mu.Lock()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(pc.createdAt) > p.opts.ConnTTL || now.Sub(pc.idleSince) > p.opts.IdleTimeout {
			go pc.conn.close()
			continue
		}
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	conn, err := dialSSH(ctx, p.server, p.opts.DialTimeout)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return &pooledConn{conn: conn, createdAt: now, lastPing: now}, nil
}

// release parks a healthy connection for reuse and discards broken
// ones. Always frees the slot.
func (p *pool) release(pc *pooledConn, broken bool) {
	p.mu.Lock()
	if broken || p.closed {
		p.mu.Unlock()
		pc.conn.close()
		<-p.slots
		return
	}
	pc.idleSince = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	<-p.slots
}

// sweep evicts idle connections past their idle timeout or TTL and
// pings the remainder so NAT mappings stay warm.
func (p *pool) sweep(now time.Time) {
	p.mu.Lock()
	var keep, evict, ping []*pooledConn
	for _, pc := range p.idle {
		switch {
		case now.Sub(pc.createdAt) > p.opts.ConnTTL || now.Sub(pc.idleSince) > p.opts.IdleTimeout:
			evict = append(evict, pc)
		case now.Sub(pc.lastPing) >= p.opts.KeepAlive:
			ping = append(ping, pc)
			keep = append(keep, pc)
		default:
			keep = append(keep, pc)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, pc := range evict {
		pc.conn.close()
	}
	if len(evict) > 0 {
		slog.Debug("ssh pool evicted idle connections", "server", p.server.Name, "count", len(evict))
	}

	var dead []*pooledConn
	for _, pc := range ping {
		if err := pc.conn.keepalive(); err != nil {
			slog.Debug("ssh keepalive failed", "server", p.server.Name, "error", err)
			dead = append(dead, pc)
			continue
		}
		pc.lastPing = now
	}
	if len(dead) > 0 {
		p.mu.Lock()
		kept := p.idle[:0]
		for _, pc := range p.idle {
			alive := true
			for _, d := range dead {
				if pc == d {
					alive = false
					break
				}
			}
			if alive {
				kept = append(kept, pc)
			}
		}
		p.idle = kept
		p.mu.Unlock()
		for _, pc := range dead {
			pc.conn.close()
		}
	}
}

// drain closes every idle connection and marks the pool closed so
// in-flight releases discard instead of parking.
func (p *pool) drain() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		pc.conn.close()
	}
}

func (p *pool) idleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
