// Package pool implements the bounded session pool described in
// spec.md §4.5 (C5): a generic pool over transport.Session produced by
// a transport.SessionFactory, with lazy health checks on acquire and
// scoped, RAII-style leases. Grounded on the lease idiom throughout
// modules/renter/workerrpc.go (staticNewStream / deferred Close), with
// the global byte-rate ceiling and monitor wiring from SPEC_FULL.md §7.
package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	connmonitor "github.com/uplo-tech/monitor"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"

	"github.com/frostvault/backup/transport"
)

// Config controls pool sizing and session health policy, per spec.md
// §4.5's configuration surface.
type Config struct {
	Min                 int
	Max                 int
	Initial             int
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	AcquireTimeout      time.Duration
	MaxErrorsPerSession int
	ValidateOnAcquire   bool
}

// DefaultConfig returns sane pool defaults.
func DefaultConfig() Config {
	return Config{
		Min:                 1,
		Max:                 8,
		Initial:             2,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		AcquireTimeout:      10 * time.Second,
		MaxErrorsPerSession: 3,
		ValidateOnAcquire:   false,
	}
}

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// ErrTimeout is returned by Acquire when acquire_timeout elapses before
// a session becomes available.
var ErrTimeout = errors.New("pool: acquire timed out")

// ErrValidationFailed names a failed validate_on_acquire check. Acquire
// does not return it: it discards the session and loops.
var ErrValidationFailed = errors.New("pool: session failed validation")

// ErrCreationFailed wraps the underlying SessionFactory.Create error.
type ErrCreationFailed struct {
	Reason error
}

func (e *ErrCreationFailed) Error() string {
	return fmt.Sprintf("pool: session creation failed: %v", e.Reason)
}

func (e *ErrCreationFailed) Unwrap() error { return e.Reason }

// pooledSession is a transport.Session plus the bookkeeping spec.md
// §4.5 needs to judge health.
type pooledSession struct {
	session      transport.Session
	createdAt    time.Time
	lastReturned time.Time
	uses         int64
	bytes        int64
	errorCount   int
}

func (s *pooledSession) expired(maxLifetime time.Duration) bool {
	return maxLifetime > 0 && time.Since(s.createdAt) > maxLifetime
}

func (s *pooledSession) idleStale(idleTimeout time.Duration) bool {
	return idleTimeout > 0 && time.Since(s.lastReturned) > idleTimeout
}

func (s *pooledSession) errored(maxErrors int) bool {
	return maxErrors > 0 && s.errorCount >= maxErrors
}

// Pool is a bounded pool of transport.Sessions.
type Pool struct {
	cfg     Config
	factory transport.SessionFactory

	mu      sync.Mutex
	free    []*pooledSession
	closed  bool
	permits chan struct{}

	stopChan chan struct{}
	monitor  *connmonitor.Monitor
	rl       *ratelimit.RateLimit
}

// New builds a Pool bound to factory and pre-warms it with cfg.Initial
// sessions.
func New(cfg Config, factory transport.SessionFactory) (*Pool, error) {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		permits:  make(chan struct{}, cfg.Max),
		stopChan: make(chan struct{}),
		monitor:  connmonitor.NewMonitor(),
		rl:       ratelimit.NewRateLimit(0, 0, 0),
	}
	for i := 0; i < cfg.Max; i++ {
		p.permits <- struct{}{}
	}
	for i := 0; i < cfg.Initial; i++ {
		if err := p.warmOne(context.Background()); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) warmOne(ctx context.Context) error {
	select {
	case <-p.permits:
	default:
		return nil
	}
	sess, err := p.factory.Create(ctx)
	if err != nil {
		p.permits <- struct{}{}
		return &ErrCreationFailed{Reason: err}
	}
	now := time.Now()
	p.mu.Lock()
	p.free = append(p.free, &pooledSession{session: sess, createdAt: now, lastReturned: now})
	p.mu.Unlock()
	return nil
}

// SetGlobalRateLimit sets the pool-wide byte-rate ceiling shared across
// every leased session, independent of any per-operation limiter the
// caller applies on top (see bandwidth.Limiter, wired at the pipeline
// layer).
func (p *Pool) SetGlobalRateLimit(readBPS, writeBPS int64) {
	p.rl.SetLimits(readBPS, writeBPS, 0)
}

// Acquire implements spec.md §4.5's acquire algorithm: reuse a healthy
// free session, else create a new one under the pool's max-sized
// semaphore, else wait up to AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	var deadline <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if len(p.free) > 0 {
			s := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			p.mu.Unlock()

			if s.expired(p.cfg.MaxLifetime) || s.idleStale(p.cfg.IdleTimeout) || s.errored(p.cfg.MaxErrorsPerSession) {
				p.discard(s)
				continue
			}
			if p.cfg.ValidateOnAcquire && !p.factory.Validate(ctx, s.session) {
				p.discard(s)
				continue
			}
			s.uses++
			return newLease(p, s), nil
		}
		p.mu.Unlock()

		select {
		case <-p.permits:
			sess, err := p.factory.Create(ctx)
			if err != nil {
				p.permits <- struct{}{}
				continue
			}
			now := time.Now()
			s := &pooledSession{session: sess, createdAt: now, lastReturned: now, uses: 1}
			return newLease(p, s), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

// discard closes a session pulled from the free list and returns its
// permit to the pool.
func (p *Pool) discard(s *pooledSession) {
	_ = p.factory.Close(s.session)
	p.permits <- struct{}{}
}

// release is called by Lease.Release/Close to return a session to the
// free list, or discard it if the pool closed or the session is
// unhealthy.
func (p *Pool) release(s *pooledSession, healthy bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(s)
		return
	}
	if !healthy || s.expired(p.cfg.MaxLifetime) || s.errored(p.cfg.MaxErrorsPerSession) {
		p.mu.Unlock()
		p.discard(s)
		return
	}
	s.lastReturned = time.Now()
	p.free = append(p.free, s)
	p.mu.Unlock()
}

// Stats reports the pool's current free and total-leased-capacity
// counts.
type Stats struct {
	Free       int
	MaxPermits int
	InUse      int
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := p.cfg.Max - len(p.permits) - len(p.free)
	if inUse < 0 {
		inUse = 0
	}
	return Stats{Free: len(p.free), MaxPermits: p.cfg.Max, InUse: inUse}
}

// MonitorCounts returns the pool-wide byte counters sampled by the
// attached connmonitor.Monitor and the time it started counting.
func (p *Pool) MonitorCounts() (read, written uint64, since time.Time) {
	r, w := p.monitor.Counts()
	return r, w, p.monitor.StartTime()
}

// Close closes every free session and rejects future Acquire calls.
// Sessions already leased are closed as their leases are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	close(p.stopChan)
	for _, s := range free {
		_ = p.factory.Close(s.session)
	}
	return nil
}

// Lease is a scoped handle to one leased session. Callers must call
// Release (directly, or via Close for io.Closer-shaped call sites)
// exactly once.
type Lease struct {
	pool     *Pool
	sess     *pooledSession
	released bool
}

func newLease(p *Pool, s *pooledSession) *Lease {
	return &Lease{pool: p, sess: s}
}

// Session returns the underlying transport.Session for this lease.
func (l *Lease) Session() transport.Session {
	return l.sess.session
}

// RecordBytes adds n bytes transferred to this lease's session byte
// counter. It does not update the pool's monitor or the parallelism
// controller's metrics.
func (l *Lease) RecordBytes(n int64) {
	l.sess.bytes += n
}

// RecordError increments this lease's error counter; once it reaches
// MaxErrorsPerSession, the session is retired instead of returned to
// the free list.
func (l *Lease) RecordError() {
	l.sess.errorCount++
}

// Uses returns how many times this underlying session has been leased.
func (l *Lease) Uses() int64 { return l.sess.uses }

// WrappedStream returns the session wrapped with the pool's byte-rate
// monitor and global rate limiter, for sessions that expose a raw
// stream. The monitor wraps net.Conn sessions directly (mirroring
// modules/gateway/gateway.go's peer-connection wrapping); sessions that
// only expose io.ReadWriteCloser skip the monitor layer but still get
// rate-limited. ok is false when the session exposes neither.
func (l *Lease) WrappedStream() (stream io.ReadWriteCloser, ok bool) {
	if conn, isConn := l.sess.session.(net.Conn); isConn {
		monitored := l.pool.monitor.Monitor(conn)
		return ratelimit.NewRLStream(monitored, l.pool.rl, l.pool.stopChan), true
	}
	if rw, isRW := l.sess.session.(io.ReadWriteCloser); isRW {
		return ratelimit.NewRLStream(rw, l.pool.rl, l.pool.stopChan), true
	}
	return nil, false
}

// Release returns the session to the pool if it is healthy, or closes
// it otherwise. Safe to call at most once; subsequent calls are no-ops.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	healthy := !l.sess.errored(l.pool.cfg.MaxErrorsPerSession)
	l.pool.release(l.sess, healthy)
}

// Close is an alias for Release, letting a Lease satisfy io.Closer for
// defer-close call sites.
func (l *Lease) Close() error {
	l.Release()
	return nil
}
