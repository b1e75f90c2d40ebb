package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frostvault/backup/build"
	"github.com/frostvault/backup/transport"
	"github.com/frostvault/backup/transport/memstore"
)

func TestAcquireReleaseReusesFreeSession(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	cfg := DefaultConfig()
	cfg.Max = 2
	cfg.Initial = 0
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	sess := lease.Session()
	lease.Release()

	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, sess, lease2.Session())
	lease2.Release()
}

func TestAcquireBlocksAtMaxThenTimesOut(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	cfg := DefaultConfig()
	cfg.Max = 1
	cfg.Initial = 0
	cfg.AcquireTimeout = 50 * time.Millisecond
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	lease.Release()
}

func TestReleaseUnhealthySessionIsDiscarded(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	cfg := DefaultConfig()
	cfg.Max = 1
	cfg.Initial = 0
	cfg.MaxErrorsPerSession = 1
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstSession := lease.Session()
	lease.RecordError()
	lease.Release()

	require.Equal(t, 0, p.Stats().Free)

	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, firstSession, lease2.Session())
	lease2.Release()
}

func TestAcquireAfterCloseFails(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	p, err := New(DefaultConfig(), factory)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestIdleStaleSessionIsDiscardedOnAcquire(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	cfg := DefaultConfig()
	cfg.Max = 1
	cfg.Initial = 0
	cfg.IdleTimeout = time.Millisecond
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstSession := lease.Session()
	lease.Release()

	time.Sleep(5 * time.Millisecond)

	lease2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, firstSession, lease2.Session())
	lease2.Release()
}

type netConnSession struct {
	net.Conn
}

func (s *netConnSession) Close() error { return s.Conn.Close() }

type netConnFactory struct {
	server net.Conn
}

func (f *netConnFactory) Create(ctx context.Context) (transport.Session, error) {
	client, server := net.Pipe()
	f.server = server
	return &netConnSession{Conn: client}, nil
}

func (f *netConnFactory) Validate(ctx context.Context, s transport.Session) bool { return true }
func (f *netConnFactory) Close(s transport.Session) error                       { return s.Close() }

func TestWrappedStreamWrapsNetConnSessions(t *testing.T) {
	factory := &netConnFactory{}
	cfg := DefaultConfig()
	cfg.Max = 1
	cfg.Initial = 0
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	stream, ok := lease.WrappedStream()
	require.True(t, ok)
	require.NotNil(t, stream)
}

// TestConcurrentAcquireReleaseStaysWithinMax drives many goroutines through
// Acquire/Release at once and checks the pool never exceeds its configured
// max concurrently-leased sessions. Each goroutine's acquire is wrapped in
// build.Retry since a goroutine can legitimately time out waiting for a
// lease under max contention and should just try again rather than fail
// the test outright.
func TestConcurrentAcquireReleaseStaysWithinMax(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	cfg := DefaultConfig()
	cfg.Max = 4
	cfg.Initial = 0
	cfg.AcquireTimeout = 2 * time.Second
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	var mu sync.Mutex
	var inFlight, peak int
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lease *Lease
			err := build.Retry(3, 10*time.Millisecond, func() error {
				var acquireErr error
				lease, acquireErr = p.Acquire(context.Background())
				return acquireErr
			})
			if err != nil {
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak, cfg.Max)
}

func TestPoolPrewarmsInitialSessions(t *testing.T) {
	factory := memstore.NewFactory(memstore.New())
	cfg := DefaultConfig()
	cfg.Max = 3
	cfg.Initial = 2
	p, err := New(cfg, factory)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 2, p.Stats().Free)
}
