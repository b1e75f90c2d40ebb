// Package transport defines the external interfaces the core engine
// depends on to reach a remote store, per spec.md §6. These are the
// only two capabilities the core requires from the outside world; the
// WebDAV transport itself, CLI parsing, and everything else named in
// spec.md §1's non-goals live outside this package. Grounded on
// SPEC_FULL.md §14.
package transport

import (
	"context"
	"io"
	"time"
)

// RemoteEntry describes one object returned by List.
type RemoteEntry struct {
	Path         string
	Size         int64
	ModifiedTime time.Time
}

// RemoteStore is the minimal remote object store contract the core
// depends on.
type RemoteStore interface {
	Put(ctx context.Context, remotePath string, data []byte) error
	Get(ctx context.Context, remotePath string) ([]byte, error)
	Delete(ctx context.Context, remotePath string) error
	List(ctx context.Context, remotePrefix string) ([]RemoteEntry, error)
	ListDirs(ctx context.Context, remotePrefix string) ([]string, error)
	Mkdir(ctx context.Context, remotePath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)
}

// Session is a leasable connection to the remote store. Implementations
// may additionally satisfy io.ReadWriter (streaming transfers), in which
// case the pool can wrap it in its global rate limit, or be a net.Conn,
// in which case the pool also layers byte-rate monitoring over it;
// neither is required.
type Session interface {
	io.Closer
}

// SessionFactory produces and validates Sessions for the pool (C5).
type SessionFactory interface {
	Create(ctx context.Context) (Session, error)
	Validate(ctx context.Context, s Session) bool
	Close(s Session) error
}
