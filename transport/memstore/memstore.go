// Package memstore is an in-memory transport.RemoteStore and
// transport.SessionFactory used by the test suites for pool and
// pipeline, standing in for the WebDAV transport spec.md §1 excludes
// from this core.
package memstore

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/frostvault/backup/transport"
)

// ErrNotExist is returned by Get for a missing object.
var ErrNotExist = errors.New("memstore: object does not exist")

// Store is a goroutine-safe in-memory RemoteStore.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	dirs    map[string]bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		objects: make(map[string][]byte),
		dirs:    map[string]bool{"": true},
	}
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Put stores data at remotePath, copying it so callers may reuse their
// buffer.
func (s *Store) Put(ctx context.Context, remotePath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[clean(remotePath)] = cp
	s.markDirsLocked(clean(remotePath))
	return nil
}

func (s *Store) markDirsLocked(remotePath string) {
	dir := path.Dir(remotePath)
	for dir != "." && dir != "/" && dir != "" {
		s.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

// Get returns the object stored at remotePath.
func (s *Store) Get(ctx context.Context, remotePath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[clean(remotePath)]
	if !ok {
		return nil, ErrNotExist
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists reports whether remotePath has an object.
func (s *Store) Exists(ctx context.Context, remotePath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[clean(remotePath)]
	return ok, nil
}

// Delete removes the object at remotePath. Deleting a missing object is
// not an error, matching typical idempotent remote-delete semantics.
func (s *Store) Delete(ctx context.Context, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, clean(remotePath))
	return nil
}

// List returns every object under remotePrefix.
func (s *Store) List(ctx context.Context, remotePrefix string) ([]transport.RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := clean(remotePrefix)
	var out []transport.RemoteEntry
	for p, data := range s.objects {
		if prefix != "" && !strings.HasPrefix(p, prefix) {
			continue
		}
		out = append(out, transport.RemoteEntry{Path: p, Size: int64(len(data)), ModifiedTime: time.Time{}})
	}
	return out, nil
}

// ListDirs returns every known directory under remotePrefix.
func (s *Store) ListDirs(ctx context.Context, remotePrefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := clean(remotePrefix)
	var out []string
	for d := range s.dirs {
		if d == "" {
			continue
		}
		if prefix != "" && !strings.HasPrefix(d, prefix) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Mkdir records remotePath as an existing directory.
func (s *Store) Mkdir(ctx context.Context, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[clean(remotePath)] = true
	return nil
}

// session is memstore's trivial transport.Session: it holds no
// resources of its own, since Store's methods are already goroutine-safe
// and stateless per call.
type session struct {
	closed bool
}

func (c *session) Close() error {
	c.closed = true
	return nil
}

// Factory is a transport.SessionFactory that leases trivial sessions
// against a Store. A session stays valid until it is closed; there is
// no underlying connection to go stale.
type Factory struct {
	Store *Store
}

// NewFactory returns a SessionFactory bound to store.
func NewFactory(store *Store) *Factory {
	return &Factory{Store: store}
}

func (f *Factory) Create(ctx context.Context) (transport.Session, error) {
	return &session{}, nil
}

func (f *Factory) Validate(ctx context.Context, s transport.Session) bool {
	sess, ok := s.(*session)
	return ok && !sess.closed
}

func (f *Factory) Close(s transport.Session) error {
	return s.Close()
}
