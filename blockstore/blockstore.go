// Package blockstore implements a content-addressable, reference-counted
// block store on local disk. Blocks are addressed by their content hash,
// fanned out two levels deep to bound directory entry counts, with an
// index tracking size and refcount per block. Index mutations are
// journaled through a writeaheadlog so a crash between snapshots cannot
// leave the index inconsistent with the block files on disk.
package blockstore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/writeaheadlog"

	"github.com/frostvault/backup/crypto"
	"github.com/frostvault/backup/persist"
)

const (
	indexFilename = "index.json"
	walFilename   = "index.wal"
	blocksDirname = "blocks"

	updateNamePut     = "put-refcount"
	updateNameRelease = "release-refcount"
)

var (
	// ErrNotFound is returned when a requested block is not present.
	ErrNotFound = errors.New("block not found")

	// ErrCorruption is returned when a block's on-disk contents do not
	// hash to the address under which it was stored.
	ErrCorruption = errors.New("block content does not match its hash")

	indexMetadata = persist.Metadata{
		Header:  "Block Store Index",
		Version: "1.0",
	}
)

// entry is the index's bookkeeping record for a single block.
type entry struct {
	Size     int64 `json:"size"`
	Refcount int64 `json:"refcount"`
}

// Stats summarizes the store's current dedup effectiveness.
type Stats struct {
	UniqueBlocks uint64
	TotalRefs    uint64
	UniqueBytes  uint64
	TotalBytes   uint64
	DedupRatio   float64
}

// Store is a content-addressable block store rooted at a directory.
type Store struct {
	mu sync.Mutex

	root      string
	blocksDir string
	index     map[crypto.ContentHash]*entry
	wal       *writeaheadlog.WAL
	log       *persist.Logger
	closed    bool
}

// Open loads (or initializes) a block store rooted at dir, replaying any
// writeaheadlog transactions left unapplied by a prior crash before the
// store is considered ready.
func Open(dir string, log *persist.Logger) (*Store, error) {
	blocksDir := filepath.Join(dir, blocksDirname)
	if err := persist.EnsureDir(blocksDir); err != nil {
		return nil, errors.AddContext(err, "could not create blocks directory")
	}

	s := &Store{
		root:      dir,
		blocksDir: blocksDir,
		index:     make(map[crypto.ContentHash]*entry),
		log:       log,
	}

	snapshot := make(map[string]entry)
	err := persist.LoadJSON(indexMetadata, &snapshot, filepath.Join(dir, indexFilename))
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.AddContext(err, "could not load block store index")
	}
	for hexHash, e := range snapshot {
		h, err := crypto.ContentHashFromHex(hexHash)
		if err != nil {
			return nil, errors.AddContext(err, "corrupt index key")
		}
		ec := e
		s.index[h] = &ec
	}

	walOptions := writeaheadlog.Options{
		Path: filepath.Join(dir, walFilename),
	}
	if log != nil {
		walOptions.StaticLog = log.Logger
	}
	txns, wal, err := writeaheadlog.NewWithOptions(walOptions)
	if err != nil {
		return nil, errors.AddContext(err, "could not initialize writeaheadlog")
	}
	s.wal = wal

	for _, txn := range txns {
		for _, u := range txn.Updates {
			if err := s.applyIndexUpdate(u); err != nil {
				return nil, errors.AddContext(err, "failed to replay wal update")
			}
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			return nil, errors.AddContext(err, "failed to signal replayed transaction applied")
		}
	}

	return s, nil
}

// applyIndexUpdate mutates the in-memory index according to a decoded wal
// update. It is used both during startup replay and by Put/Release.
func (s *Store) applyIndexUpdate(u writeaheadlog.Update) error {
	switch u.Name {
	case updateNamePut:
		var hashBytes []byte
		var size int64
		if err := encoding.UnmarshalAll(u.Instructions, &hashBytes, &size); err != nil {
			return err
		}
		h := crypto.ContentHash{}
		copy(h[:], hashBytes)
		e, ok := s.index[h]
		if !ok {
			e = &entry{Size: size}
			s.index[h] = e
		}
		e.Refcount++
		return nil
	case updateNameRelease:
		var hashBytes []byte
		if err := encoding.UnmarshalAll(u.Instructions, &hashBytes); err != nil {
			return err
		}
		h := crypto.ContentHash{}
		copy(h[:], hashBytes)
		e, ok := s.index[h]
		if !ok {
			return nil
		}
		e.Refcount--
		if e.Refcount <= 0 {
			delete(s.index, h)
		}
		return nil
	default:
		return errors.New("unrecognized block store wal update: " + u.Name)
	}
}

func createPutUpdate(h crypto.ContentHash, size int64) writeaheadlog.Update {
	return writeaheadlog.Update{
		Name:         updateNamePut,
		Instructions: encoding.MarshalAll(h[:], size),
	}
}

func createReleaseUpdate(h crypto.ContentHash) writeaheadlog.Update {
	return writeaheadlog.Update{
		Name:         updateNameRelease,
		Instructions: encoding.MarshalAll(h[:]),
	}
}

// commitIndexUpdate journals u through the wal and applies it to the
// in-memory index, panicking only if the update is already durable in
// the wal but fails to apply: once SignalSetupComplete returns, the
// mutation must succeed.
func (s *Store) commitIndexUpdate(u writeaheadlog.Update) (err error) {
	txn, err := s.wal.NewTransaction([]writeaheadlog.Update{u})
	if err != nil {
		return errors.AddContext(err, "failed to create wal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "failed to signal wal setup complete")
	}
	defer func() {
		if err != nil {
			panic(err)
		}
	}()
	if err := s.applyIndexUpdate(u); err != nil {
		return errors.AddContext(err, "failed to apply index update")
	}
	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "failed to signal wal updates applied")
	}
	return nil
}

// blockPath returns the two-level fan-out path for a content hash.
func (s *Store) blockPath(h crypto.ContentHash) string {
	hex := h.String()
	return filepath.Join(s.blocksDir, hex[:2], hex[2:4], hex[4:])
}

// Put stores data, returning its content hash. If a block with the same
// hash already exists its refcount is incremented and no write occurs.
func (s *Store) Put(data []byte) (crypto.ContentHash, error) {
	h := crypto.Hash(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return crypto.ContentHash{}, errors.New("block store is closed")
	}
	if _, ok := s.index[h]; ok {
		if err := s.commitIndexUpdate(createPutUpdate(h, int64(len(data)))); err != nil {
			return crypto.ContentHash{}, err
		}
		return h, nil
	}

	path := s.blockPath(h)
	if err := persist.EnsureDir(filepath.Dir(path)); err != nil {
		return crypto.ContentHash{}, errors.AddContext(err, "could not create block directory")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return crypto.ContentHash{}, errors.AddContext(err, "could not write block")
	}
	if err := s.commitIndexUpdate(createPutUpdate(h, int64(len(data)))); err != nil {
		return crypto.ContentHash{}, err
	}
	return h, nil
}

// Get reads and returns the bytes addressed by h, re-hashing the contents
// and failing closed with ErrCorruption on any mismatch.
func (s *Store) Get(h crypto.ContentHash) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.index[h]
	path := s.blockPath(h)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.AddContext(err, "could not read block")
	}
	if !crypto.Hash(data).Equal(h) {
		return nil, ErrCorruption
	}
	return data, nil
}

// Has reports whether h addresses a block with refcount >= 1.
func (s *Store) Has(h crypto.ContentHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[h]
	return ok && e.Refcount >= 1
}

// Release decrements h's refcount, deleting the underlying block file and
// index entry once it reaches zero. wasFinalDelete reports whether this
// call performed that deletion.
func (s *Store) Release(h crypto.ContentHash) (wasFinalDelete bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[h]
	if !ok {
		return false, ErrNotFound
	}
	finalDelete := e.Refcount <= 1
	path := s.blockPath(h)

	if err := s.commitIndexUpdate(createReleaseUpdate(h)); err != nil {
		return false, err
	}
	if finalDelete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, errors.AddContext(err, "could not delete block file")
		}
	}
	return finalDelete, nil
}

// GC scans the index for refcount<=0 entries and removes them along with
// their block files. Release already drops an entry from the index when
// its refcount reaches zero, so a block file left behind by a crash
// after Release's wal commit has no index entry and is not found here.
// GC is idempotent.
func (s *Store) GC() (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, e := range s.index {
		if e.Refcount > 0 {
			continue
		}
		path := s.blockPath(h)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return removed, errors.AddContext(rmErr, "could not delete orphaned block")
		}
		delete(s.index, h)
		removed++
	}
	return removed, nil
}

// Stats reports the store's current dedup effectiveness.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, e := range s.index {
		if e.Refcount < 1 {
			continue
		}
		st.UniqueBlocks++
		st.UniqueBytes += uint64(e.Size)
		st.TotalRefs += uint64(e.Refcount)
		st.TotalBytes += uint64(e.Size) * uint64(e.Refcount)
	}
	if st.TotalBytes > 0 {
		st.DedupRatio = 1 - float64(st.UniqueBytes)/float64(st.TotalBytes)
	}
	return st
}

// Sync flushes the in-memory index to its on-disk snapshot.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *Store) syncLocked() error {
	snapshot := make(map[string]entry, len(s.index))
	for h, e := range s.index {
		snapshot[h.String()] = *e
	}
	return persist.SaveJSON(indexMetadata, snapshot, filepath.Join(s.root, indexFilename))
}

// Close flushes the index snapshot and closes the writeaheadlog.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.syncLocked()
	return errors.Compose(err, s.wal.Close())
}

// writeFileAtomic writes data to path via a temp file in the same
// directory, fsync, then rename, so a crash mid-write never leaves a
// partially-written block visible under its final name.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
