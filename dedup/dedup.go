// Package dedup splits files into fixed-size blocks, stores them through
// a content-addressable block store, and keeps a per-file manifest
// mapping the ordered block sequence back to byte offsets. Persistence
// uses the same atomic-JSON convention as the rest of the engine.
package dedup

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/uplo-tech/errors"

	"github.com/frostvault/backup/blockstore"
	"github.com/frostvault/backup/crypto"
	"github.com/frostvault/backup/persist"
)

const metadataFilename = "metadata.json"

var (
	// ErrFileNotTracked is returned when retrieve/delete is called on a
	// path with no recorded FileMetadata.
	ErrFileNotTracked = errors.New("no file metadata recorded for this key")

	fileMetadataHeader = persist.Metadata{
		Header:  "Deduplication Engine File Metadata",
		Version: "1.0",
	}
)

// BlockRef identifies one block's position within a file's byte stream.
type BlockRef struct {
	Hash   crypto.ContentHash `json:"hash"`
	Size   int64              `json:"size"`
	Offset int64              `json:"offset"`
}

// FileMetadata is the ordered block list backing one tracked file.
type FileMetadata struct {
	Key       string     `json:"key"`
	TotalSize int64      `json:"total_size"`
	Blocks    []BlockRef `json:"blocks"`
}

// IntegrityIssue describes one file whose blocks failed verification.
type IntegrityIssue struct {
	Key    string
	Reason string
}

// Engine splits files into blocks via a Store and tracks per-file block
// lists.
type Engine struct {
	mu sync.Mutex

	store     *blockstore.Store
	root      string
	chunkSize int64
	files     map[string]FileMetadata
}

// Open loads (or initializes) a deduplication engine rooted at dir,
// writing its per-file metadata under dir/metadata.json and storing
// blocks through store.
func Open(dir string, store *blockstore.Store) (*Engine, error) {
	if err := persist.EnsureDir(dir); err != nil {
		return nil, errors.AddContext(err, "could not create dedup root")
	}
	e := &Engine{
		store: store,
		root:  dir,
		files: make(map[string]FileMetadata),
	}
	err := persist.LoadJSON(fileMetadataHeader, &e.files, filepath.Join(dir, metadataFilename))
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.AddContext(err, "could not load dedup metadata")
	}
	return e, nil
}

// Store splits r (a stream of totalSize bytes) into fixed-size blocks of
// chunkSize, stores each via the block store, and records the resulting
// FileMetadata under key, persisting it before returning.
func (e *Engine) Store(key string, r io.Reader, totalSize int64, chunkSize int64) (FileMetadata, error) {
	if chunkSize <= 0 {
		return FileMetadata{}, errors.New("chunk size must be positive")
	}

	var refs []BlockRef
	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			h, putErr := e.store.Put(buf[:n])
			if putErr != nil {
				return FileMetadata{}, errors.AddContext(putErr, "could not store block")
			}
			refs = append(refs, BlockRef{Hash: h, Size: int64(n), Offset: offset})
			offset += int64(n)
		}
		if errors.Contains(err, io.EOF) || errors.Contains(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return FileMetadata{}, errors.AddContext(err, "could not read file contents")
		}
	}

	meta := FileMetadata{Key: key, TotalSize: offset, Blocks: refs}
	if offset != totalSize {
		return meta, errors.New("stored byte count does not match declared total size")
	}

	e.mu.Lock()
	e.files[key] = meta
	err := e.saveLocked()
	e.mu.Unlock()
	if err != nil {
		return meta, err
	}
	return meta, nil
}

// Retrieve streams the file recorded under key to w, reading blocks in
// offset order. Each block is length-checked against its recorded size;
// the block store's re-hash on read guarantees content integrity.
func (e *Engine) Retrieve(key string, w io.Writer) error {
	e.mu.Lock()
	meta, ok := e.files[key]
	e.mu.Unlock()
	if !ok {
		return ErrFileNotTracked
	}

	for _, ref := range meta.Blocks {
		data, err := e.store.Get(ref.Hash)
		if err != nil {
			return errors.AddContext(err, "could not read block")
		}
		if int64(len(data)) != ref.Size {
			return errors.New("block size mismatch for " + ref.Hash.String())
		}
		if _, err := w.Write(data); err != nil {
			return errors.AddContext(err, "could not write block to output")
		}
	}
	return nil
}

// Delete removes key's file metadata and releases every block it
// referenced, once per reference, honouring the block store's refcounts.
func (e *Engine) Delete(key string) error {
	e.mu.Lock()
	meta, ok := e.files[key]
	if !ok {
		e.mu.Unlock()
		return ErrFileNotTracked
	}
	delete(e.files, key)
	err := e.saveLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	var releaseErr error
	for _, ref := range meta.Blocks {
		if _, err := e.store.Release(ref.Hash); err != nil {
			releaseErr = errors.Compose(releaseErr, err)
		}
	}
	return releaseErr
}

// VerifyIntegrity scans all tracked file metadata and reports files whose
// referenced blocks are missing or size-mismatched.
func (e *Engine) VerifyIntegrity() []IntegrityIssue {
	e.mu.Lock()
	files := make(map[string]FileMetadata, len(e.files))
	for k, v := range e.files {
		files[k] = v
	}
	e.mu.Unlock()

	var issues []IntegrityIssue
	for key, meta := range files {
		for _, ref := range meta.Blocks {
			if !e.store.Has(ref.Hash) {
				issues = append(issues, IntegrityIssue{Key: key, Reason: "missing block " + ref.Hash.String()})
				continue
			}
			data, err := e.store.Get(ref.Hash)
			if err != nil {
				issues = append(issues, IntegrityIssue{Key: key, Reason: "unreadable block " + ref.Hash.String() + ": " + err.Error()})
				continue
			}
			if int64(len(data)) != ref.Size {
				issues = append(issues, IntegrityIssue{Key: key, Reason: "size mismatch for block " + ref.Hash.String()})
			}
		}
	}
	return issues
}

// Get returns the recorded FileMetadata for key.
func (e *Engine) Get(key string) (FileMetadata, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta, ok := e.files[key]
	return meta, ok
}

func (e *Engine) saveLocked() error {
	return persist.SaveJSON(fileMetadataHeader, e.files, filepath.Join(e.root, metadataFilename))
}
