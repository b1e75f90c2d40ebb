// Package tracker builds and diffs file indexes so the pipeline can skip
// re-uploading unchanged files on incremental backups. Grounded on
// spec.md §4.8 directly; persistence uses the same atomic-JSON
// convention as the rest of the engine.
package tracker

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/frostvault/backup/crypto"
	"github.com/frostvault/backup/persist"
)

const latestIndexFilename = "latest_index.json"

var indexMetadata = persist.Metadata{
	Header:  "File Index",
	Version: "1.0",
}

// FileRecord is one tracked file's size, modification time, and content
// hash. mtime is advisory; the hash is authoritative for change
// detection.
type FileRecord struct {
	Size         int64              `json:"size"`
	ModifiedTime time.Time          `json:"mtime"`
	ContentHash  crypto.ContentHash `json:"content_hash"`
}

// Index maps a relative path to its last-known FileRecord.
type Index map[string]FileRecord

// Diff describes the set of relative paths added, removed, or modified
// between two indexes.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Tracker builds file indexes and persists the "latest index" pointer
// used for incremental backups.
type Tracker struct {
	root string
}

// New creates a Tracker whose persisted state lives under dir.
func New(dir string) (*Tracker, error) {
	if err := persist.EnsureDir(dir); err != nil {
		return nil, errors.AddContext(err, "could not create tracker root")
	}
	return &Tracker{root: dir}, nil
}

// Build walks each of paths recursively (symlinks are not followed),
// hashing file contents to populate the returned Index.
func Build(paths []string) (Index, error) {
	idx := make(Index)
	for _, root := range paths {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if info.Mode()&os.ModeSymlink != 0 {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			key := filepath.ToSlash(filepath.Join(filepath.Base(root), rel))

			hash, hashErr := hashFile(path)
			if hashErr != nil {
				return errors.AddContext(hashErr, "could not hash "+path)
			}
			idx[key] = FileRecord{
				Size:         info.Size(),
				ModifiedTime: info.ModTime(),
				ContentHash:  hash,
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func hashFile(path string) (crypto.ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return crypto.ContentHash{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return crypto.ContentHash{}, err
	}
	return crypto.Hash(data), nil
}

// DiffIndexes computes the set of added, removed, and modified relative paths
// between old and new. A path is modified iff present in both and
// either its size or content hash differs; mtime alone never triggers a
// diff.
func DiffIndexes(old, updated Index) Diff {
	var d Diff
	for path, newRec := range updated {
		oldRec, ok := old[path]
		if !ok {
			d.Added = append(d.Added, path)
			continue
		}
		if oldRec.Size != newRec.Size || !oldRec.ContentHash.Equal(newRec.ContentHash) {
			d.Modified = append(d.Modified, path)
		}
	}
	for path := range old {
		if _, ok := updated[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}
	return d
}

// DetectChangesSinceLastBackup loads the persisted "latest index" (if
// any) and diffs it against a freshly built index of paths. hadPrevious
// is false if no prior index exists, in which case diff.Added lists
// every path in the fresh build.
func (t *Tracker) DetectChangesSinceLastBackup(paths []string) (diff Diff, hadPrevious bool, err error) {
	fresh, err := Build(paths)
	if err != nil {
		return Diff{}, false, err
	}

	prev, err := t.LoadLatest()
	if err != nil && !os.IsNotExist(err) {
		return Diff{}, false, err
	}
	if os.IsNotExist(err) {
		return DiffIndexes(Index{}, fresh), false, nil
	}
	return DiffIndexes(prev, fresh), true, nil
}

// SaveIndex persists index under a stable per-backup name and updates
// the "latest" pointer used by DetectChangesSinceLastBackup.
func (t *Tracker) SaveIndex(backupID string, index Index) error {
	if err := persist.SaveJSON(indexMetadata, index, t.indexPath(backupID)); err != nil {
		return errors.AddContext(err, "could not save backup index")
	}
	if err := persist.SaveJSON(indexMetadata, index, filepath.Join(t.root, latestIndexFilename)); err != nil {
		return errors.AddContext(err, "could not update latest index pointer")
	}
	return nil
}

// LoadLatest loads the persisted "latest index", if one exists.
func (t *Tracker) LoadLatest() (Index, error) {
	var idx Index
	err := persist.LoadJSON(indexMetadata, &idx, filepath.Join(t.root, latestIndexFilename))
	return idx, err
}

// LoadIndex loads the index persisted for a specific backup ID.
func (t *Tracker) LoadIndex(backupID string) (Index, error) {
	var idx Index
	err := persist.LoadJSON(indexMetadata, &idx, t.indexPath(backupID))
	return idx, err
}

func (t *Tracker) indexPath(backupID string) string {
	return filepath.Join(t.root, "index_"+backupID+".json")
}
