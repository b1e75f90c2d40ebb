// Package resume tracks the durable "already-uploaded" set for an
// in-flight backup, so a crashed or interrupted backup can restart
// without re-uploading files it already finished. Grounded on spec.md
// §4.9; the write path is guarded with github.com/uplo-tech/demotemutex
// rather than a bare sync.Mutex, matching the corpus's preference for
// its own mutex wrapper over the stdlib type for shared single-writer
// state (see modules/consensus/consensusset.go).
package resume

import (
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/demotemutex"
	"github.com/uplo-tech/errors"

	"github.com/frostvault/backup/persist"
)

var stateMetadata = persist.Metadata{
	Header:  "Resume State",
	Version: "1.0",
}

// ErrNotFound is returned when a backup_id has no resume state on disk.
var ErrNotFound = errors.New("no resume state for this backup id")

// State is the durable progress record for one in-flight backup.
type State struct {
	BackupID   string          `json:"backup_id"`
	StartedAt  time.Time       `json:"started_at"`
	TotalFiles int             `json:"total_files"`
	Uploaded   map[string]bool `json:"uploaded"`
}

// Tracker persists resume state for in-flight backups under a root
// directory, one file per backup_id.
type Tracker struct {
	root  string
	mu    demotemutex.DemoteMutex
	state *State
}

// New starts tracking a fresh backup with the given id and total file
// count, persisting the initial state immediately.
func New(dir, backupID string, totalFiles int) (*Tracker, error) {
	if err := persist.EnsureDir(dir); err != nil {
		return nil, errors.AddContext(err, "could not create resume state root")
	}
	t := &Tracker{
		root: dir,
		state: &State{
			BackupID:   backupID,
			StartedAt:  time.Now(),
			TotalFiles: totalFiles,
			Uploaded:   make(map[string]bool),
		},
	}
	if err := t.save(); err != nil {
		return nil, err
	}
	return t, nil
}

// Exists reports whether resume state for backupID is present on disk.
func Exists(dir, backupID string) bool {
	_, err := os.Stat(statePath(dir, backupID))
	return err == nil
}

// Load reloads a previously persisted Tracker for backupID.
func Load(dir, backupID string) (*Tracker, error) {
	var s State
	err := persist.LoadJSON(stateMetadata, &s, statePath(dir, backupID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.AddContext(err, "could not load resume state")
	}
	if s.Uploaded == nil {
		s.Uploaded = make(map[string]bool)
	}
	return &Tracker{root: dir, state: &s}, nil
}

// MarkUploaded records localPath as successfully uploaded and flushes
// the state durably before returning.
func (t *Tracker) MarkUploaded(localPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Uploaded[localPath] = true
	return t.save()
}

// UploadedCount returns the number of files marked uploaded so far.
func (t *Tracker) UploadedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.state.Uploaded)
}

// ProgressPercent returns the completion fraction as a percentage in
// [0, 100].
func (t *Tracker) ProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state.TotalFiles == 0 {
		return 100
	}
	return float64(len(t.state.Uploaded)) / float64(t.state.TotalFiles) * 100
}

// IsUploaded reports whether localPath has already been marked uploaded.
func (t *Tracker) IsUploaded(localPath string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Uploaded[localPath]
}

// Delete removes the persisted resume state, called on manifest commit.
func (t *Tracker) Delete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return persist.RemoveFile(statePath(t.root, t.state.BackupID))
}

func (t *Tracker) save() error {
	return persist.SaveJSON(stateMetadata, t.state, statePath(t.root, t.state.BackupID))
}

func statePath(dir, backupID string) string {
	return filepath.Join(dir, "resume_"+backupID+".json")
}
