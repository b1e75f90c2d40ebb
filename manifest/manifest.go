// Package manifest implements the per-backup descriptor and catalog
// listing described in spec.md §4.10: a durable, immutable record of
// every file in a backup set, with diff and verify operations over
// previously written manifests. Grounded on spec.md §4.10 directly;
// the supplemental RootHash and source_path listing filter are
// documented in SPEC_FULL.md §12.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/merkletree"

	"github.com/frostvault/backup/crypto"
)

const manifestFilename = "manifest.json"

// FileEntry describes one file within a backup manifest.
type FileEntry struct {
	LocalPath         string             `json:"local_path"`
	RemotePath         string             `json:"remote_path"`
	Size              int64              `json:"size"`
	ContentHash        crypto.ContentHash `json:"hash"`
	Compressed        bool               `json:"compressed"`
	Encrypted         bool               `json:"encrypted"`
	Timestamp         time.Time          `json:"timestamp"`
}

// KDFParams mirrors the stable contract exposed in the manifest JSON
// shape for non-legacy backups.
type KDFParams struct {
	MemoryCost  uint32 `json:"memory_cost"`
	TimeCost    uint32 `json:"time_cost"`
	Parallelism uint8  `json:"parallelism"`
	SaltHex     string `json:"salt_hex"`
}

// Manifest is the immutable, durable descriptor for one backup set.
type Manifest struct {
	BackupID          string      `json:"backup_id"`
	Timestamp         time.Time   `json:"timestamp"`
	Files             []FileEntry `json:"files"`
	TotalSize         int64       `json:"total_size"`
	FileCount         int         `json:"file_count"`
	SourcePaths       []string    `json:"source_paths"`
	BaseBackupID      *string     `json:"base_backup_id"`
	EncryptionVersion string      `json:"encryption_version"`
	KDFParams         *KDFParams  `json:"kdf_params"`

	// RootHash is a supplemental tamper-evident digest over the
	// sequence of each FileEntry's content hash, in file order. It is
	// informational/defense-in-depth: Verify's file-by-file checks
	// remain authoritative; RootHash lets a caller detect wholesale
	// manifest tampering (a reordered or truncated file list) in one
	// comparison before paying for a full verify.
	RootHash crypto.ContentHash `json:"root_hash"`

	// KeyCheck is a small AEAD-sealed constant under the backup's key,
	// letting BrowseRestore validate a candidate password against this
	// manifest without downloading and decrypting a real file first.
	// Empty for v1 (legacy) manifests, which carry no KDFParams to
	// reconstruct a per-backup key check against.
	KeyCheck string `json:"key_check,omitempty"`
}

// keyCheckPlaintext is the fixed marker sealed into KeyCheck. Its value
// is never meaningful on its own; only whether it decrypts is.
const keyCheckPlaintext = "frostvault-key-check-v1"

// SetKeyCheck seals the marker plaintext under key, populating KeyCheck.
func (m *Manifest) SetKeyCheck(key crypto.CipherKey) error {
	blob, err := key.Encrypt([]byte(keyCheckPlaintext), []byte(m.BackupID))
	if err != nil {
		return errors.AddContext(err, "could not seal key check marker")
	}
	m.KeyCheck = hex.EncodeToString(blob)
	return nil
}

// ValidateKey reports whether key successfully opens this manifest's
// KeyCheck marker. A manifest with no KeyCheck (v1/legacy) always
// reports true: there is nothing to check against.
func (m Manifest) ValidateKey(key crypto.CipherKey) bool {
	if m.KeyCheck == "" {
		return true
	}
	blob, err := hex.DecodeString(m.KeyCheck)
	if err != nil {
		return false
	}
	plaintext, err := key.Decrypt(blob, []byte(m.BackupID))
	if err != nil {
		return false
	}
	return string(plaintext) == keyCheckPlaintext
}

// New builds a Manifest from a set of FileEntry records, computing
// TotalSize, FileCount, and RootHash.
func New(backupID string, sourcePaths []string, files []FileEntry, baseBackupID *string, encryptionVersion string, kdf *KDFParams) (Manifest, error) {
	m := Manifest{
		BackupID:          backupID,
		Timestamp:         time.Now(),
		Files:             files,
		SourcePaths:       sourcePaths,
		BaseBackupID:      baseBackupID,
		EncryptionVersion: encryptionVersion,
		KDFParams:         kdf,
	}
	for _, f := range files {
		m.TotalSize += f.Size
	}
	m.FileCount = len(files)
	m.RootHash = computeRootHash(files)
	return m, nil
}

// computeRootHash builds a Merkle root over each FileEntry's content
// hash, leaves in file order, so a caller can detect wholesale manifest
// tampering with one comparison instead of rehashing every file.
func computeRootHash(files []FileEntry) crypto.ContentHash {
	if len(files) == 0 {
		return crypto.ContentHash{}
	}
	tree := merkletree.New(sha256.New())
	for _, f := range files {
		leaf := f.ContentHash
		tree.Push(leaf[:])
	}
	var out crypto.ContentHash
	copy(out[:], tree.Root())
	return out
}

// Validate checks the manifest's internal invariants: FileCount and
// TotalSize must match the Files slice.
func (m Manifest) Validate() error {
	if m.FileCount != len(m.Files) {
		return errors.New("manifest file_count does not match files slice length")
	}
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	if total != m.TotalSize {
		return errors.New("manifest total_size does not match sum of file sizes")
	}
	return nil
}

// FileDiff describes how the file sets of two manifests differ.
type FileDiff struct {
	Added    []FileEntry
	Removed  []FileEntry
	Modified []FileEntry
	Moved    []MovedEntry
}

// MovedEntry pairs a file's old and new location, detected heuristically
// by matching content hash + size with a different path.
type MovedEntry struct {
	From FileEntry
	To   FileEntry
}

// Diff computes file-level added/removed/modified/moved between two
// manifests. "Moved" is heuristic: same content hash + same size +
// different path, matched 1-to-1.
func Diff(old, updated Manifest) FileDiff {
	oldByPath := make(map[string]FileEntry, len(old.Files))
	for _, f := range old.Files {
		oldByPath[f.LocalPath] = f
	}
	newByPath := make(map[string]FileEntry, len(updated.Files))
	for _, f := range updated.Files {
		newByPath[f.LocalPath] = f
	}

	var d FileDiff
	var removedCandidates []FileEntry
	for path, oldEntry := range oldByPath {
		newEntry, ok := newByPath[path]
		if !ok {
			removedCandidates = append(removedCandidates, oldEntry)
			continue
		}
		if !oldEntry.ContentHash.Equal(newEntry.ContentHash) || oldEntry.Size != newEntry.Size {
			d.Modified = append(d.Modified, newEntry)
		}
	}

	var addedCandidates []FileEntry
	for path, newEntry := range newByPath {
		if _, ok := oldByPath[path]; !ok {
			addedCandidates = append(addedCandidates, newEntry)
		}
	}

	matchedRemoved := make(map[int]bool)
	matchedAdded := make(map[int]bool)
	for ri, r := range removedCandidates {
		for ai, a := range addedCandidates {
			if matchedAdded[ai] {
				continue
			}
			if r.ContentHash.Equal(a.ContentHash) && r.Size == a.Size && r.LocalPath != a.LocalPath {
				d.Moved = append(d.Moved, MovedEntry{From: r, To: a})
				matchedRemoved[ri] = true
				matchedAdded[ai] = true
				break
			}
		}
	}
	for ri, r := range removedCandidates {
		if !matchedRemoved[ri] {
			d.Removed = append(d.Removed, r)
		}
	}
	for ai, a := range addedCandidates {
		if !matchedAdded[ai] {
			d.Added = append(d.Added, a)
		}
	}
	return d
}

// VerifyMode selects how thoroughly Verify checks remote content.
type VerifyMode int

const (
	// VerifyQuick checks only that each file's remote object exists.
	VerifyQuick VerifyMode = iota
	// VerifyFull downloads, decrypts, recomputes the plaintext hash,
	// and compares it against FileEntry.ContentHash for every file.
	VerifyFull
)

// RemoteExistence is the minimal capability Verify needs from the
// transport layer to check object presence.
type RemoteExistence interface {
	Exists(ctx context.Context, remotePath string) (bool, error)
}

// FullVerifier is the capability VerifyFull needs: download and decrypt
// a file's remote object back to plaintext bytes.
type FullVerifier interface {
	DownloadAndDecrypt(ctx context.Context, entry FileEntry) ([]byte, error)
}

// VerifyResult reports one file's verification outcome.
type VerifyResult struct {
	Entry FileEntry
	OK    bool
	Error string
}

// Verify checks a manifest's files against the remote, in quick
// (existence-only) or full (download-decrypt-rehash-compare) mode.
func Verify(ctx context.Context, m Manifest, mode VerifyMode, existence RemoteExistence, full FullVerifier) ([]VerifyResult, error) {
	results := make([]VerifyResult, 0, len(m.Files))
	for _, entry := range m.Files {
		switch mode {
		case VerifyQuick:
			ok, err := existence.Exists(ctx, entry.RemotePath)
			if err != nil {
				results = append(results, VerifyResult{Entry: entry, OK: false, Error: err.Error()})
				continue
			}
			results = append(results, VerifyResult{Entry: entry, OK: ok})
		case VerifyFull:
			plaintext, err := full.DownloadAndDecrypt(ctx, entry)
			if err != nil {
				results = append(results, VerifyResult{Entry: entry, OK: false, Error: err.Error()})
				continue
			}
			if !crypto.Hash(plaintext).Equal(entry.ContentHash) {
				results = append(results, VerifyResult{Entry: entry, OK: false, Error: "content hash mismatch"})
				continue
			}
			results = append(results, VerifyResult{Entry: entry, OK: true})
		default:
			return nil, errors.New("unknown verify mode")
		}
	}
	return results, nil
}

// ListFilter narrows ListBackups's results.
type ListFilter struct {
	// SourcePath, if non-empty, restricts results to manifests whose
	// SourcePaths contains this value. Supplemented from
	// original_source's Rust catalog (skylock-backup/src/lib.rs), which
	// the distillation flattened into the bare listing operation.
	SourcePath string
}

// matchesFilter reports whether m satisfies f.
func (m Manifest) matchesFilter(f ListFilter) bool {
	if f.SourcePath == "" {
		return true
	}
	for _, p := range m.SourcePaths {
		if p == f.SourcePath {
			return true
		}
	}
	return false
}

// SortNewestFirst sorts manifests by BackupID descending. BackupIDs are
// timestamp-sortable strings (YYYYMMDD_HHMMSS), so lexicographic order
// matches chronological order.
func SortNewestFirst(manifests []Manifest) {
	sort.Slice(manifests, func(i, j int) bool {
		return strings.Compare(manifests[i].BackupID, manifests[j].BackupID) > 0
	})
}

// FilterManifests applies f to manifests, returning matches sorted
// newest-first.
func FilterManifests(manifests []Manifest, f ListFilter) []Manifest {
	var out []Manifest
	for _, m := range manifests {
		if m.matchesFilter(f) {
			out = append(out, m)
		}
	}
	SortNewestFirst(out)
	return out
}

// ManifestFilename is the fixed filename a manifest is stored under
// within its backup_id directory (<root>/<backup_id>/manifest.json).
const ManifestFilename = manifestFilename
