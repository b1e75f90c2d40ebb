// Package persist provides the ambient durability primitives this engine
// uses everywhere it writes state to disk: atomic JSON save/load with a
// versioned header, and a structured file logger.
package persist

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// DefaultDiskPermissionsTest is used when creating files or
	// directories in tests.
	DefaultDiskPermissionsTest = 0750

	// FixedMetadataSize is the size of the FixedMetadata header in bytes.
	FixedMetadataSize = 32

	// defaultDirPermissions is the default permissions when creating dirs.
	defaultDirPermissions = 0700

	// defaultFilePermissions is the default permissions when creating
	// files.
	defaultFilePermissions = 0600

	// persistDir is the folder used for testing this package.
	persistDir = "persist"

	// randomBytes is the number of bytes used to ensure sufficient
	// randomness in generated suffixes/IDs.
	randomBytes = 20

	// tempSuffix is the suffix applied to the temporary/backup versions
	// of files being persisted. This package manages temp files itself;
	// callers must never use filenames with this suffix.
	tempSuffix = "_temp"
)

var (
	// ErrBadFilenameSuffix indicates SaveJSON/LoadJSON was called with a
	// filename using the reserved temp suffix.
	ErrBadFilenameSuffix = errors.New("filename suffix not allowed")

	// ErrBadHeader indicates the file opened is not the file expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion indicates the file's version is incompatible with
	// the current codebase.
	ErrBadVersion = errors.New("incompatible version")

	// ErrFileInUse is returned if SaveJSON/LoadJSON is called on a file
	// already being manipulated by another goroutine.
	ErrFileInUse = errors.New("another goroutine is saving or loading this file")
)

var (
	activeFiles   = make(map[string]struct{})
	activeFilesMu sync.Mutex
)

// Specifier is a fixed-length, null-padded identifier used in binary
// headers.
type Specifier [16]byte

// NewSpecifier creates a Specifier from a string, truncating or
// null-padding to 16 bytes.
func NewSpecifier(s string) Specifier {
	var sp Specifier
	copy(sp[:], s)
	return sp
}

// Metadata contains the header and version of the data being stored.
type Metadata struct {
	Header  string
	Version string
}

// FixedMetadata contains the header and version of the data being stored
// as a fixed-length byte-array, suitable for binary-encoded headers.
type FixedMetadata struct {
	Header  Specifier
	Version Specifier
}

// RandomSuffix returns a 20-character base32 suffix for a filename. There
// are 100 bits of entropy, with very low probability of accidental
// collision with existing files.
func RandomSuffix() string {
	str := base32.StdEncoding.EncodeToString(fastrand.Bytes(randomBytes))
	return str[:20]
}

// UID returns a hex-encoded string usable as a unique ID.
func UID() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))
}

// RemoveFile removes a persisted file from disk, along with any
// uncommitted or temporary files left behind by a crashed save.
func RemoveFile(filename string) error {
	if err := os.RemoveAll(filename); err != nil {
		return err
	}
	return os.RemoveAll(filename + tempSuffix)
}

// VerifyMetadataHeader reads a FixedMetadata header from r and compares it
// against expected.
func VerifyMetadataHeader(r io.Reader, expected FixedMetadata) (FixedMetadata, error) {
	b := make([]byte, FixedMetadataSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return FixedMetadata{}, errors.AddContext(err, "could not read metadata header")
	}
	var actual FixedMetadata
	if err := encoding.Unmarshal(b, &actual); err != nil {
		return actual, errors.AddContext(err, "could not decode metadata header")
	}
	if !bytes.Equal(actual.Header[:], expected.Header[:]) {
		return actual, ErrBadHeader
	}
	if !bytes.Equal(actual.Version[:], expected.Version[:]) {
		return actual, ErrBadVersion
	}
	return actual, nil
}

// jsonDoc is the on-disk envelope SaveJSON/LoadJSON write: a JSON-encoded
// Metadata header followed by the caller's object, so any reader can
// confirm it has the right file and version before trusting the payload.
type jsonDoc struct {
	Metadata Metadata        `json:"metadata"`
	Object   json.RawMessage `json:"object"`
}

// SaveJSON atomically persists object to filename: marshal to a temp file
// in the same directory, fsync, then rename over the destination. A crash
// at any point before the rename leaves the previous filename untouched;
// a crash during the rename is atomic at the filesystem level. Concurrent
// saves/loads of the same filename are rejected with ErrFileInUse.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	payload, err := json.Marshal(object)
	if err != nil {
		return errors.AddContext(err, "could not marshal object")
	}
	doc := jsonDoc{Metadata: meta, Object: payload}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.AddContext(err, "could not marshal document")
	}

	tmpPath := filename + tempSuffix
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, defaultFilePermissions)
	if err != nil {
		return errors.AddContext(err, "could not create temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Compose(err, os.Remove(tmpPath))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Compose(err, os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Compose(err, os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, filename); err != nil {
		return errors.AddContext(err, "could not rename temp file into place")
	}
	return nil
}

// LoadJSON loads a document written by SaveJSON into object, verifying the
// stored Metadata matches expected.
func LoadJSON(expected Metadata, object interface{}, filename string) error {
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	var doc jsonDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.AddContext(err, "could not decode document")
	}
	if doc.Metadata.Header != expected.Header {
		return ErrBadHeader
	}
	if doc.Metadata.Version != expected.Version {
		return ErrBadVersion
	}
	if err := json.Unmarshal(doc.Object, object); err != nil {
		return errors.AddContext(err, "could not decode object")
	}
	return nil
}

func lockFile(filename string) error {
	if strings.HasSuffix(filename, tempSuffix) {
		return ErrBadFilenameSuffix
	}
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	if _, busy := activeFiles[filename]; busy {
		return ErrFileInUse
	}
	activeFiles[filename] = struct{}{}
	return nil
}

func unlockFile(filename string) {
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	delete(activeFiles, filename)
}

// EnsureDir creates dir (and parents) with the package's default
// directory permissions if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, defaultDirPermissions)
}

// JoinAtomic is a small helper used by callers that want a temp-file path
// alongside a final path without duplicating the suffix constant.
func JoinAtomic(dir, name string) (final, temp string) {
	final = filepath.Join(dir, name)
	return final, final + tempSuffix
}
