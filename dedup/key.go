package dedup

import (
	"encoding/hex"
	"path/filepath"

	"lukechampine.com/blake3"
)

// KeyFromPath derives a stable metadata key from a file's path, stable
// across path separator differences but otherwise a direct hash of the
// cleaned, slash-normalized path.
func KeyFromPath(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	sum := blake3.Sum256([]byte(clean))
	return hex.EncodeToString(sum[:])
}
