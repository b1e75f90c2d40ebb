package manifest

import (
	"os"
	"path/filepath"

	"github.com/uplo-tech/errors"

	"github.com/frostvault/backup/persist"
)

var manifestMetadata = persist.Metadata{
	Header:  "Backup Manifest",
	Version: "1.0",
}

// Catalog persists manifests locally under <root>/<backup_id>/manifest.json,
// the same <backup_id>/manifest.json layout the pipeline uploads to the
// remote. ListBackups scans only this local directory, not the remote.
type Catalog struct {
	root string
}

// NewCatalog opens a manifest catalog rooted at dir.
func NewCatalog(dir string) (*Catalog, error) {
	if err := persist.EnsureDir(dir); err != nil {
		return nil, errors.AddContext(err, "could not create manifest catalog root")
	}
	return &Catalog{root: dir}, nil
}

// Save writes m as the durable, immutable manifest for its BackupID.
func (c *Catalog) Save(m Manifest) error {
	if err := m.Validate(); err != nil {
		return errors.AddContext(err, "refusing to save invalid manifest")
	}
	dir := filepath.Join(c.root, m.BackupID)
	if err := persist.EnsureDir(dir); err != nil {
		return err
	}
	return persist.SaveJSON(manifestMetadata, m, filepath.Join(dir, manifestFilename))
}

// Load reads the manifest for backupID.
func (c *Catalog) Load(backupID string) (Manifest, error) {
	var m Manifest
	err := persist.LoadJSON(manifestMetadata, &m, filepath.Join(c.root, backupID, manifestFilename))
	return m, err
}

// ListBackups scans the catalog root for backup directories, reads their
// manifests, and returns them sorted newest-first. Unknown or unreadable
// manifests are skipped, never fatal, and returned alongside the
// successfully loaded ones for the caller to log as warnings.
func (c *Catalog) ListBackups(filter ListFilter) (manifests []Manifest, skipped []string, err error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.AddContext(err, "could not read catalog root")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, loadErr := c.Load(entry.Name())
		if loadErr != nil {
			skipped = append(skipped, entry.Name())
			continue
		}
		manifests = append(manifests, m)
	}

	return FilterManifests(manifests, filter), skipped, nil
}
