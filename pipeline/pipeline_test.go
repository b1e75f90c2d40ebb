package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostvault/backup/blockstore"
	"github.com/frostvault/backup/build"
	"github.com/frostvault/backup/config"
	"github.com/frostvault/backup/crypto"
	"github.com/frostvault/backup/dedup"
	"github.com/frostvault/backup/manifest"
	"github.com/frostvault/backup/persist"
	"github.com/frostvault/backup/transport/memstore"
)

func newTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()
	root := build.TempDir(t.Name())
	require.NoError(t, os.MkdirAll(root, 0o755))

	log, err := persist.NewFileLogger(filepath.Join(root, "test.log"))
	require.NoError(t, err)

	store, err := blockstore.Open(filepath.Join(root, "blocks"), log)
	require.NoError(t, err)

	dedupEngine, err := dedup.Open(filepath.Join(root, "dedup"), store)
	require.NoError(t, err)

	remote := memstore.New()
	factory := memstore.NewFactory(remote)

	cfg := config.Default()
	cfg.CompressionThreshold = 1 << 20

	params := crypto.NewKDFParamsWithSalt(crypto.DefaultKDFParams())
	key, err := crypto.DeriveKeyV2([]byte("test password"), params)
	require.NoError(t, err)

	eng, err := New(cfg, remote, factory, key, params,
		dedupEngine,
		filepath.Join(root, "index"),
		filepath.Join(root, "resume"),
		filepath.Join(root, "catalog"),
	)
	require.NoError(t, err)

	return eng, func() {
		_ = eng.Close()
		_ = store.Close()
	}
}

func writeSourceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCreateBackupAndRestoreRoundTrip(t *testing.T) {
	eng, cleanup := newTestEngine(t)
	defer cleanup()

	srcDir := build.TempDir(t.Name() + "-src")
	writeSourceFile(t, srcDir, "a.txt", "hello world")
	writeSourceFile(t, srcDir, "nested/b.txt", "nested contents")

	m, err := eng.CreateBackup(context.Background(), []string{srcDir}, false)
	require.NoError(t, err)
	require.Equal(t, 2, m.FileCount)

	targetDir := build.TempDir(t.Name() + "-restore")
	result, err := eng.RestoreBackup(context.Background(), m.BackupID, targetDir)
	require.NoError(t, err)
	require.Equal(t, 2, result.Restored)
	require.Empty(t, result.Failures)
}

func TestIncrementalBackupOnlyUploadsChangedFiles(t *testing.T) {
	eng, cleanup := newTestEngine(t)
	defer cleanup()

	srcDir := build.TempDir(t.Name() + "-src")
	writeSourceFile(t, srcDir, "a.txt", "version one")

	_, err := eng.CreateBackup(context.Background(), []string{srcDir}, false)
	require.NoError(t, err)

	writeSourceFile(t, srcDir, "b.txt", "new file")

	m2, err := eng.CreateBackup(context.Background(), []string{srcDir}, true)
	require.NoError(t, err)
	require.Equal(t, 1, m2.FileCount)
	require.NotNil(t, m2.BaseBackupID)
}

func TestBrowseRestoreRejectsWrongPassword(t *testing.T) {
	eng, cleanup := newTestEngine(t)
	defer cleanup()

	srcDir := build.TempDir(t.Name() + "-src")
	writeSourceFile(t, srcDir, "a.txt", "secret contents")

	m, err := eng.CreateBackup(context.Background(), []string{srcDir}, false)
	require.NoError(t, err)

	_, err = eng.BrowseRestore(context.Background(), m.BackupID, []byte("wrong password"))
	require.Error(t, err)

	_, err = eng.BrowseRestore(context.Background(), m.BackupID, []byte("test password"))
	require.NoError(t, err)
}

func TestVerifyBackupQuickDetectsMissingObject(t *testing.T) {
	eng, cleanup := newTestEngine(t)
	defer cleanup()

	srcDir := build.TempDir(t.Name() + "-src")
	writeSourceFile(t, srcDir, "a.txt", "content")

	m, err := eng.CreateBackup(context.Background(), []string{srcDir}, false)
	require.NoError(t, err)

	require.NoError(t, eng.remote.Delete(context.Background(), m.Files[0].RemotePath))

	results, err := eng.VerifyBackup(context.Background(), m.BackupID, manifest.VerifyQuick)
	require.NoError(t, err)
	require.False(t, results[0].OK)
}

func TestPreviewRestoreGroupsByDirectory(t *testing.T) {
	eng, cleanup := newTestEngine(t)
	defer cleanup()

	srcDir := build.TempDir(t.Name() + "-src")
	writeSourceFile(t, srcDir, "top.txt", "x")
	writeSourceFile(t, srcDir, "sub/deep.txt", "y")

	m, err := eng.CreateBackup(context.Background(), []string{srcDir}, false)
	require.NoError(t, err)

	tree, err := eng.PreviewRestore(context.Background(), m.BackupID)
	require.NoError(t, err)
	require.Equal(t, 2, tree.FileCount)
	require.NotEmpty(t, tree.Dirs)
}
