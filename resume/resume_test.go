package resume

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostvault/backup/build"
)

func TestNewPersistsInitialState(t *testing.T) {
	dir := build.TempDir(t.Name())
	tr, err := New(dir, "backup-1", 3)
	require.NoError(t, err)
	require.True(t, Exists(dir, "backup-1"))
	require.Equal(t, 0, tr.UploadedCount())
}

func TestMarkUploadedPersistsAndReloads(t *testing.T) {
	dir := build.TempDir(t.Name())
	tr, err := New(dir, "backup-1", 2)
	require.NoError(t, err)

	require.NoError(t, tr.MarkUploaded("a.txt"))
	require.Equal(t, 1, tr.UploadedCount())
	require.Equal(t, float64(50), tr.ProgressPercent())

	reloaded, err := Load(dir, "backup-1")
	require.NoError(t, err)
	require.True(t, reloaded.IsUploaded("a.txt"))
	require.False(t, reloaded.IsUploaded("b.txt"))
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	dir := build.TempDir(t.Name())
	_, err := Load(dir, "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesState(t *testing.T) {
	dir := build.TempDir(t.Name())
	tr, err := New(dir, "backup-1", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Delete())
	require.False(t, Exists(dir, "backup-1"))
}
