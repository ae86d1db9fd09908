package archiveindex_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pewalh/backup-ninja/src/archiveindex"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyTableDirProducesEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	idx, err := archiveindex.Load(dir)
	require.NoError(t, err)
	defer idx.Unlock()

	require.Empty(t, idx.Active)
	require.Empty(t, idx.History)
	require.Empty(t, idx.InoIndex)
}

func TestPersistThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := archiveindex.Load(dir)
	require.NoError(t, err)

	entry := archiveindex.NewEntry("abc123")
	entry.FPtrs = []archiveindex.FilePointer{
		{Path: "/a/b.txt", Ino: 42, Mtime: 123.5, Size: 10},
	}
	entry.Log = append(entry.Log, archiveindex.NewLogEvent(archiveindex.EventAdded, "/a/b.txt"))
	entry.ArchSize = 99
	idx.Active["abc123"] = entry
	idx.InoIndex[42] = "abc123"

	require.NoError(t, idx.Persist())
	require.NoError(t, idx.Unlock())

	reloaded, err := archiveindex.Load(dir)
	require.NoError(t, err)
	defer reloaded.Unlock()

	got, ok := reloaded.Active["abc123"]
	require.True(t, ok)
	require.Equal(t, int64(99), got.ArchSize)
	require.Len(t, got.FPtrs, 1)
	require.Equal(t, "/a/b.txt", got.FPtrs[0].Path)
	require.Equal(t, "abc123", reloaded.InoIndex[42])
}

func TestPersistWritesBackupOnSecondWrite(t *testing.T) {
	dir := t.TempDir()
	idx, err := archiveindex.Load(dir)
	require.NoError(t, err)

	idx.Active["first"] = archiveindex.NewEntry("first")
	require.NoError(t, idx.Persist())

	idx.Active["second"] = archiveindex.NewEntry("second")
	require.NoError(t, idx.Persist())

	_, err = os.Stat(filepath.Join(dir, "archive.json.bak"))
	require.NoError(t, err)
}

func TestLoadRejectsTableMissingBothKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive.json"), []byte(`{"foo": 1}`), 0o644))

	_, err := archiveindex.Load(dir)
	require.ErrorIs(t, err, archiveindex.ErrCorruptTable)
}

func TestSecondLoadWhileLockedFails(t *testing.T) {
	dir := t.TempDir()
	idx, err := archiveindex.Load(dir)
	require.NoError(t, err)
	defer idx.Unlock()

	_, err = archiveindex.Load(dir)
	require.Error(t, err)
}
