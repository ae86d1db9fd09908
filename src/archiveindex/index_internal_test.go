package archiveindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPersistRollsBackAndPreservesFailedWriteOnValidationFailure exercises
// Persist's own write -> reload-validate -> restore sequence, not just
// Load's rejection of an already-bad file: a successful persist first seeds
// a good archive.json.bak, then a second persist is corrupted between its
// write and its validating reload (simulating a write that reaches disk but
// produces unparseable JSON), and the original table must come back intact
// with the bad write preserved for forensics.
func TestPersistRollsBackAndPreservesFailedWriteOnValidationFailure(t *testing.T) {
	dir := t.TempDir()
	idx, err := Load(dir)
	require.NoError(t, err)
	defer idx.Unlock()

	idx.Active["good"] = NewEntry("good")
	require.NoError(t, idx.Persist())

	goodData, err := os.ReadFile(filepath.Join(dir, tableName))
	require.NoError(t, err)

	idx.Active["second"] = NewEntry("second")

	const badPayload = `{"not valid json`
	persistPostWriteFault = func(path string) {
		require.NoError(t, os.WriteFile(path, []byte(badPayload), 0o644))
	}
	defer func() { persistPostWriteFault = nil }()

	err = idx.Persist()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorruptTable)

	failedData, err := os.ReadFile(filepath.Join(dir, failedName))
	require.NoError(t, err)
	require.Equal(t, badPayload, string(failedData))

	restoredData, err := os.ReadFile(filepath.Join(dir, tableName))
	require.NoError(t, err)
	require.Equal(t, goodData, restoredData)

	_, hasGood := idx.Active["good"]
	require.True(t, hasGood)
	_, hasSecond := idx.Active["second"]
	require.False(t, hasSecond)
}
