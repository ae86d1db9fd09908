package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pewalh/backup-ninja/src/config"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, body map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "backup_config.json")
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadExpandsEnvAndTilde(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BN_TEST_ROOT", dir)
	t.Setenv("HOME", dir)

	path := writeConfig(t, dir, map[string]any{
		"table_dir":    "${BN_TEST_ROOT}/table",
		"file_dir":     "${BN_TEST_ROOT}/blobs",
		"key_path":     "${BN_TEST_ROOT}/key.bin",
		"restore_dir":  "~/restore",
		"backup_roots": []string{"${BN_TEST_ROOT}/src"},
	})

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "table"), cfg.TableDir)
	require.Equal(t, filepath.Join(dir, "blobs"), cfg.FileDir)
	require.Equal(t, filepath.Join(dir, "restore"), cfg.RestoreDir)
	require.Equal(t, []string{filepath.Join(dir, "src")}, cfg.BackupRoots)
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"table_dir": dir,
		"file_dir":  dir,
		"key_path":  filepath.Join(dir, "key.bin"),
	})

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.False(t, cfg.HardRemove)
	require.Equal(t, "0 3 * * *", cfg.BackupSchedule)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/backup_config.json")
	require.Error(t, err)
}

func TestLoadRequiresTableDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]any{
		"file_dir": dir,
		"key_path": filepath.Join(dir, "key.bin"),
	})

	_, err := config.Load(path)
	require.Error(t, err)
}
