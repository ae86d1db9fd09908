// Package config loads backup_config.json: the archive's table_dir,
// file_dir, key_path, restore_dir, backup_roots and behavior flags. It
// follows the teacher's viper-based config idiom, extended with the
// ${VAR}/~-expansion the original Python tool applied to every path field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the parsed, path-expanded contents of backup_config.json.
type Config struct {
	TableDir       string   `mapstructure:"table_dir"`
	FileDir        string   `mapstructure:"file_dir"`
	KeyPath        string   `mapstructure:"key_path"`
	RestoreDir     string   `mapstructure:"restore_dir"`
	BackupRoots    []string `mapstructure:"backup_roots"`
	HardRemove     bool     `mapstructure:"hard_remove"`
	BackupSchedule string   `mapstructure:"backup_schedule"`
	LogLevel       string   `mapstructure:"log_level"`
}

// Load reads and validates the JSON config file at path. Every path-shaped
// field is expanded for environment variables and a leading "~" the same
// way the original CLI expanded them with os.path.expandvars/expanduser.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file '%s' does not exist: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("hard_remove", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("backup_schedule", "0 3 * * *")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config '%s': %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config '%s': %w", path, err)
	}

	cfg.TableDir = expandPath(cfg.TableDir)
	cfg.FileDir = expandPath(cfg.FileDir)
	cfg.KeyPath = expandPath(cfg.KeyPath)
	cfg.RestoreDir = expandPath(cfg.RestoreDir)
	for i, root := range cfg.BackupRoots {
		cfg.BackupRoots[i] = expandPath(root)
	}

	if cfg.TableDir == "" {
		return nil, fmt.Errorf("config: table_dir is required")
	}
	if cfg.FileDir == "" {
		return nil, fmt.Errorf("config: file_dir is required")
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("config: key_path is required")
	}

	return &cfg, nil
}

// expandPath applies ${VAR}/$VAR environment expansion and resolves a
// leading "~" to the current user's home directory, mirroring
// os.path.expandvars(...).expanduser() from the original tool.
func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)

	if p == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
