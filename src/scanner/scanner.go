// Package scanner walks backup source trees and captures the per-file
// metadata the archive index needs to detect additions, removals and moves.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pewalh/backup-ninja/src/hasher"
)

// FileInfo is the metadata captured for one scanned regular file.
type FileInfo struct {
	Path     string  // absolute, slash-normalized path
	Inode    uint64  // platform inode number
	Mtime    float64 // Unix seconds with fractional precision
	Size     int64
	Checksum string // empty when the scan did not request checksums
}

// Scan walks every root in roots and returns a FileInfo for each regular
// file found. Symlinks to directories are never followed, to avoid
// unbounded cycles; a symlink to a regular file is recorded like any other
// file, at its own logical path. When withChecksum is true, Checksum is
// filled with HashFile's SHA-256 digest; callers doing a fast incremental
// scan pass false and hash only the files that actually need it.
func Scan(roots []string, withChecksum bool) ([]FileInfo, error) {
	var out []FileInfo
	seen := make(map[string]bool)

	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("scanner: resolve root %s: %w", root, err)
		}

		err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return fmt.Errorf("scanner: walk %s: %w", path, walkErr)
			}

			if d.Type()&fs.ModeSymlink != 0 {
				target, statErr := os.Stat(path)
				if statErr != nil {
					// Broken symlink: skip rather than fail the whole scan.
					return nil
				}
				if target.IsDir() {
					return nil
				}
				fi, entryErr := newFileInfo(path, target, withChecksum)
				if entryErr != nil {
					return entryErr
				}
				if !seen[fi.Path] {
					seen[fi.Path] = true
					out = append(out, fi)
				}
				return nil
			}

			if d.IsDir() {
				return nil
			}

			info, statErr := d.Info()
			if statErr != nil {
				return fmt.Errorf("scanner: stat %s: %w", path, statErr)
			}
			fi, entryErr := newFileInfo(path, info, withChecksum)
			if entryErr != nil {
				return entryErr
			}
			if !seen[fi.Path] {
				seen[fi.Path] = true
				out = append(out, fi)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func newFileInfo(path string, info os.FileInfo, withChecksum bool) (FileInfo, error) {
	fi := FileInfo{
		Path:  filepath.ToSlash(path),
		Size:  info.Size(),
		Mtime: float64(info.ModTime().UnixNano()) / 1e9,
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.Inode = stat.Ino
	}

	if withChecksum {
		sum, err := hasher.HashFile(path)
		if err != nil {
			return FileInfo{}, fmt.Errorf("scanner: hash %s: %w", path, err)
		}
		fi.Checksum = sum
	}

	return fi, nil
}
