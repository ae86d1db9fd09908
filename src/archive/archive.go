// Package archive is the reconciler: it ties the scanner, hasher, cipher,
// blob store and archive index together into the four user-facing
// operations the CLI exposes — backup, restore, cleanup and info — exactly
// as original_source/backup_funcs/archive.py's Archive class does.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pewalh/backup-ninja/src/archiveindex"
	"github.com/pewalh/backup-ninja/src/blobstore"
	"github.com/pewalh/backup-ninja/src/cipher"
	"github.com/pewalh/backup-ninja/src/config"
	"github.com/pewalh/backup-ninja/src/hasher"
	"github.com/pewalh/backup-ninja/src/pipeline"
	"github.com/pewalh/backup-ninja/src/scanner"
)

// Confirmer asks the operator to approve a destructive action (cleanup) and
// reports whether they agreed. Isolating it behind this type lets callers
// swap an interactive stdin prompt for an always-true/always-false stub in
// tests, instead of hard-wiring terminal I/O into the reconciler.
type Confirmer func(prompt string) bool

// AlwaysConfirm and NeverConfirm are convenience Confirmers for tests and
// non-interactive (--yes) CLI invocations.
func AlwaysConfirm(string) bool { return true }
func NeverConfirm(string) bool  { return false }

// Info summarizes the current state of an archive, as reported by the
// `info` CLI action.
type Info struct {
	NActive            int
	NHistory           int
	RestoreSize        int64
	ArchiveSizeActive  int64
	ArchiveSizeHistory int64
}

// Archive is an open handle on one archive's table_dir/file_dir pair. It
// holds the exclusive table_dir lock for its entire lifetime; callers must
// call Close when done.
type Archive struct {
	index  *archiveindex.Index
	blobs  *blobstore.BlobStore
	crypto *cipher.Cipher
	opts   pipeline.Options
	logger *logrus.Logger
}

// Open loads the archive table under cfg.TableDir, prepares the blob store
// under cfg.FileDir and reads the encryption key from cfg.KeyPath.
func Open(cfg *config.Config, logger *logrus.Logger) (*Archive, error) {
	keyBytes, err := config.ReadKeyFile(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	crypto, err := cipher.New(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("archive: build cipher: %w", err)
	}

	blobs, err := blobstore.New(cfg.FileDir)
	if err != nil {
		crypto.Close()
		return nil, err
	}

	idx, err := archiveindex.Load(cfg.TableDir)
	if err != nil {
		crypto.Close()
		return nil, err
	}

	return &Archive{
		index:  idx,
		blobs:  blobs,
		crypto: crypto,
		opts:   pipeline.DefaultOptions(),
		logger: logger,
	}, nil
}

// Close releases the table_dir lock and wipes the cipher's key material.
func (a *Archive) Close() error {
	a.crypto.Close()
	return a.index.Unlock()
}

// Backup reconciles every file under roots against the archive table: new
// content is encrypted and stored, content that moved or was renamed gets
// fresh ADDED/REMOVED log entries, and content no longer found anywhere is
// swept from Active into History. When full is false, files whose
// (inode, path, mtime, size) still match a known Active pointer reuse that
// pointer's checksum instead of being re-hashed. When hardRemove is true,
// swept content's blob is deleted immediately instead of being kept for a
// later cleanup pass.
func (a *Archive) Backup(roots []string, full bool, hardRemove bool) (Info, error) {
	start := time.Now()

	scanned, err := scanner.Scan(roots, full)
	if err != nil {
		return Info{}, fmt.Errorf("archive: scan: %w", err)
	}

	if !full {
		if err := a.fillChecksums(scanned); err != nil {
			return Info{}, err
		}
	}

	byChecksum := groupByChecksum(scanned)

	nRemoved, err := a.sweepRemoved(byChecksum, hardRemove)
	if err != nil {
		return Info{}, err
	}
	nPathChange := a.updatePathChanges(byChecksum)

	nAdded, err := a.addNewContent(byChecksum)
	if err != nil {
		return Info{}, err
	}

	if err := a.index.Persist(); err != nil {
		return Info{}, err
	}

	a.logger.WithFields(logrus.Fields{
		"added":        nAdded,
		"removed":      nRemoved,
		"path_changed": nPathChange,
		"elapsed":      time.Since(start).String(),
	}).Info("backup complete")

	return a.Info(false), nil
}

// fillChecksums hashes only the scanned files that cannot be matched to a
// known Active pointer by (inode, path, mtime, size), the incremental-scan
// fast path.
func (a *Archive) fillChecksums(files []scanner.FileInfo) error {
	var toHash []int
	for i, f := range files {
		if checksum, ok := a.index.InoIndex[f.Inode]; ok {
			if entry, ok := a.index.Active[checksum]; ok && pointerMatches(entry, f) {
				files[i].Checksum = checksum
				continue
			}
		}
		toHash = append(toHash, i)
	}
	if len(toHash) == 0 {
		return nil
	}

	sums, err := pipeline.Run(toHash, a.opts, func(i int) (string, error) {
		sum, err := hasher.HashFile(pathOf(files[i]))
		if err != nil {
			return "", err
		}
		return sum, nil
	})
	if err != nil {
		return fmt.Errorf("archive: hash scanned files: %w", err)
	}
	for j, i := range toHash {
		files[i].Checksum = sums[j]
	}
	return nil
}

func pointerMatches(entry *archiveindex.Entry, f scanner.FileInfo) bool {
	for _, fp := range entry.FPtrs {
		if fp.Path == f.Path && fp.Ino == f.Inode && fp.Mtime == f.Mtime && fp.Size == f.Size {
			return true
		}
	}
	return false
}

func pathOf(f scanner.FileInfo) string { return filepath.FromSlash(f.Path) }

func groupByChecksum(files []scanner.FileInfo) map[string][]scanner.FileInfo {
	out := make(map[string][]scanner.FileInfo)
	for _, f := range files {
		out[f.Checksum] = append(out[f.Checksum], f)
	}
	return out
}

// sweepRemoved moves every Active entry whose checksum no longer appears in
// the current scan into History, logging a REMOVED event for each of its
// former pointers.
func (a *Archive) sweepRemoved(byChecksum map[string][]scanner.FileInfo, hardRemove bool) (int, error) {
	n := 0
	for checksum, entry := range a.index.Active {
		if _, stillPresent := byChecksum[checksum]; stillPresent {
			continue
		}

		for _, fp := range entry.FPtrs {
			entry.Log = append(entry.Log, archiveindex.NewLogEvent(archiveindex.EventRemoved, fp.Path))
			delete(a.index.InoIndex, fp.Ino)
		}
		entry.FPtrs = nil

		delete(a.index.Active, checksum)
		a.index.History[checksum] = entry
		n++

		if hardRemove {
			if err := a.blobs.Remove(checksum); err != nil {
				return n, fmt.Errorf("archive: remove blob for swept checksum %s: %w", checksum, err)
			}
		}
	}
	return n, nil
}

// updatePathChanges refreshes the pointer set of every Active entry whose
// checksum is still present in the scan but whose paths changed, logging
// ADDED/REMOVED events for the diff.
func (a *Archive) updatePathChanges(byChecksum map[string][]scanner.FileInfo) int {
	n := 0
	for checksum, entry := range a.index.Active {
		infos, ok := byChecksum[checksum]
		if !ok {
			continue
		}

		oldPaths := make(map[string]bool, len(entry.FPtrs))
		for _, fp := range entry.FPtrs {
			oldPaths[fp.Path] = true
		}
		newPaths := make(map[string]bool, len(infos))
		for _, f := range infos {
			newPaths[f.Path] = true
		}

		var added, removed []string
		for p := range newPaths {
			if !oldPaths[p] {
				added = append(added, p)
			}
		}
		for p := range oldPaths {
			if !newPaths[p] {
				removed = append(removed, p)
			}
		}
		if len(added) == 0 && len(removed) == 0 {
			continue
		}

		for _, p := range added {
			entry.Log = append(entry.Log, archiveindex.NewLogEvent(archiveindex.EventAdded, p))
		}
		for _, p := range removed {
			entry.Log = append(entry.Log, archiveindex.NewLogEvent(archiveindex.EventRemoved, p))
		}

		for _, fp := range entry.FPtrs {
			delete(a.index.InoIndex, fp.Ino)
		}
		entry.FPtrs = make([]archiveindex.FilePointer, 0, len(infos))
		for _, f := range infos {
			entry.FPtrs = append(entry.FPtrs, archiveindex.FilePointer{Path: f.Path, Ino: f.Inode, Mtime: f.Mtime, Size: f.Size})
			a.index.InoIndex[f.Inode] = checksum
		}

		n++
	}
	return n
}

type storeJob struct {
	checksum string
	srcPath  string
}

// addNewContent handles every checksum present in the scan that is not
// already a healthy Active entry: content wholly new to the archive,
// content resurrected from History (a path was deleted and later recreated
// with content matching a prior backup — its existing Log is reused rather
// than starting a fresh entry), and Active content whose blob is missing or
// the wrong size on disk. A blob is only (re-)encrypted and stored when it
// is actually missing or size-mismatched; a resurrected entry whose blob
// was never hard-removed is reactivated without touching the file store.
func (a *Archive) addNewContent(byChecksum map[string][]scanner.FileInfo) (int, error) {
	var jobs []storeJob
	toActivate := make(map[string]*archiveindex.Entry)

	for checksum, infos := range byChecksum {
		if checksum == "" {
			continue
		}

		entry, isActive := a.index.Active[checksum]
		if isActive {
			if a.blobs.ExistsWithSize(checksum, entry.ArchSize) {
				continue
			}
			// Active entry's blob is missing or corrupt: re-store it.
		} else if histEntry, resurrecting := a.index.History[checksum]; resurrecting {
			entry = histEntry
		} else {
			entry = archiveindex.NewEntry(checksum)
		}

		entry.FPtrs = entry.FPtrs[:0]
		for _, f := range infos {
			entry.FPtrs = append(entry.FPtrs, archiveindex.FilePointer{Path: f.Path, Ino: f.Inode, Mtime: f.Mtime, Size: f.Size})
			entry.Log = append(entry.Log, archiveindex.NewLogEvent(archiveindex.EventAdded, f.Path))
		}
		toActivate[checksum] = entry

		if !a.blobs.ExistsWithSize(checksum, entry.ArchSize) {
			jobs = append(jobs, storeJob{checksum: checksum, srcPath: pathOf(infos[0])})
		}
	}

	if len(jobs) > 0 {
		err := pipeline.RunEach(jobs, a.opts, func(j storeJob) error {
			if err := a.blobs.EnsureShard(j.checksum); err != nil {
				return err
			}
			archivePath, err := a.blobs.ArchivePath(j.checksum)
			if err != nil {
				return err
			}
			return a.crypto.StoreFile(j.srcPath, archivePath, cipher.DefaultChunkSize)
		})
		if err != nil {
			return 0, fmt.Errorf("archive: store new content: %w", err)
		}
	}

	for checksum, entry := range toActivate {
		size, err := a.blobs.Size(checksum)
		if err != nil {
			return 0, fmt.Errorf("archive: stat stored blob %s: %w", checksum, err)
		}
		entry.ArchSize = size
		a.index.Active[checksum] = entry
		delete(a.index.History, checksum)
		for _, fp := range entry.FPtrs {
			a.index.InoIndex[fp.Ino] = checksum
		}
	}

	return len(toActivate), nil
}

// Restore decrypts every Active entry's blob to restoreBase, rebuilding
// each file's absolute path under that base directory. Windows drive
// letters (e.g. "C:") are rewritten to "C_" so restore paths stay valid on
// every platform, matching the original tool's `replace(':', '_')`.
func (a *Archive) Restore(restoreBase string) error {
	type job struct {
		checksum string
		dstPath  string
	}
	var jobs []job
	for checksum, entry := range a.index.Active {
		for _, fp := range entry.FPtrs {
			rel := strings.ReplaceAll(filepath.FromSlash(fp.Path), ":", "_")
			rel = strings.TrimPrefix(rel, string(filepath.Separator))
			jobs = append(jobs, job{checksum: checksum, dstPath: filepath.Join(restoreBase, rel)})
		}
	}

	return pipeline.RunEach(jobs, a.opts, func(j job) error {
		if err := ensureParentDir(j.dstPath); err != nil {
			return err
		}
		archivePath, err := a.blobs.ArchivePath(j.checksum)
		if err != nil {
			return err
		}
		return a.crypto.RestoreFile(archivePath, j.dstPath)
	})
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Info reports current archive statistics. When log is true it also emits
// them through the archive's logger.
func (a *Archive) Info(log bool) Info {
	info := Info{
		NActive:  len(a.index.Active),
		NHistory: len(a.index.History),
	}
	for _, e := range a.index.Active {
		if len(e.FPtrs) > 0 {
			info.RestoreSize += e.FPtrs[0].Size
		}
		info.ArchiveSizeActive += e.ArchSize
	}
	for _, e := range a.index.History {
		info.ArchiveSizeHistory += e.ArchSize
	}

	if log {
		a.logger.WithFields(logrus.Fields{
			"n_active":             info.NActive,
			"n_history":            info.NHistory,
			"restore_size":         info.RestoreSize,
			"archive_size_active":  info.ArchiveSizeActive,
			"archive_size_history": info.ArchiveSizeHistory,
		}).Info("archive info")
	}
	return info
}

// CleanupSoft prunes History down to the single latest version per
// (path, calendar year), deleting superseded entries and their blobs. It
// asks confirm before making any change.
func (a *Archive) CleanupSoft(confirm Confirmer) error {
	if !confirm("This will permanently delete all but the latest historical version of each file per year. Continue?") {
		return nil
	}

	type latest struct {
		checksum string
		ts       time.Time
	}
	keep := make(map[string]latest) // key: path + "#" + year

	for checksum, entry := range a.index.History {
		for _, ev := range entry.Log {
			if ev.Event != archiveindex.EventAdded || ev.Path == nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
			if err != nil {
				continue
			}
			key := *ev.Path + "#" + strconv.Itoa(ts.Year())
			if cur, ok := keep[key]; !ok || ts.After(cur.ts) {
				keep[key] = latest{checksum: checksum, ts: ts}
			}
		}
	}

	keptChecksums := make(map[string]bool, len(keep))
	for _, l := range keep {
		keptChecksums[l.checksum] = true
	}

	for checksum := range a.index.History {
		if keptChecksums[checksum] {
			continue
		}
		if err := a.blobs.Remove(checksum); err != nil {
			return fmt.Errorf("archive: cleanup_soft remove blob %s: %w", checksum, err)
		}
		delete(a.index.History, checksum)
	}

	return a.index.Persist()
}

// CleanupHard deletes every historical entry and its blob unconditionally.
// It asks confirm before making any change.
func (a *Archive) CleanupHard(confirm Confirmer) error {
	if !confirm("This will permanently delete ALL historical backup versions and their data. Continue?") {
		return nil
	}

	for checksum := range a.index.History {
		if err := a.blobs.Remove(checksum); err != nil {
			return fmt.Errorf("archive: cleanup_hard remove blob %s: %w", checksum, err)
		}
		delete(a.index.History, checksum)
	}

	return a.index.Persist()
}
