// Package archiveindex is the in-memory, checksum-keyed table of everything
// the archive has ever stored, and its durable on-disk JSON representation.
// It mirrors the original tool's archive.json exactly so archives produced
// by either implementation stay interchangeable.
package archiveindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// BlobEvent records whether a file pointer was added to or removed from an
// entry's known locations.
type BlobEvent int

const (
	// EventAdded marks a path that newly resolved to this checksum.
	EventAdded BlobEvent = 1
	// EventRemoved marks a path that no longer resolves to this checksum.
	EventRemoved BlobEvent = 2
)

// LogEvent is one entry in an ArchiveEntry's append-only history log.
type LogEvent struct {
	Timestamp string    `json:"timestamp"`
	Event     BlobEvent `json:"event"`
	Path      *string   `json:"path,omitempty"`
}

// NewLogEvent stamps a LogEvent with the current time.
func NewLogEvent(event BlobEvent, path string) LogEvent {
	var p *string
	if path != "" {
		p = &path
	}
	return LogEvent{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Event:     event,
		Path:      p,
	}
}

// FilePointer is one filesystem location that currently (or once) resolved
// to an entry's checksum.
type FilePointer struct {
	Path  string  `json:"path"`
	Ino   uint64  `json:"ino"`
	Mtime float64 `json:"mtime"`
	Size  int64   `json:"size"`
}

// Entry is everything the archive knows about one piece of unique content.
type Entry struct {
	Checksum string        `json:"checksum"`
	FPtrs    []FilePointer `json:"fptrs"`
	Log      []LogEvent    `json:"log"`
	ArchSize int64         `json:"arch_size"`
}

// NewEntry builds an empty Entry for a checksum, ready to receive pointers.
func NewEntry(checksum string) *Entry {
	return &Entry{Checksum: checksum, FPtrs: nil, Log: nil, ArchSize: 0}
}

// tableFile is the top-level shape persisted to archive.json.
type tableFile struct {
	Active  []*Entry `json:"active"`
	History []*Entry `json:"history"`
}

// ErrCorruptTable is returned by Load/Persist when archive.json exists but
// cannot be parsed into a valid {active, history} document.
var ErrCorruptTable = errors.New("archiveindex: corrupt archive table")

const (
	tableName  = "archive.json"
	backupName = "archive.json.bak"
	failedName = "archive.json.failed"
)

// persistPostWriteFault, when non-nil, runs immediately after Persist writes
// the new table file and before it reloads to validate it. Production code
// never sets it; it exists so the package's own tests can land a write that
// reaches disk but turns out unparseable, the one failure mode Persist's
// backup/restore logic guards against that Load's corrupt-file rejection
// alone can't exercise.
var persistPostWriteFault func(path string)

// Index is the live, in-memory archive table: every entry currently backed
// by at least one filesystem path (Active), every entry that once existed
// but currently has none (History), and a derived inode index used for the
// fast incremental-scan path.
type Index struct {
	tableDir string
	lock     *flock.Flock

	Active   map[string]*Entry
	History  map[string]*Entry
	InoIndex map[uint64]string // inode -> checksum, built from Active only
}

// Load opens (or initializes) the archive table under tableDir, taking an
// exclusive advisory lock for the lifetime of the returned Index. Callers
// must call Unlock when done. A missing archive.json is not an error: Load
// returns a fresh, empty Index.
func Load(tableDir string) (*Index, error) {
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return nil, fmt.Errorf("archiveindex: ensure table_dir: %w", err)
	}

	lock := flock.New(filepath.Join(tableDir, ".archive.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("archiveindex: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("archiveindex: table_dir %s is locked by another process", tableDir)
	}

	idx := &Index{tableDir: tableDir, lock: lock}
	if err := idx.reload(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return idx, nil
}

// Unlock releases the advisory lock taken by Load. Safe to call once.
func (idx *Index) Unlock() error {
	if idx.lock == nil {
		return nil
	}
	return idx.lock.Unlock()
}

func (idx *Index) tablePath() string {
	return filepath.Join(idx.tableDir, tableName)
}

// reload reads archive.json from disk into the Index's maps. A missing file
// produces an empty, valid Index rather than an error.
func (idx *Index) reload() error {
	data, err := os.ReadFile(idx.tablePath())
	if errors.Is(err, os.ErrNotExist) {
		idx.Active = map[string]*Entry{}
		idx.History = map[string]*Entry{}
		idx.InoIndex = map[uint64]string{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("archiveindex: read %s: %w", idx.tablePath(), err)
	}

	var tf tableFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptTable, err)
	}
	if tf.Active == nil && tf.History == nil {
		return fmt.Errorf("%w: missing both active and history", ErrCorruptTable)
	}

	active := make(map[string]*Entry, len(tf.Active))
	for _, e := range tf.Active {
		active[e.Checksum] = e
	}
	history := make(map[string]*Entry, len(tf.History))
	for _, e := range tf.History {
		history[e.Checksum] = e
	}
	inoIndex := make(map[uint64]string)
	for checksum, e := range active {
		for _, fp := range e.FPtrs {
			inoIndex[fp.Ino] = checksum
		}
	}

	idx.Active = active
	idx.History = history
	idx.InoIndex = inoIndex
	return nil
}

// Persist writes the current Active/History maps to archive.json using a
// copy -> overwrite -> reload-and-validate protocol: the existing file (if
// any) is first copied to archive.json.bak, archive.json is then overwritten
// in place with the new table and immediately re-read and validated. If
// validation fails, the bad file is preserved as archive.json.failed and
// archive.json is restored from archive.json.bak. The write is not an atomic
// rename; Load reads only archive.json and never falls back to the .bak copy.
func (idx *Index) Persist() error {
	tf := tableFile{
		Active:  make([]*Entry, 0, len(idx.Active)),
		History: make([]*Entry, 0, len(idx.History)),
	}
	for _, e := range idx.Active {
		tf.Active = append(tf.Active, e)
	}
	for _, e := range idx.History {
		tf.History = append(tf.History, e)
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("archiveindex: marshal table: %w", err)
	}

	path := idx.tablePath()
	backupPath := filepath.Join(idx.tableDir, backupName)

	hadExisting := false
	if _, statErr := os.Stat(path); statErr == nil {
		hadExisting = true
		if err := copyFile(path, backupPath); err != nil {
			return fmt.Errorf("archiveindex: back up table: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("archiveindex: write table: %w", err)
	}

	if persistPostWriteFault != nil {
		persistPostWriteFault(path)
	}

	if err := idx.reload(); err != nil {
		failedPath := filepath.Join(idx.tableDir, failedName)
		if cpErr := copyFile(path, failedPath); cpErr != nil {
			return fmt.Errorf("archiveindex: validate failed (%v) and could not preserve bad file: %w", err, cpErr)
		}
		if hadExisting {
			if restoreErr := copyFile(backupPath, path); restoreErr != nil {
				return fmt.Errorf("archiveindex: validate failed (%v) and could not restore backup: %w", err, restoreErr)
			}
			_ = idx.reload()
		}
		return fmt.Errorf("archiveindex: persisted table failed validation, preserved as %s: %w", failedName, err)
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
