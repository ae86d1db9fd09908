// Package scheduler runs Backup on a cron schedule when the CLI is started
// with --daemon, reusing the teacher's mutex-guarded cron.Cron wiring.
package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pewalh/backup-ninja/src/archive"
	"github.com/pewalh/backup-ninja/src/config"
)

var (
	mu          sync.Mutex
	cronRunner  *cron.Cron
	archiveRef  *archive.Archive
	cfgRef      *config.Config
	logger      *logrus.Logger
	cronParser  = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	defaultSpec = "0 3 * * *"
)

// Start begins running Backup on cfg.BackupSchedule (or defaultSpec if
// unset) against a, until Stop is called or the process exits.
func Start(a *archive.Archive, cfg *config.Config, log *logrus.Logger) error {
	if a == nil {
		return fmt.Errorf("scheduler: archive is required")
	}
	if cfg == nil {
		return fmt.Errorf("scheduler: config is required")
	}

	mu.Lock()
	defer mu.Unlock()

	archiveRef = a
	cfgRef = cfg
	logger = log

	return startLocked()
}

// Stop halts the running scheduler, if any.
func Stop() {
	mu.Lock()
	defer mu.Unlock()
	if cronRunner != nil {
		cronRunner.Stop()
		cronRunner = nil
	}
}

func startLocked() error {
	schedule := strings.TrimSpace(cfgRef.BackupSchedule)
	if schedule == "" {
		schedule = defaultSpec
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("scheduler: invalid backup_schedule %q: %w", schedule, err)
	}

	if cronRunner != nil {
		cronRunner.Stop()
	}

	// FIX [BUG-GO-003]: capture globals to local variables so the job
	// closure cannot race a concurrent Start/Stop swapping them out from
	// under an in-flight scheduled run.
	a := archiveRef
	cfg := cfgRef
	log := logger

	cronRunner = cron.New(cron.WithParser(cronParser))
	_, err := cronRunner.AddFunc(schedule, func() { runBackupJob(a, cfg, log) })
	if err != nil {
		return fmt.Errorf("scheduler: schedule backup job: %w", err)
	}

	cronRunner.Start()
	logger.WithField("schedule", schedule).Info("backup scheduler started")
	return nil
}

func runBackupJob(a *archive.Archive, cfg *config.Config, log *logrus.Logger) {
	log.Info("scheduled backup starting")
	info, err := a.Backup(cfg.BackupRoots, true, cfg.HardRemove)
	if err != nil {
		log.WithError(err).Error("scheduled backup failed")
		return
	}
	log.WithFields(logrus.Fields{
		"n_active":  info.NActive,
		"n_history": info.NHistory,
	}).Info("scheduled backup finished")
}
