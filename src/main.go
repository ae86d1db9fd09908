package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pewalh/backup-ninja/src/archive"
	"github.com/pewalh/backup-ninja/src/config"
	"github.com/pewalh/backup-ninja/src/misc"
	"github.com/pewalh/backup-ninja/src/scheduler"
)

const defaultConfigPath = "backup_config.json"

var validActions = map[string]bool{
	"backup":       true,
	"restore":      true,
	"cleanup_soft": true,
	"cleanup_hard": true,
	"info":         true,
}

func main() {
	var configPath, action, restoreDir string
	var daemon, yes bool

	flag.StringVar(&configPath, "c", defaultConfigPath, "path to backup_config.json")
	flag.StringVar(&configPath, "config", defaultConfigPath, "path to backup_config.json")
	flag.StringVar(&action, "a", "backup", "action to run: backup, restore, cleanup_soft, cleanup_hard, info")
	flag.StringVar(&action, "action", "backup", "action to run: backup, restore, cleanup_soft, cleanup_hard, info")
	flag.StringVar(&restoreDir, "restore-dir", "", "destination directory for restore (defaults to config's restore_dir)")
	flag.BoolVar(&daemon, "daemon", false, "stay resident and run backup on the configured cron schedule")
	flag.BoolVar(&yes, "yes", false, "answer yes to cleanup confirmation prompts non-interactively")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	if !validActions[action] {
		logger.Fatalf("invalid action %q: must be one of backup, restore, cleanup_soft, cleanup_hard, info", action)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	a, err := archive.Open(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open archive")
	}
	defer a.Close()

	if daemon {
		if err := scheduler.Start(a, cfg, logger); err != nil {
			logger.WithError(err).Fatal("failed to start scheduler")
		}
		select {}
	}

	confirm := interactiveConfirm
	if yes {
		confirm = archive.AlwaysConfirm
	}

	if err := run(a, cfg, action, restoreDir, confirm, logger); err != nil {
		logger.WithError(err).Fatalf("%s failed", action)
	}
}

func run(a *archive.Archive, cfg *config.Config, action, restoreDirFlag string, confirm archive.Confirmer, logger *logrus.Logger) error {
	switch action {
	case "backup":
		info, err := a.Backup(cfg.BackupRoots, true, cfg.HardRemove)
		if err != nil {
			return err
		}
		logInfo(logger, info)
		return nil

	case "restore":
		dir := restoreDirFlag
		if dir == "" {
			dir = cfg.RestoreDir
		}
		if dir == "" {
			return fmt.Errorf("restore requires restore_dir in config or --restore-dir")
		}
		return a.Restore(dir)

	case "cleanup_soft":
		return a.CleanupSoft(confirm)

	case "cleanup_hard":
		return a.CleanupHard(confirm)

	case "info":
		logInfo(logger, a.Info(false))
		return nil
	}

	return fmt.Errorf("unhandled action %q", action)
}

func logInfo(logger *logrus.Logger, info archive.Info) {
	logger.WithFields(logrus.Fields{
		"n_active":            info.NActive,
		"n_history":           info.NHistory,
		"restore_size":        misc.PrettySize(info.RestoreSize),
		"archive_size_active": misc.PrettySize(info.ArchiveSizeActive),
	}).Info("archive info")
}

func interactiveConfirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
