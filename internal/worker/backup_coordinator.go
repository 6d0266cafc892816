package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldops/fieldsync/internal/backup"
)

// BackupSource writes a consistent copy of the device database.
// Implemented by store.SQLiteStore.
type BackupSource interface {
	Backup(ctx context.Context, destPath string) error
}

// BackupResult describes one completed backup.
type BackupResult struct {
	Path      string `json:"path"`
	ObjectKey string `json:"object_key,omitempty"`
}

// BackupCoordinator periodically copies the device database to a local file
// and ships it to backup storage.
type BackupCoordinator struct {
	source   BackupSource
	uploader backup.Uploader
	deviceID string
	dir      string
	interval time.Duration
	clock    clockwork.Clock
}

// NewBackupCoordinator creates a coordinator writing backups into dir.
// The uploader parameter is optional; if nil, no upload is attempted.
func NewBackupCoordinator(
	source BackupSource,
	uploader backup.Uploader,
	deviceID string,
	dir string,
	interval time.Duration,
	clock clockwork.Clock,
) *BackupCoordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BackupCoordinator{
		source:   source,
		uploader: uploader,
		deviceID: deviceID,
		dir:      dir,
		interval: interval,
		clock:    clock,
	}
}

// Run starts the coordinator loop. A non-positive interval disables it.
func (c *BackupCoordinator) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}

	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "worker_started",
		"interval", c.interval,
	)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.Chan():
			if _, err := c.BackupNow(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("backup failed",
					"component", "worker",
					"worker", "backup-coordinator",
					"action", "backup_failed",
					"error", err,
				)
			}
		}
	}
}

// BackupNow writes a local backup and uploads it. Upload failures are logged
// and are not fatal; the local copy remains valid.
func (c *BackupCoordinator) BackupNow(ctx context.Context) (BackupResult, error) {
	path := filepath.Join(c.dir, "fieldsync-backup.db")
	if err := c.source.Backup(ctx, path); err != nil {
		return BackupResult{}, fmt.Errorf("local backup: %w", err)
	}

	result := BackupResult{Path: path}
	slog.Info("local backup written",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "backup_written",
		"path", path,
	)

	if c.uploader == nil {
		return result, nil
	}

	key, err := c.uploader.Upload(ctx, c.deviceID, path)
	if err != nil {
		slog.Warn("backup upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_upload_failed",
			"device_id", c.deviceID,
			"error", err,
		)
		return result, nil
	}
	if key != "" {
		result.ObjectKey = key
		slog.Info("backup uploaded",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_uploaded",
			"device_id", c.deviceID,
			"key", key,
		)
	}
	return result, nil
}
