package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/backup"
	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/worker"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the device database now",
	Long:  "Writes a consistent copy of the device database to the backup directory and uploads it when backup storage is configured.",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List this device's uploaded backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

func init() {
	addLocalFlags(backupCmd)
	backupCmd.AddCommand(backupListCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, st, err := openLocalStore()
	if err != nil {
		return err
	}
	defer st.Close()

	clock := clockwork.NewRealClock()
	uploader, err := backup.NewUploader(cfg.Backup, clock)
	if err != nil {
		return err
	}

	coord := worker.NewBackupCoordinator(st, uploader, cfg.Backup.DeviceID, cfg.Backup.Dir, 0, clock)
	res, err := coord.BackupNow(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", res.Path)
	if res.ObjectKey != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded as %s\n", res.ObjectKey)
	}
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadLocal()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	uploader, err := backup.NewUploader(cfg.Backup, clockwork.NewRealClock())
	if err != nil {
		return err
	}

	objects, err := uploader.List(ctx, cfg.Backup.DeviceID)
	if errors.Is(err, backup.ErrNotConfigured) {
		return errors.New("backup storage is not configured (set FIELDSYNC_BACKUP_BUCKET)")
	}
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"backups": objects,
			"total":   len(objects),
		})
	}

	if len(objects) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "KEY\tSIZE\tUPLOADED")
	for _, o := range objects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Key, humanize.IBytes(uint64(o.Size)), formatTime(o.LastModified))
	}
	return w.Flush()
}
