package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	backuppkg "github.com/nuwax-ai/nuwa-upgrade/internal/backup"
)

var autoBackupCmd = &cobra.Command{
	Use:   "auto-backup",
	Short: "Stop the stack, back it up, and start it again",
}

var autoBackupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Stop services, take a backup, then restart services",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()

		current, err := app.CurrentVersion()
		if err != nil {
			return err
		}

		ctx := cmd.Context()

		app.Logger.Info("auto-backup: stopping services")
		if err := app.Containers.StopServices(ctx); err != nil {
			return fmt.Errorf("stopping services before auto-backup: %w", err)
		}

		record, backupErr := app.Backups.CreateBackup(ctx, backuppkg.Options{
			Type:             backuppkg.TypeManual,
			ServiceVersion:   current.String(),
			SourcePaths:      backupSourcePaths(app),
			CompressionLevel: app.Config.Backup.CompressionLevel,
		})

		app.Logger.Info("auto-backup: starting services")
		if startErr := app.Containers.StartServices(ctx); startErr != nil {
			if backupErr != nil {
				return fmt.Errorf("auto-backup failed (%v) and restarting services also failed: %w", backupErr, startErr)
			}
			return fmt.Errorf("starting services after auto-backup: %w", startErr)
		}

		if backupErr != nil {
			return fmt.Errorf("creating auto-backup: %w", backupErr)
		}

		fmt.Printf("backup %d created: %s\n", record.ID, record.FilePath)
		return nil
	},
}

func init() {
	autoBackupCmd.AddCommand(autoBackupRunCmd)
}
