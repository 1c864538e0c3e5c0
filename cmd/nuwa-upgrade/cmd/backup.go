package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	backuppkg "github.com/nuwax-ai/nuwa-upgrade/internal/backup"
)

var (
	backupListJSON bool

	rollbackForce        bool
	rollbackListJSON     bool
	rollbackIncludesData bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a manual backup of the managed stack",
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

		record, err := app.Backups.CreateBackup(cmd.Context(), backuppkg.Options{
			Type:             backuppkg.TypeManual,
			ServiceVersion:   current.String(),
			SourcePaths:      backupSourcePaths(app),
			CompressionLevel: app.Config.Backup.CompressionLevel,
		})
		if err != nil {
			return fmt.Errorf("creating backup: %w", err)
		}
		fmt.Printf("backup %d created: %s\n", record.ID, record.FilePath)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()

		records, err := app.Backups.ListBackups(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing backups: %w", err)
		}

		if backupListJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		for _, r := range records {
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Type, r.Status, r.FilePath)
		}
		return nil
	},
}

var backupRollbackCmd = &cobra.Command{
	Use:   "rollback [id]",
	Short: "Restore the stack from a prior backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid backup id %q: %w", args[0], err)
		}

		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()

		if !rollbackForce {
			fmt.Printf("about to roll back to backup %d (includes data: %t); rerun with --force to proceed\n", id, rollbackIncludesData)
			return nil
		}

		opts := backuppkg.RestoreOptions{
			TargetDir:        app.Config.Orchestrator.DeployDir,
			AutoStartService: true,
		}
		if !rollbackIncludesData {
			opts.ExcludeDirs = []string{"data"}
		}

		if err := app.Backups.RestoreDataWithExclusions(cmd.Context(), id, opts); err != nil {
			return fmt.Errorf("rolling back to backup %d: %w", id, err)
		}

		if rollbackListJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"backup_id": id, "rolled_back_data": rollbackIncludesData})
		}
		fmt.Printf("rolled back to backup %d\n", id)
		return nil
	},
}

// backupSourcePaths returns the top-level directories a manual backup
// archives: the deploy tree's data and app directories, matching the two
// the orchestrator always backs up before an upgrade.
func backupSourcePaths(app *App) []string {
	deploy := app.Config.Orchestrator.DeployDir
	return []string{filepath.Join(deploy, "data"), filepath.Join(deploy, "app")}
}

func init() {
	backupListCmd.Flags().BoolVar(&backupListJSON, "list-json", false, "print backups as JSON")

	backupRollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "actually perform the rollback instead of printing what would happen")
	backupRollbackCmd.Flags().BoolVar(&rollbackListJSON, "list-json", false, "print the rollback outcome as JSON")
	backupRollbackCmd.Flags().BoolVar(&rollbackIncludesData, "rollback-data", false, "also restore the data directory (default: preserve current data)")

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRollbackCmd)
}
