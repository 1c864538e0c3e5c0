// Package cmd implements the nuwa-upgrade command-line front end: a thin
// Cobra dispatcher over the orchestrator, backup, and container packages.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nuwa-upgrade",
	Short: "Self-hosted application-stack upgrade engine",
	Long: `nuwa-upgrade decides whether a deployed docker-compose stack needs a
patch or full upgrade, downloads and applies it, takes cold backups around
the transition, and reconciles the managed stack's database schema.

Examples:
  # Run the full upgrade pipeline
  nuwa-upgrade auto-upgrade-deploy run --config config.yaml

  # Schedule a delayed upgrade
  nuwa-upgrade auto-upgrade-deploy delay-time-deploy --time 2 --unit hours

  # Take a manual backup
  nuwa-upgrade backup

  # Roll back to a prior backup, including data
  nuwa-upgrade backup rollback 42 --rollback-data --force

  # Control the managed stack directly
  nuwa-upgrade docker-service status
`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build-time version metadata shown by the version
// command.
func SetVersion(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML config file (falls back to environment variables)")

	rootCmd.AddCommand(autoUpgradeDeployCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(autoBackupCmd)
	rootCmd.AddCommand(dockerServiceCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nuwa-upgrade version %s\n", version)
		fmt.Printf("build time: %s\n", buildTime)
		fmt.Printf("git commit: %s\n", gitCommit)
	},
}
