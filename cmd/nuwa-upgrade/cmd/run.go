package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	runProject string
	runForce   bool
	runPort    int

	delayTime int
	delayUnit string
)

var autoUpgradeDeployCmd = &cobra.Command{
	Use:   "auto-upgrade-deploy",
	Short: "Run or schedule the upgrade pipeline",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full upgrade pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, runProject)
		if err != nil {
			return err
		}
		defer app.Store.Close()

		if runPort != 0 {
			app.Logger.Info("custom frontend port requested", "port", runPort)
		}

		current, err := app.CurrentVersion()
		if err != nil {
			return err
		}

		force := runForce || app.Config.Orchestrator.ForceFull
		result, err := app.Orchestrator.Run(cmd.Context(), current, force)
		if err != nil {
			return fmt.Errorf("running upgrade pipeline: %w", err)
		}

		fmt.Printf("strategy: %s\n", result.Strategy.Kind)
		fmt.Printf("target version: %s\n", result.Strategy.TargetVersion)
		if result.FirstDeployment {
			fmt.Println("first deployment: true")
		}
		if result.BackupID != 0 {
			fmt.Printf("pre-upgrade backup id: %d\n", result.BackupID)
		}
		fmt.Printf("schema applied: %t\n", result.SchemaApplied)
		if result.HealthReport != nil {
			fmt.Println(result.HealthReport.Summary())
		}
		return nil
	},
}

var delayTimeDeployCmd = &cobra.Command{
	Use:   "delay-time-deploy",
	Short: "Schedule an upgrade to run after a delay",
	Long: `delay-time-deploy records a pending task in the record store, sleeps for
the requested duration, then runs the same pipeline "run" does. There is no
background daemon in this process: the scheduled run blocks the invoking
command for the delay, matching a cron-style "sleep then act" caller.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := delayDuration(delayTime, delayUnit)
		if err != nil {
			return err
		}

		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()

		current, err := app.CurrentVersion()
		if err != nil {
			return err
		}

		taskID, err := app.Store.CreateTask(cmd.Context(), current.String())
		if err != nil {
			return fmt.Errorf("recording scheduled task: %w", err)
		}

		fmt.Printf("scheduled task %d; waiting %s\n", taskID, duration)

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(duration):
		}

		if err := app.Store.MarkTaskInProgress(cmd.Context(), taskID); err != nil {
			return fmt.Errorf("marking task in progress: %w", err)
		}

		force := runForce || app.Config.Orchestrator.ForceFull
		result, err := app.Orchestrator.Run(cmd.Context(), current, force)
		if err != nil {
			if markErr := app.Store.MarkTaskFailed(cmd.Context(), taskID, err.Error()); markErr != nil {
				app.Logger.Error("marking scheduled task failed", "task_id", taskID, "error", markErr)
			}
			return fmt.Errorf("running scheduled upgrade: %w", err)
		}

		if err := app.Store.MarkTaskCompleted(cmd.Context(), taskID); err != nil {
			return fmt.Errorf("marking task completed: %w", err)
		}

		fmt.Printf("strategy: %s\n", result.Strategy.Kind)
		fmt.Printf("target version: %s\n", result.Strategy.TargetVersion)
		return nil
	},
}

// delayDuration converts a --time/--unit pair into a time.Duration.
func delayDuration(n int, unit string) (time.Duration, error) {
	if n < 0 {
		return 0, fmt.Errorf("--time must not be negative")
	}
	switch unit {
	case "minutes", "minute":
		return time.Duration(n) * time.Minute, nil
	case "hours", "hour":
		return time.Duration(n) * time.Hour, nil
	case "days", "day":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("--unit must be one of: hours, minutes, days (got %q)", unit)
	}
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "override COMPOSE_PROJECT_NAME")
	runCmd.Flags().BoolVar(&runForce, "force-full", false, "force a full upgrade regardless of the strategy decider")
	runCmd.Flags().IntVar(&runPort, "port", 0, "informational frontend port, logged but not otherwise used")

	delayTimeDeployCmd.Flags().IntVar(&delayTime, "time", 0, "delay amount")
	delayTimeDeployCmd.Flags().StringVar(&delayUnit, "unit", "hours", "delay unit: hours, minutes, or days")
	_ = delayTimeDeployCmd.MarkFlagRequired("time")

	autoUpgradeDeployCmd.AddCommand(runCmd)
	autoUpgradeDeployCmd.AddCommand(delayTimeDeployCmd)
}
