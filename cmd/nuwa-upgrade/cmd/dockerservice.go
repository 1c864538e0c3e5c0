package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dockerServiceCmd = &cobra.Command{
	Use:   "docker-service",
	Short: "Control the managed docker-compose stack directly",
}

var dockerServiceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start all compose services",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()
		if err := app.Containers.StartServices(cmd.Context()); err != nil {
			return fmt.Errorf("starting services: %w", err)
		}
		fmt.Println("services started")
		return nil
	},
}

var dockerServiceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all compose services",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()
		if err := app.Containers.StopServices(cmd.Context()); err != nil {
			return fmt.Errorf("stopping services: %w", err)
		}
		fmt.Println("services stopped")
		return nil
	},
}

var dockerServiceRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart all compose services",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()
		if err := app.Containers.RestartServices(cmd.Context()); err != nil {
			return fmt.Errorf("restarting services: %w", err)
		}
		fmt.Println("services restarted")
		return nil
	},
}

var dockerServiceRestartContainerCmd = &cobra.Command{
	Use:   "restart-container NAME",
	Short: "Restart a single named service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()
		if err := app.Containers.RestartService(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("restarting service %s: %w", args[0], err)
		}
		fmt.Printf("service %s restarted\n", args[0])
		return nil
	},
}

var dockerServiceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every compose service",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, "")
		if err != nil {
			return err
		}
		defer app.Store.Close()

		services, err := app.Containers.GetServicesStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting service status: %w", err)
		}
		for _, s := range services {
			fmt.Printf("%s\t%s\t%s\n", s.ServiceName, s.Status, s.ContainerID)
		}

		report, err := app.Health.Check(cmd.Context())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		fmt.Println(report.Summary())
		return nil
	},
}

func init() {
	dockerServiceCmd.AddCommand(dockerServiceStartCmd)
	dockerServiceCmd.AddCommand(dockerServiceStopCmd)
	dockerServiceCmd.AddCommand(dockerServiceRestartCmd)
	dockerServiceCmd.AddCommand(dockerServiceRestartContainerCmd)
	dockerServiceCmd.AddCommand(dockerServiceStatusCmd)
}
