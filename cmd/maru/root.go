package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/doctor"
)

var version = "dev"

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "maru",
		Short:         "Multi-channel conversational agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: env only)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check workspace, stores, provider keys, and channel tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			checks := doctor.Run(cfg)
			cmd.Print(doctor.Format(checks))
			if !doctor.Healthy(checks) {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("maru", version)
		},
	}

	root.AddCommand(serveCmd, doctorCmd, buildDLQCmd(&configPath), versionCmd)
	return root
}
