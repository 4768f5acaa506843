package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfgpkg "exploratory-testing-support/internal/infrastructure/config"
	obs "exploratory-testing-support/internal/infrastructure/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           obs.Name,
	Short:         "Exploratory testing session recorder",
	Long:          "Records exploratory testing sessions: a coordinator owns the session lifecycle\nand page agents capture console, network, error and interaction telemetry into it.",
	Version:       obs.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TESTASSIST_CONFIG"), "YAML config file")
	rootCmd.AddCommand(serveCmd, agentCmd, statusCmd, reportCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (cfgpkg.Config, error) {
	return cfgpkg.Load(configPath)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := obs.Build()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s", b.Name, b.Version, b.Commit)
		if b.Date != "" {
			fmt.Fprintf(cmd.OutOrStdout(), ", built %s", b.Date)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ")")
		return nil
	},
}
