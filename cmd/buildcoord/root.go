package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/buildcoord/pkg/version"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "buildcoord",
		Short: "Build coordinator liveness and failover",
		Long: `buildcoord runs a build coordinator master. Masters heartbeat into a
shared record store, sweep for peers that went silent, and reclaim the builds,
steps, logs and build requests a dead master left behind.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "buildcoord.yaml", "path to the YAML configuration file")
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate(version.String() + "\n")

	cmd.AddCommand(
		newServeCmd(opts),
		newExpireCmd(opts),
		newStopCmd(opts),
		newWorkersCmd(opts),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
