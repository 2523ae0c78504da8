package main

import (
	"github.com/spf13/cobra"
)

func newExpireCmd(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Run one expiry sweep",
		Long: `Deactivates every active master whose last heartbeat is older than
master.expiry_threshold. With --force-housekeeping, work still held by masters
that are already inactive is reclaimed too.`,
		Example: `  buildcoord expire --config buildcoord.yaml
  buildcoord expire --config buildcoord.yaml --force-housekeeping`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			c, err := newCoordinator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			return c.tracker.ExpireStale(cmd.Context(), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force-housekeeping", false, "also reclaim work of stale masters that are already inactive")
	return cmd
}
