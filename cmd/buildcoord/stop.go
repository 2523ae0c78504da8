package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/store"
)

func newStopCmd(root *rootOptions) *cobra.Command {
	var (
		id   int64
		name string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Mark a master stopped and reclaim its work",
		Long: `Marks the master inactive and runs its deactivation immediately.
A master that is already inactive is left alone. Deactivation errors are
reported and the master is retried by the next sweep.`,
		Example: `  buildcoord stop --config buildcoord.yaml --id 14
  buildcoord stop --config buildcoord.yaml --name some:master`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 && name == "" {
				return fmt.Errorf("one of --id or --name is required")
			}

			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			c, err := newCoordinator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if id == 0 {
				if id, err = lookupMasterID(ctx, c.store, name); err != nil {
					return err
				}
			}
			if name == "" {
				m, err := c.store.GetMaster(ctx, id)
				if err != nil {
					return err
				}
				name = m.Name
			}

			if err := c.tracker.RecordStopped(ctx, name, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "master %d (%s) stopped\n", id, name)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "master id")
	cmd.Flags().StringVar(&name, "name", "", "master name")
	return cmd
}

// lookupMasterID finds a master by name without creating it.
func lookupMasterID(ctx context.Context, s store.MasterStore, name string) (int64, error) {
	masters, err := s.GetMasters(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range masters {
		if m.Name == name {
			return m.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", buildcoord.ErrMasterNotFound, name)
}
