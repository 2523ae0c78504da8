package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getpup/buildcoord/provision"
)

func newWorkersCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List the configured latent workers",
		Long: `Validates every entry of latent_workers and prints it with defaults
applied: network placement, image selection and spot pricing policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cfg.LatentWorkers) == 0 {
				fmt.Fprintln(out, "no latent workers configured")
				return nil
			}
			for _, wc := range cfg.LatentWorkers {
				w, err := provision.NewLatentWorker(wc, provision.NewMockDriver(), nil)
				if err != nil {
					return fmt.Errorf("latent worker %s: %w", wc.Name, err)
				}
				describeWorker(out, w.Config())
			}
			return nil
		},
	}
}

func describeWorker(out io.Writer, c provision.Config) {
	placement := "default"
	switch {
	case c.SubnetID != "":
		placement = "vpc subnet " + c.SubnetID
	case c.SecurityName != "":
		placement = "classic security group " + c.SecurityName
	}

	image := c.ImageID
	if image == "" {
		image = "newest"
		if len(c.ImageOwners) > 0 {
			image += " owned by " + strings.Join(c.ImageOwners, ",")
		}
		if c.ImageLocationRegex != "" {
			image += " matching " + c.ImageLocationRegex
		}
	}

	pricing := "on-demand"
	if c.Spot {
		switch {
		case c.PriceMultiplier != nil && c.MaxSpotPrice != nil:
			pricing = fmt.Sprintf("spot %.2fx average, max %.4f", *c.PriceMultiplier, *c.MaxSpotPrice)
		case c.PriceMultiplier != nil:
			pricing = fmt.Sprintf("spot %.2fx average", *c.PriceMultiplier)
		default:
			pricing = fmt.Sprintf("spot max %.4f", *c.MaxSpotPrice)
		}
	}

	fmt.Fprintf(out, "%s: %s, %s, image %s, %s, %d block devices\n",
		c.Name, c.InstanceType, placement, image, pricing, len(c.BlockDevices))
}
