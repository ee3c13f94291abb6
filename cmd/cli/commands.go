package main

import (
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/geniusdynamics/upgradeapp/internal/backup"
	"github.com/geniusdynamics/upgradeapp/internal/config"
	"github.com/geniusdynamics/upgradeapp/internal/service"
	"github.com/geniusdynamics/upgradeapp/internal/updater"
)

const backendArgs = "[app|docker|podman]"

// backend returns the backend named on the command line, defaulting to the
// configured upgrade_type.
func (c *cli) backend(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return c.conf.GetString(config.KeyUpgradeType, updater.AppBackend)
}

// run executes req and turns a failed result into a red message and exit 1.
func (c *cli) run(cmd *cobra.Command, req service.Request) (*service.Result, error) {
	logger.Infof("UpgradeApp - Starting %s %s", req.Backend, req.Action)
	res, err := c.service().Run(cmd.Context(), req)
	if err != nil {
		c.println(color.RedString(res.Message))
		return res, &SilentExitError{Code: 1}
	}
	return res, nil
}

func (c *cli) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list " + backendArgs,
		Short: "List installed packages or containers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.run(cmd, service.Request{Backend: c.backend(args), Action: service.ActionList})
			if err != nil {
				return err
			}
			if len(res.Items) == 0 {
				c.println("No items found")
				return nil
			}
			c.printf("Found %d items:\n", len(res.Items))
			for _, item := range res.Items {
				c.printf("  - %s\n", item)
			}
			return nil
		},
	}
}

func (c *cli) newCheckCmd() *cobra.Command {
	var item string
	cmd := &cobra.Command{
		Use:   "check " + backendArgs,
		Short: "Check for available updates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Infof("Checking for updates...")
			res, err := c.run(cmd, service.Request{Backend: c.backend(args), Action: service.ActionCheck, Item: item})
			if err != nil {
				return err
			}
			if len(res.Updates) == 0 {
				c.println("No updates available")
				return nil
			}
			names := make([]string, 0, len(res.Updates))
			for name := range res.Updates {
				names = append(names, name)
			}
			sort.Strings(names)
			c.printf("Found %d updates available:\n", len(res.Updates))
			for _, name := range names {
				c.printf("  - %s: %s\n", name, res.Updates[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "Specific item to target")
	return cmd
}

func (c *cli) newUpgradeCmd() *cobra.Command {
	var (
		item   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "upgrade " + backendArgs,
		Short: "Upgrade packages or containers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				logger.Infof("Performing dry run...")
			}
			logger.Infof("Starting upgrade...")
			res, err := c.service().Run(cmd.Context(), service.Request{
				Backend: c.backend(args),
				Action:  service.ActionUpgrade,
				Item:    item,
				DryRun:  dryRun,
			})
			if res != nil && res.Upgrade != nil {
				for _, action := range res.Upgrade.Actions {
					c.printf("  %s\n", action)
				}
				for _, warning := range res.Upgrade.Warnings {
					c.println(color.YellowString("  ! %s", warning))
				}
			}
			if res != nil && res.Snapshot != "" {
				c.printf("Inventory snapshot: %s\n", res.Snapshot)
			}
			if err != nil || !res.Success {
				if errors.Is(err, updater.ErrUnavailable) {
					c.println(color.RedString(res.Message))
				} else {
					c.println(color.RedString("Upgrade failed"))
					if res != nil && res.Message != "" {
						c.println(color.RedString("  %s", res.Message))
					}
				}
				return &SilentExitError{Code: 1}
			}
			c.println(color.GreenString("Upgrade completed successfully"))
			if res.Message != "" {
				c.printf("  %s\n", res.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "Specific item to target")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Perform a dry run without making actual changes")
	return cmd
}

func (c *cli) newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List supported backends and whether they are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, status := range c.service().Backends(cmd.Context()) {
				state := color.RedString("not available")
				if status.Available {
					state = color.GreenString("available")
				}
				c.printf("%-8s %s\n", status.Name, state)
			}
			return nil
		},
	}
}

func (c *cli) newBackupsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backups " + backendArgs,
		Short: "Show pre-upgrade inventory snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := strings.ToLower(c.backend(args))
			if !updater.DefaultRegistry().Has(backend) {
				return errors.NotSupportedf("unsupported backend %q", backend)
			}

			m, err := backup.Open(c.conf.BackupDir())
			if err != nil {
				return errors.Trace(err)
			}
			entries, err := m.History(backend, limit)
			if err != nil {
				return errors.Trace(err)
			}
			if len(entries) == 0 {
				c.printf("No snapshots for %s in %s\n", backend, m.Dir())
				return nil
			}
			for _, e := range entries {
				c.printf("%s  %s  %s\n", e.Hash[:12], e.When.Local().Format("2006-01-02 15:04:05"), e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of snapshots to show (0 for all)")
	return cmd
}
