package main

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/geniusdynamics/upgradeapp/internal/config"
)

func (c *cli) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.printf("# %s\n", c.path())
			config.PrintConfig(c.stdout, c.conf)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.path()
			if err := config.CreateDefaultConfigAt(path); err != nil {
				return errors.Annotate(err, "creating default configuration")
			}
			c.printf("Default configuration created at: %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  `Set a configuration value. The value is parsed as JSON (true, 3, "text") and kept as a string when it is not valid JSON.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.conf.Set(args[0], parseValue(args[1]))
			if err := c.conf.Save(c.path()); err != nil {
				return errors.Trace(err)
			}
			c.printf("%s = %v\n", args[0], parseValue(args[1]))
			return nil
		},
	})
	return cmd
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
