package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/pplx-kit/internal/plugins"
	"github.com/vrsandeep/pplx-kit/internal/storage"
)

func newPluginsCmd(opts *rootOptions) *cobra.Command {
	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage installed plugins",
	}
	pluginsCmd.AddCommand(
		newPluginsListCmd(opts),
		newPluginsInstallCmd(opts),
		newPluginsSetEnabledCmd(opts),
	)
	return pluginsCmd
}

func newPluginsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the plugins in the plugins directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.load()
			if err != nil {
				return err
			}
			defer app.Close()

			found, err := plugins.Discover(app.Config().Plugins.Path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tENABLED\tDEPENDENCIES\tPATH")
			for _, d := range found.Plugins {
				enabled, _, err := storage.Get[bool](cmd.Context(), app.Storage(), plugins.EnabledKey(d.Manifest.ID))
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%v\t%s\n", d.Manifest.ID, d.Manifest.Version, enabled, d.Manifest.Dependencies, d.Path)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for path, msg := range found.Failed {
				cmd.PrintErrf("skipped %s: %s\n", path, msg)
			}
			return nil
		},
	}
}

func newPluginsInstallCmd(opts *rootOptions) *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "install <bundle>",
		Short: "Install a plugin bundle (zip or tar archive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.load()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := plugins.InstallBundle(cmd.Context(), args[0], app.Config().Plugins.Path, force)
			if err != nil {
				return err
			}
			if res.PreviousVersion != "" {
				cmd.Printf("Replaced %s %s with %s\n", res.Manifest.ID, res.PreviousVersion, res.Manifest.Version)
			} else {
				cmd.Printf("Installed %s %s\n", res.Manifest.ID, res.Manifest.Version)
			}
			return nil
		},
	}
	c.Flags().BoolVarP(&force, "force", "f", false, "replace a newer installed version")
	return c
}

func newPluginsSetEnabledCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-enabled <id> <true|false>",
		Short: "Set the persisted enabled flag used at start-up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}

			app, err := opts.load()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Storage().Set(cmd.Context(), plugins.EnabledKey(args[0]), enabled); err != nil {
				return err
			}
			cmd.Printf("%s enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}
