package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vrsandeep/pplx-kit/internal/core"
)

// openApp builds the application from config.yml and PPLX_* variables.
var openApp = core.New

type rootOptions struct {
	verbose bool
}

// load opens the application, raising the log level when --verbose is set.
func (o *rootOptions) load() (*core.App, error) {
	app, err := openApp()
	if err != nil {
		return nil, err
	}
	if o.verbose {
		app.Logger().SetLevel("debug")
	}
	return app, nil
}

// NewRootCmd returns the pplx-cli command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "pplx-cli",
		Short:        "Manage the plugins of a pplx-kit host",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "show verbose")
	root.AddCommand(newPluginsCmd(opts), newVersionCmd())
	return root
}

// Execute executes the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the host version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(core.Version)
		},
	}
}
