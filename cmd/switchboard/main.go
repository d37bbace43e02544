package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "switchboard is a multi-tenant chat session gateway",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the session ledger",
}

func main() {
	cobra.CheckErr(clay.InitGlazed("switchboard", rootCmd))

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	serveCmd, err := NewServeCommand()
	cobra.CheckErr(err)
	cobraServeCmd, err := cli.BuildCobraCommand(serveCmd, cli.WithCobraMiddlewaresFunc(getMiddlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(cobraServeCmd)

	listCmd, err := NewSessionsListCommand()
	cobra.CheckErr(err)
	cobraListCmd, err := cli.BuildCobraCommand(listCmd, cli.WithCobraMiddlewaresFunc(getMiddlewares))
	cobra.CheckErr(err)
	sessionsCmd.AddCommand(cobraListCmd)
	rootCmd.AddCommand(sessionsCmd)

	cobra.CheckErr(rootCmd.Execute())
}

// getMiddlewares resolves values from flags, then SWITCHBOARD_* environment variables, then defaults.
func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("SWITCHBOARD",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
