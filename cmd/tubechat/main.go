package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/cmd/tubechat/cmds"
)

func main() {
	app := &cmds.App{}
	rootCmd := &cobra.Command{
		Use:          "tubechat",
		Short:        "Chat about the YouTube video you are watching",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.InitLoggerFromCobra(cmd); err != nil {
				return err
			}
			return app.Init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}

	err := clay.InitGlazed("tubechat", rootCmd)
	cobra.CheckErr(err)
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	app.AddFlags(rootCmd)

	rootCmd.AddCommand(
		cmds.NewRunCommand(app),
		cmds.NewRelayCommand(app),
		buildGlazed(cmds.NewObserveCommand(app)),
		cmds.NewChatCommand(app),
		cmds.NewAskCommand(app),
		buildGlazed(cmds.NewHealthCommand(app)),
		cmds.NewEndpointCommand(app),
		buildGlazed(cmds.NewVideoCommand(app)),
		cmds.NewStateCommand(app),
		cmds.NewConfigCommand(app),
		cmds.NewQAStubCommand(app),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func buildGlazed(c glazed_cmds.Command, err error) *cobra.Command {
	cobra.CheckErr(err)
	cmd, err := cli.BuildCobraCommand(c)
	cobra.CheckErr(err)
	return cmd
}
