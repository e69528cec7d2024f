package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/config"
)

func NewConfigCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Manage the tubechat configuration",
	}
	root.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tubechat.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.InitFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.Config.YAML()
			if err != nil {
				return err
			}
			if a.Config.Source != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# from %s\n", a.Config.Source)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return root
}
