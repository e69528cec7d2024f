package cmds

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/chat"
	"github.com/go-go-golems/tubechat/pkg/statestore"
)

type StateDumpCommand struct {
	*cmds.CommandDescription
	app *App
}

type StateDumpSettings struct {
	Prefix string `glazed:"prefix"`
}

func NewStateDumpCommand(a *App) (*StateDumpCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"dump",
		cmds.WithShort("List every stored key and its value"),
		cmds.WithLong("List the keys of the local state store with their decoded JSON values, in key order."),
		cmds.WithFlags(
			fields.New(
				"prefix",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only keys with this prefix (chat_ lists conversations)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &StateDumpCommand{CommandDescription: desc, app: a}, nil
}

func (c *StateDumpCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &StateDumpSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := statestore.Open(c.app.Config.State)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := stateRows(ctx, store, s.Prefix)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &StateDumpCommand{}

// stateRows renders every key under prefix as a key/value row, in key order.
func stateRows(ctx context.Context, store statestore.Store, prefix string) ([]types.Row, error) {
	dump, err := statestore.Dump(ctx, store, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(dump))
	for k := range dump {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]types.Row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, types.NewRow(
			types.MRP("key", k),
			types.MRP("value", dump[k]),
		))
	}
	return rows, nil
}

func NewStateCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "state",
		Short: "Inspect and maintain local state",
	}

	dumpCmd, err := NewStateDumpCommand(a)
	cobra.CheckErr(err)
	cobraDumpCmd, err := cli.BuildCobraCommand(dumpCmd)
	cobra.CheckErr(err)
	root.AddCommand(cobraDumpCmd)

	root.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete conversations older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := statestore.Open(a.Config.State)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			n, err := chat.NewConversationStore(store, a.Config.Chat.Retention).Prune(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d conversations\n", n)
			return nil
		},
	})
	return root
}
