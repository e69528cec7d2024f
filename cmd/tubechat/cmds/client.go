package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/chat"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

// withClient opens a runtime, starts its bus and hands fn a client.
func withClient(ctx context.Context, a *App, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt, err := a.openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.bus.Start(ctx); err != nil {
		return errors.Wrap(err, "start bus")
	}
	return fn(ctx, rt)
}

func videoRow(d resource.Descriptor) types.Row {
	return types.NewRow(
		types.MRP("video_id", d.ID),
		types.MRP("title", d.Title),
		types.MRP("channel", d.Channel),
		types.MRP("url", d.URL),
		types.MRP("detected_at_ms", d.DetectedAtMs),
	)
}

func healthRow(h bus.HealthResult) types.Row {
	return types.NewRow(
		types.MRP("success", h.Success),
		types.MRP("status", h.Status),
		types.MRP("code", h.Code),
		types.MRP("error", h.Error),
	)
}

func statusRow(st bus.APIStatus) types.Row {
	return types.NewRow(
		types.MRP("api_endpoint", st.APIEndpoint),
		types.MRP("is_configured", st.IsConfigured),
	)
}

func NewAskCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question about the current video",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return withClient(cmd.Context(), a, func(ctx context.Context, rt *runtime) error {
				resp, err := rt.client.Chat(ctx, question, nil)
				if err != nil {
					return err
				}
				if !resp.Success {
					fmt.Fprintln(cmd.ErrOrStderr(), resp.Response)
					return errors.Errorf("ask failed: %s", resp.Error)
				}
				text := chat.NewAnswer(resp.Response, resp.Confidence, time.Now()).DisplayText(chat.DefaultConfidenceThreshold)
				if isatty.IsTerminal(os.Stdout.Fd()) {
					if out, err := glamour.Render(text, "dark"); err == nil {
						text = out
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(text, "\n"))
				return nil
			})
		},
	}
}

type HealthCommand struct {
	*cmds.CommandDescription
	app *App
}

func NewHealthCommand(a *App) (*HealthCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"health",
		cmds.WithShort("Check whether the QA API is reachable"),
		cmds.WithLong("Ask the relay to call the QA health endpoint. Exits non-zero when the API is not healthy."),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &HealthCommand{CommandDescription: desc, app: a}, nil
}

func (c *HealthCommand) RunIntoGlazeProcessor(ctx context.Context, _ *values.Values, gp middlewares.Processor) error {
	return withClient(ctx, c.app, func(ctx context.Context, rt *runtime) error {
		h, err := rt.client.Health(ctx)
		if err != nil {
			return err
		}
		if err := gp.AddRow(ctx, healthRow(h)); err != nil {
			return err
		}
		if !h.Success {
			return errors.Errorf("api %s", h.Status)
		}
		return nil
	})
}

var _ cmds.GlazeCommand = &HealthCommand{}

type EndpointGetCommand struct {
	*cmds.CommandDescription
	app *App
}

func NewEndpointGetCommand(a *App) (*EndpointGetCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"get",
		cmds.WithShort("Show the configured endpoint"),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &EndpointGetCommand{CommandDescription: desc, app: a}, nil
}

func (c *EndpointGetCommand) RunIntoGlazeProcessor(ctx context.Context, _ *values.Values, gp middlewares.Processor) error {
	return withClient(ctx, c.app, func(ctx context.Context, rt *runtime) error {
		st, err := rt.client.Status(ctx)
		if err != nil {
			return err
		}
		return gp.AddRow(ctx, statusRow(st))
	})
}

var _ cmds.GlazeCommand = &EndpointGetCommand{}

func NewEndpointCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "endpoint",
		Short: "Show or change the QA API endpoint",
	}
	getCmd, err := NewEndpointGetCommand(a)
	cobra.CheckErr(err)
	cobraGetCmd, err := cli.BuildCobraCommand(getCmd)
	cobra.CheckErr(err)
	root.AddCommand(cobraGetCmd)

	root.AddCommand(&cobra.Command{
		Use:   "set [url]",
		Short: "Set the endpoint; prompts when no url is given. An empty value clears it.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), a, func(ctx context.Context, rt *runtime) error {
				var endpoint string
				if len(args) == 1 {
					endpoint = args[0]
				} else {
					current, err := rt.client.Status(ctx)
					if err != nil {
						return err
					}
					ui := &input.UI{
						Writer: cmd.OutOrStdout(),
						Reader: os.Stdin,
					}
					endpoint, err = ui.Ask("QA API endpoint", &input.Options{
						Default:  current.APIEndpoint,
						Required: false,
						Loop:     true,
						ValidateFunc: func(s string) error {
							s = strings.TrimSpace(s)
							if s == "" || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
								return nil
							}
							return errors.New("endpoint must start with http:// or https://")
						},
					})
					if err != nil {
						return errors.Wrap(err, "read endpoint")
					}
				}
				if err := rt.client.SetEndpoint(ctx, strings.TrimSpace(endpoint)); err != nil {
					return err
				}
				st, err := rt.client.Status(ctx)
				if err != nil {
					return err
				}
				if !st.IsConfigured {
					fmt.Fprintln(cmd.OutOrStdout(), "endpoint cleared")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "endpoint set to %s\n", st.APIEndpoint)
				return nil
			})
		},
	})
	return root
}

type VideoCommand struct {
	*cmds.CommandDescription
	app *App
}

type VideoSettings struct {
	Context string `glazed:"context"`
}

func NewVideoCommand(a *App) (*VideoCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"video",
		cmds.WithShort("Show the current video held by the relay, or by one observer"),
		cmds.WithFlags(
			fields.New(
				"context",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Ask the observer of this viewing context"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &VideoCommand{CommandDescription: desc, app: a}, nil
}

func (c *VideoCommand) RunIntoGlazeProcessor(ctx context.Context, parsedValues *values.Values, gp middlewares.Processor) error {
	s := &VideoSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withClient(ctx, c.app, func(ctx context.Context, rt *runtime) error {
		d, err := rt.client.CurrentVideo(ctx, s.Context)
		if err != nil {
			if errors.Is(err, bus.ErrNoResponse) && s.Context != "" {
				return errors.Wrapf(err, "no observer answers for context %q", s.Context)
			}
			return err
		}
		return gp.AddRow(ctx, videoRow(d))
	})
}

var _ cmds.GlazeCommand = &VideoCommand{}
