package cmds

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/observer"
)

type ObserveCommand struct {
	*cmds.CommandDescription
	app   *App
	stdin io.Reader
}

type ObserveSettings struct {
	Context string   `glazed:"context"`
	URLs    []string `glazed:"urls"`
}

func NewObserveCommand(a *App) (*ObserveCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"observe",
		cmds.WithShort("Watch page locations and report detected videos to the relay"),
		cmds.WithLong("Feed page locations to an observer, from the arguments or one per line on stdin. "+
			"Each new video is extracted and sent to the relay. The observer's last video is emitted at the end."),
		cmds.WithFlags(
			fields.New(
				"context",
				fields.TypeString,
				fields.WithDefault(observer.DefaultContextID),
				fields.WithHelp("Viewing context id of this observer"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"urls",
				fields.TypeStringList,
				fields.WithHelp("Page locations to visit in order (stdin when empty)"),
				fields.WithDefault([]string{}),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ObserveCommand{CommandDescription: desc, app: a, stdin: os.Stdin}, nil
}

func (c *ObserveCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ObserveSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := c.app.openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	o := observer.New(s.Context, rt.client, observerOptions(c.app)...)
	if err := o.Bind(rt.bus); err != nil {
		return err
	}
	if err := rt.bus.Start(ctx); err != nil {
		return errors.Wrap(err, "start bus")
	}

	if err := o.Run(ctx, feedLocations(ctx, s.URLs, c.stdin)); err != nil {
		return err
	}
	return gp.AddRow(ctx, videoRow(o.CurrentResource()))
}

var _ cmds.GlazeCommand = &ObserveCommand{}

// feedLocations yields urls in order, or the non-blank lines of r when urls is empty.
func feedLocations(ctx context.Context, urls []string, r io.Reader) <-chan string {
	locations := make(chan string)
	go func() {
		defer close(locations)
		send := func(loc string) bool {
			select {
			case locations <- loc:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if len(urls) > 0 {
			for _, loc := range urls {
				if !send(loc) {
					return
				}
			}
			return
		}
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			loc := strings.TrimSpace(sc.Text())
			if loc == "" {
				continue
			}
			if !send(loc) {
				return
			}
		}
	}()
	return locations
}
