package cmds

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/tubechat/pkg/chat"
	"github.com/go-go-golems/tubechat/pkg/chatui"
	"github.com/go-go-golems/tubechat/pkg/gateway"
	"github.com/go-go-golems/tubechat/pkg/observer"
)

func observerOptions(a *App) []observer.Option {
	cfg := a.Config.Observer
	return []observer.Option{
		observer.WithSettleDelay(cfg.SettleDelay),
		observer.WithSelectors(cfg.Selectors),
		observer.WithFetcher(observer.NewHTTPFetcher(
			observer.WithRate(cfg.FetchRate),
			observer.WithUserAgent(cfg.UserAgent),
		)),
	}
}

func pruneConversations(ctx context.Context, rt *runtime) {
	n, err := chat.NewConversationStore(rt.store, rt.cfg.Chat.Retention).Prune(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Msg("pruning stale conversations failed")
		return
	}
	if n > 0 {
		log.Info().Str("component", "chat").Int("pruned", n).Msg("dropped stale conversations")
	}
}

type serveOptions struct {
	addr        string
	observer    bool
	chat        bool
	fallbackURL string
}

// serve hosts the relay and gateway and, optionally, page observers and the
// chat TUI. Quitting the TUI stops everything.
func serve(cmd *cobra.Command, a *App, opts serveOptions) error {
	if opts.chat {
		if err := a.LogToFile(cmd, "tubechat.log"); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := a.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	pruneConversations(ctx, rt)

	var gwOpts []gateway.Option
	var registry *observer.Registry
	if opts.observer {
		registry = observer.NewRegistry(ctx, rt.bus, rt.client, observerOptions(a)...)
		gwOpts = append(gwOpts, gateway.WithNavigator(registry))
	}
	gw := gateway.NewServer(rt.client, gwOpts...)
	if err := gw.Attach(); err != nil {
		return err
	}

	var session *chatui.Session
	if opts.chat {
		session = newSession(a, rt)
	}

	if err := rt.bus.Start(ctx); err != nil {
		return errors.Wrap(err, "start bus")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		if registry != nil {
			registry.Wait()
		}
		return nil
	})
	if opts.addr != "" {
		eg.Go(func() error {
			return gw.ListenAndServe(ctx, opts.addr)
		})
	}
	if session != nil {
		eg.Go(func() error {
			defer cancel()
			return chatui.Run(ctx, session, rt.client, chatui.WithFallbackURL(opts.fallbackURL))
		})
	}

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func NewRunCommand(a *App) *cobra.Command {
	opts := serveOptions{observer: true}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay, page observers and HTTP gateway in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				opts.addr = a.Config.Gateway.Addr
			}
			return serve(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "gateway listen address (default from config)")
	cmd.Flags().BoolVar(&opts.chat, "chat", false, "also open the chat TUI")
	cmd.Flags().StringVar(&opts.fallbackURL, "url", "", "with --chat, watch page to use when no video was detected")
	return cmd
}

func NewRelayCommand(a *App) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay service and the HTTP gateway",
		Long:  "Run the relay service. With the redis bus, observers and chat windows in other processes reach it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				opts.addr = a.Config.Gateway.Addr
			}
			return serve(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "gateway listen address, empty to disable")
	return cmd
}
