package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/chat"
	"github.com/go-go-golems/tubechat/pkg/chatui"
)

func newSession(a *App, rt *runtime) *chatui.Session {
	cfg := a.Config.Chat
	return chatui.NewSession(
		chatui.NewBusAsker(rt.client),
		chat.NewConversationStore(rt.store, cfg.Retention),
		chatui.WithMaxMessageLength(cfg.MaxMessageLength),
		chatui.WithHistoryLimit(cfg.HistoryLimit),
	)
}

func NewChatCommand(a *App) *cobra.Command {
	var fallbackURL string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the chat window for the current video",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.LogToFile(cmd, "tubechat.log"); err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rt, err := a.openRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.bus.Start(ctx); err != nil {
				return errors.Wrap(err, "start bus")
			}
			err = chatui.Run(ctx, newSession(a, rt), rt.client, chatui.WithFallbackURL(fallbackURL))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fallbackURL, "url", "", "watch page to use when the relay knows no video")
	return cmd
}
