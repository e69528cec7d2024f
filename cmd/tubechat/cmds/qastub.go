package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/qastub"
)

func NewQAStubCommand(a *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "qa-stub",
		Short: "Serve a local stand-in for the QA API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = a.Config.QAStub.Addr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           qastub.New(qastub.WithService(a.Config.QAStub.Service)).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("component", "qastub").Str("addr", addr).Msg("serving QA stub")
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
