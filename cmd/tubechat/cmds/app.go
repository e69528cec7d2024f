package cmds

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/config"
	"github.com/go-go-golems/tubechat/pkg/relay"
	"github.com/go-go-golems/tubechat/pkg/statestore"
)

// App carries the global flags and the loaded configuration. Logging flags
// belong to the glazed logging section on the root command.
type App struct {
	ConfigPath string
	BusDriver  string
	RedisAddr  string
	StateDSN   string

	Config  *config.Config
	logFile *os.File
}

func (a *App) AddFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&a.ConfigPath, "config-file", "", "config file (default ./tubechat.toml or $HOME/.tubechat.toml)")
	f.StringVar(&a.BusDriver, "bus", "", "message bus driver (gochannel or redis)")
	f.StringVar(&a.RedisAddr, "redis-addr", "", "redis address for the bus")
	f.StringVar(&a.StateDSN, "state-dsn", "", "sqlite file holding local state")
}

func (a *App) overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			out[key] = value
		}
	}
	set("bus", "bus.driver", a.BusDriver)
	set("redis-addr", "bus.redis_addr", a.RedisAddr)
	set("state-dsn", "state.dsn", a.StateDSN)
	return out
}

// Init loads the configuration. It runs before every subcommand, after the
// logger is set up.
func (a *App) Init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.ConfigPath, a.overrides(cmd))
	if err != nil {
		return err
	}
	a.Config = cfg
	if cfg.Source != "" {
		log.Debug().Str("file", cfg.Source).Msg("loaded configuration")
	}
	return nil
}

// LogToFile moves logging off the terminal for commands that draw a TUI,
// unless --log-file already sends it elsewhere.
func (a *App) LogToFile(cmd *cobra.Command, fallback string) error {
	if f := cmd.Flags().Lookup("log-file"); f != nil && f.Value.String() != "" {
		return nil
	}
	f, err := os.OpenFile(fallback, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open log file %s", fallback)
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	a.logFile = f
	return nil
}

func (a *App) Close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

// runtime is a bus connection plus the local state store. With the gochannel
// driver the bus only spans this process, so a relay is always hosted here.
type runtime struct {
	cfg    *config.Config
	bus    *bus.Bus
	client *bus.Client
	store  statestore.Store
	relay  *relay.Service
}

func (a *App) openRuntime(ctx context.Context, hostRelay bool) (*runtime, error) {
	cfg := a.Config
	b, err := bus.Open(cfg.Bus)
	if err != nil {
		return nil, err
	}
	store, err := statestore.Open(cfg.State)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	rt := &runtime{cfg: cfg, bus: b, client: bus.NewClient(b), store: store}

	if hostRelay || cfg.Bus.Driver == "" || cfg.Bus.Driver == bus.DriverGoChannel {
		svc, err := relay.New(ctx, relay.Options{
			Store:         store,
			Endpoints:     cfg.Relay.Endpoints(),
			AskTimeout:    cfg.Relay.AskTimeout,
			HealthTimeout: cfg.Relay.HealthTimeout,
			FocusTimeout:  cfg.Relay.FocusTimeout,
			HistoryLimit:  cfg.Relay.HistoryLimit,
			UserAgent:     cfg.Relay.UserAgent,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := relay.BindBus(b, svc); err != nil {
			rt.Close()
			return nil, errors.Wrap(err, "bind relay")
		}
		rt.relay = svc
		log.Debug().Str("component", "relay").Str("bus", cfg.Bus.Driver).Msg("relay hosted in this process")
	}
	return rt, nil
}

func (r *runtime) Close() {
	if err := r.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("bus close failed")
	}
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("state store close failed")
	}
}
