// Package config layers tubechat settings: built-in defaults, then a TOML
// file, then TUBECHAT_ environment variables, then command line overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/observer"
	"github.com/go-go-golems/tubechat/pkg/relay"
	"github.com/go-go-golems/tubechat/pkg/statestore"
)

const EnvPrefix = "TUBECHAT_"

// DefaultPaths are tried in order when no explicit file is given.
var DefaultPaths = []string{"./tubechat.toml", "$HOME/.tubechat.toml"}

type RelaySettings struct {
	QueryURL      string        `koanf:"query_url"`
	HealthURL     string        `koanf:"health_url"`
	AskTimeout    time.Duration `koanf:"ask_timeout"`
	HealthTimeout time.Duration `koanf:"health_timeout"`
	FocusTimeout  time.Duration `koanf:"focus_timeout"`
	HistoryLimit  int           `koanf:"history_limit"`
	UserAgent     string        `koanf:"user_agent"`
}

func (r RelaySettings) Endpoints() relay.EndpointConfig {
	return relay.EndpointConfig{QueryURL: r.QueryURL, HealthURL: r.HealthURL}
}

type ObserverSettings struct {
	SettleDelay time.Duration      `koanf:"settle_delay"`
	FetchRate   float64            `koanf:"fetch_rate"`
	UserAgent   string             `koanf:"user_agent"`
	Selectors   observer.Selectors `koanf:"selectors"`
}

type ChatSettings struct {
	Retention        time.Duration `koanf:"retention"`
	MaxMessageLength int           `koanf:"max_message_length"`
	HistoryLimit     int           `koanf:"history_limit"`
}

type GatewaySettings struct {
	Addr string `koanf:"addr"`
}

type QAStubSettings struct {
	Addr    string `koanf:"addr"`
	Service string `koanf:"service"`
}

type Config struct {
	Bus      bus.Settings        `koanf:"bus"`
	State    statestore.Settings `koanf:"state"`
	Relay    RelaySettings       `koanf:"relay"`
	Observer ObserverSettings    `koanf:"observer"`
	Chat     ChatSettings        `koanf:"chat"`
	Gateway  GatewaySettings     `koanf:"gateway"`
	QAStub   QAStubSettings      `koanf:"qa_stub"`

	// Source is the file that was loaded, empty when only defaults and the
	// environment apply.
	Source string `koanf:"-"`

	k *koanf.Koanf
}

func defaults() map[string]any {
	b := bus.DefaultSettings()
	return map[string]any{
		"bus.driver":     b.Driver,
		"bus.redis_addr": b.RedisAddr,
		"bus.group":      b.Group,
		"bus.consumer":   b.Consumer,

		"state.driver":     "sqlite",
		"state.dsn":        "tubechat.db",
		"state.redis_addr": "localhost:6379",
		"state.redis_hash": "tubechat:state",

		"relay.query_url":      relay.DefaultQueryURL,
		"relay.health_url":     relay.DefaultHealthURL,
		"relay.ask_timeout":    relay.DefaultAskTimeout.String(),
		"relay.health_timeout": relay.DefaultHealthTimeout.String(),
		"relay.focus_timeout":  relay.DefaultFocusTimeout.String(),
		"relay.history_limit":  relay.DefaultHistoryLimit,
		"relay.user_agent":     relay.DefaultUserAgent,

		"observer.settle_delay": observer.DefaultSettleDelay.String(),
		"observer.fetch_rate":   observer.DefaultFetchRate,
		"observer.user_agent":   observer.DefaultUserAgent,

		"chat.retention":          "24h",
		"chat.max_message_length": 500,
		"chat.history_limit":      10,

		"gateway.addr": "localhost:8787",

		"qa_stub.addr":    "localhost:8000",
		"qa_stub.service": "YouTube RAG API",
	}
}

// Load reads the layered configuration. path may be empty, in which case the
// DefaultPaths are tried. overrides use dotted keys such as "bus.driver".
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "config: load defaults")
	}

	source := ""
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "config: load %s", path)
		}
		source = path
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "config: load %s", p)
			}
			source = p
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "config: load environment")
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, errors.Wrap(err, "config: apply overrides")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	cfg.Source = source
	cfg.k = k
	return &cfg, nil
}

// envKey maps TUBECHAT_RELAY__QUERY_URL to relay.query_url. A double
// underscore separates sections so single underscores survive in key names.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	if c == nil || c.k == nil {
		return nil, errors.New("config: not loaded")
	}
	out, err := yaml.Marshal(c.k.Raw())
	if err != nil {
		return nil, errors.Wrap(err, "config: render yaml")
	}
	return out, nil
}

const sample = `# tubechat configuration
# Logging is set with --log-level, --log-format and --log-file.

[bus]
# gochannel keeps every component in one process; redis spans processes.
driver = "gochannel"
redis_addr = "localhost:6379"
group = ""

[state]
driver = "sqlite"
dsn = "tubechat.db"

[relay]
query_url = "http://localhost:8000/ask"
health_url = "http://localhost:8000/health"
ask_timeout = "30s"
history_limit = 10

[observer]
settle_delay = "2s"
fetch_rate = 2.0

[chat]
retention = "24h"
max_message_length = 500

[gateway]
addr = "localhost:8787"

[qa_stub]
addr = "localhost:8000"
`

// InitFile writes a sample configuration to path. It refuses to overwrite.
func InitFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("config: %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return errors.Wrapf(err, "config: write %s", path)
	}
	return nil
}
