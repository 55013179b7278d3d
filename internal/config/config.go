// Package config contains switchboard Config and the code to load it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is a configuration of switchboard server.
type Config struct {
	// HTTP is a configuration for the HTTP server serving client
	// transport endpoints together with health and metrics.
	HTTP HTTPServer `mapstructure:"http_server" json:"http_server" yaml:"http_server" toml:"http_server"`
	// Log is a configuration for logging.
	Log Log `mapstructure:"log" json:"log" yaml:"log" toml:"log"`
	// Client contains session and transport related options applied to
	// every connecting client.
	Client Client `mapstructure:"client" json:"client" yaml:"client" toml:"client"`
	// Broker configures the cross-process broadcast bus. By default,
	// memory broker is used – it is fast but delivers only to sessions
	// of the current process. Redis and NATS brokers provide fan-out to
	// sessions connected to other processes.
	Broker Broker `mapstructure:"broker" json:"broker" yaml:"broker" toml:"broker"`
	// Prometheus metrics endpoint configuration.
	Prometheus Prometheus `mapstructure:"prometheus" json:"prometheus" yaml:"prometheus" toml:"prometheus"`
	// Health check endpoint configuration.
	Health Health `mapstructure:"health" json:"health" yaml:"health" toml:"health"`
	// Shutdown is a configuration for graceful shutdown.
	Shutdown Shutdown `mapstructure:"shutdown" json:"shutdown" yaml:"shutdown" toml:"shutdown"`
	// PidFile is a path to write a file with server process PID.
	PidFile string `mapstructure:"pid_file" json:"pid_file" yaml:"pid_file" toml:"pid_file"`
}

type HTTPServer struct {
	Address      string   `mapstructure:"address" json:"address" yaml:"address" toml:"address"`
	Port         int      `mapstructure:"port" json:"port" yaml:"port" toml:"port"`
	TLSCert      string   `mapstructure:"tls_cert" json:"tls_cert" yaml:"tls_cert" toml:"tls_cert"`
	TLSKey       string   `mapstructure:"tls_key" json:"tls_key" yaml:"tls_key" toml:"tls_key"`
	// AllowedOrigins is a list of glob patterns for the Origin header of
	// WebSocket upgrade and cross-origin polling requests. Empty list
	// means that only same-origin requests pass the check.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

type Log struct {
	// Level is one of none, trace, debug, info, warn, error, fatal.
	Level string `mapstructure:"level" json:"level" yaml:"level" toml:"level"`
	// File is an optional path to a log file – if not set logs go to STDOUT.
	File string `mapstructure:"file" json:"file" yaml:"file" toml:"file"`
}

type Client struct {
	// PingInterval is how often liveness probes are emitted.
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval" yaml:"ping_interval" toml:"ping_interval"`
	// PingTimeout is how long a session may stay silent after a probe
	// before it's considered dead and evicted.
	PingTimeout time.Duration `mapstructure:"ping_timeout" json:"ping_timeout" yaml:"ping_timeout" toml:"ping_timeout"`
	// PingFrom defines which peer initiates liveness probes: "server"
	// (default) or "client". In both modes any inbound frame refreshes
	// session liveness.
	PingFrom string `mapstructure:"ping_from" json:"ping_from" yaml:"ping_from" toml:"ping_from"`
	// QueueMaxSize is a maximum size in bytes of the outbound queue of a
	// session on polling transport. Overflow closes the session.
	QueueMaxSize int `mapstructure:"queue_max_size" json:"queue_max_size" yaml:"queue_max_size" toml:"queue_max_size"`
	// DisconnectGrace is how long a session without an active transport
	// is kept in the registry waiting for the next poll or a reconnect.
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace" json:"disconnect_grace" yaml:"disconnect_grace" toml:"disconnect_grace"`
	// PollTimeout is a maximum duration of one long-poll exchange.
	PollTimeout time.Duration `mapstructure:"poll_timeout" json:"poll_timeout" yaml:"poll_timeout" toml:"poll_timeout"`
	// CookieSecret, when set, enables a signed sid cookie so that sticky
	// load balancers can pin requests without parsing the query string.
	CookieSecret string `mapstructure:"cookie_secret" json:"cookie_secret" yaml:"cookie_secret" toml:"cookie_secret"`
}

type Broker struct {
	// Type of broker to use: memory, redis or nats.
	Type string `mapstructure:"type" json:"type" yaml:"type" toml:"type"`
	// DeliverSelf enables delivery of bus messages back to the process
	// which published them. Local sessions are always served directly at
	// publish time, so enabling this causes duplicate delivery and only
	// makes sense for debugging bus behavior. Default is false.
	DeliverSelf bool `mapstructure:"deliver_self" json:"deliver_self" yaml:"deliver_self" toml:"deliver_self"`
	// ControlBufferSize is how many control messages are buffered while
	// the bus connection is down, to be flushed after reconnect.
	ControlBufferSize int `mapstructure:"control_buffer_size" json:"control_buffer_size" yaml:"control_buffer_size" toml:"control_buffer_size"`
	// Prefix for bus topics, to isolate several installations sharing
	// one bus.
	Prefix string `mapstructure:"prefix" json:"prefix" yaml:"prefix" toml:"prefix"`

	Redis RedisBroker `mapstructure:"redis" json:"redis" yaml:"redis" toml:"redis"`
	Nats  NatsBroker  `mapstructure:"nats" json:"nats" yaml:"nats" toml:"nats"`
}

type RedisBroker struct {
	// Address is a list of Redis addresses. Multiple addresses mean
	// Redis Cluster.
	Address        []string      `mapstructure:"address" json:"address" yaml:"address" toml:"address"`
	User           string        `mapstructure:"user" json:"user" yaml:"user" toml:"user"`
	Password       string        `mapstructure:"password" json:"password" yaml:"password" toml:"password"`
	DB             int           `mapstructure:"db" json:"db" yaml:"db" toml:"db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	IOTimeout      time.Duration `mapstructure:"io_timeout" json:"io_timeout" yaml:"io_timeout" toml:"io_timeout"`
}

type NatsBroker struct {
	URL string `mapstructure:"url" json:"url" yaml:"url" toml:"url"`
}

type Prometheus struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
}

type Health struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
}

type Shutdown struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Meta is an extra information about how config was loaded.
type Meta struct {
	FileNotFound bool
}

const envPrefix = "SWITCHBOARD"

// DefineFlags defines command-line flags mirroring a subset of config keys.
func DefineFlags(rootCmd *cobra.Command) {
	rootCmd.Flags().StringP("http_server.address", "a", "", "interface address to listen on")
	rootCmd.Flags().IntP("http_server.port", "p", 8000, "port to bind HTTP server to")
	rootCmd.Flags().StringP("log.level", "", "info", "set the log level: trace, debug, info, warn, error, fatal or none")
	rootCmd.Flags().StringP("log.file", "", "", "optional log file - if not specified logs go to STDOUT")
	rootCmd.Flags().StringP("broker.type", "", "memory", "broker to use: memory, redis or nats")
	rootCmd.Flags().BoolP("prometheus.enabled", "", false, "enable Prometheus metrics endpoint")
	rootCmd.Flags().BoolP("health.enabled", "", false, "enable health check endpoint")
	rootCmd.Flags().StringP("pid_file", "", "", "optional path to create PID file")
}

var boundFlags = []string{
	"http_server.address", "http_server.port", "log.level", "log.file",
	"broker.type", "prometheus.enabled", "health.enabled", "pid_file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_server.port", 8000)
	v.SetDefault("log.level", "info")
	v.SetDefault("client.ping_interval", 25*time.Second)
	v.SetDefault("client.ping_timeout", 10*time.Second)
	v.SetDefault("client.ping_from", "server")
	v.SetDefault("client.queue_max_size", 1048576) // 1MB
	v.SetDefault("client.disconnect_grace", 30*time.Second)
	v.SetDefault("client.poll_timeout", 25*time.Second)
	v.SetDefault("broker.type", "memory")
	v.SetDefault("broker.prefix", "switchboard")
	v.SetDefault("broker.control_buffer_size", 1024)
	v.SetDefault("broker.redis.address", []string{"127.0.0.1:6379"})
	v.SetDefault("broker.redis.connect_timeout", time.Second)
	v.SetDefault("broker.redis.io_timeout", 4*time.Second)
	v.SetDefault("broker.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("shutdown.timeout", 30*time.Second)
}

// GetConfig loads Config from the config file, environment variables and
// command-line flags (in the increasing order of precedence for flags,
// decreasing for file).
func GetConfig(cmd *cobra.Command, configFile string) (Config, Meta, error) {
	v := viper.NewWithOptions(viper.WithDecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for _, flag := range boundFlags {
			_ = v.BindPFlag(flag, cmd.Flags().Lookup(flag))
		}
	}

	meta := Meta{}

	if configFile != "" {
		v.SetConfigFile(configFile)
		err := v.ReadInConfig()
		if err != nil {
			var pathError *os.PathError
			if errors.As(err, &pathError) {
				meta.FileNotFound = true
			} else {
				return Config{}, Meta{}, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	conf := &Config{}
	err := v.Unmarshal(conf)
	if err != nil {
		return Config{}, Meta{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return *conf, meta, nil
}

// Validate validates config and returns error if problems found.
func (c Config) Validate() error {
	if c.Client.PingInterval < time.Second {
		return errors.New("client.ping_interval can not be less than one second")
	}
	if c.Client.PingTimeout <= 0 {
		return errors.New("client.ping_timeout must be positive")
	}
	if c.Client.PingFrom != "server" && c.Client.PingFrom != "client" {
		return fmt.Errorf("unknown client.ping_from: %s", c.Client.PingFrom)
	}
	if c.Client.QueueMaxSize <= 0 {
		return errors.New("client.queue_max_size must be positive")
	}
	switch c.Broker.Type {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown broker.type: %s", c.Broker.Type)
	}
	if c.Broker.Type == "redis" && len(c.Broker.Redis.Address) == 0 {
		return errors.New("no Redis address configured")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return errors.New("both http_server.tls_cert and http_server.tls_key must be set to enable TLS")
	}
	return nil
}
