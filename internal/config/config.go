// Package config loads relaysession settings from a config file, RELAYSESSION_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relaysession/internal/queue"
	"github.com/luciancaetano/relaysession/internal/ratelimit"
	"github.com/luciancaetano/relaysession/internal/registry"
	"github.com/luciancaetano/relaysession/internal/session"
	"github.com/luciancaetano/relaysession/internal/transport"
	"github.com/luciancaetano/relaysession/internal/websocket"
)

const envPrefix = "RELAYSESSION"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	Path              string        `mapstructure:"path"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	MaxConnections    int           `mapstructure:"max_connections"`
	SendChallenge     bool          `mapstructure:"send_challenge"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	UpgradesPerSecond float64       `mapstructure:"upgrades_per_second"`
	UpgradeBurst      int           `mapstructure:"upgrade_burst"`
}

type ClientConfig struct {
	URL                  string        `mapstructure:"url"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	// Backoff is "constant" or "exponential".
	Backoff string `mapstructure:"backoff"`
	// Transport is "gorilla" or "coder".
	Transport string                  `mapstructure:"transport"`
	Breaker   transport.BreakerConfig `mapstructure:"breaker"`
}

type QueueConfig struct {
	MaxSize      int           `mapstructure:"max_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	// Backoff is "constant" or "exponential".
	Backoff string `mapstructure:"backoff"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Policies are keyed by type tag. Keys are case-insensitive.
	Policies      map[string]ratelimit.Policy `mapstructure:"policies"`
	MaxClients    int                         `mapstructure:"max_clients"`
	IdleTTL       time.Duration               `mapstructure:"idle_ttl"`
	PruneInterval time.Duration               `mapstructure:"prune_interval"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

var (
	ErrUnknownBackoff   = errors.New("config: unknown backoff")
	ErrUnknownTransport = errors.New("config: unknown transport")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":7447")
	v.SetDefault("server.path", "/")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.send_challenge", true)
	v.SetDefault("server.heartbeat_interval", 30*time.Second)
	v.SetDefault("server.upgrades_per_second", 100.0)
	v.SetDefault("server.upgrade_burst", 200)

	v.SetDefault("client.url", "")
	v.SetDefault("client.heartbeat_interval", 30*time.Second)
	v.SetDefault("client.connection_timeout", 5*time.Second)
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.reconnect_delay", time.Second)
	v.SetDefault("client.max_reconnect_delay", 30*time.Second)
	v.SetDefault("client.backoff", "constant")
	v.SetDefault("client.transport", "gorilla")
	v.SetDefault("client.breaker.max_failures", 5)
	v.SetDefault("client.breaker.open_timeout", 30*time.Second)
	v.SetDefault("client.breaker.half_open_requests", 1)

	q := queue.DefaultConfig()
	v.SetDefault("queue.max_size", q.MaxSize)
	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.retry_delay", q.RetryDelay)
	v.SetDefault("queue.stale_timeout", q.StaleTimeout)
	v.SetDefault("queue.backoff", "constant")

	rl := ratelimit.DefaultConfig()
	policies := make(map[string]any, len(rl.Policies))
	for tag, p := range rl.Policies {
		policies[strings.ToLower(tag)] = map[string]any{
			"window":         p.Window,
			"max_requests":   p.MaxRequests,
			"block_duration": p.BlockDuration,
		}
	}
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.policies", policies)
	v.SetDefault("rate_limit.max_clients", rl.MaxClients)
	v.SetDefault("rate_limit.idle_ttl", rl.IdleTTL)
	v.SetDefault("rate_limit.prune_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// NewFlagSet defines the command line flags Load understands.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config_file", "", "Path to the configuration file")
	fs.String("server.addr", ":7447", "Relay listen address")
	fs.Int("server.max_connections", 0, "Maximum open sockets (0 = unlimited)")
	fs.String("client.url", "", "Relay URL to connect to")
	fs.String("client.transport", "gorilla", "WebSocket client library: gorilla or coder")
	fs.String("log.level", "info", "Log level: debug, info, warn, error")
	fs.String("log.format", "text", "Log format: text or json")
	return fs
}

// Load parses args with NewFlagSet and builds the configuration.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("relaysession")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return LoadFlags(fs)
}

// LoadFlags builds the configuration from defaults, the file named by the
// config_file flag, environment variables and the parsed flags in fs.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration from the environment and an optional file
// named by RELAYSESSION_CONFIG_FILE.
func LoadConfig() (*Config, error) {
	return LoadFlags(nil)
}

// Validate reports settings that cannot be turned into components.
func (c *Config) Validate() error {
	if _, err := backoff(c.Client.Backoff, c.Client.ReconnectDelay, c.Client.MaxReconnectDelay); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if _, err := backoff(c.Queue.Backoff, c.Queue.RetryDelay, c.Queue.RetryDelay*32); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	switch c.Client.Transport {
	case "gorilla", "coder":
	default:
		return fmt.Errorf("%w %q", ErrUnknownTransport, c.Client.Transport)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// WebsocketServer returns the relay server configuration.
func (c *Config) WebsocketServer() *websocket.ServerConfig {
	upgrades := websocket.NoUpgradeRateLimit()
	if c.Server.UpgradesPerSecond > 0 {
		upgrades = &websocket.UpgradeRateLimit{
			PerSecond: rate.Limit(c.Server.UpgradesPerSecond),
			Burst:     c.Server.UpgradeBurst,
			Enabled:   true,
		}
	}
	return &websocket.ServerConfig{
		Addr:             c.Server.Addr,
		Path:             c.Server.Path,
		ReadTimeout:      c.Server.ReadTimeout,
		UpgradeRateLimit: upgrades,
		Registry: registry.Config{
			MaxConnections:    c.Server.MaxConnections,
			SendChallenge:     c.Server.SendChallenge,
			HeartbeatInterval: c.Server.HeartbeatInterval,
		},
	}
}

// Session returns the client state machine configuration.
func (c *Config) Session() session.Config {
	reconnect, _ := backoff(c.Client.Backoff, c.Client.ReconnectDelay, c.Client.MaxReconnectDelay)
	return session.Config{
		URL:                  c.Client.URL,
		HeartbeatInterval:    c.Client.HeartbeatInterval,
		ConnectionTimeout:    c.Client.ConnectionTimeout,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		ReconnectDelay:       c.Client.ReconnectDelay,
		MaxReconnectDelay:    c.Client.MaxReconnectDelay,
		Backoff:              reconnect,
		Queue:                c.QueueConfig(),
	}
}

// QueueConfig returns the outbound queue configuration.
func (c *Config) QueueConfig() queue.Config {
	retry, _ := backoff(c.Queue.Backoff, c.Queue.RetryDelay, c.Queue.RetryDelay*32)
	return queue.Config{
		MaxSize:      c.Queue.MaxSize,
		MaxRetries:   c.Queue.MaxRetries,
		RetryDelay:   c.Queue.RetryDelay,
		StaleTimeout: c.Queue.StaleTimeout,
		Backoff:      retry,
	}
}

// Limiter returns the rate limiter configuration. Viper lowercases map keys,
// so policy type tags are upper-cased back here.
func (c *Config) Limiter() ratelimit.Config {
	policies := make(map[string]ratelimit.Policy, len(c.RateLimit.Policies))
	for tag, p := range c.RateLimit.Policies {
		policies[strings.ToUpper(tag)] = p
	}
	return ratelimit.Config{
		Policies:   policies,
		MaxClients: c.RateLimit.MaxClients,
		IdleTTL:    c.RateLimit.IdleTTL,
	}
}

func backoff(name string, base, max time.Duration) (queue.BackoffFunc, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return nil, nil
	case "exponential":
		if base <= 0 {
			base = time.Second
		}
		if max < base {
			max = base
		}
		return queue.ExponentialBackoff(base, max), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackoff, name)
	}
}
