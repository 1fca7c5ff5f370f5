package aserve

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/andrei-cloud/aserve/protocol"
	"github.com/andrei-cloud/aserve/transport"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "ASERVE_"

const (
	DefaultAddress       = "localhost"
	DefaultTransport     = "tcp"
	DefaultNetwork       = "tcp"
	DefaultWorkerThreads = 1
	DefaultWorkerName    = "aserve"
	DefaultHeaderSize    = 2
)

// Config is the server configuration. It is a plain value; nothing is
// checked until it is passed to Server.Start.
type Config struct {
	Address       string                // bind address, a path for unix sockets.
	Port          int                   // bind port, 0 picks a free one.
	Transport     string                // registered transport name.
	Network       string                // "tcp", "tcp4", "tcp6" or "unix".
	WorkerThreads int                   // driver I/O concurrency.
	WorkerName    string                // execution context name used in logs.
	QueueSize     int                   // initial execution context queue capacity.
	MaxClients    int                   // maximum concurrent connections, 0 means no limit.
	KeepAlive     time.Duration         // TCP keep-alive period, 0 disables it.
	IdleTimeout   time.Duration         // idle connection timeout, 0 disables it.
	Protocol      protocol.Builder      // per-connection framing.
	Logger        Logger                // optional logger for server events.
	Registerer    prometheus.Registerer // optional metrics registerer.
	DriverFactory DriverFactory         // overrides Transport when set.
}

// Option customizes a Config.
type Option func(*Config)

// Configurate returns the default configuration with opts applied.
func Configurate(opts ...Option) Config {
	cfg := defaultConfig()
	cfg.Apply(opts...)

	return cfg
}

// LoadConfig reads ASERVE_* environment variables over the defaults and
// then applies opts.
func LoadConfig(opts ...Option) (Config, error) {
	cfg := defaultConfig()

	var fromEnv envConfig
	if err := env.ParseWithOptions(&fromEnv, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("error getting env configs: %w", err)
	}

	if err := mergo.Merge(&cfg, fromEnv.config(), mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("error merging configs: %w", err)
	}
	cfg.Apply(opts...)

	return cfg, nil
}

// Apply applies opts in order.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
}

// Validate reports every problem found in the configuration. The returned
// error wraps ErrConfigInvalid.
func (c Config) Validate() error {
	var errs error

	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported network %q", c.Network))
	}
	if strings.TrimSpace(c.Address) == "" {
		errs = multierr.Append(errs, fmt.Errorf("address is empty"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.WorkerThreads < 1 {
		errs = multierr.Append(errs, fmt.Errorf("worker threads must be at least 1, got %d", c.WorkerThreads))
	}
	if c.QueueSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("queue size must not be negative, got %d", c.QueueSize))
	}
	if c.MaxClients < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max clients must not be negative, got %d", c.MaxClients))
	}
	if c.KeepAlive < 0 {
		errs = multierr.Append(errs, fmt.Errorf("keep-alive must not be negative, got %v", c.KeepAlive))
	}
	if c.IdleTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("idle timeout must not be negative, got %v", c.IdleTimeout))
	}
	if c.Protocol == nil {
		errs = multierr.Append(errs, fmt.Errorf("protocol builder is not set"))
	}
	if c.DriverFactory == nil {
		if _, ok := lookupTransport(c.Transport); !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport))
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errs)
	}

	return nil
}

// ListenAddress returns the address handed to the driver.
func (c Config) ListenAddress() string {
	if c.Network == "unix" {
		return c.Address
	}

	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c Config) transportOptions() transport.Options {
	return transport.Options{
		Network:     c.Network,
		Address:     c.ListenAddress(),
		Workers:     c.WorkerThreads,
		MaxConns:    c.MaxClients,
		KeepAlive:   c.KeepAlive,
		IdleTimeout: c.IdleTimeout,
		LoopName:    c.WorkerName,
		QueueSize:   c.QueueSize,
		Logger:      c.Logger,
	}
}

func (c Config) newDriver() (transport.Driver, error) {
	factory := c.DriverFactory
	if factory == nil {
		var ok bool
		if factory, ok = lookupTransport(c.Transport); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
		}
	}

	return factory(c.transportOptions())
}

func defaultConfig() Config {
	return Config{
		Address:       DefaultAddress,
		Transport:     DefaultTransport,
		Network:       DefaultNetwork,
		WorkerThreads: DefaultWorkerThreads,
		WorkerName:    DefaultWorkerName,
		QueueSize:     transport.DefaultQueueSize,
		Protocol:      protocol.LengthPrefixed(DefaultHeaderSize),
	}
}

// envConfig holds the settings that can come from the environment.
type envConfig struct {
	Address       string        `env:"ADDRESS"`
	Port          int           `env:"PORT"`
	Transport     string        `env:"TRANSPORT"`
	Network       string        `env:"NETWORK"`
	WorkerThreads int           `env:"WORKER_THREADS"`
	WorkerName    string        `env:"WORKER_NAME"`
	QueueSize     int           `env:"QUEUE_SIZE"`
	MaxClients    int           `env:"MAX_CLIENTS"`
	KeepAlive     time.Duration `env:"KEEP_ALIVE"`
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT"`
	Protocol      string        `env:"PROTOCOL"`
}

func (e envConfig) config() Config {
	cfg := Config{
		Address:       e.Address,
		Port:          e.Port,
		Transport:     e.Transport,
		Network:       e.Network,
		WorkerThreads: e.WorkerThreads,
		WorkerName:    e.WorkerName,
		QueueSize:     e.QueueSize,
		MaxClients:    e.MaxClients,
		KeepAlive:     e.KeepAlive,
		IdleTimeout:   e.IdleTimeout,
	}

	switch e.Protocol {
	case "raw":
		cfg.Protocol = protocol.Raw()
	case "line":
		cfg.Protocol = protocol.Delimited('\n')
	case "length4":
		cfg.Protocol = protocol.LengthPrefixed(4)
	case "length2":
		cfg.Protocol = protocol.LengthPrefixed(2)
	}

	return cfg
}

// WithAddress sets the bind address.
func WithAddress(addr string) Option {
	return func(c *Config) { c.Address = addr }
}

// WithPort sets the bind port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithTransport selects a registered transport by name.
func WithTransport(name string) Option {
	return func(c *Config) { c.Transport = name }
}

// WithNetwork sets the listen network.
func WithNetwork(network string) Option {
	return func(c *Config) { c.Network = network }
}

// WithWorkerThreads sets the driver I/O concurrency. For the netpoll
// transport it is the poller count, a process-wide setting fixed by the first
// server started in the process.
func WithWorkerThreads(n int) Option {
	return func(c *Config) { c.WorkerThreads = n }
}

// WithWorkerName names the execution context in logs.
func WithWorkerName(name string) Option {
	return func(c *Config) { c.WorkerName = name }
}

// WithQueueSize sets the initial execution context queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithMaxClients limits concurrent connections.
func WithMaxClients(n int) Option {
	return func(c *Config) { c.MaxClients = n }
}

// WithKeepAlive sets the TCP keep-alive period.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.KeepAlive = d }
}

// WithIdleTimeout closes connections that stay silent for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

// WithProtocol sets the per-connection framing.
func WithProtocol(b protocol.Builder) Option {
	return func(c *Config) { c.Protocol = b }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegisterer registers server metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

// WithDriverFactory makes the server build its driver with f instead of a
// registered transport.
func WithDriverFactory(f DriverFactory) Option {
	return func(c *Config) { c.DriverFactory = f }
}
