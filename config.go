package sockio

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// envPrefix prefixes environment overrides, e.g. SOCKIO_SOCKET_MAXCONTENT.
const envPrefix = "SOCKIO"

// ReactorConfig configures a Reactor.
type ReactorConfig struct {
	TickRate    int           `mapstructure:"tickRate"`
	PollTimeout time.Duration `mapstructure:"pollTimeout"`
}

// Validate validates the ReactorConfig parameters.
func (c *ReactorConfig) Validate() error {
	if c.TickRate < 0 {
		return fmt.Errorf("tickRate must not be negative")
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("pollTimeout must not be negative")
	}
	return nil
}

// Options converts the configuration into reactor options.
func (c *ReactorConfig) Options() []ReactorOption {
	var opts []ReactorOption
	if c.TickRate > 0 {
		opts = append(opts, TickRateOption(c.TickRate))
	}
	if c.PollTimeout > 0 {
		opts = append(opts, PollTimeoutOption(c.PollTimeout))
	}
	return opts
}

// SocketConfig configures sockets.
type SocketConfig struct {
	MaxContent   int           `mapstructure:"maxContent"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	JobTimeout   time.Duration `mapstructure:"jobTimeout"`
}

// Validate validates the SocketConfig parameters.
func (c *SocketConfig) Validate() error {
	if c.MaxContent < 0 || c.MaxContent > MaxContentSize {
		return fmt.Errorf("maxContent must be between 0 and %d", MaxContentSize)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("pollInterval must not be negative")
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("jobTimeout must not be negative")
	}
	return nil
}

// Options converts the configuration into socket options.
func (c *SocketConfig) Options() []SocketOption {
	var opts []SocketOption
	if c.MaxContent > 0 {
		opts = append(opts, MaxContentOption(c.MaxContent))
	}
	if c.PollInterval > 0 {
		opts = append(opts, PollIntervalOption(c.PollInterval))
	}
	if c.JobTimeout > 0 {
		opts = append(opts, JobTimeoutOption(c.JobTimeout))
	}
	return opts
}

// ClientConfig configures an AsyncClient.
type ClientConfig struct {
	MaxPacket int     `mapstructure:"maxPacket"`
	RateLimit float64 `mapstructure:"rateLimit"`
	Burst     int     `mapstructure:"burst"`
}

// Validate validates the ClientConfig parameters.
func (c *ClientConfig) Validate() error {
	if c.MaxPacket < 0 || c.MaxPacket > MaxContentSize {
		return fmt.Errorf("maxPacket must be between 0 and %d", MaxContentSize)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rateLimit must not be negative")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must not be negative")
	}
	return nil
}

// Options converts the configuration into client options.
func (c *ClientConfig) Options() []ClientOption {
	var opts []ClientOption
	if c.MaxPacket > 0 {
		opts = append(opts, MaxPacketOption(c.MaxPacket))
	}
	if c.RateLimit > 0 {
		opts = append(opts, ReceiveRateOption(rate.Limit(c.RateLimit), c.Burst))
	}
	return opts
}

// ReliableConfig configures a ReliableEndpoint.
type ReliableConfig struct {
	RetransmitInterval time.Duration `mapstructure:"retransmitInterval"`
	MaxRetries         int           `mapstructure:"maxRetries"`
	ReassemblyTimeout  time.Duration `mapstructure:"reassemblyTimeout"`
}

// Validate validates the ReliableConfig parameters.
func (c *ReliableConfig) Validate() error {
	if c.RetransmitInterval < 0 {
		return fmt.Errorf("retransmitInterval must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	if c.ReassemblyTimeout < 0 {
		return fmt.Errorf("reassemblyTimeout must not be negative")
	}
	return nil
}

// Options converts the configuration into endpoint options.
func (c *ReliableConfig) Options() []ReliableOption {
	var opts []ReliableOption
	if c.RetransmitInterval > 0 {
		opts = append(opts, RetransmitIntervalOption(c.RetransmitInterval))
	}
	if c.MaxRetries > 0 {
		opts = append(opts, MaxRetriesOption(c.MaxRetries))
	}
	if c.ReassemblyTimeout > 0 {
		opts = append(opts, ReassemblyTimeoutOption(c.ReassemblyTimeout))
	}
	return opts
}

// Config is the file representation of every tunable of the package.
type Config struct {
	Reactor  ReactorConfig  `mapstructure:"reactor"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Client   ClientConfig   `mapstructure:"client"`
	Reliable ReliableConfig `mapstructure:"reliable"`
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Reactor.Validate(); err != nil {
		return fmt.Errorf("reactor: %w", err)
	}
	if err := c.Socket.Validate(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := c.Reliable.Validate(); err != nil {
		return fmt.Errorf("reliable: %w", err)
	}
	return nil
}

// ConfigLoader reads a Config from a YAML file with environment overrides
// and optionally reloads it when the file changes.
type ConfigLoader struct {
	v      *viper.Viper
	logger Logger

	mu      sync.RWMutex
	current *Config
	hooks   []func(old, updated *Config)
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string, logger Logger) (*ConfigLoader, error) {
	if logger == nil {
		logger = defaultLogger()
	}

	v := viper.New()
	v.SetConfigFile(path)
	configType := strings.TrimPrefix(filepath.Ext(path), ".")
	if configType == "" {
		configType = "yaml"
	}
	v.SetConfigType(configType)

	// Read environment variables for override
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg, err := readConfig(v)
	if err != nil {
		return nil, err
	}

	return &ConfigLoader{v: v, logger: logger, current: cfg}, nil
}

func readConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config failed: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *ConfigLoader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a hook run after a successful reload.
func (l *ConfigLoader) OnChange(hook func(old, updated *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// Watch reloads the configuration whenever the file is written. An invalid
// file is logged and the previous configuration kept.
func (l *ConfigLoader) Watch() {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.reload(e.Name)
	})
	l.v.WatchConfig()
}

func (l *ConfigLoader) reload(name string) {
	cfg, err := readConfig(l.v)
	if err != nil {
		l.logger.Warn("config reload rejected", "file", name, "error", err)
		return
	}

	l.mu.Lock()
	old := l.current
	l.current = cfg
	hooks := append([]func(old, updated *Config){}, l.hooks...)
	l.mu.Unlock()

	l.logger.Info("config reloaded", "file", name)
	for _, hook := range hooks {
		hook(old, cfg)
	}
}
