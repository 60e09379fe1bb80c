// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Process configuration: YAML file overlaid by HIOLOAD_-prefixed environment
// variables, with change notification for the reloadable subset.

package control

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/momentics/hioload-mem/pool"
	"github.com/spf13/viper"
)

// Config is the root configuration document.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	PageSize          int   `mapstructure:"page_size"`
	PagesPerChunk     int   `mapstructure:"pages_per_chunk"`
	NumArenas         int   `mapstructure:"num_arenas"`
	MaxChunksPerArena int   `mapstructure:"max_chunks_per_arena"`
	MaxIdleChunks     int   `mapstructure:"max_idle_chunks"`
	AffinityTableSize int   `mapstructure:"affinity_table_size"`
	RegistryShards    int   `mapstructure:"registry_shards"`
	RecyclerCapacity  int   `mapstructure:"recycler_capacity"`
	MaxUnpooledBytes  int64 `mapstructure:"max_unpooled_bytes"`
	UseMmap           bool  `mapstructure:"use_mmap"`
}

// ServerConfig configures the echo listeners. An empty address disables
// the listener.
type ServerConfig struct {
	TCPAddr        string `mapstructure:"tcp_addr"`
	UDPAddr        string `mapstructure:"udp_addr"`
	WebSocketAddr  string `mapstructure:"websocket_addr"`
	Workers        int    `mapstructure:"workers"`
	ReadChunk      int    `mapstructure:"read_chunk"`
	MaxMessageSize int    `mapstructure:"max_message_size"`
	PinWorkers     bool   `mapstructure:"pin_workers"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig configures the HTTP endpoint serving /metrics and /debug/pool.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// AllocatorConfig converts to the allocator's configuration.
func (p PoolConfig) AllocatorConfig() pool.Config {
	cfg := pool.Config{
		PageSize:          p.PageSize,
		PagesPerChunk:     p.PagesPerChunk,
		NumArenas:         p.NumArenas,
		MaxChunksPerArena: p.MaxChunksPerArena,
		MaxIdleChunks:     p.MaxIdleChunks,
		AffinityTableSize: p.AffinityTableSize,
		RegistryShards:    p.RegistryShards,
		RecyclerCapacity:  p.RecyclerCapacity,
		MaxUnpooledBytes:  p.MaxUnpooledBytes,
		UseMmap:           p.UseMmap,
	}
	if cfg.NumArenas == 0 {
		cfg.NumArenas = pool.DefaultConfig().NumArenas
	}
	return cfg
}

// Loader reads and watches configuration.
type Loader struct {
	v *viper.Viper

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewLoader creates a loader bound to HIOLOAD_* environment variables.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HIOLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	l := &Loader{v: v}
	l.setDefaults()
	return l
}

// LoadConfig is a shorthand for NewLoader().Load(path).
func LoadConfig(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads path (optional; a missing file keeps the defaults), applies
// environment overrides and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	def := pool.DefaultConfig()
	l.v.SetDefault("pool.page_size", def.PageSize)
	l.v.SetDefault("pool.pages_per_chunk", def.PagesPerChunk)
	l.v.SetDefault("pool.num_arenas", 0)
	l.v.SetDefault("pool.max_chunks_per_arena", def.MaxChunksPerArena)
	l.v.SetDefault("pool.max_idle_chunks", def.MaxIdleChunks)
	l.v.SetDefault("pool.affinity_table_size", def.AffinityTableSize)
	l.v.SetDefault("pool.registry_shards", def.RegistryShards)
	l.v.SetDefault("pool.recycler_capacity", def.RecyclerCapacity)
	l.v.SetDefault("pool.max_unpooled_bytes", def.MaxUnpooledBytes)
	l.v.SetDefault("pool.use_mmap", def.UseMmap)

	l.v.SetDefault("server.tcp_addr", "127.0.0.1:9001")
	l.v.SetDefault("server.udp_addr", "127.0.0.1:9002")
	l.v.SetDefault("server.websocket_addr", "127.0.0.1:9003")
	l.v.SetDefault("server.workers", 0)
	l.v.SetDefault("server.read_chunk", 64*1024)
	l.v.SetDefault("server.max_message_size", 1<<20)
	l.v.SetDefault("server.pin_workers", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.development", false)

	l.v.SetDefault("metrics.enabled", true)
	l.v.SetDefault("metrics.addr", "127.0.0.1:9090")
	l.v.SetDefault("metrics.path", "/metrics")
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if err := c.Pool.AllocatorConfig().Validate(); err != nil {
		return err
	}
	if c.Server.TCPAddr == "" && c.Server.UDPAddr == "" && c.Server.WebSocketAddr == "" {
		return errors.New("server: at least one listener address is required")
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must not be negative: %d", c.Server.Workers)
	}
	if c.Server.ReadChunk <= 0 || c.Server.MaxMessageSize < c.Server.ReadChunk {
		return fmt.Errorf("server: read_chunk %d must be positive and not above max_message_size %d",
			c.Server.ReadChunk, c.Server.MaxMessageSize)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path)
	}
	return nil
}

// OnReload registers a listener for configuration file changes.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Watch starts watching the loaded file. Listeners receive every change
// that decodes and validates; invalid edits are passed to onError.
// Pool geometry is fixed at allocator construction, so listeners should
// only apply the reloadable parts (logging level).
func (l *Loader) Watch(onError func(error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.dispatchReload(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) dispatchReload(cfg *Config) {
	l.mu.Lock()
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}
