// Package config loads process-wide configuration for a manager or worker
// run: cache capacity, eviction policy, block size, and transport wiring,
// layered from defaults, a config file, and environment variables (highest
// precedence last, via viper). No CLI flag is bound to a config key; the
// CLI only supplies the config file path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration shared by the manager and
// worker binaries; each reads only the sections relevant to its role.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics HTTP server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Transport configures how this rank reaches its peers.
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Cache configures the manager's local block cache. Ignored by workers.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// ShutdownTimeout bounds graceful shutdown after FINISH or signal.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether the metrics server starts at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address the metrics server binds to.
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port" yaml:"listen"`
}

// TransportConfig describes this rank's place in the mesh.
type TransportConfig struct {
	// Rank is this process's own rank. 0 is the manager; 1..N-1 are workers.
	Rank int `mapstructure:"rank" validate:"gte=0" yaml:"rank"`

	// WorldSize is the total participant count (manager + workers).
	WorldSize int `mapstructure:"world_size" validate:"required,gte=2" yaml:"world_size"`

	// Listen is the address this rank accepts peer connections on.
	Listen string `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`

	// Peers maps every other rank to its dialable address.
	Peers map[int]string `mapstructure:"peers" yaml:"peers"`
}

// CacheConfig configures the manager's bounded local cache.
type CacheConfig struct {
	// CapacityBytes is the total byte budget for resident blocks.
	CapacityBytes uint64 `mapstructure:"capacity_bytes" validate:"required,gt=0" yaml:"capacity_bytes"`

	// EvictionPolicy selects the replacement strategy: LRU, MRU, LFU, or PLRU.
	EvictionPolicy string `mapstructure:"eviction_policy" validate:"required,oneof=LRU MRU LFU PLRU" yaml:"eviction_policy"`

	// DefaultBlockSize is the block size new containers use unless
	// overridden, rounded up to the next power of two.
	DefaultBlockSize uint32 `mapstructure:"default_block_size" validate:"required,gt=0" yaml:"default_block_size"`
}

// Load reads configuration from configPath (if non-empty) or the default
// search path, layering environment variables over the file and both over
// the defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	bindDefaults(v)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Metrics: MetricsConfig{Enabled: false, Listen: "localhost:9090"},
		Cache: CacheConfig{
			CapacityBytes:    64 << 20,
			EvictionPolicy:   "LRU",
			DefaultBlockSize: 4096,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

var validate = validator.New()

// Validate checks structural invariants that field tags alone can't
// express, then runs the tagged validator rules.
func Validate(cfg *Config) error {
	if cfg.Cache.CapacityBytes > 0 && cfg.Cache.CapacityBytes < uint64(cfg.Cache.DefaultBlockSize) {
		return fmt.Errorf("config: cache capacity (%d bytes) smaller than one block (%d bytes)",
			cfg.Cache.CapacityBytes, cfg.Cache.DefaultBlockSize)
	}
	if cfg.Transport.WorldSize > 0 && cfg.Transport.Rank >= cfg.Transport.WorldSize {
		return fmt.Errorf("config: rank %d out of range for world size %d", cfg.Transport.Rank, cfg.Transport.WorldSize)
	}
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BLOCKCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("blockcache")
	v.SetConfigType("yaml")
}

// bindDefaults registers defaultConfig's values as viper defaults, one key
// per mapstructure tag. AutomaticEnv only overrides keys viper already knows
// about at Unmarshal time, so without this an env var set with no config
// file present would be read by viper but never reach the struct.
func bindDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("transport.rank", d.Transport.Rank)
	v.SetDefault("transport.world_size", d.Transport.WorldSize)
	v.SetDefault("transport.listen", d.Transport.Listen)
	v.SetDefault("transport.peers", d.Transport.Peers)
	v.SetDefault("cache.capacity_bytes", d.Cache.CapacityBytes)
	v.SetDefault("cache.eviction_policy", d.Cache.EvictionPolicy)
	v.SetDefault("cache.default_block_size", d.Cache.DefaultBlockSize)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: reading config file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Save writes cfg to path in YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing config file: %w", err)
	}
	return nil
}
