// Package config loads allocator settings from an optional file and GPUMEM_ environment variables
package config

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/gpumem/vram"
	"golang.org/x/exp/slog"
)

type Config struct {
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type AllocatorConfig struct {
	// FramesInFlight is the number of frames a released resource is kept alive for
	FramesInFlight         int  `mapstructure:"frames_in_flight"`
	BufferPoolSize         int  `mapstructure:"buffer_pool_size"`
	ImagePoolSize          int  `mapstructure:"image_pool_size"`
	MaxPoolCount           int  `mapstructure:"max_pool_count"`
	ExternallySynchronized bool `mapstructure:"externally_synchronized"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Allocator: AllocatorConfig{
			FramesInFlight: 2,
			BufferPoolSize: vram.DefaultBufferPoolSize,
			ImagePoolSize:  vram.DefaultImagePoolSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from defaults, then the file at path if path is not empty, then
// environment variables such as GPUMEM_ALLOCATOR_FRAMES_IN_FLIGHT
func Load(path string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix("GPUMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "validating config")
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Allocator.FramesInFlight < 1 {
		return errors.Newf("allocator.frames_in_flight must be at least 1, but was %d", c.Allocator.FramesInFlight)
	}
	if c.Allocator.BufferPoolSize <= 0 || c.Allocator.ImagePoolSize <= 0 {
		return errors.New("allocator.buffer_pool_size and allocator.image_pool_size must be positive")
	}
	if c.Allocator.MaxPoolCount < 0 {
		return errors.New("allocator.max_pool_count must not be negative")
	}

	_, err := parseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.Newf("logging.format must be text or json, but was %q", c.Logging.Format)
	}

	return nil
}

// Flags returns the creation flags for managers and reclaim queues built from this configuration
func (c AllocatorConfig) Flags() vram.CreateFlags {
	var flags vram.CreateFlags
	if c.ExternallySynchronized {
		flags |= vram.CreateExternallySynchronized
	}
	return flags
}

func (c AllocatorConfig) ManagerOptions() vram.ManagerOptions {
	return vram.ManagerOptions{
		Flags:          c.Flags(),
		BufferPoolSize: c.BufferPoolSize,
		ImagePoolSize:  c.ImagePoolSize,
		MaxPoolCount:   c.MaxPoolCount,
	}
}

// NewLogger builds a logger writing to w in the configured format and at the configured level.
// A nil w writes to stderr.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, errors.Newf("unknown log format %q", c.Format)
	}
}

func parseLevel(level string) (slog.Level, error) {
	var parsed slog.Level
	err := parsed.UnmarshalText([]byte(level))
	if err != nil {
		return parsed, errors.Wrapf(err, "logging.level %q", level)
	}
	return parsed, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("allocator.frames_in_flight", cfg.Allocator.FramesInFlight)
	v.SetDefault("allocator.buffer_pool_size", cfg.Allocator.BufferPoolSize)
	v.SetDefault("allocator.image_pool_size", cfg.Allocator.ImagePoolSize)
	v.SetDefault("allocator.max_pool_count", cfg.Allocator.MaxPoolCount)
	v.SetDefault("allocator.externally_synchronized", cfg.Allocator.ExternallySynchronized)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}
