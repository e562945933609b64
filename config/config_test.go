package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/vram"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	options := cfg.Allocator.ManagerOptions()
	require.Equal(t, vram.DefaultBufferPoolSize, options.BufferPoolSize)
	require.Equal(t, vram.DefaultImagePoolSize, options.ImagePoolSize)
	require.Equal(t, 0, options.MaxPoolCount)
	require.Equal(t, vram.CreateFlags(0), options.Flags)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpumem.yaml")
	err := os.WriteFile(path, []byte(`
allocator:
  frames_in_flight: 3
  buffer_pool_size: 1048576
  externally_synchronized: true
logging:
  level: debug
  format: json
`), 0o600)
	require.NoError(t, err)

	t.Setenv("GPUMEM_ALLOCATOR_MAX_POOL_COUNT", "16")
	t.Setenv("GPUMEM_ALLOCATOR_FRAMES_IN_FLIGHT", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, AllocatorConfig{
		FramesInFlight:         4,
		BufferPoolSize:         1048576,
		ImagePoolSize:          vram.DefaultImagePoolSize,
		MaxPoolCount:           16,
		ExternallySynchronized: true,
	}, cfg.Allocator)
	require.Equal(t, LoggingConfig{Level: "debug", Format: "json"}, cfg.Logging)
	require.Equal(t, vram.CreateExternallySynchronized, cfg.Allocator.ManagerOptions().Flags)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "frames", mutate: func(cfg *Config) { cfg.Allocator.FramesInFlight = 0 }},
		{name: "pool size", mutate: func(cfg *Config) { cfg.Allocator.ImagePoolSize = 0 }},
		{name: "pool count", mutate: func(cfg *Config) { cfg.Allocator.MaxPoolCount = -1 }},
		{name: "level", mutate: func(cfg *Config) { cfg.Logging.Level = "loud" }},
		{name: "format", mutate: func(cfg *Config) { cfg.Logging.Format = "xml" }},
	}

	for _, testCase := range testCases {
		cfg := DefaultConfig()
		testCase.mutate(cfg)
		require.Error(t, cfg.Validate(), testCase.name)
	}

	require.NoError(t, DefaultConfig().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("dropped")
	require.Empty(t, buf.String())

	logger.Warn("kept")
	require.Contains(t, buf.String(), `"msg":"kept"`)
}
