package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ngram-lm/internal/service/ngram"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_EmptyPathReturnsDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Default(), config)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  order: 2
  container: dict
  cutoff_count: 2
  interpolation_lambdas: [0.1, 0.2, 0.7]
  cache:
    enabled: true
    capacity: 50
    timestamps_capacity: 500
server:
  port: 9090
logging:
  level: debug
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, config.Model.Order)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, 10000, config.Training.ReportEvery, "unset sections keep their defaults")

	opts, err := config.ModelOptions()
	require.NoError(t, err)
	assert.Equal(t, ngram.HashContainerKind, opts.Container)
	assert.Equal(t, 2, opts.CutoffCount)
	assert.Equal(t, []float64{0.1, 0.2, 0.7}, opts.InterpolationLambdas)
	assert.Nil(t, opts.Bloom)
	require.NotNil(t, opts.Cache)
	assert.Equal(t, ngram.CacheOptions{Capacity: 50, TimestampsCapacity: 500}, *opts.Cache)
}

func TestConfig_BloomOnlyAppliesToTrie(t *testing.T) {
	config := Default()
	config.Model.Bloom.Enabled = true

	opts, err := config.ModelOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.Bloom)
	assert.Equal(t, uint(100000), opts.Bloom.ExpectedItems)

	config.Model.Container = "hash"
	opts, err = config.ModelOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.Bloom)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(c *Config){
		"order":       func(c *Config) { c.Model.Order = 0 },
		"container":   func(c *Config) { c.Model.Container = "btree" },
		"cutoff":      func(c *Config) { c.Model.CutoffCount = -1 },
		"lambdas":     func(c *Config) { c.Model.InterpolationLambdas = []float64{0.5, 0.5} },
		"bloom rate":  func(c *Config) { c.Model.Bloom.Enabled = true; c.Model.Bloom.FalsePositiveRate = 1 },
		"cache sizes": func(c *Config) { c.Model.Cache.Enabled = true; c.Model.Cache.Capacity = 0 },
		"port":        func(c *Config) { c.Server.Port = 70000 },
		"min count":   func(c *Config) { c.Vocabulary.MinCount = 3 },
		"models dir":  func(c *Config) { c.Models.Dir = "" },
		"log level":   func(c *Config) { c.Logging.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			config := Default()
			mutate(config)
			assert.ErrorIs(t, config.Validate(), ngram.ErrInvalidConfig)
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "model: [unclosed"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "model:\n  order: 0\n"))
	assert.ErrorIs(t, err, ngram.ErrInvalidConfig)
}

func TestConfig_NewLogger(t *testing.T) {
	config := Default()
	config.Logging.OutputPaths = []string{filepath.Join(t.TempDir(), "ngram.log")}

	logger, err := config.NewLogger()
	require.NoError(t, err)
	logger.Info("Logger ready")
	assert.NoError(t, logger.Sync())
}

func TestConfig_ServiceOptions(t *testing.T) {
	config := Default()
	config.Models.Dir = t.TempDir()
	config.Models.Compress = false
	config.Vocabulary.MinCount = 2
	config.Vocabulary.UnknownToken = "<unk>"
	config.Model.Cache.Enabled = true

	opts, err := config.ServiceOptions()
	require.NoError(t, err)
	assert.Equal(t, config.Models.Dir, opts.Dir)
	assert.False(t, opts.Compress)
	assert.Equal(t, 2, opts.MinCount)
	assert.Equal(t, "<unk>", opts.UnknownToken)
	assert.Equal(t, 3, opts.Model.Order)
	assert.NotNil(t, opts.Model.Cache)
	assert.Equal(t, 200, opts.Estimate.MaxIterations)

	_, err = ngram.NewModelService(opts, nil)
	assert.NoError(t, err)
}
