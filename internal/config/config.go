package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"ngram-lm/internal/service/ngram"
)

type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Models     ModelsConfig     `yaml:"models"`
	Training   TrainingConfig   `yaml:"training"`
	Estimation EstimationConfig `yaml:"estimation"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ModelConfig struct {
	Order                int         `yaml:"order"`
	Container            string      `yaml:"container"`
	CutoffCount          int         `yaml:"cutoff_count"`
	InterpolationLambdas []float64   `yaml:"interpolation_lambdas"`
	Bloom                BloomConfig `yaml:"bloom"`
	Cache                CacheConfig `yaml:"cache"`
}

type BloomConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ExpectedItems     uint    `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

type CacheConfig struct {
	Enabled            bool `yaml:"enabled"`
	Capacity           int  `yaml:"capacity"`
	TimestampsCapacity int  `yaml:"timestamps_capacity"`
}

// VocabularyConfig controls the vocabulary built by the train command. Tokens
// seen fewer than MinCount times map to UnknownToken when one is set.
type VocabularyConfig struct {
	MinCount     int    `yaml:"min_count"`
	UnknownToken string `yaml:"unknown_token"`
}

// ModelsConfig locates saved models. Default names the model used by requests
// that do not name one.
type ModelsConfig struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
	Default  string `yaml:"default"`
}

type TrainingConfig struct {
	ReportEvery int `yaml:"report_every"`
}

type EstimationConfig struct {
	MaxIterations     int     `yaml:"max_iterations"`
	GradientThreshold float64 `yaml:"gradient_threshold"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level       string   `yaml:"level"`
	OutputPaths []string `yaml:"output_paths"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Order:     3,
			Container: string(ngram.TrieContainerKind),
			Bloom: BloomConfig{
				ExpectedItems:     100000,
				FalsePositiveRate: 0.01,
			},
			Cache: CacheConfig{
				Capacity:           10000,
				TimestampsCapacity: 100000,
			},
		},
		Vocabulary: VocabularyConfig{
			MinCount: 1,
		},
		Models: ModelsConfig{
			Dir:      ngram.DefaultModelDir,
			Compress: true,
			Default:  "default",
		},
		Training: TrainingConfig{
			ReportEvery: 10000,
		},
		Estimation: EstimationConfig{
			MaxIterations:     200,
			GradientThreshold: 1e-6,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:       "info",
			OutputPaths: []string{"stdout"},
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that do not depend on the vocabulary
func (c *Config) Validate() error {
	if c.Model.Order < 1 {
		return fmt.Errorf("%w: model.order must be at least 1", ngram.ErrInvalidConfig)
	}
	if _, err := ngram.ParseContainerKind(c.Model.Container); err != nil {
		return err
	}
	if c.Model.CutoffCount < 0 {
		return fmt.Errorf("%w: model.cutoff_count must not be negative", ngram.ErrInvalidConfig)
	}
	if n := len(c.Model.InterpolationLambdas); n != 0 && n != c.Model.Order+1 {
		return fmt.Errorf("%w: model.interpolation_lambdas needs %d values, got %d",
			ngram.ErrInvalidConfig, c.Model.Order+1, n)
	}
	if c.Model.Bloom.Enabled {
		if c.Model.Bloom.ExpectedItems == 0 {
			return fmt.Errorf("%w: model.bloom.expected_items must be positive", ngram.ErrInvalidConfig)
		}
		if rate := c.Model.Bloom.FalsePositiveRate; rate <= 0 || rate >= 1 {
			return fmt.Errorf("%w: model.bloom.false_positive_rate must be in (0, 1)", ngram.ErrInvalidConfig)
		}
	}
	if c.Model.Cache.Enabled && (c.Model.Cache.Capacity < 1 || c.Model.Cache.TimestampsCapacity < 1) {
		return fmt.Errorf("%w: model.cache sizes must be positive", ngram.ErrInvalidConfig)
	}
	if c.Vocabulary.MinCount > 1 && c.Vocabulary.UnknownToken == "" {
		return fmt.Errorf("%w: vocabulary.min_count above 1 needs vocabulary.unknown_token", ngram.ErrInvalidConfig)
	}
	if c.Models.Dir == "" {
		return fmt.Errorf("%w: models.dir must be set", ngram.ErrInvalidConfig)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ngram.ErrInvalidConfig, c.Server.Port)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ngram.ErrInvalidConfig, err)
	}
	return nil
}

// ModelOptions resolves the model section into constructor options
func (c *Config) ModelOptions() (ngram.Options, error) {
	kind, err := ngram.ParseContainerKind(c.Model.Container)
	if err != nil {
		return ngram.Options{}, err
	}

	opts := ngram.Options{
		Order:                c.Model.Order,
		Container:            kind,
		CutoffCount:          c.Model.CutoffCount,
		InterpolationLambdas: c.Model.InterpolationLambdas,
		ReportEvery:          c.Training.ReportEvery,
	}
	if c.Model.Bloom.Enabled && kind == ngram.TrieContainerKind {
		opts.Bloom = &ngram.BloomOptions{
			ExpectedItems:     c.Model.Bloom.ExpectedItems,
			FalsePositiveRate: c.Model.Bloom.FalsePositiveRate,
		}
	}
	if c.Model.Cache.Enabled {
		opts.Cache = &ngram.CacheOptions{
			Capacity:           c.Model.Cache.Capacity,
			TimestampsCapacity: c.Model.Cache.TimestampsCapacity,
		}
	}
	return opts, nil
}

// ServiceOptions resolves everything a ModelService needs
func (c *Config) ServiceOptions() (ngram.ServiceOptions, error) {
	modelOpts, err := c.ModelOptions()
	if err != nil {
		return ngram.ServiceOptions{}, err
	}
	return ngram.ServiceOptions{
		Dir:          c.Models.Dir,
		Compress:     c.Models.Compress,
		Model:        modelOpts,
		MinCount:     c.Vocabulary.MinCount,
		UnknownToken: c.Vocabulary.UnknownToken,
		Estimate:     c.EstimateOptions(),
	}, nil
}

// EstimateOptions resolves the estimation section
func (c *Config) EstimateOptions() ngram.EstimateOptions {
	return ngram.EstimateOptions{
		MaxIterations:     c.Estimation.MaxIterations,
		GradientThreshold: c.Estimation.GradientThreshold,
	}
}

// NewLogger builds a production zap logger at the configured level
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfgZap := zap.NewProductionConfig()
	cfgZap.Level.SetLevel(level)
	if len(c.Logging.OutputPaths) > 0 {
		cfgZap.OutputPaths = c.Logging.OutputPaths
	}
	return cfgZap.Build()
}
