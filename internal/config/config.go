// Package config loads service settings. Precedence, highest first: CLI flags,
// IMAGESEARCH_* environment variables, config.toml, defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const envPrefix = "IMAGESEARCH"

type Config struct {
	Store     StoreConfig     `mapstructure:"store" toml:"store"`
	Embedding EmbeddingConfig `mapstructure:"embedding" toml:"embedding"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" toml:"pipeline"`
	Search    SearchConfig    `mapstructure:"search" toml:"search"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
}

// StoreConfig selects the content store driver: "sqlite", "postgres" or "memory".
type StoreConfig struct {
	Driver      string `mapstructure:"driver" toml:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path" toml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" toml:"-"`
}

// EmbeddingConfig selects the embedding provider: "replicate" or "onnx".
type EmbeddingConfig struct {
	Provider  string          `mapstructure:"provider" toml:"provider"`
	Replicate ReplicateConfig `mapstructure:"replicate" toml:"replicate"`
	ONNX      ONNXConfig      `mapstructure:"onnx" toml:"onnx"`
}

type ReplicateConfig struct {
	BaseURL       string        `mapstructure:"base_url" toml:"base_url"`
	Token         string        `mapstructure:"token" toml:"-"`
	Version       string        `mapstructure:"version" toml:"version"`
	PollInterval  time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts" toml:"max_attempts"`
	RatePerSecond float64       `mapstructure:"rate_per_second" toml:"rate_per_second"`
}

type ONNXConfig struct {
	LibraryPath string `mapstructure:"library_path" toml:"library_path"`
	VisionModel string `mapstructure:"vision_model" toml:"vision_model"`
	TextModel   string `mapstructure:"text_model" toml:"text_model"`
	Tokenizer   string `mapstructure:"tokenizer" toml:"tokenizer"`
	Dimensions  int    `mapstructure:"dimensions" toml:"dimensions"`
}

type PipelineConfig struct {
	BatchSize  int           `mapstructure:"batch_size" toml:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay" toml:"batch_delay"`
	QueueSize  int           `mapstructure:"queue_size" toml:"queue_size"`
}

type SearchConfig struct {
	Threshold float64 `mapstructure:"threshold" toml:"threshold"`
}

type ServerConfig struct {
	Listen         string   `mapstructure:"listen" toml:"listen"`
	CORSOrigins    []string `mapstructure:"cors_origins" toml:"cors_origins"`
	ThumbnailDir   string   `mapstructure:"thumbnail_dir" toml:"thumbnail_dir"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes" toml:"max_upload_bytes"`
}

type LogConfig struct {
	Debug  bool `mapstructure:"debug" toml:"debug"`
	JSON   bool `mapstructure:"json" toml:"json"`
	Pretty bool `mapstructure:"pretty" toml:"pretty"`
}

// InitViper returns a viper instance with defaults registered, the config
// file read (when configFile is set or ./config.toml exists) and environment
// variables bound.
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// Load decodes the effective configuration out of v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	switch c.Embedding.Provider {
	case "replicate", "onnx":
	default:
		return fmt.Errorf("unsupported embedding provider %q", c.Embedding.Provider)
	}

	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be at least 1, got %d", c.Pipeline.BatchSize)
	}
	return nil
}

// TOML renders the configuration. The replicate token is never included.
func (c *Config) TOML() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return buf.String(), nil
}
