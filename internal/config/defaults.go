package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	defaultStoreDriver = "sqlite"
	defaultSQLitePath  = "./storage/images.db"

	defaultProvider         = "replicate"
	defaultReplicateBaseURL = "https://api.replicate.com"
	defaultReplicateVersion = "0383f62e173dc821ec52663ed22a076d9c970549c209666ac3db181618b7a304"
	defaultPollInterval     = time.Second
	defaultMaxAttempts      = 30
	defaultRatePerSecond    = 2.0

	defaultONNXLibrary   = "./model/libonnxruntime.so"
	defaultVisionModel   = "./model/vision_model.onnx"
	defaultTextModel     = "./model/text_model.onnx"
	defaultTokenizer     = "./model/tokenizer.json"
	defaultONNXDimension = 512

	defaultBatchSize = 2
	defaultQueueSize = 100

	// Typical CLIP score for an unrelated image/text pair.
	defaultThreshold = 0.235

	defaultListen         = ":8080"
	defaultThumbnailDir   = "./storage/thumbnails"
	defaultMaxUploadBytes = 50 * 1024 * 1024
)

// NewDefaultConfig returns a Config with defaults for all fields.
func NewDefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     defaultStoreDriver,
			SQLitePath: defaultSQLitePath,
		},
		Embedding: EmbeddingConfig{
			Provider: defaultProvider,
			Replicate: ReplicateConfig{
				BaseURL:       defaultReplicateBaseURL,
				Version:       defaultReplicateVersion,
				PollInterval:  defaultPollInterval,
				MaxAttempts:   defaultMaxAttempts,
				RatePerSecond: defaultRatePerSecond,
			},
			ONNX: ONNXConfig{
				LibraryPath: defaultONNXLibrary,
				VisionModel: defaultVisionModel,
				TextModel:   defaultTextModel,
				Tokenizer:   defaultTokenizer,
				Dimensions:  defaultONNXDimension,
			},
		},
		Pipeline: PipelineConfig{
			BatchSize: defaultBatchSize,
			QueueSize: defaultQueueSize,
		},
		Search: SearchConfig{
			Threshold: defaultThreshold,
		},
		Server: ServerConfig{
			Listen:         defaultListen,
			CORSOrigins:    []string{"http://localhost:4321"},
			ThumbnailDir:   defaultThumbnailDir,
			MaxUploadBytes: defaultMaxUploadBytes,
		},
	}
}

func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.postgres_dsn", d.Store.PostgresDSN)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.replicate.base_url", d.Embedding.Replicate.BaseURL)
	v.SetDefault("embedding.replicate.token", "")
	v.SetDefault("embedding.replicate.version", d.Embedding.Replicate.Version)
	v.SetDefault("embedding.replicate.poll_interval", d.Embedding.Replicate.PollInterval)
	v.SetDefault("embedding.replicate.max_attempts", d.Embedding.Replicate.MaxAttempts)
	v.SetDefault("embedding.replicate.rate_per_second", d.Embedding.Replicate.RatePerSecond)
	v.SetDefault("embedding.onnx.library_path", d.Embedding.ONNX.LibraryPath)
	v.SetDefault("embedding.onnx.vision_model", d.Embedding.ONNX.VisionModel)
	v.SetDefault("embedding.onnx.text_model", d.Embedding.ONNX.TextModel)
	v.SetDefault("embedding.onnx.tokenizer", d.Embedding.ONNX.Tokenizer)
	v.SetDefault("embedding.onnx.dimensions", d.Embedding.ONNX.Dimensions)

	v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	v.SetDefault("pipeline.batch_delay", d.Pipeline.BatchDelay)
	v.SetDefault("pipeline.queue_size", d.Pipeline.QueueSize)

	v.SetDefault("search.threshold", d.Search.Threshold)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.thumbnail_dir", d.Server.ThumbnailDir)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)

	v.SetDefault("log.debug", false)
	v.SetDefault("log.json", false)
	v.SetDefault("log.pretty", false)
}
