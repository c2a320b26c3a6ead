// Package config loads process configuration from an optional YAML file and
// VQ_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tunogya/visionquant/pkg/backtest"
	"github.com/tunogya/visionquant/pkg/chart"
	"github.com/tunogya/visionquant/pkg/outcome"
	"github.com/tunogya/visionquant/pkg/rerank"
	"github.com/tunogya/visionquant/pkg/scorer"
	"github.com/tunogya/visionquant/pkg/store/milvus"
	"github.com/tunogya/visionquant/pkg/vision"
)

// Config holds all configuration for the process
type Config struct {
	Data      DataConfig              `mapstructure:"data"`
	Provider  ProviderConfig          `mapstructure:"provider"`
	Model     vision.Config           `mapstructure:"model"`
	Build     BuildConfig             `mapstructure:"build"`
	Barrier   outcome.BarrierConfig   `mapstructure:"barrier"`
	Predictor outcome.PredictorConfig `mapstructure:"predictor"`
	Scorer    scorer.Config           `mapstructure:"scorer"`
	Backtest  backtest.Config         `mapstructure:"backtest"`
	Rerank    RerankConfig            `mapstructure:"rerank"`
	Milvus    MilvusConfig            `mapstructure:"milvus"`
	NATS      NATSConfig              `mapstructure:"nats"`
	Kafka     KafkaConfig             `mapstructure:"kafka"`
	Recorder  RecorderConfig          `mapstructure:"recorder"`
	Server    ServerConfig            `mapstructure:"server"`
	Schedule  ScheduleConfig          `mapstructure:"schedule"`
	Logging   LoggingConfig           `mapstructure:"logging"`
}

// DataConfig locates on-disk state.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProviderConfig selects and tunes the market-data sources.
type ProviderConfig struct {
	Name            string        `mapstructure:"name"` // yahoo, binance or eodhd
	RateLimit       float64       `mapstructure:"rate_limit"`
	Cache           bool          `mapstructure:"cache"`
	EODHDAPIKey     string        `mapstructure:"eodhd_api_key"`
	FundamentalsTTL time.Duration `mapstructure:"fundamentals_ttl"`
	BinanceBaseURL  string        `mapstructure:"binance_base_url"`
	YahooBaseURL    string        `mapstructure:"yahoo_base_url"`
	EODHDBaseURL    string        `mapstructure:"eodhd_base_url"`
}

// BuildConfig holds index build defaults. Requests override them per run.
type BuildConfig struct {
	Symbols      []string      `mapstructure:"symbols"`
	Start        string        `mapstructure:"start"`
	End          string        `mapstructure:"end"`
	Interval     string        `mapstructure:"interval"`
	Stride       int           `mapstructure:"stride"`
	Window       int           `mapstructure:"window"`
	Epochs       int           `mapstructure:"epochs"`
	BatchSize    int           `mapstructure:"batch_size"`
	LearningRate float64       `mapstructure:"learning_rate"`
	ChartStyle   string        `mapstructure:"chart_style"`
	Volume       bool          `mapstructure:"volume"`
	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RerankConfig enables time-decay reranking of matches.
type RerankConfig struct {
	Enabled bool                   `mapstructure:"enabled"`
	Decay   rerank.TimeDecayConfig `mapstructure:"decay"`
}

// MilvusConfig enables mirroring built indexes into Milvus.
type MilvusConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Collection string `mapstructure:"collection"`
}

// Client returns the connection settings for the milvus store.
func (m MilvusConfig) Client() milvus.Config {
	return milvus.Config{
		Address:    m.Address,
		Username:   m.Username,
		Password:   m.Password,
		Collection: m.Collection,
	}
}

// NATSConfig enables build events over JetStream.
type NATSConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	StreamName string        `mapstructure:"stream_name"`
	Subject    string        `mapstructure:"subject"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// KafkaConfig enables build events over Kafka.
type KafkaConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Brokers  string `mapstructure:"brokers"` // comma separated
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// BrokerList splits Brokers on commas.
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// RecorderConfig enables the SQLite run journal.
type RecorderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // defaults to <data.dir>/runs.db
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// ScheduleConfig drives periodic rebuilds in the server.
type ScheduleConfig struct {
	Rebuild string `mapstructure:"rebuild"` // cron spec with seconds; empty disables
	// OnStart builds once at startup when no generation is live yet.
	OnStart bool `mapstructure:"on_start"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Data: DataConfig{Dir: "data"},
		Provider: ProviderConfig{
			Name:            "yahoo",
			RateLimit:       2,
			Cache:           true,
			FundamentalsTTL: 24 * time.Hour,
		},
		Model: vision.DefaultConfig(),
		Build: BuildConfig{
			Start:        "2015-01-01",
			Interval:     "1d",
			Stride:       5,
			Window:       60,
			Epochs:       20,
			BatchSize:    32,
			LearningRate: 1e-3,
			ChartStyle:   string(chart.StyleCandle),
			Volume:       true,
			Workers:      4,
		},
		Barrier:   outcome.DefaultBarrierConfig(),
		Predictor: outcome.DefaultPredictorConfig(),
		Scorer:    scorer.DefaultConfig(),
		Backtest:  backtest.DefaultConfig(),
		Rerank:    RerankConfig{Decay: rerank.DefaultTimeDecayConfig()},
		Milvus: MilvusConfig{
			Address:    milvus.DefaultConfig().Address,
			Collection: milvus.DefaultCollectionName,
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			StreamName: "visionquant",
			Subject:    "visionquant.build.progress",
			RetryDelay: time.Second,
			MaxRetries: 3,
		},
		Kafka: KafkaConfig{
			Brokers:  "localhost:9092",
			Topic:    "visionquant-build-events",
			ClientID: "visionquant",
		},
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from path (optional) and the environment.
// VQ_DATA_DIR overrides data.dir, VQ_SERVER_PORT overrides server.port, and
// so on for every key with a registered default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the nested configurations that have invariants.
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must be set")
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Barrier.Validate(); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	if err := c.Scorer.Validate(); err != nil {
		return fmt.Errorf("scorer: %w", err)
	}
	if _, err := chart.ParseStyle(c.Build.ChartStyle); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	switch c.Provider.Name {
	case "yahoo", "binance":
	case "eodhd":
		if c.Provider.EODHDAPIKey == "" {
			return fmt.Errorf("provider.eodhd_api_key is required for the eodhd provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	return nil
}

// setDefaults registers the keys that may be overridden from the environment.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("data.dir", d.Data.Dir)

	v.SetDefault("provider.name", d.Provider.Name)
	v.SetDefault("provider.rate_limit", d.Provider.RateLimit)
	v.SetDefault("provider.cache", d.Provider.Cache)
	v.SetDefault("provider.eodhd_api_key", "")
	v.SetDefault("provider.fundamentals_ttl", d.Provider.FundamentalsTTL)
	v.SetDefault("provider.binance_base_url", "")
	v.SetDefault("provider.yahoo_base_url", "")
	v.SetDefault("provider.eodhd_base_url", "")

	v.SetDefault("build.start", d.Build.Start)
	v.SetDefault("build.end", "")
	v.SetDefault("build.interval", d.Build.Interval)
	v.SetDefault("build.stride", d.Build.Stride)
	v.SetDefault("build.window", d.Build.Window)
	v.SetDefault("build.epochs", d.Build.Epochs)
	v.SetDefault("build.batch_size", d.Build.BatchSize)
	v.SetDefault("build.learning_rate", d.Build.LearningRate)
	v.SetDefault("build.chart_style", d.Build.ChartStyle)
	v.SetDefault("build.volume", d.Build.Volume)
	v.SetDefault("build.workers", d.Build.Workers)
	v.SetDefault("build.timeout", d.Build.Timeout)

	v.SetDefault("rerank.enabled", false)

	v.SetDefault("milvus.enabled", false)
	v.SetDefault("milvus.address", d.Milvus.Address)
	v.SetDefault("milvus.username", "")
	v.SetDefault("milvus.password", "")
	v.SetDefault("milvus.collection", d.Milvus.Collection)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.stream_name", d.NATS.StreamName)
	v.SetDefault("nats.subject", d.NATS.Subject)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)

	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.path", "")

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	v.SetDefault("schedule.rebuild", "")
	v.SetDefault("schedule.on_start", false)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}
