package command

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/builder"
	"github.com/tunogya/visionquant/pkg/config"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/engine"
	"github.com/tunogya/visionquant/pkg/events"
	"github.com/tunogya/visionquant/pkg/recorder"
	"github.com/tunogya/visionquant/pkg/store/milvus"
)

// App is everything a process needs to serve commands, wired from config.
type App struct {
	Runner   *Runner
	Service  *engine.Service
	Holder   *engine.Holder
	Provider data.CandleProvider

	closers []func() error
}

// Close releases every connection and store the app opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewCandleProvider selects the configured market-data source, wrapped in
// the CSV cache when enabled.
func NewCandleProvider(cfg *config.Config, logger *zap.Logger) data.CandleProvider {
	p := cfg.Provider
	var upstream data.CandleProvider
	switch p.Name {
	case "binance":
		upstream = data.NewBinanceProvider(p.BinanceBaseURL, p.RateLimit, logger)
	case "eodhd":
		var opts []data.EODHDOption
		if p.EODHDBaseURL != "" {
			opts = append(opts, data.WithEODHDBaseURL(p.EODHDBaseURL))
		}
		upstream = data.NewEODHDClient(p.EODHDAPIKey, p.RateLimit, logger, opts...)
	default:
		var opts []data.YahooOption
		if p.YahooBaseURL != "" {
			opts = append(opts, data.WithYahooBaseURL(p.YahooBaseURL))
		}
		upstream = data.NewYahooProvider(p.RateLimit, logger, opts...)
	}
	if !p.Cache {
		return upstream
	}
	return data.NewCachedProvider(artifact.NewLayout(cfg.Data.Dir).CacheDir(), upstream, logger)
}

// Open wires providers, stores, publishers and the query service from cfg.
// Optional sinks that fail to connect are logged and skipped.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{}
	app.Provider = NewCandleProvider(cfg, logger)

	var serviceOpts []engine.Option
	var builderOpts []builder.Option

	if cfg.Provider.EODHDAPIKey != "" {
		var opts []data.EODHDOption
		if cfg.Provider.EODHDBaseURL != "" {
			opts = append(opts, data.WithEODHDBaseURL(cfg.Provider.EODHDBaseURL))
		}
		upstream := data.NewEODHDClient(cfg.Provider.EODHDAPIKey, cfg.Provider.RateLimit, logger, opts...)
		cache, err := data.OpenFundamentalsCache(filepath.Join(cfg.Data.Dir, "fundamentals"), upstream, cfg.Provider.FundamentalsTTL, logger)
		if err != nil {
			logger.Warn("Fundamentals cache unavailable, using EODHD directly", zap.Error(err))
			serviceOpts = append(serviceOpts, engine.WithFundamentals(upstream))
		} else {
			app.closers = append(app.closers, cache.Close)
			serviceOpts = append(serviceOpts, engine.WithFundamentals(cache))
		}
	}

	if cfg.Recorder.Enabled {
		path := cfg.Recorder.Path
		if path == "" {
			path = filepath.Join(cfg.Data.Dir, "runs.db")
		}
		rec, err := recorder.NewSQLiteRecorder(path, logger)
		if err != nil {
			logger.Warn("Run journal unavailable", zap.String("path", path), zap.Error(err))
		} else {
			app.closers = append(app.closers, rec.Close)
			serviceOpts = append(serviceOpts, engine.WithRecorder(rec))
			builderOpts = append(builderOpts, builder.WithRecorder(rec))
		}
	}

	if cfg.Milvus.Enabled {
		client, err := milvus.NewClient(ctx, cfg.Milvus.Client())
		if err != nil {
			logger.Warn("Milvus mirror unavailable", zap.String("address", cfg.Milvus.Address), zap.Error(err))
		} else {
			app.closers = append(app.closers, client.Close)
			builderOpts = append(builderOpts, builder.WithMirror(client, cfg.Milvus.Collection))
		}
	}

	if cfg.Rerank.Enabled {
		serviceOpts = append(serviceOpts, engine.WithTimeDecay(cfg.Rerank.Decay))
	}

	publishers := []events.Publisher{events.NewLogPublisher(logger)}
	if cfg.NATS.Enabled {
		pub, err := events.NewNATSPublisher(ctx, events.NATSConfig{
			URL:           cfg.NATS.URL,
			StreamName:    cfg.NATS.StreamName,
			Subject:       cfg.NATS.Subject,
			RetryAttempts: cfg.NATS.MaxRetries,
			RetryDelay:    cfg.NATS.RetryDelay,
		})
		if err != nil {
			logger.Warn("NATS progress publisher unavailable", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			app.closers = append(app.closers, pub.Close)
			publishers = append(publishers, pub)
		}
	}
	if cfg.Kafka.Enabled {
		pub := events.NewKafkaPublisher(cfg.Kafka.BrokerList(), cfg.Kafka.Topic, cfg.Kafka.ClientID, logger)
		app.closers = append(app.closers, pub.Close)
		publishers = append(publishers, pub)
	}

	app.Holder = engine.NewHolder(cfg.Data.Dir, logger)
	svc, err := engine.NewService(app.Holder, app.Provider, engine.Config{
		Interval:  cfg.Build.Interval,
		Barrier:   cfg.Barrier,
		Predictor: cfg.Predictor,
		Scorer:    cfg.Scorer,
	}, logger, serviceOpts...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Service = svc
	app.Runner = NewRunner(cfg, svc, app.Provider, logger,
		WithPublishers(publishers...),
		WithBuilderOptions(builderOpts...))
	return app, nil
}
