// Command fetch downloads daily bars for a list of symbols into the CSV
// cache so later builds and queries can run offline.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tunogya/visionquant/pkg/command"
	"github.com/tunogya/visionquant/pkg/config"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/logging"
	"github.com/tunogya/visionquant/pkg/model"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	symbols := flag.String("symbols", "", "Comma separated symbols (default: build.symbols)")
	start := flag.String("start", "", "First date, YYYY-MM-DD (default: build.start)")
	end := flag.String("end", "", "Last date, YYYY-MM-DD (default: today)")
	workers := flag.Int("workers", 4, "Concurrent downloads")
	out := flag.String("out", "", "Also write each requested range to <out>/<SYMBOL>.csv")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Provider.Cache = true

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	list := cfg.Build.Symbols
	if *symbols != "" {
		list = strings.Split(*symbols, ",")
	}
	if len(list) == 0 {
		logger.Fatal("No symbols given; pass -symbols or set build.symbols")
	}

	from := cfg.Build.Start
	if *start != "" {
		from = *start
	}
	startTime, err := time.Parse(model.DateLayout, from)
	if err != nil {
		logger.Fatal("Invalid start date", zap.String("start", from), zap.Error(err))
	}
	endTime := time.Now().UTC()
	if *end != "" {
		t, err := time.Parse(model.DateLayout, *end)
		if err != nil {
			logger.Fatal("Invalid end date", zap.String("end", *end), zap.Error(err))
		}
		endTime = t.Add(24*time.Hour - time.Nanosecond)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := command.NewCandleProvider(cfg, logger)
	g, gctx := errgroup.WithContext(ctx)
	if *workers < 1 {
		*workers = 1
	}
	g.SetLimit(*workers)
	failed := make([]string, len(list))
	for i, raw := range list {
		i, symbol := i, strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		g.Go(func() error {
			candles, err := provider.FetchCandles(gctx, symbol, cfg.Build.Interval, startTime, endTime)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("Failed to fetch symbol", zap.String("symbol", symbol), zap.Error(err))
				failed[i] = symbol
				return nil
			}
			if *out != "" {
				if err := data.WriteCSV(filepath.Join(*out, data.SafeName(symbol)+".csv"), candles); err != nil {
					return err
				}
			}
			logger.Info("Fetched symbol",
				zap.String("symbol", symbol),
				zap.Int("bars", len(candles)),
				zap.String("first", candles[0].OpenTime.Format(model.DateLayout)),
				zap.String("last", candles[len(candles)-1].OpenTime.Format(model.DateLayout)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal("Fetch interrupted", zap.Error(err))
	}

	var missing []string
	for _, s := range failed {
		if s != "" {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		logger.Error("Some symbols could not be fetched", zap.Strings("symbols", missing))
		os.Exit(1)
	}
	logger.Info("Fetch completed", zap.Int("symbols", len(list)), zap.String("cache", cfg.Data.Dir))
}
