package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/model"
)

// ErrNoFundamentals is returned when no source knows the symbol.
var ErrNoFundamentals = errors.New("no fundamentals")

// StaticFundamentals serves fixed figures, typically from configuration.
type StaticFundamentals map[string]model.Fundamentals

// Fundamentals implements FundamentalsProvider.
func (s StaticFundamentals) Fundamentals(_ context.Context, symbol string) (*model.Fundamentals, error) {
	f, ok := s[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoFundamentals, symbol)
	}
	f.Symbol = symbol
	return &f, nil
}

// FundamentalsCache keeps upstream fundamentals in a local badger store and
// refreshes them once they are older than ttl. A stale entry is still served
// when the upstream is unreachable.
type FundamentalsCache struct {
	store    *badgerhold.Store
	upstream FundamentalsProvider
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// OpenFundamentalsCache opens (or creates) the badger store under dir.
func OpenFundamentalsCache(dir string, upstream FundamentalsProvider, ttl time.Duration, logger *zap.Logger) (*FundamentalsCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fundamentals dir: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open fundamentals store: %w", err)
	}
	return &FundamentalsCache{
		store:    store,
		upstream: upstream,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Fundamentals implements FundamentalsProvider.
func (c *FundamentalsCache) Fundamentals(ctx context.Context, symbol string) (*model.Fundamentals, error) {
	key := strings.ToUpper(symbol)

	var cached model.Fundamentals
	err := c.store.Get(key, &cached)
	hit := err == nil
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		c.logger.Warn("Failed to read fundamentals cache", zap.String("symbol", symbol), zap.Error(err))
	}
	if hit && c.now().Sub(cached.FetchedAt) < c.ttl {
		return &cached, nil
	}

	if c.upstream == nil {
		if hit {
			return &cached, nil
		}
		return nil, fmt.Errorf("%w for %s", ErrNoFundamentals, symbol)
	}

	fresh, err := c.upstream.Fundamentals(ctx, symbol)
	if err != nil {
		if hit {
			c.logger.Warn("Fundamentals refresh failed, serving stale entry",
				zap.String("symbol", symbol), zap.Error(err))
			return &cached, nil
		}
		return nil, err
	}
	if fresh.FetchedAt.IsZero() {
		fresh.FetchedAt = c.now().UTC()
	}
	if err := c.store.Upsert(key, fresh); err != nil {
		c.logger.Warn("Failed to write fundamentals cache", zap.String("symbol", symbol), zap.Error(err))
	}
	return fresh, nil
}

// Close closes the underlying store.
func (c *FundamentalsCache) Close() error {
	return c.store.Close()
}
