package duckdb

import (
	"context"
	"fmt"

	"github.com/tunogya/visionquant/pkg/model"
)

// BarRepo handles bar snapshot persistence
type BarRepo struct {
	client *Client
}

// NewBarRepo creates a new bar repository
func NewBarRepo(client *Client) *BarRepo {
	return &BarRepo{client: client}
}

// InsertBatch inserts multiple bars in a transaction
func (r *BarRepo) InsertBatch(ctx context.Context, candles []model.Candle) error {
	tx, err := r.client.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx,
			c.Symbol, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	return tx.Commit()
}

// BySymbol retrieves every bar of a symbol in time order
func (r *BarRepo) BySymbol(ctx context.Context, symbol string) ([]model.Candle, error) {
	rows, err := r.client.Query(ctx, `
		SELECT symbol, open_time, open, high, low, close, volume
		FROM bars
		WHERE symbol = ?
		ORDER BY open_time ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		c.OpenTime = model.Date(c.OpenTime)
		c.Timeframe = "1d"
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Count returns the total number of bars for a symbol
func (r *BarRepo) Count(ctx context.Context, symbol string) (int64, error) {
	var count int64
	row := r.client.QueryRow(ctx, "SELECT COUNT(*) FROM bars WHERE symbol = ?", symbol)
	err := row.Scan(&count)
	return count, err
}
