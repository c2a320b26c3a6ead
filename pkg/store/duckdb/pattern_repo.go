package duckdb

import (
	"context"
	"fmt"

	"github.com/tunogya/visionquant/pkg/model"
)

// PatternRepo handles pattern metadata persistence
type PatternRepo struct {
	client *Client
}

// NewPatternRepo creates a new pattern repository
func NewPatternRepo(client *Client) *PatternRepo {
	return &PatternRepo{client: client}
}

// InsertBatch inserts patterns in a transaction. IDs must already be assigned.
func (r *PatternRepo) InsertBatch(ctx context.Context, patterns []model.Pattern) error {
	tx, err := r.client.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO patterns (id, symbol, end_date, image_path, end_index, series_len)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range patterns {
		_, err := stmt.ExecContext(ctx,
			p.ID, p.Symbol, p.EndDate, p.ImagePath, p.EndIndex, p.SeriesLen,
		)
		if err != nil {
			return fmt.Errorf("failed to insert pattern %d: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// All retrieves every pattern ordered by ID
func (r *PatternRepo) All(ctx context.Context) ([]model.Pattern, error) {
	rows, err := r.client.Query(ctx, `
		SELECT id, symbol, end_date, image_path, end_index, series_len
		FROM patterns
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []model.Pattern
	for rows.Next() {
		var p model.Pattern
		if err := rows.Scan(&p.ID, &p.Symbol, &p.EndDate, &p.ImagePath, &p.EndIndex, &p.SeriesLen); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.EndDate = model.Date(p.EndDate)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Count returns the number of pattern rows
func (r *PatternRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.client.QueryRow(ctx, "SELECT COUNT(*) FROM patterns").Scan(&count)
	return count, err
}

// Build metadata keys
const (
	MetaRunID      = "run_id"
	MetaCreatedAt  = "created_at"
	MetaMaxHold    = "max_hold"
	MetaWindow     = "window"
	MetaStride     = "stride"
	MetaInterval   = "interval"
	MetaImageSize  = "image_size"
	MetaChartStyle = "chart_style"
	MetaVolume     = "volume"
	MetaIndexDim   = "index_dim"
	MetaBestLoss   = "best_loss"
)

// MetaRepo stores build parameters.
type MetaRepo struct {
	client *Client
}

// NewMetaRepo creates a new build metadata repository
func NewMetaRepo(client *Client) *MetaRepo {
	return &MetaRepo{client: client}
}

// Set upserts key/value pairs.
func (r *MetaRepo) Set(ctx context.Context, values map[string]string) error {
	tx, err := r.client.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO build_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, k, v)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// All returns every stored key/value pair.
func (r *MetaRepo) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.client.Query(ctx, "SELECT key, value FROM build_meta")
	if err != nil {
		return nil, fmt.Errorf("failed to query build meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
