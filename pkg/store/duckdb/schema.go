package duckdb

import (
	"context"
	"fmt"
)

// CreatePatternsTable holds one row per indexed chart; id is the vector's
// position in the similarity index.
const CreatePatternsTable = `
CREATE TABLE IF NOT EXISTS patterns (
    id BIGINT PRIMARY KEY,
    symbol VARCHAR NOT NULL,
    end_date TIMESTAMP NOT NULL,
    image_path VARCHAR NOT NULL,
    end_index INTEGER NOT NULL,
    series_len INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_symbol ON patterns(symbol);
`

// CreateBarsTable snapshots the bars a generation was built from, so forward
// paths can be looked up without the network.
const CreateBarsTable = `
CREATE TABLE IF NOT EXISTS bars (
    symbol VARCHAR NOT NULL,
    open_time TIMESTAMP NOT NULL,
    open DOUBLE,
    high DOUBLE,
    low DOUBLE,
    close DOUBLE,
    volume DOUBLE,
    PRIMARY KEY (symbol, open_time)
);
`

// CreateBuildMetaTable stores build parameters as key/value pairs.
const CreateBuildMetaTable = `
CREATE TABLE IF NOT EXISTS build_meta (
    key VARCHAR PRIMARY KEY,
    value VARCHAR NOT NULL
);
`

// InitializeSchema creates all required tables
func InitializeSchema(ctx context.Context, c *Client) error {
	schemas := []string{
		CreatePatternsTable,
		CreateBarsTable,
		CreateBuildMetaTable,
	}

	for _, schema := range schemas {
		if err := c.Exec(ctx, schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}
