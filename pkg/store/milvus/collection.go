package milvus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/tunogya/visionquant/pkg/model"
)

const (
	// DefaultCollectionName is the default collection name for chart embeddings
	DefaultCollectionName = "chart_patterns"

	insertBatchSize = 1000
)

// CreateCollection creates the pattern collection if it does not exist.
func (c *Client) CreateCollection(ctx context.Context, name string, dim int) error {
	exists, err := c.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.conn.CreateCollection(ctx, patternSchema(name, dim), 2); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func patternSchema(name string, dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: name,
		Description:    "Candlestick chart embeddings",
		Fields: []*entity.Field{
			{
				Name:       "pattern_key",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "96"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", dim)},
			},
			{
				Name:       "generation",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "row_id",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       "symbol",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "32"},
			},
			{
				Name:     "end_date",
				DataType: entity.FieldTypeInt64,
			},
		},
	}
}

// patternColumns builds one insert batch. Keys are generation-scoped so the
// new rows never collide with the ones they replace.
func patternColumns(generation string, patterns []model.Pattern, vectors [][]float32) []entity.Column {
	keys := make([]string, len(patterns))
	gens := make([]string, len(patterns))
	rows := make([]int64, len(patterns))
	symbols := make([]string, len(patterns))
	ends := make([]int64, len(patterns))
	for i, p := range patterns {
		keys[i] = fmt.Sprintf("%s/%d", generation, p.ID)
		gens[i] = generation
		rows[i] = p.ID
		symbols[i] = p.Symbol
		ends[i] = p.EndDate.Unix()
	}
	return []entity.Column{
		entity.NewColumnVarChar("pattern_key", keys),
		entity.NewColumnFloatVector("embedding", len(vectors[0]), vectors),
		entity.NewColumnVarChar("generation", gens),
		entity.NewColumnInt64("row_id", rows),
		entity.NewColumnVarChar("symbol", symbols),
		entity.NewColumnInt64("end_date", ends),
	}
}

// Mirror uploads a generation's patterns and vectors, then deletes the rows
// of every other generation so the collection holds only the live one. The
// collection and its index are created on first use, and recreated when the
// embedding size changed since the last mirror.
func (c *Client) Mirror(ctx context.Context, collection, generation string, patterns []model.Pattern, vectors [][]float32) error {
	if len(patterns) != len(vectors) {
		return fmt.Errorf("mirror: %d patterns but %d vectors", len(patterns), len(vectors))
	}
	if len(vectors) == 0 {
		return nil
	}
	if err := c.ensureCollection(ctx, collection, len(vectors[0])); err != nil {
		return err
	}

	for start := 0; start < len(patterns); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(patterns) {
			end = len(patterns)
		}
		cols := patternColumns(generation, patterns[start:end], vectors[start:end])
		if _, err := c.conn.Insert(ctx, collection, "", cols...); err != nil {
			return fmt.Errorf("failed to insert: %w", err)
		}
	}
	if err := c.Flush(ctx, collection); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	// deletes by a non-key expression need the collection loaded
	if err := c.LoadCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := c.conn.Delete(ctx, collection, "", staleExpr(generation)); err != nil {
		return fmt.Errorf("failed to delete old generations: %w", err)
	}
	return c.Flush(ctx, collection)
}

// ensureCollection makes sure collection exists with an embedding field of
// dim, dropping a collection built for another size.
func (c *Client) ensureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := c.HasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		coll, err := c.conn.DescribeCollection(ctx, collection)
		if err != nil {
			return fmt.Errorf("failed to describe collection: %w", err)
		}
		current, err := embeddingDim(coll.Schema)
		if err != nil {
			return err
		}
		if current == dim {
			return nil
		}
		if err := c.DropCollection(ctx, collection); err != nil {
			return fmt.Errorf("failed to drop collection with dim %d: %w", current, err)
		}
	}

	if err := c.CreateCollection(ctx, collection, dim); err != nil {
		return err
	}
	return c.CreateIndex(ctx, collection, "embedding")
}

// embeddingDim reads the vector size of the embedding field.
func embeddingDim(schema *entity.Schema) (int, error) {
	if schema != nil {
		for _, f := range schema.Fields {
			if f.Name != "embedding" {
				continue
			}
			dim, err := strconv.Atoi(f.TypeParams["dim"])
			if err != nil {
				return 0, fmt.Errorf("embedding field has dim %q", f.TypeParams["dim"])
			}
			return dim, nil
		}
	}
	return 0, fmt.Errorf("collection has no embedding field")
}

// staleExpr selects the rows of every generation except the given one.
func staleExpr(generation string) string {
	return fmt.Sprintf("generation != %q", generation)
}
