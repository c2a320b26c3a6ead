package milvus

import (
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunogya/visionquant/pkg/model"
)

func TestPatternSchema(t *testing.T) {
	s := patternSchema("chart_patterns", 8)
	require.Len(t, s.Fields, 6)
	assert.True(t, s.Fields[0].PrimaryKey)
	assert.Equal(t, entity.FieldTypeFloatVector, s.Fields[1].DataType)
	assert.Equal(t, "8", s.Fields[1].TypeParams["dim"])
}

func TestPatternColumns(t *testing.T) {
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	patterns := []model.Pattern{
		{ID: 0, Symbol: "AAA", EndDate: d},
		{ID: 1, Symbol: "BBB", EndDate: d.AddDate(0, 0, 1)},
	}
	vectors := [][]float32{{1, 0}, {0, 1}}

	cols := patternColumns("run-1", patterns, vectors)
	require.Len(t, cols, 6)
	for _, c := range cols {
		assert.Equal(t, 2, c.Len(), c.Name())
	}

	keys, ok := cols[0].(*entity.ColumnVarChar)
	require.True(t, ok)
	k, err := keys.ValueByIdx(1)
	require.NoError(t, err)
	assert.Equal(t, "run-1/1", k)

	ends, ok := cols[5].(*entity.ColumnInt64)
	require.True(t, ok)
	v, err := ends.ValueByIdx(0)
	require.NoError(t, err)
	assert.Equal(t, d.Unix(), v)
}

func TestEmbeddingDim(t *testing.T) {
	dim, err := embeddingDim(patternSchema("chart_patterns", 1024))
	require.NoError(t, err)
	assert.Equal(t, 1024, dim)

	_, err = embeddingDim(&entity.Schema{Fields: []*entity.Field{{Name: "pattern_key"}}})
	assert.Error(t, err)
	_, err = embeddingDim(nil)
	assert.Error(t, err)
}

func TestStaleExpr(t *testing.T) {
	assert.Equal(t, `generation != "run-2"`, staleExpr("run-2"))
}
