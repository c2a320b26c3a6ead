package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_OrderAndTies(t *testing.T) {
	f := NewFlat(2)
	require.NoError(t, f.Add(
		[]float32{1, 0},
		[]float32{0, 1},
		[]float32{1, 0},
		[]float32{0.6, 0.8},
	))

	hits, err := f.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, 0, hits[0].Row)
	assert.Equal(t, 2, hits[1].Row)
	assert.Equal(t, 3, hits[2].Row)
	assert.InDelta(t, 0.6, hits[2].Score, 1e-6)
}

func TestSearch_KLargerThanN(t *testing.T) {
	f := NewFlat(2)
	require.NoError(t, f.Add([]float32{1, 0}, []float32{0, 1}))
	hits, err := f.Search([]float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Row)

	hits, err = f.Search([]float32{0, 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchFunc_Filters(t *testing.T) {
	f := NewFlat(1)
	require.NoError(t, f.Add([]float32{3}, []float32{2}, []float32{1}))
	hits, err := f.SearchFunc([]float32{1}, 5, func(row int) bool { return row != 0 })
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Row)
}

func TestDimMismatch(t *testing.T) {
	f := NewFlat(3)
	assert.ErrorIs(t, f.Add([]float32{1}), ErrDimMismatch)
	_, err := f.Search([]float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimMismatch)
}

func TestNormalize(t *testing.T) {
	f := NewFlat(2)
	require.NoError(t, f.Add([]float32{3, 4}, []float32{0, 0}))
	f.Normalize()
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, f.Vector(0), 1e-6)
	assert.Equal(t, []float32{0, 0}, f.Vector(1))
}

func TestSaveLoadStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen", "index.bin")
	f := NewFlat(3)
	require.NoError(t, f.Add([]float32{1, 0, 0}, []float32{0, 1, 0}))
	require.NoError(t, f.Save(path))

	dim, n, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)
	assert.Equal(t, 2, n)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, f.Vector(1), loaded.Vector(1))
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.bin")
	require.NoError(t, os.WriteFile(bad, []byte("XXXX12345678901234567890"), 0o644))
	_, err := Load(bad)
	assert.ErrorIs(t, err, ErrBadFile)

	// header claims more vectors than the file holds
	path := filepath.Join(dir, "trunc.bin")
	f := NewFlat(2)
	require.NoError(t, f.Add([]float32{1, 0}, []float32{0, 1}))
	require.NoError(t, f.Save(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-4], 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrBadFile)
}
