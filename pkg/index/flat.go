// Package index is an exact inner-product nearest-neighbour index over
// unit-norm embeddings, so scores are cosine similarities.
package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

var (
	ErrDimMismatch = errors.New("index: dimension mismatch")
	ErrBadFile     = errors.New("index: bad index file")
)

var magic = [4]byte{'V', 'Q', 'I', 'X'}

const fileVersion uint32 = 1

// Hit is one search result: the row position of the vector and its score.
type Hit struct {
	Row   int     `json:"row"`
	Score float32 `json:"score"`
}

// Flat stores vectors contiguously; row i is the i-th added vector.
type Flat struct {
	dim  int
	data []float32
}

// NewFlat creates an empty index of the given dimension.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

// Dim returns the vector dimension.
func (f *Flat) Dim() int { return f.dim }

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	if f.dim == 0 {
		return 0
	}
	return len(f.data) / f.dim
}

// Add appends vectors in order.
func (f *Flat) Add(vecs ...[]float32) error {
	for _, v := range vecs {
		if len(v) != f.dim {
			return fmt.Errorf("%w: got %d, want %d", ErrDimMismatch, len(v), f.dim)
		}
		f.data = append(f.data, v...)
	}
	return nil
}

// Vector returns a copy of row i.
func (f *Flat) Vector(i int) []float32 {
	return append([]float32(nil), f.data[i*f.dim:(i+1)*f.dim]...)
}

// Search scores every vector against q and returns up to k hits by
// descending score; equal scores keep insertion order.
func (f *Flat) Search(q []float32, k int) ([]Hit, error) {
	return f.SearchFunc(q, k, nil)
}

// SearchFunc is Search restricted to rows for which keep returns true. A nil
// keep accepts every row.
func (f *Flat) SearchFunc(q []float32, k int, keep func(row int) bool) ([]Hit, error) {
	if len(q) != f.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimMismatch, len(q), f.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	n := f.Len()
	hits := make([]Hit, 0, n)
	for i := 0; i < n; i++ {
		if keep != nil && !keep(i) {
			continue
		}
		row := f.data[i*f.dim : (i+1)*f.dim]
		var s float32
		for j, v := range row {
			s += v * q[j]
		}
		hits = append(hits, Hit{Row: i, Score: s})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Normalize scales every stored vector to unit length. Zero vectors are left as is.
func (f *Flat) Normalize() {
	for i := 0; i < f.Len(); i++ {
		row := f.data[i*f.dim : (i+1)*f.dim]
		var s float64
		for _, v := range row {
			s += float64(v) * float64(v)
		}
		if s == 0 {
			continue
		}
		inv := float32(1 / math.Sqrt(s))
		for j := range row {
			row[j] *= inv
		}
	}
}

// Save writes the index to path through a temp file and rename.
// Layout: magic "VQIX", version u32, dim u32, n u64, then n*dim float32, all
// little-endian.
func (f *Flat) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.bin")
	if err != nil {
		return fmt.Errorf("failed to create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	hdr := header{Magic: magic, Version: fileVersion, Dim: uint32(f.dim), N: uint64(f.Len())}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		tmp.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, f.data); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type header struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	N       uint64
}

func readHeader(r io.Reader) (header, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBadFile, err)
	}
	if hdr.Magic != magic {
		return hdr, fmt.Errorf("%w: bad magic", ErrBadFile)
	}
	if hdr.Version != fileVersion {
		return hdr, fmt.Errorf("%w: unsupported version %d", ErrBadFile, hdr.Version)
	}
	return hdr, nil
}

// Load reads an index written by Save.
func Load(path string) (*Flat, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	data := make([]float32, int(hdr.N)*int(hdr.Dim))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: truncated vectors: %v", ErrBadFile, err)
	}
	return &Flat{dim: int(hdr.Dim), data: data}, nil
}

// Stat reads only the header and returns (dim, n).
func Stat(path string) (int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	hdr, err := readHeader(file)
	if err != nil {
		return 0, 0, err
	}
	return int(hdr.Dim), int(hdr.N), nil
}
