package storage

import (
	"slices"

	"github.com/vectank.org/vectank-server/internal/similarity"
)

// vectorBlock stores a tank's vectors as one contiguous row-major slab so a
// search scores every row in a single batch.
type vectorBlock interface {
	rows() int
	appendRow(v Vector) int
	setRow(row int, v Vector)
	row(row int) Vector
	// swapRemove moves the last row into row and shrinks the block. It
	// returns the former index of the moved row, or -1 if row was last.
	swapRemove(row int) int
	// gather concatenates copies of the given rows in the given order.
	gather(rows []int) Vector
	score(m similarity.Method, query Vector) ([]float64, error)
	reset()
}

type slab[T similarity.Float] struct {
	dim    int
	data   []T
	unwrap func(Vector) []T
	wrap   func([]T) Vector
}

func newBlock(d DType, dim int) vectorBlock {
	if d == Float64 {
		return &slab[float64]{
			dim:    dim,
			unwrap: func(v Vector) []float64 { return v.F64 },
			wrap:   Float64Vector,
		}
	}
	return &slab[float32]{
		dim:    dim,
		unwrap: func(v Vector) []float32 { return v.F32 },
		wrap:   Float32Vector,
	}
}

func (s *slab[T]) rows() int {
	return len(s.data) / s.dim
}

func (s *slab[T]) appendRow(v Vector) int {
	s.data = append(s.data, s.unwrap(v)...)
	return s.rows() - 1
}

func (s *slab[T]) setRow(row int, v Vector) {
	copy(s.data[row*s.dim:(row+1)*s.dim], s.unwrap(v))
}

func (s *slab[T]) row(row int) Vector {
	return s.wrap(slices.Clone(s.data[row*s.dim : (row+1)*s.dim]))
}

func (s *slab[T]) swapRemove(row int) int {
	last := s.rows() - 1
	moved := -1
	if row != last {
		copy(s.data[row*s.dim:(row+1)*s.dim], s.data[last*s.dim:])
		moved = last
	}
	s.data = s.data[:last*s.dim]
	return moved
}

func (s *slab[T]) gather(rows []int) Vector {
	out := make([]T, 0, len(rows)*s.dim)
	for _, r := range rows {
		out = append(out, s.data[r*s.dim:(r+1)*s.dim]...)
	}
	return s.wrap(out)
}

func (s *slab[T]) score(m similarity.Method, query Vector) ([]float64, error) {
	return similarity.BatchScore(m, s.unwrap(query), s.data, s.dim)
}

func (s *slab[T]) reset() {
	s.data = nil
}
