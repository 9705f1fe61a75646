package similarity

import (
	"cmp"
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/vectank.org/vectank-server/internal/errs"
)

// parallelThreshold is the number of block elements below which a batch is
// scored on the calling goroutine.
const parallelThreshold = 1 << 16

// BatchScore scores query against every row of a row-major block holding
// len(block)/dim vectors. The result has one score per row, in row order.
func BatchScore[T Float](m Method, query, block []T, dim int) ([]float64, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", errs.ErrInvalidDimension, dim)
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d elements, expected %d",
			errs.ErrDimensionMismatch, len(query), dim)
	}
	if len(block)%dim != 0 {
		return nil, fmt.Errorf("%w: block of %d elements is not a multiple of %d",
			errs.ErrDimensionMismatch, len(block), dim)
	}
	kernel, err := kernelFor(m, query)
	if err != nil {
		return nil, err
	}

	rows := len(block) / dim
	scores := make([]float64, rows)
	scoreRange := func(from, to int) {
		for r := from; r < to; r++ {
			scores[r] = kernel(block[r*dim : (r+1)*dim])
		}
	}

	workers := runtime.GOMAXPROCS(0)
	if len(block) < parallelThreshold || workers < 2 || rows < 2 {
		scoreRange(0, rows)
		return scores, nil
	}

	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	for from := 0; from < rows; from += chunk {
		from, to := from, min(from+chunk, rows)
		g.Go(func() error {
			scoreRange(from, to)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// Scored is a candidate key with its score. Seq is the candidate's insertion
// sequence and breaks score ties.
type Scored struct {
	Key   string
	Seq   uint64
	Score float64
}

// TopK orders candidates by descending score, ties by ascending Seq, and
// returns at most k of them. It reorders the given slice.
func TopK(candidates []Scored, k int) []Scored {
	if k <= 0 {
		return candidates[:0]
	}
	slices.SortFunc(candidates, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if k < len(candidates) {
		return candidates[:k]
	}
	return candidates
}
