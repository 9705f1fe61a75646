package storage

import (
	"fmt"

	"github.com/vectank.org/vectank-server/internal/errs"
)

// Snapshot is a consistent copy of a tank's contents in insertion order.
// Vectors holds len(Keys) rows of Config.Dimension elements back to back.
type Snapshot struct {
	Config   Config
	Keys     []string
	Vectors  Vector
	Metadata []Metadata
}

func (s Snapshot) Len() int {
	return len(s.Keys)
}

// Snapshot captures the tank under its lock. The result shares no memory
// with the tank.
func (t *Tank) Snapshot() Snapshot {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := len(t.records)
	snap := Snapshot{
		Config:   t.cfg,
		Keys:     make([]string, 0, n),
		Metadata: make([]Metadata, 0, n),
	}
	rows := make([]int, 0, n)
	t.order.Ascend(func(_ uint64, key string) bool {
		rec := t.records[key]
		snap.Keys = append(snap.Keys, key)
		snap.Metadata = append(snap.Metadata, rec.meta.Clone())
		rows = append(rows, rec.row)
		return true
	})
	snap.Vectors = t.block.gather(rows)
	return snap
}

// FromSnapshot rebuilds a tank with the snapshot's keys, vectors, metadata
// and insertion order.
func FromSnapshot(s Snapshot) (*Tank, error) {
	t, err := NewTank(s.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptSnapshot, err)
	}
	n := len(s.Keys)
	dim := s.Config.Dimension
	if len(s.Metadata) != n {
		return nil, fmt.Errorf("%w: tank %q has %d keys and %d metadata records", errs.ErrCorruptSnapshot, s.Config.Name, n, len(s.Metadata))
	}
	if s.Vectors.DType != s.Config.DType || s.Vectors.Len() != n*dim {
		return nil, fmt.Errorf("%w: tank %q vector block does not match %d x %d %s", errs.ErrCorruptSnapshot, s.Config.Name, n, dim, s.Config.DType)
	}
	if i := s.Vectors.nonFiniteIndex(); i >= 0 {
		return nil, fmt.Errorf("%w: tank %q element %d is not finite", errs.ErrCorruptSnapshot, s.Config.Name, i)
	}
	if s.Config.Capacity > 0 && n > s.Config.Capacity {
		return nil, fmt.Errorf("%w: tank %q holds %d vectors over capacity %d", errs.ErrCorruptSnapshot, s.Config.Name, n, s.Config.Capacity)
	}

	for i, key := range s.Keys {
		if key == "" {
			return nil, fmt.Errorf("%w: tank %q has an empty key", errs.ErrCorruptSnapshot, s.Config.Name)
		}
		if _, dup := t.records[key]; dup {
			return nil, fmt.Errorf("%w: tank %q repeats key %q", errs.ErrCorruptSnapshot, s.Config.Name, key)
		}
		meta, err := NormalizeMetadata(s.Metadata[i])
		if err != nil {
			return nil, fmt.Errorf("%w: tank %q key %q: %v", errs.ErrCorruptSnapshot, s.Config.Name, key, err)
		}
		t.insertLocked(key, sliceRow(s.Vectors, i, dim), meta)
	}
	return t, nil
}

func sliceRow(v Vector, row, dim int) Vector {
	lo, hi := row*dim, (row+1)*dim
	if v.DType == Float64 {
		return Float64Vector(v.F64[lo:hi])
	}
	return Float32Vector(v.F32[lo:hi])
}
