package storage

import (
	"fmt"
	"math"
	"strings"

	"github.com/vectank.org/vectank-server/internal/errs"
)

// DType is the element type of every vector in a tank.
type DType uint8

const (
	InvalidDType DType = iota
	Float32
	Float64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

func (d DType) Valid() bool {
	return d == Float32 || d == Float64
}

// Size is the encoded width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "fp32":
		return Float32, nil
	case "float64", "f64", "fp64", "double":
		return Float64, nil
	}
	return InvalidDType, fmt.Errorf("%w: %q", errs.ErrInvalidDType, s)
}

func (d DType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", errs.ErrInvalidDType, uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Vector is a sequence of numbers tagged with its element type. Only the
// slice matching DType is meaningful.
type Vector struct {
	DType DType
	F32   []float32
	F64   []float64
}

func Float32Vector(values []float32) Vector {
	return Vector{DType: Float32, F32: values}
}

func Float64Vector(values []float64) Vector {
	return Vector{DType: Float64, F64: values}
}

func (v Vector) Len() int {
	switch v.DType {
	case Float32:
		return len(v.F32)
	case Float64:
		return len(v.F64)
	}
	return 0
}

// Float64s widens the vector for transport. Widening float32 is exact.
func (v Vector) Float64s() []float64 {
	if v.DType == Float64 {
		out := make([]float64, len(v.F64))
		copy(out, v.F64)
		return out
	}
	out := make([]float64, len(v.F32))
	for i, x := range v.F32 {
		out[i] = float64(x)
	}
	return out
}

// nonFiniteIndex returns the index of the first NaN or infinite element, or -1.
func (v Vector) nonFiniteIndex() int {
	if v.DType == Float64 {
		for i, x := range v.F64 {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return i
			}
		}
		return -1
	}
	for i, x := range v.F32 {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}

// VectorFromFloat64s narrows transported numbers into the given element
// type. NaN, infinities and finite values that overflow float32 are type
// mismatches.
func VectorFromFloat64s(d DType, values []float64) (Vector, error) {
	for i, x := range values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Vector{}, fmt.Errorf("%w: element %d (%g) is not finite", errs.ErrTypeMismatch, i, x)
		}
	}
	switch d {
	case Float64:
		out := make([]float64, len(values))
		copy(out, values)
		return Float64Vector(out), nil
	case Float32:
		out := make([]float32, len(values))
		for i, x := range values {
			f := float32(x)
			if math.IsInf(float64(f), 0) {
				return Vector{}, fmt.Errorf("%w: element %d (%g) overflows float32", errs.ErrTypeMismatch, i, x)
			}
			out[i] = f
		}
		return Float32Vector(out), nil
	}
	return Vector{}, fmt.Errorf("%w: %d", errs.ErrInvalidDType, uint8(d))
}
