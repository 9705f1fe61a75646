// Package similarity scores query vectors against stored vectors.
//
// Every method is oriented so that a higher score means "more similar":
// dot product and cosine similarity as-is, Euclidean distance negated.
// Arithmetic always accumulates in float64, so a float32 and a float64 copy
// of the same values score identically, and BatchScore returns exactly what
// Score returns for each row.
package similarity

import (
	"fmt"
	"math"
	"strings"

	"github.com/vectank.org/vectank-server/internal/errs"
)

// Method selects the similarity function.
type Method uint8

const (
	// Unspecified defers to the tank's default method.
	Unspecified Method = iota
	Dot
	Cosine
	Euclidean
)

var methodNames = map[Method]string{
	Dot:       "dot",
	Cosine:    "cosine",
	Euclidean: "euclidean",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	if m == Unspecified {
		return ""
	}
	return fmt.Sprintf("method(%d)", m)
}

// Valid reports whether m names a concrete similarity function.
func (m Method) Valid() bool {
	_, ok := methodNames[m]
	return ok
}

// ParseMethod accepts "dot" (or "inner"), "cosine" and "euclidean" in any case.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dot", "inner", "inner_product":
		return Dot, nil
	case "cosine":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	}
	return Unspecified, fmt.Errorf("%w: %q", errs.ErrInvalidMethod, s)
}

func (m Method) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", errs.ErrInvalidMethod, m)
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Float is the set of element types a tank can hold.
type Float interface {
	~float32 | ~float64
}

// Score compares one query with one candidate.
func Score[T Float](m Method, query, candidate []T) (float64, error) {
	if len(query) != len(candidate) {
		return 0, fmt.Errorf("%w: query has %d elements, candidate has %d",
			errs.ErrDimensionMismatch, len(query), len(candidate))
	}
	kernel, err := kernelFor(m, query)
	if err != nil {
		return 0, err
	}
	return kernel(candidate), nil
}

// kernelFor binds the query (and any per-query precomputation such as its
// norm) into a row scorer shared by Score and BatchScore. For finite inputs
// every kernel returns a finite score.
func kernelFor[T Float](m Method, query []T) (func(row []T) float64, error) {
	switch m {
	case Dot:
		return func(row []T) float64 { return dot(query, row) }, nil
	case Cosine:
		qScale, qNorm := scaledNorm(query)
		return func(row []T) float64 { return cosine(query, row, qScale, qNorm) }, nil
	case Euclidean:
		return func(row []T) float64 { return -distance(query, row) }, nil
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrInvalidMethod, m)
}

// dot falls back to scaled accumulation when the plain sum leaves the
// float64 range, and saturates at ±MaxFloat64.
func dot[T Float](a, b []T) float64 {
	b = b[:len(a)]
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	if !math.IsInf(sum, 0) && !math.IsNaN(sum) {
		return sum
	}
	aScale, bScale := maxAbs(a), maxAbs(b)
	var scaled float64
	for i := range a {
		scaled += (float64(a[i]) / aScale) * (float64(b[i]) / bScale)
	}
	return saturate(scaled * aScale * bScale)
}

// cosine returns 0 when either vector has zero magnitude. Both vectors are
// divided by their largest absolute element first, so huge or tiny
// magnitudes neither overflow nor underflow.
func cosine[T Float](q, c []T, qScale, qNorm float64) float64 {
	c = c[:len(q)]
	cScale, cNorm := scaledNorm(c)
	if qNorm == 0 || cNorm == 0 {
		return 0
	}
	var sum float64
	for i := range q {
		sum += (float64(q[i]) / qScale) * (float64(c[i]) / cScale)
	}
	return max(-1, min(1, sum/(qNorm*cNorm)))
}

// scaledNorm returns the largest absolute element of a and the norm of a
// divided by it. Both are 0 for a zero vector.
func scaledNorm[T Float](a []T) (scale, n float64) {
	scale = maxAbs(a)
	if scale == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range a {
		v := float64(x) / scale
		sum += v * v
	}
	return scale, math.Sqrt(sum)
}

// distance is the L2 distance, rescaled when the squared sum overflows.
func distance[T Float](a, b []T) float64 {
	b = b[:len(a)]
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	if !math.IsInf(sum, 0) {
		return math.Sqrt(sum)
	}
	scale := max(maxAbs(a), maxAbs(b))
	sum = 0
	for i := range a {
		d := float64(a[i])/scale - float64(b[i])/scale
		sum += d * d
	}
	return saturate(math.Sqrt(sum) * scale)
}

func maxAbs[T Float](a []T) float64 {
	var m float64
	for _, x := range a {
		m = max(m, math.Abs(float64(x)))
	}
	return m
}

func saturate(x float64) float64 {
	switch {
	case math.IsInf(x, 1):
		return math.MaxFloat64
	case math.IsInf(x, -1):
		return -math.MaxFloat64
	}
	return x
}
