package storage

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectank.org/vectank-server/internal/errs"
)

func TestParseDType(t *testing.T) {
	for _, s := range []string{"float32", "F32", " fp32 "} {
		d, err := ParseDType(s)
		require.NoError(t, err, s)
		assert.Equal(t, Float32, d)
	}
	for _, s := range []string{"float64", "f64", "double"} {
		d, err := ParseDType(s)
		require.NoError(t, err, s)
		assert.Equal(t, Float64, d)
	}
	_, err := ParseDType("int8")
	assert.ErrorIs(t, err, errs.ErrInvalidDType)
}

func TestDTypeJSON(t *testing.T) {
	b, err := json.Marshal(struct{ D DType }{Float64})
	require.NoError(t, err)
	assert.JSONEq(t, `{"D":"float64"}`, string(b))

	var out struct{ D DType }
	require.NoError(t, json.Unmarshal([]byte(`{"D":"float32"}`), &out))
	assert.Equal(t, Float32, out.D)

	_, err = json.Marshal(struct{ D DType }{InvalidDType})
	assert.Error(t, err)
}

func TestVectorFromFloat64s(t *testing.T) {
	v, err := VectorFromFloat64s(Float32, []float64{1.5, -2, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2, 0}, v.F32)
	assert.Equal(t, 3, v.Len())

	v, err = VectorFromFloat64s(Float64, []float64{0.1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1}, v.F64)

	_, err = VectorFromFloat64s(Float32, []float64{1, 1e300})
	assert.ErrorIs(t, err, errs.ErrTypeMismatch)

	for _, x := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err = VectorFromFloat64s(Float64, []float64{1, x})
		assert.ErrorIs(t, err, errs.ErrTypeMismatch)
		_, err = VectorFromFloat64s(Float32, []float64{x})
		assert.ErrorIs(t, err, errs.ErrTypeMismatch)
	}

	v, err = VectorFromFloat64s(Float64, []float64{math.MaxFloat64, -math.MaxFloat64})
	require.NoError(t, err)
	assert.Equal(t, 2, v.Len())

	_, err = VectorFromFloat64s(InvalidDType, []float64{1})
	assert.ErrorIs(t, err, errs.ErrInvalidDType)
}

func TestVectorFloat64s(t *testing.T) {
	assert.Equal(t, []float64{0.5, 2}, Float32Vector([]float32{0.5, 2}).Float64s())

	src := []float64{1, 2}
	out := Float64Vector(src).Float64s()
	out[0] = 9
	assert.Equal(t, []float64{1, 2}, src)
}

func TestNormalizeMetadata(t *testing.T) {
	in := map[string]any{
		"s":      "text",
		"b":      true,
		"nil":    nil,
		"i":      int64(3),
		"u":      uint8(4),
		"f":      float32(0.5),
		"num":    json.Number("12.5"),
		"list":   []int{1, 2},
		"nested": map[string]any{"deep": []any{1, "x"}},
		"typed":  map[string]string{"k": "v"},
	}

	got, err := NormalizeMetadata(in)
	require.NoError(t, err)
	assert.Equal(t, Metadata{
		"s":      "text",
		"b":      true,
		"nil":    nil,
		"i":      float64(3),
		"u":      float64(4),
		"f":      float64(0.5),
		"num":    12.5,
		"list":   []any{float64(1), float64(2)},
		"nested": map[string]any{"deep": []any{float64(1), "x"}},
		"typed":  map[string]any{"k": "v"},
	}, got)

	empty, err := NormalizeMetadata(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestNormalizeMetadataRejects(t *testing.T) {
	tests := map[string]any{
		"func":        func() {},
		"chan":        make(chan int),
		"int map":     map[int]string{1: "a"},
		"nested func": map[string]any{"x": []any{func() {}}},
		"struct":      struct{ A int }{1},
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeMetadata(map[string]any{"field": v})
			assert.ErrorIs(t, err, errs.ErrInvalidMetadata)
		})
	}
}

func TestMetadataMatches(t *testing.T) {
	m, err := NormalizeMetadata(map[string]any{"a": 1, "b": "x", "c": []any{1, 2}})
	require.NoError(t, err)

	cond, _ := NormalizeMetadata(map[string]any{"a": 1.0, "c": []int{1, 2}})
	assert.True(t, m.Matches(cond))

	cond, _ = NormalizeMetadata(map[string]any{"a": 2})
	assert.False(t, m.Matches(cond))

	cond, _ = NormalizeMetadata(map[string]any{"z": nil})
	assert.False(t, m.Matches(cond))

	assert.True(t, m.Matches(nil))
}
