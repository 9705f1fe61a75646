package similarity

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectank.org/vectank-server/internal/errs"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		method   Method
		q, c     []float32
		expected float64
	}{
		{"dot simple", Dot, []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"dot mixed", Dot, []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"cosine identical", Cosine, []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"cosine orthogonal", Cosine, []float32{1, 0}, []float32{0, 1}, 0},
		{"cosine opposite", Cosine, []float32{1, 0}, []float32{-2, 0}, -1},
		{"cosine zero query", Cosine, []float32{0, 0}, []float32{1, 1}, 0},
		{"cosine zero candidate", Cosine, []float32{1, 1}, []float32{0, 0}, 0},
		{"euclidean identical", Euclidean, []float32{1, 2}, []float32{1, 2}, 0},
		{"euclidean 3-4-5", Euclidean, []float32{0, 0}, []float32{3, 4}, -5},
		{"empty", Dot, []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Score(tt.method, tt.q, tt.c)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 1e-9)
		})
	}
}

func TestScoreExtremeMagnitudes(t *testing.T) {
	huge := []float64{1e200, 1e200}
	tiny := []float64{1e-200, 1e-200}
	edge := []float64{math.MaxFloat64, -math.MaxFloat64}

	tests := []struct {
		name     string
		method   Method
		q, c     []float64
		expected float64
	}{
		{"cosine huge self", Cosine, huge, huge, 1},
		{"cosine tiny self", Cosine, tiny, tiny, 1},
		{"cosine huge vs tiny", Cosine, huge, tiny, 1},
		{"cosine edge opposite", Cosine, edge, []float64{-1, 1}, -1},
		{"dot huge saturates", Dot, huge, huge, math.MaxFloat64},
		{"dot huge cancels", Dot, []float64{1e300, 1e300}, []float64{1e300, -1e300}, 0},
		{"euclidean huge self", Euclidean, huge, huge, 0},
		{"euclidean edge saturates", Euclidean, edge, []float64{-math.MaxFloat64, math.MaxFloat64}, -math.MaxFloat64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Score(tt.method, tt.q, tt.c)
			require.NoError(t, err)
			require.False(t, math.IsNaN(got) || math.IsInf(got, 0), "score %v is not finite", got)
			assert.InDelta(t, tt.expected, got, 1e-9)

			batch, err := BatchScore(tt.method, tt.q, tt.c, len(tt.q))
			require.NoError(t, err)
			assert.Equal(t, math.Float64bits(got), math.Float64bits(batch[0]))
		})
	}

	d, err := Score(Euclidean, []float64{1e200, 0}, []float64{-1e200, 0})
	require.NoError(t, err)
	assert.InEpsilon(t, -2e200, d, 1e-12)
}

func TestScoreErrors(t *testing.T) {
	_, err := Score(Dot, []float64{1, 2}, []float64{1})
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)

	_, err = Score(Method(42), []float64{1}, []float64{1})
	assert.ErrorIs(t, err, errs.ErrInvalidMethod)

	_, err = Score(Unspecified, []float64{1}, []float64{1})
	assert.ErrorIs(t, err, errs.ErrInvalidMethod)
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
		ok   bool
	}{
		{"dot", Dot, true},
		{"inner", Dot, true},
		{"COSINE", Cosine, true},
		{" euclidean ", Euclidean, true},
		{"manhattan", Unspecified, false},
		{"", Unspecified, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMethod(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, errs.ErrInvalidMethod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, must(ParseMethod(got.String())))
		})
	}
}

func must(m Method, err error) Method {
	if err != nil {
		panic(err)
	}
	return m
}

func TestMethodText(t *testing.T) {
	var m Method
	require.NoError(t, m.UnmarshalText([]byte("Cosine")))
	assert.Equal(t, Cosine, m)

	text, err := Euclidean.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "euclidean", string(text))

	_, err = Unspecified.MarshalText()
	assert.ErrorIs(t, err, errs.ErrInvalidMethod)
}

func randomBlock(r *rand.Rand, rows, dim int) []float32 {
	block := make([]float32, rows*dim)
	for i := range block {
		block[i] = r.Float32()*2 - 1
	}
	return block
}

func TestBatchScoreMatchesScore(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, size := range []struct{ rows, dim int }{{5, 3}, {300, 64}, {2000, 48}} {
		block := randomBlock(r, size.rows, size.dim)
		// a zero row exercises the cosine fallback
		clear(block[:size.dim])
		query := randomBlock(r, 1, size.dim)

		for _, m := range []Method{Dot, Cosine, Euclidean} {
			scores, err := BatchScore(m, query, block, size.dim)
			require.NoError(t, err)
			require.Len(t, scores, size.rows)
			for row := 0; row < size.rows; row++ {
				want, err := Score(m, query, block[row*size.dim:(row+1)*size.dim])
				require.NoError(t, err)
				if math.Float64bits(want) != math.Float64bits(scores[row]) {
					t.Fatalf("%s rows=%d row %d: batch %v != single %v", m, size.rows, row, scores[row], want)
				}
			}
		}
	}
}

func TestBatchScoreErrors(t *testing.T) {
	_, err := BatchScore(Dot, []float64{1, 2}, []float64{1, 2, 3}, 2)
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)

	_, err = BatchScore(Dot, []float64{1}, []float64{1, 2}, 2)
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)

	_, err = BatchScore(Dot, []float64{}, []float64{}, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidDimension)

	_, err = BatchScore(Method(9), []float64{1}, []float64{1}, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidMethod)

	scores, err := BatchScore(Cosine, []float64{1, 0}, nil, 2)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestTopK(t *testing.T) {
	candidates := func() []Scored {
		return []Scored{
			{Key: "a", Seq: 0, Score: 0.5},
			{Key: "b", Seq: 1, Score: 0.9},
			{Key: "c", Seq: 2, Score: 0.5},
			{Key: "d", Seq: 3, Score: math.NaN()},
			{Key: "e", Seq: 4, Score: 0.9},
		}
	}
	keys := func(s []Scored) []string {
		out := make([]string, len(s))
		for i := range s {
			out[i] = s[i].Key
		}
		return out
	}

	assert.Equal(t, []string{"b", "e", "a", "c", "d"}, keys(TopK(candidates(), 10)))
	assert.Equal(t, []string{"b", "e", "a"}, keys(TopK(candidates(), 3)))
	assert.Empty(t, TopK(candidates(), 0))
	assert.Empty(t, TopK(nil, 3))
}
