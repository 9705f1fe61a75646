package E2ETests

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectank.org/vectank-server/internal/client"
	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/models"
)

func connect(t *testing.T, h *Harness) *client.Client {
	t.Helper()
	c, err := h.Connect()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func createTank(t *testing.T, c *client.Client, spec client.TankSpec) {
	t.Helper()
	ctx := context.Background()
	_ = c.DeleteTank(ctx, spec.Name)
	_, err := c.CreateTank(ctx, spec)
	require.NoError(t, err)
}

func TestEuclideanNearestNeighbour(t *testing.T) {
	c := connect(t, shared)
	ctx := context.Background()
	createTank(t, c, client.TankSpec{Name: "vec_l2_e2e", Dimension: 4, Method: "euclidean"})

	keys := make([]string, 100)
	for i := range keys {
		vec := []float64{float64(i), float64(i + 1), float64(i + 2), float64(i + 3)}
		key, err := c.AddVector(ctx, "vec_l2_e2e", vec, map[string]any{"i": i})
		require.NoError(t, err)
		keys[i] = key
	}

	hits, err := c.Search(ctx, "vec_l2_e2e", []float64{50, 51, 52, 53}, 3, "")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, keys[50], hits[0].Key)
	assert.Equal(t, 0.0, hits[0].Score)
	assert.Equal(t, map[string]any{"i": 50.0}, hits[0].Metadata)
	// 49 and 51 are equally far; the earlier insertion wins the tie.
	assert.Equal(t, keys[49], hits[1].Key)
	assert.Equal(t, keys[51], hits[2].Key)
	assert.Equal(t, hits[1].Score, hits[2].Score)
}

func TestMethodOverrideAndFloat64(t *testing.T) {
	c := connect(t, shared)
	ctx := context.Background()
	createTank(t, c, client.TankSpec{Name: "vec_f64_e2e", Dimension: 2, DType: "float64", Method: "cosine"})

	long, err := c.AddVector(ctx, "vec_f64_e2e", []float64{10, 0}, nil)
	require.NoError(t, err)
	diag, err := c.AddVector(ctx, "vec_f64_e2e", []float64{0.7, 0.7}, nil)
	require.NoError(t, err)

	hits, err := c.Search(ctx, "vec_f64_e2e", []float64{1, 1}, 1, "")
	require.NoError(t, err)
	assert.Equal(t, diag, hits[0].Key)

	hits, err = c.Search(ctx, "vec_f64_e2e", []float64{1, 1}, 1, "dot")
	require.NoError(t, err)
	assert.Equal(t, long, hits[0].Key)
	assert.Equal(t, 10.0, hits[0].Score)

	_, err = c.Search(ctx, "vec_f64_e2e", []float64{1, 1}, 1, "manhattan")
	assert.ErrorIs(t, err, errs.ErrInvalidMethod)

	hits, err = c.Search(ctx, "vec_f64_e2e", []float64{1, 1}, 0, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCapacityAndBatchInsert(t *testing.T) {
	c := connect(t, shared)
	ctx := context.Background()
	createTank(t, c, client.TankSpec{Name: "vec_cap_e2e", Dimension: 2, Capacity: 2})

	res, err := c.AddVectors(ctx, "vec_cap_e2e", []models.VectorItem{
		{Vector: []float64{1, 0}},
		{Vector: []float64{0, 1}},
		{Vector: []float64{1, 1}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Keys[0])
	assert.NotEmpty(t, res.Keys[1])
	assert.Empty(t, res.Keys[2])
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "CAPACITY_EXCEEDED", res.Errors[0].Code)

	_, err = c.AddVector(ctx, "vec_cap_e2e", []float64{2, 2}, nil)
	assert.ErrorIs(t, err, errs.ErrCapacityExceeded)

	require.NoError(t, c.DeleteVector(ctx, "vec_cap_e2e", res.Keys[0]))
	_, err = c.AddVector(ctx, "vec_cap_e2e", []float64{2, 2}, nil)
	assert.NoError(t, err)
}

func TestDeletedKeysAreNeverReissued(t *testing.T) {
	c := connect(t, shared)
	ctx := context.Background()
	createTank(t, c, client.TankSpec{Name: "vec_keys_e2e", Dimension: 2})

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		key, err := c.AddVector(ctx, "vec_keys_e2e", []float64{1, float64(i)}, nil)
		require.NoError(t, err)
		require.False(t, seen[key], "key %s issued twice", key)
		seen[key] = true
		require.NoError(t, c.DeleteVector(ctx, "vec_keys_e2e", key))
	}
	require.NoError(t, c.ClearTank(ctx, "vec_keys_e2e"))
	key, err := c.AddVector(ctx, "vec_keys_e2e", []float64{1, 1}, nil)
	require.NoError(t, err)
	assert.False(t, seen[key])
}

func TestConcurrentClients(t *testing.T) {
	setup := connect(t, shared)
	createTank(t, setup, client.TankSpec{Name: "vec_conc_e2e", Dimension: 4})

	const clients, perClient = 8, 25
	var wg sync.WaitGroup
	keys := make([][]string, clients)
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := shared.Connect()
			if err != nil {
				errCh <- err
				return
			}
			defer c.Close()
			ctx := context.Background()
			for j := 0; j < perClient; j++ {
				key, err := c.AddVector(ctx, "vec_conc_e2e", []float64{float64(id), float64(j), 1, 1}, map[string]any{"client": id})
				if err != nil {
					errCh <- err
					return
				}
				keys[id] = append(keys[id], key)
				if _, err := c.Search(ctx, "vec_conc_e2e", []float64{1, 1, 1, 1}, 5, ""); err != nil {
					errCh <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	ctx := context.Background()
	info, err := setup.GetTankInfo(ctx, "vec_conc_e2e")
	require.NoError(t, err)
	assert.Equal(t, clients*perClient, info.Size)

	for id, own := range keys {
		matched, err := setup.Filter(ctx, "vec_conc_e2e", map[string]any{"client": id})
		require.NoError(t, err)
		assert.Equal(t, own, matched)
	}
}

func TestREPLSession(t *testing.T) {
	c := connect(t, shared)
	var out bytes.Buffer
	repl := client.NewREPL(c, strings.NewReader(strings.Join([]string{
		"drop vec_repl_e2e",
		"create vec_repl_e2e 3 float32 dot",
		"use vec_repl_e2e",
		fmt.Sprintf("add %s {\"n\":1}", formatVec([]float64{1, 2, 3})),
		fmt.Sprintf("search %s 1", formatVec([]float64{1, 0, 0})),
		"quit",
	}, "\n")), &out, false)
	require.NoError(t, repl.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, `"score": 1`)
	assert.Contains(t, text, `"n": 1`)
	assert.Contains(t, text, "Goodbye!")
}
