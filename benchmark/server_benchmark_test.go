package benchmark

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/cmd/server"
	"github.com/vectank.org/vectank-server/internal/client"
	"github.com/vectank.org/vectank-server/internal/config"
	"github.com/vectank.org/vectank-server/internal/models"
	"github.com/vectank.org/vectank-server/internal/persistence"
	"github.com/vectank.org/vectank-server/internal/registry"
	"github.com/vectank.org/vectank-server/internal/similarity"
	"github.com/vectank.org/vectank-server/internal/storage"
)

const (
	TotalClients  = 32
	OpsPerClient  = 50
	benchSecret   = "bench"
	benchTankName = "vector_benchmark_tank"
)

func startServer(tb testing.TB) string {
	tb.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Secret = benchSecret
	cfg.Auth.AttemptsPerSecond = 10000
	cfg.Auth.Burst = 10000
	cfg.Storage.Prefix = filepath.Join(tb.TempDir(), "bench")
	cfg.Storage.LoadOnStart = new(bool)
	cfg.DefaultTank.Dimension = VectorDimension

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.New(ctx, cfg, zap.NewNop())
	if err != nil {
		tb.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		tb.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	tb.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr().String()
}

func dialBench(tb testing.TB, addr string) *client.Client {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, benchSecret)
	if err != nil {
		tb.Fatal(err)
	}
	return c
}

// TestVectorSingleTank drives many clients against one tank and logs
// insert and search latency.
func TestVectorSingleTank(t *testing.T) {
	if testing.Short() {
		t.Skip("load test")
	}
	addr := startServer(t)

	type metrics struct {
		insertOps, searchOps   int
		insertTime, searchTime time.Duration
		failures               int
	}
	metricsCh := make(chan metrics, TotalClients)
	var wg sync.WaitGroup
	startWall := time.Now()

	for i := 0; i < TotalClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var m metrics
			defer func() { metricsCh <- m }()

			ctx := context.Background()
			c, err := client.Dial(ctx, addr, benchSecret)
			if err != nil {
				m.failures++
				return
			}
			defer c.Close()
			rng := rand.New(rand.NewSource(int64(id)))

			for j := 0; j < OpsPerClient; j++ {
				vec := randomValues(rng, VectorDimension)
				start := time.Now()
				if _, err := c.AddVector(ctx, "", vec, map[string]any{"client": id}); err != nil {
					m.failures++
					continue
				}
				m.insertTime += time.Since(start)
				m.insertOps++

				start = time.Now()
				if _, err := c.Search(ctx, "", vec, 10, ""); err != nil {
					m.failures++
					continue
				}
				m.searchTime += time.Since(start)
				m.searchOps++
			}
		}(i)
	}
	wg.Wait()
	close(metricsCh)

	var total metrics
	for m := range metricsCh {
		total.insertOps += m.insertOps
		total.searchOps += m.searchOps
		total.insertTime += m.insertTime
		total.searchTime += m.searchTime
		total.failures += m.failures
	}
	wall := time.Since(startWall)
	if total.failures > 0 {
		t.Errorf("%d operations failed", total.failures)
	}
	if total.insertOps > 0 && total.searchOps > 0 {
		t.Logf("[Benchmark] clients=%d wall=%v inserts=%d (avg %v) searches=%d (avg %v)",
			TotalClients, wall,
			total.insertOps, total.insertTime/time.Duration(total.insertOps),
			total.searchOps, total.searchTime/time.Duration(total.searchOps))
	}
}

func BenchmarkServerSearch(b *testing.B) {
	addr := startServer(b)
	c := dialBench(b, addr)
	defer c.Close()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))

	items := make([]models.VectorItem, 1000)
	for i := range items {
		items[i].Vector = randomValues(rng, VectorDimension)
	}
	if _, err := c.AddVectors(ctx, "", items); err != nil {
		b.Fatal(err)
	}
	query := randomValues(rng, VectorDimension)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Search(ctx, "", query, 10, ""); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSaveAll(b *testing.B) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		b.Run(name, func(b *testing.B) {
			store := persistence.NewManager(persistence.Options{Compress: compress})
			reg := registry.New(store, nil)
			tank, err := reg.CreateTank(storage.Config{Name: benchTankName, Dimension: VectorDimension, DType: storage.Float32, Method: similarity.Cosine})
			if err != nil {
				b.Fatal(err)
			}
			rng := rand.New(rand.NewSource(9))
			for i := 0; i < TankRows; i++ {
				v, _ := storage.VectorFromFloat64s(storage.Float32, randomValues(rng, VectorDimension))
				if _, err := tank.AddVector(v, map[string]any{"i": i}); err != nil {
					b.Fatal(err)
				}
			}
			prefix := filepath.Join(b.TempDir(), "snap")
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := reg.SaveAll(ctx, prefix); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
