package persistence

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/similarity"
	"github.com/vectank.org/vectank-server/internal/storage"
)

func buildTanks(t *testing.T) []*storage.Tank {
	t.Helper()

	a, err := storage.NewTank(storage.Config{Name: "alpha", Dimension: 3, DType: storage.Float32, Method: similarity.Cosine})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		v := storage.Float32Vector([]float32{float32(i) * 0.1, float32(-i), 1.0 / float32(i+1)})
		_, err := a.AddVector(v, map[string]any{
			"i":    i,
			"tag":  "row",
			"even": i%2 == 0,
			"list": []any{"x", 1.5},
			"nest": map[string]any{"deep": nil},
		})
		require.NoError(t, err)
	}
	// Leave a hole so saved order differs from row order.
	require.NoError(t, a.DeleteVector(a.Keys()[4]))

	b, err := storage.NewTank(storage.Config{Name: "beta", Dimension: 2, DType: storage.Float64, Method: similarity.Euclidean, Capacity: 10})
	require.NoError(t, err)
	_, err = b.AddVector(storage.Float64Vector([]float64{math.Pi, math.SmallestNonzeroFloat64}), nil)
	require.NoError(t, err)

	empty, err := storage.NewTank(storage.Config{Name: "empty", Dimension: 8, DType: storage.Float32, Method: similarity.Dot})
	require.NoError(t, err)

	return []*storage.Tank{a, b, empty}
}

func snapshotsOf(tanks []*storage.Tank) []storage.Snapshot {
	out := make([]storage.Snapshot, len(tanks))
	for i, tank := range tanks {
		out[i] = tank.Snapshot()
	}
	return out
}

func assertSameTank(t *testing.T, want, got *storage.Tank) {
	t.Helper()
	assert.Equal(t, want.Info(), got.Info())
	require.Equal(t, want.Keys(), got.Keys())
	for _, k := range want.Keys() {
		wv, wm, err := want.GetVector(k)
		require.NoError(t, err)
		gv, gm, err := got.GetVector(k)
		require.NoError(t, err)
		assert.Equal(t, wv, gv, "vector %s", k)
		assert.Equal(t, wm, gm, "metadata %s", k)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			prefix := filepath.Join(t.TempDir(), "data", "snap")
			m := NewManager(Options{Compress: compress})
			tanks := buildTanks(t)

			require.NoError(t, m.Save(context.Background(), prefix, snapshotsOf(tanks)...))

			vecPath, metaPath, _ := Paths(prefix)
			assert.FileExists(t, vecPath)
			assert.FileExists(t, metaPath)

			snaps, err := m.Load(context.Background(), prefix)
			require.NoError(t, err)
			require.Len(t, snaps, len(tanks))
			for i, snap := range snaps {
				restored, err := storage.FromSnapshot(snap)
				require.NoError(t, err)
				assertSameTank(t, tanks[i], restored)
			}
		})
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "snap")
	m := NewManager(Options{})
	tanks := buildTanks(t)

	require.NoError(t, m.Save(context.Background(), prefix, snapshotsOf(tanks)...))
	require.NoError(t, m.Save(context.Background(), prefix, tanks[1].Snapshot()))

	snaps, err := m.Load(context.Background(), prefix)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "beta", snaps[0].Config.Name)

	entries, err := os.ReadDir(filepath.Dir(prefix))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind")
	}
}

func TestSaveTankLoadTank(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "single")
	m := NewManager(Options{Compress: true})
	tank := buildTanks(t)[0]

	require.NoError(t, m.SaveTank(context.Background(), tank, prefix))
	restored, err := m.LoadTank(context.Background(), prefix)
	require.NoError(t, err)
	assertSameTank(t, tank, restored)

	multi := filepath.Join(t.TempDir(), "multi")
	require.NoError(t, m.Save(context.Background(), multi, snapshotsOf(buildTanks(t))...))
	_, err = m.LoadTank(context.Background(), multi)
	assert.ErrorIs(t, err, errs.ErrCorruptSnapshot)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Options{})

	_, err := m.Load(context.Background(), filepath.Join(dir, "nothing"))
	assert.ErrorIs(t, err, errs.ErrMissingFile)

	prefix := filepath.Join(dir, "half")
	require.NoError(t, m.Save(context.Background(), prefix, snapshotsOf(buildTanks(t))...))
	_, metaPath, _ := Paths(prefix)
	require.NoError(t, os.Remove(metaPath))

	_, err = m.Load(context.Background(), prefix)
	assert.ErrorIs(t, err, errs.ErrMissingFile)
}

func TestLoadMissingDirectory(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "not", "created", "snap")
	m := NewManager(Options{})

	_, err := m.Load(context.Background(), prefix)
	assert.ErrorIs(t, err, errs.ErrMissingFile)
	_, _, lockPath := Paths(prefix)
	assert.NoFileExists(t, lockPath)

	require.NoError(t, m.Save(context.Background(), prefix, snapshotsOf(buildTanks(t))...))
	snaps, err := m.Load(context.Background(), prefix)
	require.NoError(t, err)
	assert.Len(t, snaps, len(buildTanks(t)))
}

func TestLoadMismatchedPair(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Options{})
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	require.NoError(t, m.Save(context.Background(), first, snapshotsOf(buildTanks(t))...))
	require.NoError(t, m.Save(context.Background(), second, snapshotsOf(buildTanks(t))...))

	// Simulate a crash between the two renames.
	_, firstMeta, _ := Paths(first)
	_, secondMeta, _ := Paths(second)
	data, err := os.ReadFile(secondMeta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(firstMeta, data, 0o644))

	_, err = m.Load(context.Background(), first)
	assert.ErrorIs(t, err, errs.ErrCorruptSnapshot)
}

func TestLoadCorruptVectorArchive(t *testing.T) {
	for _, compress := range []bool{false, true} {
		prefix := filepath.Join(t.TempDir(), "snap")
		m := NewManager(Options{Compress: compress})
		require.NoError(t, m.Save(context.Background(), prefix, snapshotsOf(buildTanks(t))...))

		vecPath, _, _ := Paths(prefix)
		data, err := os.ReadFile(vecPath)
		require.NoError(t, err)
		data[vectorHeaderSize+3] ^= 0xff
		require.NoError(t, os.WriteFile(vecPath, data, 0o644))

		_, err = m.Load(context.Background(), prefix)
		assert.ErrorIs(t, err, errs.ErrCorruptSnapshot, "compress=%v", compress)

		require.NoError(t, os.WriteFile(vecPath, data[:vectorHeaderSize+2], 0o644))
		_, err = m.Load(context.Background(), prefix)
		assert.ErrorIs(t, err, errs.ErrCorruptSnapshot, "compress=%v", compress)
	}
}

func TestLoadUnsupportedVersion(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "snap")
	m := NewManager(Options{})
	require.NoError(t, m.Save(context.Background(), prefix, snapshotsOf(buildTanks(t))...))
	vecPath, metaPath, _ := Paths(prefix)

	data, err := os.ReadFile(vecPath)
	require.NoError(t, err)
	bumped := append([]byte(nil), data...)
	bumped[8] = 9
	require.NoError(t, os.WriteFile(vecPath, bumped, 0o644))
	_, err = m.Load(context.Background(), prefix)
	assert.ErrorIs(t, err, errs.ErrUnsupportedFormatVersion)

	require.NoError(t, os.WriteFile(vecPath, []byte("not a vector archive"), 0o644))
	_, err = m.Load(context.Background(), prefix)
	assert.ErrorIs(t, err, errs.ErrUnsupportedFormatVersion)

	require.NoError(t, os.WriteFile(vecPath, data, 0o644))
	id, _, err := decodeVectorArchive(data)
	require.NoError(t, err)
	meta, err := encodeMetaArchive(metaArchive{SnapshotID: id.String()})
	require.NoError(t, err)
	a, err := decodeMetaArchive(meta)
	require.NoError(t, err)
	a.Version = 7
	require.NoError(t, os.WriteFile(metaPath, mustMarshalRaw(t, a), 0o644))
	_, err = m.Load(context.Background(), prefix)
	assert.ErrorIs(t, err, errs.ErrUnsupportedFormatVersion)
}

func TestLoadKeyOrderMismatch(t *testing.T) {
	tanks := buildTanks(t)
	snap := tanks[0].Snapshot()
	block := vectorBlock{Name: snap.Config.Name, DType: snap.Config.DType, Dimension: snap.Config.Dimension, Keys: snap.Keys, Vectors: snap.Vectors}

	swapped := append([]string(nil), snap.Keys...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	md := make([]map[string]any, len(snap.Metadata))
	for i := range md {
		md[i] = snap.Metadata[i]
	}
	_, err := pairTank(block, tankMeta{
		Name: snap.Config.Name, Dimension: 3, DType: "float32", Method: "cosine",
		Keys: swapped, Metadata: md,
	})
	assert.ErrorIs(t, err, errs.ErrCorruptSnapshot)

	_, err = pairTank(block, tankMeta{
		Name: snap.Config.Name, Dimension: 4, DType: "float32", Method: "cosine",
		Keys: snap.Keys, Metadata: md,
	})
	assert.ErrorIs(t, err, errs.ErrCorruptSnapshot)

	got, err := pairTank(block, tankMeta{
		Name: snap.Config.Name, Dimension: 3, DType: "float32", Method: "cosine",
		Keys: snap.Keys, Metadata: md,
	})
	require.NoError(t, err)
	assert.Equal(t, similarity.Cosine, got.Config.Method)
}

func TestSaveCancelled(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "snap")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewManager(Options{}).Save(ctx, prefix, snapshotsOf(buildTanks(t))...)
	assert.ErrorIs(t, err, context.Canceled)
	vecPath, _, _ := Paths(prefix)
	assert.NoFileExists(t, vecPath)
}

func mustMarshalRaw(t *testing.T, a metaArchive) []byte {
	t.Helper()
	data, err := msgpack.Marshal(&a)
	require.NoError(t, err)
	return data
}
