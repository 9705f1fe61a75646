// Package persistence writes and reads tank sets as a pair of archives: a
// dense vector archive and a msgpack metadata archive. Both are replaced
// atomically on every save and must carry the same snapshot id to load.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/similarity"
	"github.com/vectank.org/vectank-server/internal/storage"
)

const (
	FormatVersion = 1

	VectorSuffix = ".vectors"
	MetaSuffix   = ".meta"
	LockSuffix   = ".lock"
)

// Options configures a Manager.
type Options struct {
	// Compress stores the vector archive body as a zstd frame.
	Compress bool
	Logger   *zap.Logger
}

// Manager saves and loads tank sets. It is safe for concurrent use; saves
// and loads of one prefix are serialised across processes with flock.
type Manager struct {
	compress bool
	log      *zap.Logger

	mu sync.Mutex
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{compress: opts.Compress, log: log}
}

// Paths returns the vector archive, metadata archive and lock file for prefix.
func Paths(prefix string) (vectors, meta, lock string) {
	return prefix + VectorSuffix, prefix + MetaSuffix, prefix + LockSuffix
}

// Save writes snapshots under prefix, replacing any previous pair. Readers
// see either the old pair or the new one under the final names.
func (m *Manager) Save(ctx context.Context, prefix string, snapshots ...storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vecPath, metaPath, lockPath := Paths(prefix)
	dir := filepath.Dir(vecPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", errs.ErrIOFailure, dir, err)
	}

	id := uuid.New()
	blocks := make([]vectorBlock, len(snapshots))
	meta := metaArchive{SnapshotID: id.String(), SavedAt: time.Now().UTC()}
	for i, s := range snapshots {
		blocks[i] = vectorBlock{
			Name:      s.Config.Name,
			DType:     s.Config.DType,
			Dimension: s.Config.Dimension,
			Keys:      s.Keys,
			Vectors:   s.Vectors,
		}
		md := make([]map[string]any, len(s.Metadata))
		for j, rec := range s.Metadata {
			md[j] = rec
		}
		meta.Tanks = append(meta.Tanks, tankMeta{
			Name:      s.Config.Name,
			Dimension: s.Config.Dimension,
			DType:     s.Config.DType.String(),
			Method:    s.Config.Method.String(),
			Capacity:  s.Config.Capacity,
			Keys:      s.Keys,
			Metadata:  md,
		})
	}

	vecData, err := encodeVectorArchive(id, blocks, m.compress)
	if err != nil {
		return err
	}
	metaData, err := encodeMetaArchive(meta)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	lock, err := lockPrefix(lockPath, true)
	if err != nil {
		return err
	}
	defer lock.unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	vecTmp, err := writeTemp(dir, filepath.Base(vecPath), vecData)
	if err != nil {
		return err
	}
	metaTmp, err := writeTemp(dir, filepath.Base(metaPath), metaData)
	if err != nil {
		_ = os.Remove(vecTmp)
		return err
	}

	// A crash between the renames leaves archives with different ids, which
	// Load rejects.
	if err := os.Rename(vecTmp, vecPath); err != nil {
		_ = os.Remove(vecTmp)
		_ = os.Remove(metaTmp)
		return fmt.Errorf("%w: rename %s: %v", errs.ErrIOFailure, vecPath, err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		_ = os.Remove(metaTmp)
		return fmt.Errorf("%w: rename %s: %v", errs.ErrIOFailure, metaPath, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: sync %s: %v", errs.ErrIOFailure, dir, err)
	}

	m.log.Debug("snapshot written",
		zap.String("prefix", prefix),
		zap.String("snapshot_id", meta.SnapshotID),
		zap.Int("tanks", len(snapshots)),
		zap.Int("vector_bytes", len(vecData)),
		zap.Int("meta_bytes", len(metaData)))
	return nil
}

func writeTemp(dir, base string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp for %s: %v", errs.ErrIOFailure, base, err)
	}
	name := f.Name()
	fail := func(op string, err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%w: %s %s: %v", errs.ErrIOFailure, op, name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("%w: close %s: %v", errs.ErrIOFailure, name, err)
	}
	return name, nil
}

// Load reads the pair stored under prefix and returns one snapshot per tank
// in saved order.
func (m *Manager) Load(ctx context.Context, prefix string) ([]storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vecPath, metaPath, lockPath := Paths(prefix)

	m.mu.Lock()
	defer m.mu.Unlock()
	lock, err := lockPrefix(lockPath, false)
	if err != nil {
		return nil, err
	}
	defer lock.unlock()

	vecData, err := readArchive(vecPath)
	if err != nil {
		return nil, err
	}
	metaData, err := readArchive(metaPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, blocks, err := decodeVectorArchive(vecData)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetaArchive(metaData)
	if err != nil {
		return nil, err
	}
	if meta.SnapshotID != id.String() {
		return nil, fmt.Errorf("%w: vector archive %s and metadata archive %s come from different saves", errs.ErrCorruptSnapshot, id, meta.SnapshotID)
	}
	if len(blocks) != len(meta.Tanks) {
		return nil, fmt.Errorf("%w: vector archive has %d tanks, metadata archive %d", errs.ErrCorruptSnapshot, len(blocks), len(meta.Tanks))
	}

	snapshots := make([]storage.Snapshot, len(blocks))
	for i, b := range blocks {
		snap, err := pairTank(b, meta.Tanks[i])
		if err != nil {
			return nil, err
		}
		snapshots[i] = snap
	}

	m.log.Debug("snapshot read",
		zap.String("prefix", prefix),
		zap.String("snapshot_id", meta.SnapshotID),
		zap.Time("saved_at", meta.SavedAt),
		zap.Int("tanks", len(snapshots)))
	return snapshots, nil
}

func readArchive(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrMissingFile, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrIOFailure, path, err)
	}
	return data, nil
}

// pairTank joins the two halves of one tank, requiring the same name, shape
// and key sequence on both sides.
func pairTank(b vectorBlock, tm tankMeta) (storage.Snapshot, error) {
	if b.Name != tm.Name {
		return storage.Snapshot{}, fmt.Errorf("%w: tank %q in vector archive paired with %q", errs.ErrCorruptSnapshot, b.Name, tm.Name)
	}
	dtype, err := storage.ParseDType(tm.DType)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("%w: tank %q: %v", errs.ErrCorruptSnapshot, tm.Name, err)
	}
	method, err := similarity.ParseMethod(tm.Method)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("%w: tank %q: %v", errs.ErrCorruptSnapshot, tm.Name, err)
	}
	if dtype != b.DType || tm.Dimension != b.Dimension {
		return storage.Snapshot{}, fmt.Errorf("%w: tank %q shape differs between archives", errs.ErrCorruptSnapshot, tm.Name)
	}
	if !slices.Equal(b.Keys, tm.Keys) {
		return storage.Snapshot{}, fmt.Errorf("%w: tank %q key order differs between archives", errs.ErrCorruptSnapshot, tm.Name)
	}
	if len(tm.Metadata) != len(tm.Keys) {
		return storage.Snapshot{}, fmt.Errorf("%w: tank %q has %d keys and %d metadata records", errs.ErrCorruptSnapshot, tm.Name, len(tm.Keys), len(tm.Metadata))
	}

	md := make([]storage.Metadata, len(tm.Metadata))
	for i, rec := range tm.Metadata {
		md[i] = rec
	}
	return storage.Snapshot{
		Config: storage.Config{
			Name:      tm.Name,
			Dimension: tm.Dimension,
			DType:     dtype,
			Method:    method,
			Capacity:  tm.Capacity,
		},
		Keys:     b.Keys,
		Vectors:  b.Vectors,
		Metadata: md,
	}, nil
}

// SaveTank writes a single tank under prefix.
func (m *Manager) SaveTank(ctx context.Context, tank *storage.Tank, prefix string) error {
	return m.Save(ctx, prefix, tank.Snapshot())
}

// LoadTank reads a prefix holding exactly one tank.
func (m *Manager) LoadTank(ctx context.Context, prefix string) (*storage.Tank, error) {
	snapshots, err := m.Load(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(snapshots) != 1 {
		return nil, fmt.Errorf("%w: expected one tank under %s, found %d", errs.ErrCorruptSnapshot, prefix, len(snapshots))
	}
	return storage.FromSnapshot(snapshots[0])
}
