// Package registry owns the set of named tanks served by one process.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/storage"
)

// Store persists whole tank sets under a path prefix.
type Store interface {
	Save(ctx context.Context, prefix string, snapshots ...storage.Snapshot) error
	Load(ctx context.Context, prefix string) ([]storage.Snapshot, error)
}

// Registry maps tank names to tanks. Its lock guards only the mapping;
// record-level work runs under each tank's own lock.
type Registry struct {
	lock  sync.RWMutex
	tanks map[string]*storage.Tank
	names []string

	store Store
	log   *zap.Logger
}

func New(store Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		tanks: make(map[string]*storage.Tank),
		store: store,
		log:   log,
	}
}

func (r *Registry) CreateTank(cfg storage.Config) (*storage.Tank, error) {
	tank, err := storage.NewTank(cfg)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.tanks[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %q", errs.ErrDuplicateName, cfg.Name)
	}
	r.tanks[cfg.Name] = tank
	r.names = append(r.names, cfg.Name)

	r.log.Info("tank created",
		zap.String("tank", cfg.Name),
		zap.Int("dimension", cfg.Dimension),
		zap.Stringer("dtype", cfg.DType),
		zap.Stringer("method", cfg.Method))
	return tank, nil
}

func (r *Registry) GetTank(name string) (*storage.Tank, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	tank, ok := r.tanks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrTankNotFound, name)
	}
	return tank, nil
}

// DeleteTank discards the tank. Its contents survive only in snapshots saved
// before the deletion.
func (r *Registry) DeleteTank(name string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.tanks[name]; !ok {
		return fmt.Errorf("%w: %q", errs.ErrTankNotFound, name)
	}
	delete(r.tanks, name)
	r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == name })

	r.log.Info("tank deleted", zap.String("tank", name))
	return nil
}

// ListTanks returns tank names in creation order.
func (r *Registry) ListTanks() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return slices.Clone(r.names)
}

// Tanks returns the current tanks in creation order.
func (r *Registry) Tanks() []*storage.Tank {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make([]*storage.Tank, len(r.names))
	for i, name := range r.names {
		out[i] = r.tanks[name]
	}
	return out
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.tanks)
}

// Bootstrap makes sure a tank named cfg.Name exists, creating it from cfg
// when absent. It reports whether a tank was created.
func (r *Registry) Bootstrap(cfg storage.Config) (*storage.Tank, bool, error) {
	if tank, err := r.GetTank(cfg.Name); err == nil {
		if got := tank.Config(); got.Dimension != cfg.Dimension || got.DType != cfg.DType {
			r.log.Warn("existing default tank differs from configuration",
				zap.String("tank", cfg.Name),
				zap.Int("dimension", got.Dimension),
				zap.Stringer("dtype", got.DType))
		}
		return tank, false, nil
	}
	tank, err := r.CreateTank(cfg)
	if err != nil {
		return nil, false, err
	}
	return tank, true, nil
}

// SaveAll snapshots every tank and hands the set to the store. Each tank is
// captured under its own lock; tanks are captured concurrently.
func (r *Registry) SaveAll(ctx context.Context, prefix string) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("%w: no snapshot store configured", errs.ErrIOFailure)
	}
	start := time.Now()
	tanks := r.Tanks()

	snapshots := make([]storage.Snapshot, len(tanks))
	g, gctx := errgroup.WithContext(ctx)
	for i, tank := range tanks {
		i, tank := i, tank
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snapshots[i] = tank.Snapshot()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := r.store.Save(ctx, prefix, snapshots...); err != nil {
		r.log.Error("save failed", zap.String("prefix", prefix), zap.Error(err))
		return 0, err
	}
	r.log.Info("tanks saved",
		zap.String("prefix", prefix),
		zap.Int("tanks", len(snapshots)),
		zap.Duration("took", time.Since(start)))
	return len(snapshots), nil
}

// LoadAll replaces the registry contents with the tanks stored under prefix.
// On any failure the current contents are left untouched.
func (r *Registry) LoadAll(ctx context.Context, prefix string) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("%w: no snapshot store configured", errs.ErrIOFailure)
	}
	start := time.Now()

	snapshots, err := r.store.Load(ctx, prefix)
	if err != nil {
		r.log.Error("load failed", zap.String("prefix", prefix), zap.Error(err))
		return 0, err
	}

	tanks := make(map[string]*storage.Tank, len(snapshots))
	names := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		name := snap.Config.Name
		if _, dup := tanks[name]; dup {
			return 0, fmt.Errorf("%w: tank %q stored twice", errs.ErrCorruptSnapshot, name)
		}
		tank, err := storage.FromSnapshot(snap)
		if err != nil {
			return 0, err
		}
		tanks[name] = tank
		names = append(names, name)
	}

	r.lock.Lock()
	r.tanks = tanks
	r.names = names
	r.lock.Unlock()

	r.log.Info("tanks loaded",
		zap.String("prefix", prefix),
		zap.Int("tanks", len(names)),
		zap.Duration("took", time.Since(start)))
	return len(names), nil
}
