package queryengine

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/models"
	"github.com/vectank.org/vectank-server/internal/similarity"
	"github.com/vectank.org/vectank-server/internal/storage"
)

// Registry is the tank registry the engine dispatches to.
type Registry interface {
	CreateTank(cfg storage.Config) (*storage.Tank, error)
	GetTank(name string) (*storage.Tank, error)
	DeleteTank(name string) error
	ListTanks() []string
	SaveAll(ctx context.Context, prefix string) (int, error)
	LoadAll(ctx context.Context, prefix string) (int, error)
}

type Options struct {
	// DefaultTank is used by requests that name no tank.
	DefaultTank string
	// Prefix is used by save and load requests that name no prefix.
	Prefix string
	Logger *zap.Logger
}

// QueryEngine turns authenticated requests into registry and tank calls. It
// holds no state of its own beyond its configuration.
type QueryEngine struct {
	registry    Registry
	defaultTank string
	prefix      string
	log         *zap.Logger
}

func NewQueryEngine(registry Registry, opts Options) *QueryEngine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &QueryEngine{
		registry:    registry,
		defaultTank: opts.DefaultTank,
		prefix:      opts.Prefix,
		log:         log,
	}
}

// Execute runs one request. Every failure is returned as an ERROR response
// carrying the error's wire code; Execute itself never fails.
func (qe *QueryEngine) Execute(ctx context.Context, req models.Request) models.Response {
	result, err := qe.dispatch(ctx, req)
	if err != nil {
		qe.log.Debug("request failed", zap.String("op", req.Op), zap.String("tank", req.Tank), zap.Error(err))
		return Failure(err)
	}
	return Success(result)
}

// Success wraps result in an OK response. A nil result produces no result
// field.
func Success(result any) models.Response {
	if result == nil {
		return models.Response{Status: models.StatusOK}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Failure(fmt.Errorf("encode result: %w", err))
	}
	return models.Response{Status: models.StatusOK, Result: data}
}

func Failure(err error) models.Response {
	return models.Response{Status: models.StatusError, Code: errs.Code(err), Message: err.Error()}
}

func (qe *QueryEngine) dispatch(ctx context.Context, req models.Request) (any, error) {
	switch req.Op {
	case models.OpCreateTank:
		return qe.createTank(req)
	case models.OpGetTankInfo:
		tank, err := qe.tank(req)
		if err != nil {
			return nil, err
		}
		return TankInfo(tank.Info()), nil
	case models.OpDeleteTank:
		return nil, qe.registry.DeleteTank(qe.tankName(req))
	case models.OpListTanks:
		return models.TankList{Tanks: qe.registry.ListTanks()}, nil
	case models.OpAddVector:
		return qe.addVector(req)
	case models.OpAddVectors:
		return qe.addVectors(req)
	case models.OpGetVector:
		return qe.getVector(req)
	case models.OpUpdateVector:
		return nil, qe.updateVector(req)
	case models.OpDeleteVector:
		tank, err := qe.tank(req)
		if err != nil {
			return nil, err
		}
		return nil, tank.DeleteVector(req.Key)
	case models.OpDeleteVectors:
		tank, err := qe.tank(req)
		if err != nil {
			return nil, err
		}
		return nil, tank.DeleteVectors(req.Keys)
	case models.OpSearch:
		return qe.search(req)
	case models.OpFilter:
		tank, err := qe.tank(req)
		if err != nil {
			return nil, err
		}
		keys, err := tank.Filter(req.Conditions)
		if err != nil {
			return nil, err
		}
		return models.KeyList{Keys: keys}, nil
	case models.OpClearTank:
		tank, err := qe.tank(req)
		if err != nil {
			return nil, err
		}
		tank.Clear()
		return nil, nil
	case models.OpSave:
		prefix := qe.prefixOf(req)
		n, err := qe.registry.SaveAll(ctx, prefix)
		if err != nil {
			return nil, err
		}
		return models.PersistResult{Prefix: prefix, Tanks: n}, nil
	case models.OpLoad:
		prefix := qe.prefixOf(req)
		n, err := qe.registry.LoadAll(ctx, prefix)
		if err != nil {
			return nil, err
		}
		return models.PersistResult{Prefix: prefix, Tanks: n}, nil
	case models.OpShutdown:
		// Acknowledged here; the server performs the stop and final save.
		return nil, nil
	case "":
		return nil, fmt.Errorf("%w: missing op", errs.ErrInvalidRequest)
	}
	return nil, fmt.Errorf("%w: unknown op %q", errs.ErrInvalidRequest, req.Op)
}

func (qe *QueryEngine) tankName(req models.Request) string {
	if req.Tank != "" {
		return req.Tank
	}
	return qe.defaultTank
}

func (qe *QueryEngine) tank(req models.Request) (storage.VectorEngine, error) {
	t, err := qe.registry.GetTank(qe.tankName(req))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (qe *QueryEngine) prefixOf(req models.Request) string {
	if req.Prefix != "" {
		return req.Prefix
	}
	return qe.prefix
}

func (qe *QueryEngine) createTank(req models.Request) (any, error) {
	if req.Tank == "" {
		return nil, fmt.Errorf("%w: create_tank requires a tank name", errs.ErrInvalidRequest)
	}
	dtype := storage.Float32
	if req.DType != "" {
		var err error
		if dtype, err = storage.ParseDType(req.DType); err != nil {
			return nil, err
		}
	}
	method := similarity.Cosine
	if req.Method != "" {
		var err error
		if method, err = similarity.ParseMethod(req.Method); err != nil {
			return nil, err
		}
	}
	tank, err := qe.registry.CreateTank(storage.Config{
		Name:      req.Tank,
		Dimension: req.Dimension,
		DType:     dtype,
		Method:    method,
		Capacity:  req.Capacity,
	})
	if err != nil {
		return nil, err
	}
	return TankInfo(tank.Info()), nil
}

func (qe *QueryEngine) addVector(req models.Request) (any, error) {
	tank, err := qe.tank(req)
	if err != nil {
		return nil, err
	}
	vec, err := storage.VectorFromFloat64s(tank.Config().DType, req.Vector)
	if err != nil {
		return nil, err
	}
	key, err := tank.AddVector(vec, req.Metadata)
	if err != nil {
		return nil, err
	}
	return models.AddResult{Key: key}, nil
}

func (qe *QueryEngine) addVectors(req models.Request) (any, error) {
	tank, err := qe.tank(req)
	if err != nil {
		return nil, err
	}
	dtype := tank.Config().DType

	result := models.BatchAddResult{Keys: make([]string, len(req.Items))}
	entries := make([]storage.Entry, 0, len(req.Items))
	positions := make([]int, 0, len(req.Items))
	for i, item := range req.Items {
		vec, err := storage.VectorFromFloat64s(dtype, item.Vector)
		if err != nil {
			result.Errors = append(result.Errors, itemError(i, err))
			continue
		}
		entries = append(entries, storage.Entry{Vector: vec, Metadata: item.Metadata})
		positions = append(positions, i)
	}

	batch := tank.AddVectors(entries)
	for j, key := range batch.Keys {
		result.Keys[positions[j]] = key
	}
	for _, ie := range batch.Errors {
		result.Errors = append(result.Errors, itemError(positions[ie.Index], ie.Err))
	}
	slices.SortFunc(result.Errors, func(a, b models.ItemError) int { return cmp.Compare(a.Index, b.Index) })
	return result, nil
}

func itemError(index int, err error) models.ItemError {
	return models.ItemError{Index: index, Code: errs.Code(err), Message: err.Error()}
}

func (qe *QueryEngine) getVector(req models.Request) (any, error) {
	tank, err := qe.tank(req)
	if err != nil {
		return nil, err
	}
	vec, meta, err := tank.GetVector(req.Key)
	if err != nil {
		return nil, err
	}
	return models.VectorRecord{Key: req.Key, Vector: vec.Float64s(), Metadata: meta}, nil
}

func (qe *QueryEngine) updateVector(req models.Request) error {
	tank, err := qe.tank(req)
	if err != nil {
		return err
	}
	var u storage.Update
	if req.Vector != nil {
		vec, err := storage.VectorFromFloat64s(tank.Config().DType, req.Vector)
		if err != nil {
			return err
		}
		u.Vector = &vec
	}
	if req.Metadata != nil {
		u.Metadata = req.Metadata
	}
	return tank.UpdateVector(req.Key, u)
}

func (qe *QueryEngine) search(req models.Request) (any, error) {
	tank, err := qe.tank(req)
	if err != nil {
		return nil, err
	}
	method := similarity.Unspecified
	if req.Method != "" {
		if method, err = similarity.ParseMethod(req.Method); err != nil {
			return nil, err
		}
	}
	topK := 1
	if req.TopK != nil {
		topK = *req.TopK
	}
	query, err := storage.VectorFromFloat64s(tank.Config().DType, req.Vector)
	if err != nil {
		return nil, err
	}
	hits, err := tank.Search(query, topK, method)
	if err != nil {
		return nil, err
	}
	out := models.SearchResult{Hits: make([]models.SearchHit, len(hits))}
	for i, h := range hits {
		out.Hits[i] = models.SearchHit{Key: h.Key, Score: h.Score, Metadata: h.Metadata}
	}
	return out, nil
}

// TankInfo converts a tank description to its wire form.
func TankInfo(info storage.Info) models.TankInfo {
	return models.TankInfo{
		Name:      info.Name,
		Dimension: info.Dimension,
		DType:     info.DType.String(),
		Method:    info.Method.String(),
		Size:      info.Size,
		Capacity:  info.Capacity,
	}
}
