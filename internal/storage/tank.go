package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/index"
	"github.com/vectank.org/vectank-server/internal/similarity"
)

// Config fixes a tank's shape at creation time.
type Config struct {
	Name      string
	Dimension int
	DType     DType
	Method    similarity.Method
	// Capacity bounds the number of stored vectors; 0 means unbounded.
	Capacity int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: tank name is required", errs.ErrInvalidRequest)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: %d", errs.ErrInvalidDimension, c.Dimension)
	}
	if !c.DType.Valid() {
		return fmt.Errorf("%w: %s", errs.ErrInvalidDType, c.DType)
	}
	if !c.Method.Valid() {
		return fmt.Errorf("%w: %s", errs.ErrInvalidMethod, c.Method)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("%w: capacity must not be negative", errs.ErrInvalidRequest)
	}
	return nil
}

// Info is a point-in-time description of a tank.
type Info struct {
	Name      string
	Dimension int
	DType     DType
	Method    similarity.Method
	Capacity  int
	Size      int
}

// Hit is one search result.
type Hit struct {
	Key      string
	Score    float64
	Metadata Metadata
}

// Entry is one item of a batch insert.
type Entry struct {
	Vector   Vector
	Metadata map[string]any
}

// ItemError reports the failure of one batch item.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// BatchResult holds one key per input entry, empty where the entry failed.
type BatchResult struct {
	Keys   []string
	Errors []ItemError
}

// Update carries the fields to replace; nil fields are left unchanged.
type Update struct {
	Vector   *Vector
	Metadata map[string]any
}

type record struct {
	seq  uint64
	row  int
	meta Metadata
}

// Tank is a named collection of same-shaped vectors with metadata. All
// methods are safe for concurrent use; each call is atomic with respect to
// the others.
type Tank struct {
	cfg Config

	block   vectorBlock
	records map[string]*record
	rowKeys []string
	order   *index.OrderIndex
	nextSeq uint64

	lock sync.Mutex
}

var _ VectorEngine = (*Tank)(nil)

func NewTank(cfg Config) (*Tank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tank{
		cfg:     cfg,
		block:   newBlock(cfg.DType, cfg.Dimension),
		records: make(map[string]*record),
		order:   index.NewOrderIndex(),
	}, nil
}

func (t *Tank) Name() string {
	return t.cfg.Name
}

func (t *Tank) Config() Config {
	return t.cfg
}

func (t *Tank) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.records)
}

func (t *Tank) Info() Info {
	t.lock.Lock()
	defer t.lock.Unlock()
	return Info{
		Name:      t.cfg.Name,
		Dimension: t.cfg.Dimension,
		DType:     t.cfg.DType,
		Method:    t.cfg.Method,
		Capacity:  t.cfg.Capacity,
		Size:      len(t.records),
	}
}

func (t *Tank) checkVector(v Vector) error {
	if v.DType != t.cfg.DType {
		return fmt.Errorf("%w: tank %q holds %s, got %s", errs.ErrTypeMismatch, t.cfg.Name, t.cfg.DType, v.DType)
	}
	if n := v.Len(); n != t.cfg.Dimension {
		return fmt.Errorf("%w: tank %q expects %d, got %d", errs.ErrDimensionMismatch, t.cfg.Name, t.cfg.Dimension, n)
	}
	if i := v.nonFiniteIndex(); i >= 0 {
		return fmt.Errorf("%w: element %d is not finite", errs.ErrTypeMismatch, i)
	}
	return nil
}

// AddVector stores v under a freshly generated key and returns the key.
func (t *Tank) AddVector(v Vector, metadata map[string]any) (string, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.addLocked(v, metadata)
}

// AddVectors inserts each entry independently. Entries that fail leave an
// empty key at their position and an ItemError in the result.
func (t *Tank) AddVectors(entries []Entry) BatchResult {
	t.lock.Lock()
	defer t.lock.Unlock()

	res := BatchResult{Keys: make([]string, len(entries))}
	for i, e := range entries {
		key, err := t.addLocked(e.Vector, e.Metadata)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{Index: i, Err: err})
			continue
		}
		res.Keys[i] = key
	}
	return res
}

func (t *Tank) addLocked(v Vector, metadata map[string]any) (string, error) {
	if err := t.checkVector(v); err != nil {
		return "", err
	}
	if t.cfg.Capacity > 0 && len(t.records) >= t.cfg.Capacity {
		return "", fmt.Errorf("%w: tank %q holds %d vectors", errs.ErrCapacityExceeded, t.cfg.Name, t.cfg.Capacity)
	}
	meta, err := NormalizeMetadata(metadata)
	if err != nil {
		return "", err
	}
	key := t.newKey()
	t.insertLocked(key, v, meta)
	return key, nil
}

func (t *Tank) insertLocked(key string, v Vector, meta Metadata) {
	row := t.block.appendRow(v)
	t.rowKeys = append(t.rowKeys, key)
	t.records[key] = &record{seq: t.nextSeq, row: row, meta: meta}
	t.order.Add(t.nextSeq, key)
	t.nextSeq++
}

func (t *Tank) newKey() string {
	for {
		key := uuid.NewString()
		if _, taken := t.records[key]; !taken {
			return key
		}
	}
}

// GetVector returns copies of the vector and metadata stored under key.
func (t *Tank) GetVector(key string) (Vector, Metadata, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return Vector{}, nil, t.keyNotFound(key)
	}
	return t.block.row(rec.row), rec.meta.Clone(), nil
}

// UpdateVector replaces the provided fields of an existing entry. Nothing
// changes if any provided field is invalid.
func (t *Tank) UpdateVector(key string, u Update) error {
	if u.Vector == nil && u.Metadata == nil {
		return errs.ErrEmptyUpdate
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return t.keyNotFound(key)
	}
	if u.Vector != nil {
		if err := t.checkVector(*u.Vector); err != nil {
			return err
		}
	}
	var meta Metadata
	if u.Metadata != nil {
		var err error
		if meta, err = NormalizeMetadata(u.Metadata); err != nil {
			return err
		}
	}

	if u.Vector != nil {
		t.block.setRow(rec.row, *u.Vector)
	}
	if meta != nil {
		rec.meta = meta
	}
	return nil
}

func (t *Tank) DeleteVector(key string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return t.keyNotFound(key)
	}
	t.removeLocked(key, rec)
	return nil
}

// DeleteVectors removes every listed key, or none of them if any key is
// absent.
func (t *Tank) DeleteVectors(keys []string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, key := range keys {
		if _, ok := t.records[key]; !ok {
			return t.keyNotFound(key)
		}
	}
	for _, key := range keys {
		if rec, ok := t.records[key]; ok {
			t.removeLocked(key, rec)
		}
	}
	return nil
}

func (t *Tank) removeLocked(key string, rec *record) {
	if moved := t.block.swapRemove(rec.row); moved >= 0 {
		movedKey := t.rowKeys[moved]
		t.records[movedKey].row = rec.row
		t.rowKeys[rec.row] = movedKey
	}
	t.rowKeys = t.rowKeys[:len(t.rowKeys)-1]
	t.order.Remove(rec.seq)
	delete(t.records, key)
}

// Search scores every stored vector against query and returns the topK best,
// best first, ties in insertion order. An unspecified method falls back to
// the tank's configured one.
func (t *Tank) Search(query Vector, topK int, method similarity.Method) ([]Hit, error) {
	if method == similarity.Unspecified {
		method = t.cfg.Method
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidMethod, method)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkVector(query); err != nil {
		return nil, err
	}
	if topK <= 0 || len(t.records) == 0 {
		return []Hit{}, nil
	}

	scores, err := t.block.score(method, query)
	if err != nil {
		return nil, err
	}
	candidates := make([]similarity.Scored, len(t.rowKeys))
	for row, key := range t.rowKeys {
		candidates[row] = similarity.Scored{Key: key, Seq: t.records[key].seq, Score: scores[row]}
	}

	best := similarity.TopK(candidates, topK)
	hits := make([]Hit, len(best))
	for i, c := range best {
		hits[i] = Hit{Key: c.Key, Score: c.Score, Metadata: t.records[c.Key].meta.Clone()}
	}
	return hits, nil
}

// Filter returns, in insertion order, the keys whose metadata contains every
// condition.
func (t *Tank) Filter(conditions map[string]any) ([]string, error) {
	cond, err := NormalizeMetadata(conditions)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	keys := []string{}
	t.order.Ascend(func(_ uint64, key string) bool {
		if t.records[key].meta.Matches(cond) {
			keys = append(keys, key)
		}
		return true
	})
	return keys, nil
}

// Keys returns every key in insertion order.
func (t *Tank) Keys() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.order.Keys()
}

// Clear removes every entry. Sequence numbers keep counting so insertion
// order stays monotonic across a clear.
func (t *Tank) Clear() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.block.reset()
	t.records = make(map[string]*record)
	t.rowKeys = nil
	t.order.Clear()
}

func (t *Tank) keyNotFound(key string) error {
	return fmt.Errorf("%w: %q in tank %q", errs.ErrKeyNotFound, key, t.cfg.Name)
}
