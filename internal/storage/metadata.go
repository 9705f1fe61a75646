package storage

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/vectank.org/vectank-server/internal/errs"
)

// Metadata is the key-value record attached to a vector. Values are limited
// to nil, bool, string, float64, []any and map[string]any.
type Metadata map[string]any

// NormalizeMetadata returns a deep copy of m with every number widened to
// float64 and nested slices and maps rewritten to []any and map[string]any.
// A nil input yields an empty record.
func NormalizeMetadata(m map[string]any) (Metadata, error) {
	out := make(Metadata, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v, k)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrInvalidMetadata, path, err)
		}
		return f, nil
	case Metadata:
		return normalizeMap(x, path)
	case map[string]any:
		return normalizeMap(x, path)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			nv, err := normalizeValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			nv, err := normalizeValue(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: %s: map keys must be strings", errs.ErrInvalidMetadata, path)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			nv, err := normalizeValue(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s: unsupported value of type %T", errs.ErrInvalidMetadata, path, v)
}

func normalizeMap(m map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v, path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// Clone deep-copies an already normalised record.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

// Matches reports whether every condition key is present in m with an equal
// value. Conditions must be normalised.
func (m Metadata) Matches(conditions Metadata) bool {
	for k, want := range conditions {
		got, ok := m[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
