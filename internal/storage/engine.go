package storage

import "github.com/vectank.org/vectank-server/internal/similarity"

// VectorEngine is the operation set the service layer drives on a tank.
type VectorEngine interface {
	Config() Config
	Info() Info
	AddVector(v Vector, metadata map[string]any) (string, error)
	AddVectors(entries []Entry) BatchResult
	GetVector(key string) (Vector, Metadata, error)
	UpdateVector(key string, u Update) error
	DeleteVector(key string) error
	DeleteVectors(keys []string) error
	Search(query Vector, topK int, method similarity.Method) ([]Hit, error)
	Filter(conditions map[string]any) ([]string, error)
	Clear()
}
