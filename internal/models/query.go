package models

import "encoding/json"

const (
	OpCreateTank    = "create_tank"
	OpGetTankInfo   = "get_tank_info"
	OpDeleteTank    = "delete_tank"
	OpListTanks     = "list_tanks"
	OpAddVector     = "add_vector"
	OpAddVectors    = "add_vectors"
	OpGetVector     = "get_vector"
	OpUpdateVector  = "update_vector"
	OpDeleteVector  = "delete_vector"
	OpDeleteVectors = "delete_vectors"
	OpSearch        = "search"
	OpFilter        = "filter"
	OpClearTank     = "clear_tank"
	OpSave          = "save"
	OpLoad          = "load"
	OpShutdown      = "shutdown"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// LoginRequest is the first line a client sends on a new connection.
type LoginRequest struct {
	Secret string `json:"secret"`
}

// Request is one operation. Fields not used by Op are ignored. Vector and
// Metadata are not omitted when empty so that an explicit empty value stays
// distinguishable from an absent one.
type Request struct {
	Op   string `json:"op"`
	Tank string `json:"tank,omitempty"`

	Dimension int    `json:"dimension,omitempty"`
	DType     string `json:"dtype,omitempty"`
	Method    string `json:"method,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`

	Key      string         `json:"key,omitempty"`
	Keys     []string       `json:"keys,omitempty"`
	Vector   []float64      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
	Items    []VectorItem   `json:"items,omitempty"`

	TopK       *int           `json:"top_k,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`

	Prefix string `json:"prefix,omitempty"`
}

type VectorItem struct {
	Vector   []float64      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Response struct {
	Status  string          `json:"status"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type TankInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	DType     string `json:"dtype"`
	Method    string `json:"method"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity,omitempty"`
}

type TankList struct {
	Tanks []string `json:"tanks"`
}

type AddResult struct {
	Key string `json:"key"`
}

type ItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchAddResult has one key per input item, empty where the item failed.
type BatchAddResult struct {
	Keys   []string    `json:"keys"`
	Errors []ItemError `json:"errors,omitempty"`
}

type VectorRecord struct {
	Key      string         `json:"key"`
	Vector   []float64      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

type SearchHit struct {
	Key      string         `json:"key"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

type SearchResult struct {
	Hits []SearchHit `json:"hits"`
}

type KeyList struct {
	Keys []string `json:"keys"`
}

type PersistResult struct {
	Prefix string `json:"prefix"`
	Tanks  int    `json:"tanks"`
}
