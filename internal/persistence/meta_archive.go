package persistence

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vectank.org/vectank-server/internal/errs"
)

const metaMagic = "VTANKMETA"

type metaArchive struct {
	Magic      string     `msgpack:"magic"`
	Version    uint16     `msgpack:"version"`
	SnapshotID string     `msgpack:"snapshot_id"`
	SavedAt    time.Time  `msgpack:"saved_at"`
	Tanks      []tankMeta `msgpack:"tanks"`
}

type tankMeta struct {
	Name      string           `msgpack:"name"`
	Dimension int              `msgpack:"dimension"`
	DType     string           `msgpack:"dtype"`
	Method    string           `msgpack:"method"`
	Capacity  int              `msgpack:"capacity,omitempty"`
	Keys      []string         `msgpack:"keys"`
	Metadata  []map[string]any `msgpack:"metadata"`
}

func encodeMetaArchive(a metaArchive) ([]byte, error) {
	a.Magic = metaMagic
	a.Version = FormatVersion
	data, err := msgpack.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata archive: %v", errs.ErrInvalidMetadata, err)
	}
	return data, nil
}

func decodeMetaArchive(data []byte) (metaArchive, error) {
	var a metaArchive
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("%w: metadata archive: %v", errs.ErrCorruptSnapshot, err)
	}
	if a.Magic != metaMagic {
		return a, fmt.Errorf("%w: metadata archive has no %s tag", errs.ErrUnsupportedFormatVersion, metaMagic)
	}
	if a.Version != FormatVersion {
		return a, fmt.Errorf("%w: metadata archive version %d", errs.ErrUnsupportedFormatVersion, a.Version)
	}
	return a, nil
}
