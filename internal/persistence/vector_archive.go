package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/storage"
)

const (
	vectorMagic = "VTANKVEC"

	compressionNone uint8 = 0
	compressionZstd uint8 = 1

	// magic + version + compression + snapshot id + body length
	vectorHeaderSize = 8 + 2 + 1 + 16 + 8
	crcSize          = 4
)

// vectorBlock is one tank's section of the vector archive.
type vectorBlock struct {
	Name      string
	DType     storage.DType
	Dimension int
	Keys      []string
	Vectors   storage.Vector
}

// encodeVectorArchive lays out
//
//	magic[8] version:u16 compression:u8 id[16] bodyLen:u64 body crc32:u32
//
// where body is, per tank: name, dtype:u8, dim:u32, count:u32, keys, then
// count*dim little-endian elements. The checksum covers the uncompressed body.
func encodeVectorArchive(id uuid.UUID, blocks []vectorBlock, compress bool) ([]byte, error) {
	var body bytes.Buffer
	writeU32(&body, uint32(len(blocks)))
	for _, b := range blocks {
		if err := writeString(&body, b.Name); err != nil {
			return nil, err
		}
		body.WriteByte(uint8(b.DType))
		writeU32(&body, uint32(b.Dimension))
		writeU32(&body, uint32(len(b.Keys)))
		for _, k := range b.Keys {
			if err := writeString(&body, k); err != nil {
				return nil, err
			}
		}
		switch b.DType {
		case storage.Float32:
			for _, x := range b.Vectors.F32 {
				writeU32(&body, math.Float32bits(x))
			}
		case storage.Float64:
			for _, x := range b.Vectors.F64 {
				writeU64(&body, math.Float64bits(x))
			}
		default:
			return nil, fmt.Errorf("%w: tank %q: %s", errs.ErrInvalidDType, b.Name, b.DType)
		}
	}

	raw := body.Bytes()
	sum := crc32.ChecksumIEEE(raw)
	stored := raw
	mode := compressionNone
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd encoder: %v", errs.ErrIOFailure, err)
		}
		stored = enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		_ = enc.Close()
		mode = compressionZstd
	}

	out := bytes.NewBuffer(make([]byte, 0, vectorHeaderSize+len(stored)+crcSize))
	out.WriteString(vectorMagic)
	writeU16(out, FormatVersion)
	out.WriteByte(mode)
	out.Write(id[:])
	writeU64(out, uint64(len(stored)))
	out.Write(stored)
	writeU32(out, sum)
	return out.Bytes(), nil
}

func decodeVectorArchive(data []byte) (uuid.UUID, []vectorBlock, error) {
	var id uuid.UUID
	if len(data) < len(vectorMagic)+2 || string(data[:len(vectorMagic)]) != vectorMagic {
		return id, nil, fmt.Errorf("%w: vector archive has no %s tag", errs.ErrUnsupportedFormatVersion, vectorMagic)
	}
	if v := binary.LittleEndian.Uint16(data[8:10]); v != FormatVersion {
		return id, nil, fmt.Errorf("%w: vector archive version %d", errs.ErrUnsupportedFormatVersion, v)
	}
	if len(data) < vectorHeaderSize+crcSize {
		return id, nil, fmt.Errorf("%w: vector archive truncated", errs.ErrCorruptSnapshot)
	}
	mode := data[10]
	copy(id[:], data[11:27])
	bodyLen := binary.LittleEndian.Uint64(data[27:35])
	if bodyLen != uint64(len(data)-vectorHeaderSize-crcSize) {
		return id, nil, fmt.Errorf("%w: vector archive body length %d does not match file", errs.ErrCorruptSnapshot, bodyLen)
	}
	stored := data[vectorHeaderSize : vectorHeaderSize+int(bodyLen)]
	sum := binary.LittleEndian.Uint32(data[len(data)-crcSize:])

	var raw []byte
	switch mode {
	case compressionNone:
		raw = stored
	case compressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return id, nil, fmt.Errorf("%w: zstd decoder: %v", errs.ErrIOFailure, err)
		}
		defer dec.Close()
		if raw, err = dec.DecodeAll(stored, nil); err != nil {
			return id, nil, fmt.Errorf("%w: vector archive body: %v", errs.ErrCorruptSnapshot, err)
		}
	default:
		return id, nil, fmt.Errorf("%w: vector archive compression %d", errs.ErrUnsupportedFormatVersion, mode)
	}
	if crc32.ChecksumIEEE(raw) != sum {
		return id, nil, fmt.Errorf("%w: vector archive checksum mismatch", errs.ErrCorruptSnapshot)
	}

	blocks, err := decodeVectorBody(bytes.NewReader(raw))
	if err != nil {
		return id, nil, fmt.Errorf("%w: vector archive body: %v", errs.ErrCorruptSnapshot, err)
	}
	return id, blocks, nil
}

func decodeVectorBody(r *bytes.Reader) ([]vectorBlock, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, err
	}
	var blocks []vectorBlock
	for i := uint32(0); i < count; i++ {
		var b vectorBlock
		if b.Name, err = readString(r); err != nil {
			return nil, err
		}
		dt, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		b.DType = storage.DType(dt)
		dim, err := readU32(r)
		if err != nil {
			return nil, err
		}
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b.Dimension = int(dim)

		elems := uint64(n) * uint64(dim)
		if elems*uint64(b.DType.Size()) > uint64(r.Len()) {
			return nil, fmt.Errorf("tank %q declares %d elements beyond the archive end", b.Name, elems)
		}
		b.Keys = make([]string, n)
		for j := range b.Keys {
			if b.Keys[j], err = readString(r); err != nil {
				return nil, err
			}
		}

		switch b.DType {
		case storage.Float32:
			vals := make([]float32, elems)
			for j := range vals {
				bits, err := readU32(r)
				if err != nil {
					return nil, err
				}
				vals[j] = math.Float32frombits(bits)
			}
			b.Vectors = storage.Float32Vector(vals)
		case storage.Float64:
			vals := make([]float64, elems)
			for j := range vals {
				bits, err := readU64(r)
				if err != nil {
					return nil, err
				}
				vals[j] = math.Float64frombits(bits)
			}
			b.Vectors = storage.Float64Vector(vals)
		default:
			return nil, fmt.Errorf("tank %q has unknown dtype %d", b.Name, dt)
		}
		blocks = append(blocks, b)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return blocks, nil
}

func writeU16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes is too long to archive", errs.ErrInvalidRequest, len(s))
	}
	writeU16(w, uint16(len(s)))
	w.WriteString(s)
	return nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r io.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(b[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
