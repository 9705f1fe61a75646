// Package errs holds the error kinds shared by the tank engine, the
// persistence layer and the service boundary.
package errs

import (
	"errors"
)

var (
	ErrDimensionMismatch        = errors.New("dimension mismatch")
	ErrTypeMismatch             = errors.New("element type mismatch")
	ErrInvalidMethod            = errors.New("invalid similarity method")
	ErrInvalidDimension         = errors.New("invalid dimension")
	ErrInvalidDType             = errors.New("invalid element type")
	ErrKeyNotFound              = errors.New("key not found")
	ErrDuplicateName            = errors.New("tank already exists")
	ErrTankNotFound             = errors.New("tank not found")
	ErrCorruptSnapshot          = errors.New("corrupt snapshot")
	ErrMissingFile              = errors.New("snapshot file missing")
	ErrUnsupportedFormatVersion = errors.New("unsupported snapshot format version")
	ErrAuthenticationFailure    = errors.New("authentication failed")
	ErrIOFailure                = errors.New("i/o failure")

	ErrCapacityExceeded = errors.New("tank capacity reached")
	ErrInvalidMetadata  = errors.New("invalid metadata")
	ErrEmptyUpdate      = errors.New("update requires a vector or metadata")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrServerBusy       = errors.New("server at connection limit")
)

// codes is ordered: the first sentinel matched by errors.Is wins.
var codes = []struct {
	err  error
	code string
}{
	{ErrDimensionMismatch, "DIMENSION_MISMATCH"},
	{ErrTypeMismatch, "TYPE_MISMATCH"},
	{ErrInvalidMethod, "INVALID_METHOD"},
	{ErrInvalidDimension, "INVALID_DIMENSION"},
	{ErrInvalidDType, "INVALID_DTYPE"},
	{ErrKeyNotFound, "KEY_NOT_FOUND"},
	{ErrDuplicateName, "DUPLICATE_NAME"},
	{ErrTankNotFound, "TANK_NOT_FOUND"},
	{ErrCorruptSnapshot, "CORRUPT_SNAPSHOT"},
	{ErrMissingFile, "MISSING_FILE"},
	{ErrUnsupportedFormatVersion, "UNSUPPORTED_FORMAT_VERSION"},
	{ErrAuthenticationFailure, "AUTHENTICATION_FAILURE"},
	{ErrIOFailure, "IO_FAILURE"},
	{ErrCapacityExceeded, "CAPACITY_EXCEEDED"},
	{ErrInvalidMetadata, "INVALID_METADATA"},
	{ErrEmptyUpdate, "EMPTY_UPDATE"},
	{ErrInvalidRequest, "INVALID_REQUEST"},
	{ErrServerBusy, "SERVER_BUSY"},
}

// CodeInternal is reported for errors outside the taxonomy.
const CodeInternal = "INTERNAL"

// Code returns the wire code for err, or "" for a nil error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode returns the sentinel for a wire code, or nil when the code is
// unknown. The client uses it to rebuild errors.Is-comparable errors.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
