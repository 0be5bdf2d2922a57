package asset

import (
	"errors"
	"fmt"

	"github.com/timzifer/wearsync/runtime/records"
)

var (
	// ErrInvalidReference reports an empty or unknown asset reference.
	ErrInvalidReference = errors.New("asset: invalid reference")
	// ErrConnectionTimeout reports that the asset could not be fetched in time.
	ErrConnectionTimeout = errors.New("asset: connection timeout")
	// ErrDecodeFailed reports bytes that are not a supported image.
	ErrDecodeFailed = errors.New("asset: decode failed")
)

// Kind classifies resolution failures.
type Kind int

const (
	InvalidReference Kind = iota + 1
	ConnectionTimeout
	DecodeFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidReference:
		return "invalid_reference"
	case ConnectionTimeout:
		return "timeout"
	case DecodeFailed:
		return "decode_failed"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case InvalidReference:
		return ErrInvalidReference
	case ConnectionTimeout:
		return ErrConnectionTimeout
	case DecodeFailed:
		return ErrDecodeFailed
	default:
		return nil
	}
}

// Error describes why an asset could not be resolved.
type Error struct {
	Kind Kind
	Ref  records.AssetReference
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("asset %q: %s", e.Ref.ID, e.Kind)
	}
	return fmt.Sprintf("asset %q: %s: %v", e.Ref.ID, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
