// Package records defines the keyed-record contract shared by both peers.
//
// A record is identified by its path; a store only retains the latest value
// written under a path. Change notifications are delivered asynchronously,
// in write order per path, and may be duplicated.
package records

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultMaxPayloadBytes bounds the encoded size of a record.
const DefaultMaxPayloadBytes = 100 * 1024

var (
	// ErrNotConnected is returned while the synchronisation channel is down.
	ErrNotConnected = errors.New("records: not connected")
	// ErrPayloadTooLarge is returned when the encoded fields exceed the store bound.
	ErrPayloadTooLarge = errors.New("records: payload too large")
	// ErrNotFound is returned by Get when no record exists under a path.
	ErrNotFound = errors.New("records: record not found")
	// ErrUnknownAsset is returned when an asset reference cannot be resolved.
	ErrUnknownAsset = errors.New("records: unknown asset")
)

// AssetReference is an opaque handle to a binary blob issued by the writing peer.
type AssetReference struct {
	ID string `json:"id"`
}

// IsZero reports whether the reference is empty.
func (r AssetReference) IsZero() bool { return strings.TrimSpace(r.ID) == "" }

func (r AssetReference) String() string { return r.ID }

// Record is the latest value stored under a path.
type Record struct {
	Path      string    `json:"path"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Fields    Fields    `json:"fields"`
}

// Ack confirms a successful put.
type Ack struct {
	Path    string
	Version int64
}

// Handler receives change notifications for subscribed paths.
type Handler func(Record)

// Store is the synchronisation primitive both peers use.
//
// Subscribe patterns match a path exactly, or every path below a prefix when
// the pattern ends with "/". Subscriptions survive reconnects and the current
// value of each matching path is replayed after the channel comes up.
type Store interface {
	Put(ctx context.Context, path string, fields Fields) (Ack, error)
	Get(ctx context.Context, path string) (Record, error)
	Subscribe(pattern string, fn Handler) (cancel func())
	ResolveAsset(ctx context.Context, ref AssetReference) ([]byte, error)
}

// AssetPublisher is implemented by stores that can host binary assets.
type AssetPublisher interface {
	CreateAsset(ctx context.Context, data []byte) (AssetReference, error)
}

// Matches reports whether a subscription pattern covers path.
func Matches(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern)
	}
	return pattern == path
}
