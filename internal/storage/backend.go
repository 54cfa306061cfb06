// Package storage implements the storage adapter layer (C3) from spec.md
// §4.1: a shared low-level KVBackend contract, two concrete backends (native
// bbolt, browser js/wasm), and a generic Adapter[T] giving every entity kind
// the full C3 operation set over one backend + bucket.
//
// Grounded on cuemby-warren/pkg/storage/boltdb.go for the bucket-per-kind,
// json.Marshal-into-bytes persistence shape; generalized here into a typed,
// generic adapter instead of one struct-per-entity-kind method set.
package storage

import (
	"context"

	"github.com/rs/zerolog"
)

// KeyValue is one raw record as stored in a bucket.
type KeyValue struct {
	Key   string
	Value []byte
}

// KVBackend is the shared low-level contract every storage backend
// implements: bucket-scoped get/put/delete/scan, plus a transaction that a
// backend may decline with errs.NotSupported. Both BoltBackend and
// BrowserBackend implement real transactions.
type KVBackend interface {
	// Get returns the raw bytes stored at key in bucket, or (nil, false) if
	// absent.
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	// Put stores value at key in bucket, creating the bucket if needed.
	Put(ctx context.Context, bucket, key string, value []byte) error
	// Delete removes key from bucket. Deleting an absent key is a no-op.
	Delete(ctx context.Context, bucket, key string) error
	// ForEach calls fn for every key/value pair in bucket, in backend-defined
	// order, stopping early if fn returns an error.
	ForEach(ctx context.Context, bucket string, fn func(KeyValue) error) error
	// Count returns the number of entries in bucket.
	Count(ctx context.Context, bucket string) (int, error)
	// Transaction runs fn with a backend that batches its writes atomically.
	// Returns errs.NotSupported on backends that cannot offer this (neither
	// BoltBackend nor BrowserBackend does so).
	Transaction(ctx context.Context, fn func(tx KVBackend) error) error
	// Close releases backend resources.
	Close() error
}

// defaultLogger returns *l, or a no-op logger when l is nil; backend
// constructors use it for their optional logger argument.
func defaultLogger(l *zerolog.Logger) zerolog.Logger {
	if l != nil {
		return *l
	}
	return zerolog.Nop()
}
