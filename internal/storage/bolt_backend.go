//go:build !js

package storage

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"

	"github.com/kittclouds/corekit/internal/errs"
)

// BoltBackend is the native embedded KV backend: one bbolt database file,
// one bucket per entity kind, synchronous transactions. Grounded on
// cuemby-warren/pkg/storage/boltdb.go's bucket-per-kind layout.
type BoltBackend struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// OpenBolt opens (creating if absent) a bbolt database at path.
func OpenBolt(path string, logger *zerolog.Logger) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, fmt.Sprintf("storage: open bolt db %s", path), err)
	}
	return &BoltBackend{db: db, logger: defaultLogger(logger)}, nil
}

func (b *BoltBackend) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		raw := bkt.Get([]byte(key))
		if raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.Corrupt, "storage: get", err)
	}
	return value, value != nil, nil
}

func (b *BoltBackend) Put(_ context.Context, bucket, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), value)
	})
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: put", err)
	}
	return nil
}

func (b *BoltBackend) Delete(_ context.Context, bucket, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: delete", err)
	}
	return nil
}

func (b *BoltBackend) ForEach(_ context.Context, bucket string, fn func(KeyValue) error) error {
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			return fn(KeyValue{Key: string(k), Value: append([]byte(nil), v...)})
		})
	})
	if err != nil {
		return errs.Wrap(errs.Corrupt, "storage: foreach", err)
	}
	return nil
}

func (b *BoltBackend) Count(_ context.Context, bucket string) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.Corrupt, "storage: count", err)
	}
	return n, nil
}

// Transaction runs fn atomically against a single bbolt read-write
// transaction; writes made against the passed KVBackend commit together or
// not at all.
func (b *BoltBackend) Transaction(_ context.Context, fn func(tx KVBackend) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		scoped := &boltTxBackend{tx: tx}
		return fn(scoped)
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// boltTxBackend implements KVBackend over a single already-open bbolt
// transaction, for use inside Transaction callbacks.
type boltTxBackend struct {
	tx *bolt.Tx
}

func (t *boltTxBackend) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	bkt := t.tx.Bucket([]byte(bucket))
	if bkt == nil {
		return nil, false, nil
	}
	raw := bkt.Get([]byte(key))
	if raw == nil {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (t *boltTxBackend) Put(_ context.Context, bucket, key string, value []byte) error {
	bkt, err := t.tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), value)
}

func (t *boltTxBackend) Delete(_ context.Context, bucket, key string) error {
	bkt := t.tx.Bucket([]byte(bucket))
	if bkt == nil {
		return nil
	}
	return bkt.Delete([]byte(key))
}

func (t *boltTxBackend) ForEach(_ context.Context, bucket string, fn func(KeyValue) error) error {
	bkt := t.tx.Bucket([]byte(bucket))
	if bkt == nil {
		return nil
	}
	return bkt.ForEach(func(k, v []byte) error {
		return fn(KeyValue{Key: string(k), Value: append([]byte(nil), v...)})
	})
}

func (t *boltTxBackend) Count(_ context.Context, bucket string) (int, error) {
	bkt := t.tx.Bucket([]byte(bucket))
	if bkt == nil {
		return 0, nil
	}
	return bkt.Stats().KeyN, nil
}

func (t *boltTxBackend) Transaction(ctx context.Context, fn func(tx KVBackend) error) error {
	return fn(t)
}

func (t *boltTxBackend) Close() error { return nil }
