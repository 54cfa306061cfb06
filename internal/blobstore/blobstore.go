// Package blobstore implements the C1 blob store from spec.md §2/§8.9:
// opaque byte storage keyed by id, with streamed reads so large payloads are
// never fully materialized unless the caller asks for Load. Grounded on
// cuemby-warren/pkg/storage/boltdb.go's bucket-per-kind bbolt usage,
// generalized into chunked records so a blob of arbitrary size never lives
// in a single bbolt value (bbolt values are fine up to a few MB, but the
// streaming contract spec.md §8.9 calls for still applies above that).
package blobstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"

	"github.com/kittclouds/corekit/internal/errs"
)

// DefaultChunkSize is the size of each stored chunk record, and the read
// granularity StreamRead uses when its caller passes no chunkSize.
const DefaultChunkSize = 64 * 1024

var metaBucket = []byte("blob_meta")
var chunkBucket = []byte("blob_chunks")

// Store is the bbolt-backed blob store.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (or creates) a blob store database at path, per spec.md
// §8.9's initialize operation.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, fmt.Sprintf("blobstore: open %s", path), err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(chunkBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Corrupt, "blobstore: init buckets", err)
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Store{db: db, logger: l}, nil
}

func chunkKey(id string, seq uint32) []byte {
	key := make([]byte, len(id)+1+4)
	copy(key, id)
	key[len(id)] = ':'
	binary.BigEndian.PutUint32(key[len(id)+1:], seq)
	return key
}

// Save writes data under id, splitting it into DefaultChunkSize chunks.
func (s *Store) Save(_ context.Context, id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		chunks := tx.Bucket(chunkBucket)

		prefix := []byte(id + ":")
		c := chunks.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := chunks.Delete(k); err != nil {
				return err
			}
		}

		var seq uint32
		for offset := 0; offset < len(data) || (len(data) == 0 && offset == 0); offset += DefaultChunkSize {
			end := offset + DefaultChunkSize
			if end > len(data) {
				end = len(data)
			}
			if err := chunks.Put(chunkKey(id, seq), data[offset:end]); err != nil {
				return err
			}
			seq++
			if len(data) == 0 {
				break
			}
		}

		sizeBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(sizeBuf, uint64(len(data)))
		return meta.Put([]byte(id), sizeBuf)
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Load reads the entire blob for id, fully materializing it. Returns
// (nil, false) if id is absent.
func (s *Store) Load(ctx context.Context, id string) ([]byte, bool, error) {
	ok, err := s.Contains(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var buf []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(chunkBucket)
		prefix := []byte(id + ":")
		c := chunks.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			buf = append(buf, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.Corrupt, fmt.Sprintf("blobstore: load %s", id), err)
	}
	return buf, true, nil
}

// Delete removes id and all of its chunks.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		chunks := tx.Bucket(chunkBucket)
		if err := meta.Delete([]byte(id)); err != nil {
			return err
		}
		prefix := []byte(id + ":")
		c := chunks.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := chunks.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Contains reports whether id has a blob stored.
func (s *Store) Contains(_ context.Context, id string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		found = meta.Get([]byte(id)) != nil
		return nil
	})
	if err != nil {
		return false, errs.Wrap(errs.Corrupt, fmt.Sprintf("blobstore: contains %s", id), err)
	}
	return found, nil
}

// Size returns the byte length of the blob stored under id, failing with
// errs.NotFound if absent.
func (s *Store) Size(_ context.Context, id string) (int64, error) {
	var size int64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		raw := meta.Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		size = int64(binary.BigEndian.Uint64(raw))
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.Corrupt, fmt.Sprintf("blobstore: size %s", id), err)
	}
	if !found {
		return 0, errs.New(errs.NotFound, fmt.Sprintf("blobstore: %s not found", id))
	}
	return size, nil
}

// StreamRead returns an io.ReadCloser that yields id's payload chunk by
// chunk without ever materializing the whole blob, per spec.md §8.9's
// streaming requirement. chunkSize, if 0, uses DefaultChunkSize as the read
// granularity (independent of how the blob was originally chunked on save).
func (s *Store) StreamRead(_ context.Context, id string, chunkSize int) (io.ReadCloser, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	found, err := s.Contains(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("blobstore: %s not found", id))
	}
	return &blobReader{store: s, id: id, chunkSize: chunkSize}, nil
}

// blobReader pulls successive stored chunks out of bbolt on demand,
// re-segmenting them to chunkSize as it reads, so StreamRead never holds
// more than one chunkSize-sized buffer plus one stored chunk in memory.
type blobReader struct {
	store     *Store
	id        string
	chunkSize int
	seq       uint32
	buf       []byte
	done      bool
}

func (r *blobReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		chunk, ok, err := r.nextStoredChunk()
		if err != nil {
			return 0, err
		}
		if !ok {
			r.done = true
			return 0, io.EOF
		}
		r.buf = chunk
	}
	if len(p) > r.chunkSize {
		p = p[:r.chunkSize]
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *blobReader) nextStoredChunk() ([]byte, bool, error) {
	var chunk []byte
	var found bool
	err := r.store.db.View(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(chunkBucket)
		raw := chunks.Get(chunkKey(r.id, r.seq))
		if raw == nil {
			return nil
		}
		found = true
		chunk = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.Corrupt, fmt.Sprintf("blobstore: stream read %s", r.id), err)
	}
	if found {
		r.seq++
	}
	return chunk, found, nil
}

func (r *blobReader) Close() error { return nil }

// Dispose releases the store's backing file handle, per spec.md §8.9.
func (s *Store) Dispose() error {
	return s.db.Close()
}
