package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/corekit/internal/domain"
	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/hnsw"
)

// indexBlobKey is the single key under which an entity kind's whole HNSW
// index is stored, per spec.md §6: "serialized to a single opaque byte blob
// per entity kind ... and stored alongside the entity store".
const indexBlobKey = "hnsw_index"

// ScoredEntity pairs an entity with its similarity to a semantic_search
// query, per spec.md §4.1.
type ScoredEntity[T domain.Entity] struct {
	Entity     T
	Similarity float64
}

// Generator re-embeds a single entity for rebuild_index, per spec.md §4.1.
type Generator[T domain.Entity] func(ctx context.Context, entity T) ([]float32, error)

// Adapter is the generic C3 storage adapter: a typed wrapper over one
// KVBackend bucket, with an attached HNSW index for entity kinds that embed
// vectors. Backend-specific metadata stays inside Adapter/KVBackend; T
// itself carries none of it, per spec.md §4.1's "domain entities remain
// free of backend annotations".
type Adapter[T domain.Entity] struct {
	mu      sync.Mutex
	backend KVBackend
	bucket  string
	logger  zerolog.Logger
	now     func() time.Time

	index       *hnsw.Index
	indexParams hnsw.Params
	indexBucket string
}

// NewAdapter builds an Adapter over backend, scoped to bucket. indexParams
// is used lazily: the index is loaded from its persisted blob (or
// constructed fresh if none exists) on first semantic_search, index_insert,
// or index_delete call, not eagerly, so entity kinds that never embed pay no
// HNSW cost. rebuild_index replaces it with a freshly built index, and
// IndexSize loads a persisted blob without creating an empty index.
func NewAdapter[T domain.Entity](backend KVBackend, bucket string, indexParams hnsw.Params, logger zerolog.Logger) *Adapter[T] {
	return &Adapter[T]{
		backend:     backend,
		bucket:      bucket,
		logger:      logger,
		now:         time.Now,
		indexParams: indexParams,
		indexBucket: bucket + "_hnsw_index",
	}
}

func (a *Adapter[T]) decode(raw []byte) (T, error) {
	var entity T
	if err := json.Unmarshal(raw, &entity); err != nil {
		var zero T
		return zero, errs.Wrap(errs.Corrupt, fmt.Sprintf("storage: decode entity in bucket %s", a.bucket), err)
	}
	return entity, nil
}

func (a *Adapter[T]) encode(entity T) ([]byte, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, fmt.Sprintf("storage: encode entity in bucket %s", a.bucket), err)
	}
	return raw, nil
}

// FindByUUID returns the entity and true, or the zero value and false if
// absent.
func (a *Adapter[T]) FindByUUID(ctx context.Context, uuid string) (T, bool, error) {
	raw, ok, err := a.backend.Get(ctx, a.bucket, uuid)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if !ok {
		var zero T
		return zero, false, nil
	}
	entity, err := a.decode(raw)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return entity, true, nil
}

// GetByUUID returns the entity, failing with errs.NotFound if absent.
func (a *Adapter[T]) GetByUUID(ctx context.Context, uuid string) (T, error) {
	entity, ok, err := a.FindByUUID(ctx, uuid)
	if err != nil {
		var zero T
		return zero, err
	}
	if !ok {
		var zero T
		return zero, errs.New(errs.NotFound, fmt.Sprintf("storage: %s/%s not found", a.bucket, uuid))
	}
	return entity, nil
}

// FindAll returns every entity currently in the bucket.
func (a *Adapter[T]) FindAll(ctx context.Context) ([]T, error) {
	var out []T
	err := a.backend.ForEach(ctx, a.bucket, func(kv KeyValue) error {
		entity, err := a.decode(kv.Value)
		if err != nil {
			return err
		}
		out = append(out, entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save persists entity. If touch is true, UpdatedAt is bumped to now;
// otherwise the caller's value is preserved, per spec.md §4.1.
func (a *Adapter[T]) Save(ctx context.Context, entity T, touch bool) (T, error) {
	if touch {
		entity.SetUpdatedAt(a.now())
	}
	raw, err := a.encode(entity)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := a.backend.Put(ctx, a.bucket, entity.GetUUID(), raw); err != nil {
		var zero T
		return zero, err
	}
	return entity, nil
}

// SaveAll persists every entity. Atomic when the backend's Transaction
// supports it; sequential (best-effort) otherwise, per spec.md §4.1.
func (a *Adapter[T]) SaveAll(ctx context.Context, entities []T, touch bool) ([]T, error) {
	putAll := func(tx KVBackend) error {
		for i := range entities {
			if touch {
				entities[i].SetUpdatedAt(a.now())
			}
			raw, err := a.encode(entities[i])
			if err != nil {
				return err
			}
			if err := tx.Put(ctx, a.bucket, entities[i].GetUUID(), raw); err != nil {
				return err
			}
		}
		return nil
	}
	err := a.backend.Transaction(ctx, putAll)
	if errs.Is(err, errs.NotSupported) {
		err = putAll(a.backend)
	}
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// DeleteByUUID removes the entity, returning whether it was present.
func (a *Adapter[T]) DeleteByUUID(ctx context.Context, uuid string) (bool, error) {
	_, existed, err := a.FindByUUID(ctx, uuid)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := a.backend.Delete(ctx, a.bucket, uuid); err != nil {
		return false, err
	}
	a.mu.Lock()
	hasIndex := a.index != nil
	if hasIndex {
		_ = a.index.Delete(uuid)
	}
	a.mu.Unlock()
	if hasIndex {
		if err := a.persistIndex(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// DeleteAll removes every uuid listed, ignoring ones already absent.
func (a *Adapter[T]) DeleteAll(ctx context.Context, uuids []string) error {
	return a.backend.Transaction(ctx, func(tx KVBackend) error {
		for _, uuid := range uuids {
			if err := tx.Delete(ctx, a.bucket, uuid); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindUnsynced returns entities whose SyncStatus is domain.SyncLocal.
func (a *Adapter[T]) FindUnsynced(ctx context.Context) ([]T, error) {
	all, err := a.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, e := range all {
		if e.GetSyncStatus() == domain.SyncLocal {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns the number of entities in the bucket.
func (a *Adapter[T]) Count(ctx context.Context) (int, error) {
	return a.backend.Count(ctx, a.bucket)
}

// Transaction runs fn against a transactionally-scoped Adapter sharing this
// Adapter's bucket and index. Fails with whatever the underlying backend's
// Transaction returns (errs.NotSupported on backends that cannot offer
// synchronous cross-op atomicity).
func (a *Adapter[T]) Transaction(ctx context.Context, fn func(tx *Adapter[T]) error) error {
	return a.backend.Transaction(ctx, func(txBackend KVBackend) error {
		scoped := &Adapter[T]{
			backend:     txBackend,
			bucket:      a.bucket,
			logger:      a.logger,
			now:         a.now,
			index:       a.index,
			indexParams: a.indexParams,
			indexBucket: a.indexBucket,
		}
		return fn(scoped)
	})
}

// ensureIndex returns the live index, loading it from its persisted blob on
// first use (after a process restart) and falling back to a fresh empty
// index if none was ever persisted.
func (a *Adapter[T]) ensureIndex() *hnsw.Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index != nil {
		return a.index
	}
	if idx, ok := a.loadIndexLocked(); ok {
		a.index = idx
		return a.index
	}
	a.index = hnsw.New(a.indexParams, rand.New(rand.NewSource(1)))
	return a.index
}

// loadIndexLocked reads and deserializes the persisted index blob, if any.
// Callers must hold a.mu.
func (a *Adapter[T]) loadIndexLocked() (*hnsw.Index, bool) {
	raw, ok, err := a.backend.Get(context.Background(), a.indexBucket, indexBlobKey)
	if err != nil || !ok {
		return nil, false
	}
	idx, err := hnsw.Deserialize(bytes.NewReader(raw), a.indexParams.EfConstruction, a.indexParams.EfSearch)
	if err != nil {
		a.logger.Warn().Err(err).Str("bucket", a.bucket).Msg("storage: discarding corrupt persisted hnsw index")
		return nil, false
	}
	return idx, true
}

// persistIndex serializes the live index and writes it to its blob key, per
// spec.md §6. Called after every mutation so a process restart reloads the
// index instead of returning empty results until rebuild_index runs.
func (a *Adapter[T]) persistIndex() error {
	a.mu.Lock()
	idx := a.index
	a.mu.Unlock()
	if idx == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := idx.Serialize(&buf); err != nil {
		return errs.Wrap(errs.Corrupt, fmt.Sprintf("storage: serialize hnsw index for %s", a.bucket), err)
	}
	return a.backend.Put(context.Background(), a.indexBucket, indexBlobKey, buf.Bytes())
}

// similarity converts an HNSW distance into the [0,1]-ish similarity scale
// spec.md §4.1 expects from semantic_search: 1-distance for cosine (already
// bounded [0,2], clamped at 0), 1/(1+distance) for euclidean.
func similarity(metric hnsw.Metric, distance float64) float64 {
	if metric == hnsw.Euclidean {
		return 1 / (1 + distance)
	}
	sim := 1 - distance
	if sim < 0 {
		sim = 0
	}
	return sim
}

// SemanticSearch returns up to limit entities whose embedded vector is
// closest to queryVector, filtered to similarity >= minSimilarity.
func (a *Adapter[T]) SemanticSearch(ctx context.Context, queryVector []float32, limit int, minSimilarity float64) ([]ScoredEntity[T], error) {
	idx := a.ensureIndex()
	results, err := idx.Search(queryVector, limit, a.indexParams.EfSearch)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredEntity[T], 0, len(results))
	for _, r := range results {
		sim := similarity(a.indexParams.Metric, r.Distance)
		if sim < minSimilarity {
			continue
		}
		entity, ok, err := a.FindByUUID(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, ScoredEntity[T]{Entity: entity, Similarity: sim})
	}
	return out, nil
}

// RebuildIndex re-embeds every entity in the bucket via generate and
// replaces the live HNSW index with a freshly built one, per spec.md §4.1.
func (a *Adapter[T]) RebuildIndex(ctx context.Context, generate Generator[T]) error {
	all, err := a.FindAll(ctx)
	if err != nil {
		return err
	}

	fresh := hnsw.New(a.indexParams, rand.New(rand.NewSource(1)))
	for _, entity := range all {
		vector, err := generate(ctx, entity)
		if err != nil {
			return errs.Wrap(errs.Corrupt, fmt.Sprintf("storage: rebuild_index embed %s", entity.GetUUID()), err)
		}
		if vector == nil {
			continue
		}
		if err := fresh.Insert(entity.GetUUID(), vector); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.index = fresh
	a.mu.Unlock()
	return a.persistIndex()
}

// IndexInsert adds id/vector to the live index, replacing the vector if id
// is already present; used
// by the repository layer's Embeddable handler after a task completes.
func (a *Adapter[T]) IndexInsert(id string, vector []float32) error {
	idx := a.ensureIndex()
	err := idx.Insert(id, vector)
	if errs.Is(err, errs.Duplicate) {
		_ = idx.Delete(id)
		err = idx.Insert(id, vector)
	}
	if err != nil {
		return err
	}
	return a.persistIndex()
}

// IndexDelete removes id from the live index, ignoring a not-found id.
func (a *Adapter[T]) IndexDelete(id string) error {
	idx := a.ensureIndex()
	err := idx.Delete(id)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	return a.persistIndex()
}

// IndexSize reports the HNSW index's node count, for metrics. If the index
// is not yet live, the persisted blob (if any) is loaded first; with no
// blob the size is 0 and no index is created.
func (a *Adapter[T]) IndexSize() int {
	a.mu.Lock()
	if a.index == nil {
		if loaded, ok := a.loadIndexLocked(); ok {
			a.index = loaded
		}
	}
	idx := a.index
	a.mu.Unlock()
	if idx == nil {
		return 0
	}
	return idx.Size()
}
