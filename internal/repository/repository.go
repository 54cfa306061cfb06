// Package repository implements the C7 entity repository from spec.md
// §4.6: one typed repository per entity kind, composed from a
// storage.Adapter[T] and the ordered lifecycle handler chain (touch,
// versionable, semantic-indexable, persist, embeddable, edgeable). Grounded
// on spec.md §4.6's handler ordering directly; the generic,
// constructor-injected composition style follows storage.Adapter[T] and the
// rest of the core.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/corekit/internal/chunker"
	"github.com/kittclouds/corekit/internal/domain"
	"github.com/kittclouds/corekit/internal/edge"
	"github.com/kittclouds/corekit/internal/embedqueue"
	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/logging"
	"github.com/kittclouds/corekit/internal/metrics"
	"github.com/kittclouds/corekit/internal/storage"
	"github.com/kittclouds/corekit/internal/version"
)

// Repository composes an Adapter[T] with the lifecycle handler chain from
// spec.md §4.6. One Repository[T] is constructed per entity kind; its
// embedqueue.Queue and version.Store are scoped to that kind's own bucket
// (see DESIGN.md's Open Question decision on per-kind embedding queues).
type Repository[T domain.Entity] struct {
	kind             string
	adapter          *storage.Adapter[T]
	versions         *version.Store
	embeddingQueue   *embedqueue.Queue
	embeddingService embedqueue.EmbeddingService
	edges            *edge.Store
	chunkerConfigs   map[domain.ChunkConfigName]chunker.Config
	logger           zerolog.Logger
	now              func() time.Time
}

// New builds a Repository for entity kind "kind". edges may be nil for
// entity kinds that never participate in the graph; embeddingQueue/
// embeddingService may be nil for entity kinds that are never Embeddable
// or Chunkable.
func New[T domain.Entity](
	kind string,
	adapter *storage.Adapter[T],
	versions *version.Store,
	embeddingQueue *embedqueue.Queue,
	embeddingService embedqueue.EmbeddingService,
	edges *edge.Store,
	logger zerolog.Logger,
) *Repository[T] {
	return &Repository[T]{
		kind:             kind,
		adapter:          adapter,
		versions:         versions,
		embeddingQueue:   embeddingQueue,
		embeddingService: embeddingService,
		edges:            edges,
		chunkerConfigs: map[domain.ChunkConfigName]chunker.Config{
			domain.ChunkConfigParent: chunker.ParentPreset,
			domain.ChunkConfigChild:  chunker.ChildPreset,
		},
		logger: logging.WithComponent(logger, "repository"),
		now:    time.Now,
	}
}

// FindByUUID passes through to the adapter.
func (r *Repository[T]) FindByUUID(ctx context.Context, uuid string) (T, bool, error) {
	return r.adapter.FindByUUID(ctx, uuid)
}

// GetByUUID passes through to the adapter, failing with errs.NotFound.
func (r *Repository[T]) GetByUUID(ctx context.Context, uuid string) (T, error) {
	return r.adapter.GetByUUID(ctx, uuid)
}

// FindAll passes through to the adapter.
func (r *Repository[T]) FindAll(ctx context.Context) ([]T, error) {
	return r.adapter.FindAll(ctx)
}

// Save runs the ordered handler chain from spec.md §4.6:
//  1. touch (unless the caller suppresses it)
//  2. versionable: diff against the previously persisted state, append a
//     version, assign the new version number
//  3. semantic-indexable: split chunkable text and enqueue an embedding task per chunk
//  4. persist via the adapter
//  5. embeddable: if the embedding text changed, enqueue an embedding task
//  6. edgeable: no action (present for symmetry with delete)
func (r *Repository[T]) Save(ctx context.Context, entity T, touch bool) (T, error) {
	var zero T
	now := r.now()

	if touch {
		entity.SetUpdatedAt(now)
	}

	existing, existed, err := r.adapter.FindByUUID(ctx, entity.GetUUID())
	if err != nil {
		return zero, err
	}

	if v, ok := any(entity).(domain.Versionable); ok {
		var prevState any
		if existed {
			prevState, err = versionedState(existing)
			if err != nil {
				return zero, err
			}
		}
		curState, err := versionedState(entity)
		if err != nil {
			return zero, err
		}
		versionNum, err := r.versions.Write(ctx, entity.GetUUID(), prevState, curState, v.SnapshotCadence(), now)
		if err != nil {
			return zero, err
		}
		v.SetVersion(versionNum)
	}

	if c, ok := any(entity).(domain.Chunkable); ok {
		if err := r.enqueueChunking(ctx, entity.GetUUID(), c); err != nil {
			return zero, err
		}
	}

	saved, err := r.adapter.Save(ctx, entity, false)
	if err != nil {
		return zero, err
	}

	if e, ok := any(saved).(domain.Embeddable); ok && r.embeddingQueue != nil {
		text := e.TextForEmbedding()
		changed := true
		if existed {
			if prevE, ok2 := any(existing).(domain.Embeddable); ok2 {
				changed = prevE.TextForEmbedding() != text
			}
		}
		if changed && text != "" {
			if err := r.embeddingQueue.Enqueue(ctx, saved.GetUUID(), r.kind, text); err != nil {
				return zero, err
			}
		}
	}

	metrics.RepositorySavesTotal.WithLabelValues(r.kind).Inc()
	return saved, nil
}

// SaveAll runs Save for every entity in order, stopping at the first error.
func (r *Repository[T]) SaveAll(ctx context.Context, entities []T) ([]T, error) {
	out := make([]T, len(entities))
	for i, e := range entities {
		saved, err := r.Save(ctx, e, true)
		if err != nil {
			return nil, err
		}
		out[i] = saved
	}
	return out, nil
}

// DeleteByUUID runs the ordered delete chain from spec.md §4.6: load (for
// cascade hooks), remove from the vector index if embedded, persist the
// deletion, and optionally prune edges touching uuid.
func (r *Repository[T]) DeleteByUUID(ctx context.Context, uuid string, pruneEdges bool) (bool, error) {
	existing, existed, err := r.adapter.FindByUUID(ctx, uuid)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	if _, ok := any(existing).(domain.Embeddable); ok {
		if err := r.adapter.IndexDelete(uuid); err != nil {
			return false, err
		}
	}

	removed, err := r.adapter.DeleteByUUID(ctx, uuid)
	if err != nil {
		return false, err
	}

	if pruneEdges && r.edges != nil {
		if err := r.pruneEdgesFor(ctx, uuid); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (r *Repository[T]) pruneEdgesFor(ctx context.Context, uuid string) error {
	bySource, err := r.edges.FindBySource(ctx, uuid)
	if err != nil {
		return err
	}
	byTarget, err := r.edges.FindByTarget(ctx, uuid)
	if err != nil {
		return err
	}
	for _, e := range bySource {
		if _, err := r.edges.DeleteEdge(ctx, e.SourceUUID, e.TargetUUID, e.EdgeType); err != nil {
			return err
		}
	}
	for _, e := range byTarget {
		if _, err := r.edges.DeleteEdge(ctx, e.SourceUUID, e.TargetUUID, e.EdgeType); err != nil {
			return err
		}
	}
	return nil
}

// SemanticSearch converts queryText to a vector via the embedding service,
// then delegates to the adapter's HNSW-backed search, per spec.md §4.6's
// semantic search contract.
func (r *Repository[T]) SemanticSearch(ctx context.Context, queryText string, limit int, minSimilarity float64) ([]storage.ScoredEntity[T], error) {
	vector, err := r.embeddingService.Generate(ctx, queryText)
	if err != nil {
		return nil, err
	}
	return r.adapter.SemanticSearch(ctx, vector, limit, minSimilarity)
}

// RebuildIndex re-embeds every Embeddable entity (reusing any already
// stored vector) and rebuilds the live HNSW index from scratch.
func (r *Repository[T]) RebuildIndex(ctx context.Context) error {
	return r.adapter.RebuildIndex(ctx, func(ctx context.Context, entity T) ([]float32, error) {
		e, ok := any(entity).(domain.Embeddable)
		if !ok {
			return nil, nil
		}
		if v := e.Vector(); v != nil {
			return v, nil
		}
		return r.embeddingService.Generate(ctx, e.TextForEmbedding())
	})
}

// ApplyVector implements embedqueue.VectorApplier: applied in the
// background, so it must not touch updatedAt or the version history, per
// spec.md §9's cyclic-dependency note.
func (r *Repository[T]) ApplyVector(ctx context.Context, uuid string, vector []float32) error {
	entity, ok, err := r.adapter.FindByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("repository: %s/%s not found for embedding apply", r.kind, uuid))
	}
	e, ok := any(entity).(domain.Embeddable)
	if !ok {
		return nil
	}
	e.SetVector(vector)
	if _, err := r.adapter.Save(ctx, entity, false); err != nil {
		return err
	}
	return r.adapter.IndexInsert(uuid, vector)
}

func (r *Repository[T]) enqueueChunking(ctx context.Context, uuid string, c domain.Chunkable) error {
	if r.embeddingQueue == nil {
		return nil
	}
	text := c.TextForChunking()
	if text == "" {
		return nil
	}
	cfg, ok := r.chunkerConfigs[c.ChunkConfig()]
	if !ok {
		cfg = chunker.ParentPreset
	}
	chunks, err := chunker.Split(ctx, text, cfg, r.embeddingService)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		chunkID := fmt.Sprintf("%s#chunk%d", uuid, i)
		if err := r.embeddingQueue.Enqueue(ctx, chunkID, r.kind+".chunk", chunk.Text); err != nil {
			return err
		}
	}
	return nil
}

// versionedState serializes entity to a JSON-tree map, stripping the
// bookkeeping fields (updatedAt, version) that change on every save but
// carry no domain meaning, so a version's changedFields reflects only
// actual content changes (see DESIGN.md's Open Question decision).
func versionedState(entity any) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, "repository: encode entity state", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "repository: decode entity state", err)
	}
	delete(m, "updatedAt")
	delete(m, "version")
	return m, nil
}
